package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Session locks are SET NX PX leases with an owner token. A held lease
// is renewed in the background for as long as this process holds it, so
// a backend call longer than the lease duration cannot lose the lock to
// a peer mid-turn. The lease expiring on its own is the crash-recovery
// path: a dead holder stops renewing and the lock vanishes after at
// most lockLease without any coordination.

// lockPollInterval is how often a waiting acquire re-tries the lease.
const lockPollInterval = 100 * time.Millisecond

// unlockScript deletes the lease only when the caller still owns it.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// renewScript extends the lease only when the caller still owns it.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// lease is one held session lock: its owner token plus the renewal
// goroutine's stop signal.
type lease struct {
	token  string
	stopCh chan struct{}
	done   chan struct{}
}

// AcquireSession attempts to take the session's lock lease, waiting up
// to wait. Returns false when the lease stays held for the full wait.
// On success a renewal loop keeps the lease alive until release.
func (s *Store) AcquireSession(ctx context.Context, sessionID string, wait time.Duration) (bool, error) {
	token, err := newToken()
	if err != nil {
		return false, err
	}

	deadline := time.Now().Add(wait)
	for {
		got, setErr := s.client.SetNX(ctx, lockKey(sessionID), token, s.lockLease).Result()
		if setErr != nil {
			return false, fmt.Errorf("turnstile/redis: acquire session lock: %w", setErr)
		}
		if got {
			l := &lease{
				token:  token,
				stopCh: make(chan struct{}),
				done:   make(chan struct{}),
			}
			s.lockMu.Lock()
			s.leases[sessionID] = l
			s.lockMu.Unlock()
			go s.renewLoop(sessionID, l)
			return true, nil
		}

		if wait <= 0 || !time.Now().Add(lockPollInterval).Before(deadline) {
			return false, nil
		}

		select {
		case <-time.After(lockPollInterval):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// renewLoop extends the held lease at a third of its duration until the
// lock is released. Renewal is token-guarded: if the lease was somehow
// lost (manual flush, failover), the loop stops rather than stealing a
// peer's lock.
func (s *Store) renewLoop(sessionID string, l *lease) {
	defer close(l.done)

	interval := s.lockLease / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			n, err := renewScript.Run(context.Background(), s.client,
				[]string{lockKey(sessionID)}, l.token, s.lockLease.Milliseconds()).Int()
			if err != nil {
				s.logger.Warn("session lock renewal failed",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if n == 0 {
				s.logger.Warn("session lock lease lost before release",
					slog.String("session_id", sessionID),
				)
				return
			}
		}
	}
}

// ReleaseSession stops renewal and releases the session's lock lease.
// The delete is token-guarded, so releasing a lease this process no
// longer owns is a no-op.
func (s *Store) ReleaseSession(ctx context.Context, sessionID string) error {
	s.lockMu.Lock()
	l, ok := s.leases[sessionID]
	if ok {
		delete(s.leases, sessionID)
	}
	s.lockMu.Unlock()

	if !ok {
		return nil
	}
	close(l.stopCh)
	<-l.done

	err := unlockScript.Run(ctx, s.client, []string{lockKey(sessionID)}, l.token).Err()
	if err != nil {
		return fmt.Errorf("turnstile/redis: release session lock: %w", err)
	}
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("turnstile/redis: lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
