package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Session locks are PostgreSQL session-scoped advisory locks. Each held
// lock pins a dedicated connection from the pool; the server releases
// the lock automatically when that connection dies, so a crashed holder
// never strands a session.

// lockRetryInterval is how often a waiting acquire re-tries the lock.
const lockRetryInterval = 100 * time.Millisecond

// AcquireSession attempts to take the session's advisory lock, waiting
// up to wait. Returns false when the lock stays held for the full wait.
func (s *Store) AcquireSession(ctx context.Context, sessionID string, wait time.Duration) (bool, error) {
	s.lockMu.Lock()
	if _, holding := s.held[sessionID]; holding {
		// This process already holds the lock. Advisory locks are
		// reentrant per connection; the scheduler treats a second
		// acquire as contention instead.
		s.lockMu.Unlock()
		return false, nil
	}
	s.lockMu.Unlock()

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("turnstile/postgres: acquire lock conn: %w", err)
	}

	deadline := time.Now().Add(wait)
	for {
		got, tryErr := tryAdvisoryLock(ctx, conn, sessionID)
		if tryErr != nil {
			conn.Release()
			return false, tryErr
		}
		if got {
			s.lockMu.Lock()
			s.held[sessionID] = conn
			s.lockMu.Unlock()
			return true, nil
		}

		if wait <= 0 || !time.Now().Add(lockRetryInterval).Before(deadline) {
			conn.Release()
			return false, nil
		}

		select {
		case <-time.After(lockRetryInterval):
		case <-ctx.Done():
			conn.Release()
			return false, ctx.Err()
		}
	}
}

// ReleaseSession releases the session's advisory lock and returns its
// connection to the pool. Releasing an unheld lock is a no-op.
func (s *Store) ReleaseSession(ctx context.Context, sessionID string) error {
	s.lockMu.Lock()
	conn, ok := s.held[sessionID]
	if ok {
		delete(s.held, sessionID)
	}
	s.lockMu.Unlock()

	if !ok {
		return nil
	}
	defer conn.Release()

	_, err := conn.Exec(ctx,
		`SELECT pg_advisory_unlock(hashtextextended('turnstile:session:' || $1, 0))`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("turnstile/postgres: release session lock: %w", err)
	}
	return nil
}

func tryAdvisoryLock(ctx context.Context, conn *pgxpool.Conn, sessionID string) (bool, error) {
	var got bool
	err := conn.QueryRow(ctx,
		`SELECT pg_try_advisory_lock(hashtextextended('turnstile:session:' || $1, 0))`,
		sessionID,
	).Scan(&got)
	if err != nil {
		return false, fmt.Errorf("turnstile/postgres: try session lock: %w", err)
	}
	return got, nil
}
