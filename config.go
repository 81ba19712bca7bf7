package turnstile

import (
	"fmt"
	"time"
)

// ReclaimPolicy controls what happens to a processing request whose
// owning worker appears dead.
type ReclaimPolicy string

const (
	// ReclaimRequeue resets stuck requests to pending so the next turn
	// retries them. The default: asynchronous channels never lose their
	// place in the conversation.
	ReclaimRequeue ReclaimPolicy = "requeue"

	// ReclaimFail marks stuck requests failed instead. Use only where
	// at-most-once delivery to the backend is a hard business rule.
	ReclaimFail ReclaimPolicy = "fail"
)

// Config holds configuration for the Router.
type Config struct {
	// LockWaitTimeout bounds how long a turn waits to acquire a
	// session's lock before surfacing ErrLockTimeout.
	LockWaitTimeout time.Duration

	// BackendTimeout bounds the single backend call made while the
	// session lock is held.
	BackendTimeout time.Duration

	// ReclaimBuffer is added to BackendTimeout to form the time-based
	// stuck cutoff for processing rows.
	ReclaimBuffer time.Duration

	// HeartbeatInterval is how often this worker writes its liveness row.
	HeartbeatInterval time.Duration

	// StalenessGrace is how long a worker may go without a heartbeat
	// before it is considered dead. Must be at least twice
	// HeartbeatInterval so one missed beat is not a false positive.
	StalenessGrace time.Duration

	// AwaitTimeout bounds a synchronous caller's wait for its own
	// result, independent of the lock.
	AwaitTimeout time.Duration

	// PollInterval is how often the completion poller scans the ledger
	// for requests finished by peer replicas.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// ReclaimPolicy selects requeue or fail for stuck requests.
	ReclaimPolicy ReclaimPolicy
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LockWaitTimeout:   90 * time.Second,
		BackendTimeout:    120 * time.Second,
		ReclaimBuffer:     30 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		StalenessGrace:    30 * time.Second,
		AwaitTimeout:      180 * time.Second,
		PollInterval:      time.Second,
		ShutdownTimeout:   30 * time.Second,
		ReclaimPolicy:     ReclaimRequeue,
	}
}

// Validate checks invariants between related settings.
func (c Config) Validate() error {
	if c.LockWaitTimeout <= 0 {
		return fmt.Errorf("%w: lock wait timeout must be positive", ErrInvalidConfig)
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("%w: backend timeout must be positive", ErrInvalidConfig)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat interval must be positive", ErrInvalidConfig)
	}
	if c.StalenessGrace < 2*c.HeartbeatInterval {
		return fmt.Errorf("%w: staleness grace %s is less than twice the heartbeat interval %s",
			ErrInvalidConfig, c.StalenessGrace, c.HeartbeatInterval)
	}
	switch c.ReclaimPolicy {
	case ReclaimRequeue, ReclaimFail:
	default:
		return fmt.Errorf("%w: unknown reclaim policy %q", ErrInvalidConfig, c.ReclaimPolicy)
	}
	return nil
}

// StuckCutoff returns the age past which a processing row is considered
// stuck on time alone.
func (c Config) StuckCutoff() time.Duration {
	return c.BackendTimeout + c.ReclaimBuffer
}
