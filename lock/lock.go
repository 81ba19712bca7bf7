// Package lock defines the session lock coordinator contract:
// cluster-wide mutual exclusion keyed by session ID, held for exactly
// one turn. Implementations live in the storage backends.
//
// The essential contract is auto-release on holder connection loss: a
// crashed holder must never wedge a session until an explicit timeout.
// The Postgres backend gets this from session-scoped advisory locks,
// the Redis backend from expiring leases, and the memory backend from
// process lifetime itself.
package lock

import (
	"context"
	"time"
)

// Locker provides cluster-wide per-session mutual exclusion.
type Locker interface {
	// AcquireSession attempts to take the session's lock, waiting up to
	// wait. Returns false when the lock could not be acquired within
	// the window; the caller surfaces a transient-retry response and
	// leaves the ledger untouched.
	AcquireSession(ctx context.Context, sessionID string, wait time.Duration) (bool, error)

	// ReleaseSession releases the session's lock. Releasing a lock this
	// holder does not own is a no-op.
	ReleaseSession(ctx context.Context, sessionID string) error
}
