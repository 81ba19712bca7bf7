// Package hooks defines the extension system for Turnstile. Extensions
// are notified of lifecycle events (request accepted, turn started,
// completed, reclaimed, etc.) and can react to them — logging, metrics,
// push delivery.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package hooks

import (
	"context"
	"time"

	"github.com/turnhq/turnstile/request"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Request lifecycle hooks
// ──────────────────────────────────────────────────

// RequestAccepted is called after a request is durably appended.
type RequestAccepted interface {
	OnRequestAccepted(ctx context.Context, r *request.Request) error
}

// TurnStarted is called when a worker claims a request under the
// session lock and begins the backend call.
type TurnStarted interface {
	OnTurnStarted(ctx context.Context, r *request.Request) error
}

// RequestCompleted is called after a request's backend call succeeds.
type RequestCompleted interface {
	OnRequestCompleted(ctx context.Context, r *request.Request, elapsed time.Duration) error
}

// RequestFailed is called when a request fails.
type RequestFailed interface {
	OnRequestFailed(ctx context.Context, r *request.Request, err error) error
}

// RequestReclaimed is called when the reclaimer recovers a stuck
// request, with the policy that was applied.
type RequestReclaimed interface {
	OnRequestReclaimed(ctx context.Context, r *request.Request, policy request.ReclaimPolicy) error
}

// ──────────────────────────────────────────────────
// Scheduler hooks
// ──────────────────────────────────────────────────

// LockTimedOut is called when a turn gives up waiting for a session's
// lock.
type LockTimedOut interface {
	OnLockTimedOut(ctx context.Context, sessionID string, waited time.Duration) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
