package hooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/turnhq/turnstile/request"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type requestAcceptedEntry struct {
	name string
	hook RequestAccepted
}

type turnStartedEntry struct {
	name string
	hook TurnStarted
}

type requestCompletedEntry struct {
	name string
	hook RequestCompleted
}

type requestFailedEntry struct {
	name string
	hook RequestFailed
}

type requestReclaimedEntry struct {
	name string
	hook RequestReclaimed
}

type lockTimedOutEntry struct {
	name string
	hook LockTimedOut
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	requestAccepted  []requestAcceptedEntry
	turnStarted      []turnStartedEntry
	requestCompleted []requestCompletedEntry
	requestFailed    []requestFailedEntry
	requestReclaimed []requestReclaimedEntry
	lockTimedOut     []lockTimedOutEntry
	shutdown         []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(RequestAccepted); ok {
		r.requestAccepted = append(r.requestAccepted, requestAcceptedEntry{name, h})
	}
	if h, ok := e.(TurnStarted); ok {
		r.turnStarted = append(r.turnStarted, turnStartedEntry{name, h})
	}
	if h, ok := e.(RequestCompleted); ok {
		r.requestCompleted = append(r.requestCompleted, requestCompletedEntry{name, h})
	}
	if h, ok := e.(RequestFailed); ok {
		r.requestFailed = append(r.requestFailed, requestFailedEntry{name, h})
	}
	if h, ok := e.(RequestReclaimed); ok {
		r.requestReclaimed = append(r.requestReclaimed, requestReclaimedEntry{name, h})
	}
	if h, ok := e.(LockTimedOut); ok {
		r.lockTimedOut = append(r.lockTimedOut, lockTimedOutEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// EmitRequestAccepted notifies all extensions that implement RequestAccepted.
func (r *Registry) EmitRequestAccepted(ctx context.Context, req *request.Request) {
	for _, e := range r.requestAccepted {
		if err := e.hook.OnRequestAccepted(ctx, req); err != nil {
			r.logHookError("OnRequestAccepted", e.name, err)
		}
	}
}

// EmitTurnStarted notifies all extensions that implement TurnStarted.
func (r *Registry) EmitTurnStarted(ctx context.Context, req *request.Request) {
	for _, e := range r.turnStarted {
		if err := e.hook.OnTurnStarted(ctx, req); err != nil {
			r.logHookError("OnTurnStarted", e.name, err)
		}
	}
}

// EmitRequestCompleted notifies all extensions that implement RequestCompleted.
func (r *Registry) EmitRequestCompleted(ctx context.Context, req *request.Request, elapsed time.Duration) {
	for _, e := range r.requestCompleted {
		if err := e.hook.OnRequestCompleted(ctx, req, elapsed); err != nil {
			r.logHookError("OnRequestCompleted", e.name, err)
		}
	}
}

// EmitRequestFailed notifies all extensions that implement RequestFailed.
func (r *Registry) EmitRequestFailed(ctx context.Context, req *request.Request, reqErr error) {
	for _, e := range r.requestFailed {
		if err := e.hook.OnRequestFailed(ctx, req, reqErr); err != nil {
			r.logHookError("OnRequestFailed", e.name, err)
		}
	}
}

// EmitRequestReclaimed notifies all extensions that implement RequestReclaimed.
func (r *Registry) EmitRequestReclaimed(ctx context.Context, req *request.Request, policy request.ReclaimPolicy) {
	for _, e := range r.requestReclaimed {
		if err := e.hook.OnRequestReclaimed(ctx, req, policy); err != nil {
			r.logHookError("OnRequestReclaimed", e.name, err)
		}
	}
}

// EmitLockTimedOut notifies all extensions that implement LockTimedOut.
func (r *Registry) EmitLockTimedOut(ctx context.Context, sessionID string, waited time.Duration) {
	for _, e := range r.lockTimedOut {
		if err := e.hook.OnLockTimedOut(ctx, sessionID, waited); err != nil {
			r.logHookError("OnLockTimedOut", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a hook failure. Hook errors never propagate: an
// extension cannot break request processing.
func (r *Registry) logHookError(hook, extension string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extension),
		slog.String("error", err.Error()),
	)
}
