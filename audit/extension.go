package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/turnhq/turnstile/hooks"
	"github.com/turnhq/turnstile/request"
)

// Compile-time interface checks.
var (
	_ hooks.Extension        = (*Extension)(nil)
	_ hooks.RequestAccepted  = (*Extension)(nil)
	_ hooks.TurnStarted      = (*Extension)(nil)
	_ hooks.RequestCompleted = (*Extension)(nil)
	_ hooks.RequestFailed    = (*Extension)(nil)
	_ hooks.RequestReclaimed = (*Extension)(nil)
	_ hooks.LockTimedOut     = (*Extension)(nil)
	_ hooks.Shutdown         = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// It is defined locally so this package carries no dependency on any
// particular trail store — callers inject the concrete backend at
// wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// Event is a structured audit record of one lifecycle transition.
type Event struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges Turnstile lifecycle events to an audit trail
// backend. Each hook emits a structured audit event through the
// [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided
// Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements hooks.Extension.
func (e *Extension) Name() string { return "audit" }

// ── Request lifecycle hooks ─────────────────────────

// OnRequestAccepted implements hooks.RequestAccepted.
func (e *Extension) OnRequestAccepted(ctx context.Context, r *request.Request) error {
	return e.record(ctx, ActionRequestAccepted, SeverityInfo, OutcomeSuccess,
		ResourceRequest, r.ID.String(), CategoryRequest, nil,
		"session_id", r.SessionID,
		"channel", r.Channel,
	)
}

// OnTurnStarted implements hooks.TurnStarted.
func (e *Extension) OnTurnStarted(ctx context.Context, r *request.Request) error {
	return e.record(ctx, ActionTurnStarted, SeverityInfo, OutcomeSuccess,
		ResourceRequest, r.ID.String(), CategoryRequest, nil,
		"session_id", r.SessionID,
		"channel", r.Channel,
		"worker_id", r.WorkerID.String(),
	)
}

// OnRequestCompleted implements hooks.RequestCompleted.
func (e *Extension) OnRequestCompleted(ctx context.Context, r *request.Request, elapsed time.Duration) error {
	return e.record(ctx, ActionRequestCompleted, SeverityInfo, OutcomeSuccess,
		ResourceRequest, r.ID.String(), CategoryRequest, nil,
		"session_id", r.SessionID,
		"channel", r.Channel,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnRequestFailed implements hooks.RequestFailed.
func (e *Extension) OnRequestFailed(ctx context.Context, r *request.Request, reqErr error) error {
	return e.record(ctx, ActionRequestFailed, SeverityCritical, OutcomeFailure,
		ResourceRequest, r.ID.String(), CategoryRequest, reqErr,
		"session_id", r.SessionID,
		"channel", r.Channel,
	)
}

// OnRequestReclaimed implements hooks.RequestReclaimed.
func (e *Extension) OnRequestReclaimed(ctx context.Context, r *request.Request, policy request.ReclaimPolicy) error {
	return e.record(ctx, ActionRequestReclaimed, SeverityWarning, OutcomeFailure,
		ResourceRequest, r.ID.String(), CategoryRequest, nil,
		"session_id", r.SessionID,
		"policy", string(policy),
		"lost_worker", r.WorkerID.String(),
	)
}

// ── Scheduler hooks ─────────────────────────────────

// OnLockTimedOut implements hooks.LockTimedOut.
func (e *Extension) OnLockTimedOut(ctx context.Context, sessionID string, waited time.Duration) error {
	return e.record(ctx, ActionLockTimeout, SeverityWarning, OutcomeFailure,
		ResourceSession, sessionID, CategoryScheduler, nil,
		"waited_ms", waited.Milliseconds(),
	)
}

// OnShutdown implements hooks.Shutdown.
func (e *Extension) OnShutdown(ctx context.Context) error {
	return e.record(ctx, ActionShutdown, SeverityInfo, OutcomeSuccess,
		ResourceNode, "", CategoryNode, nil)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &Event{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
