package audit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/turnhq/turnstile/audit"
	"github.com/turnhq/turnstile/id"
	"github.com/turnhq/turnstile/request"
)

// memRecorder captures events for assertions.
type memRecorder struct {
	mu     sync.Mutex
	events []*audit.Event
	err    error
}

func (r *memRecorder) Record(_ context.Context, evt *audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, evt)
	return nil
}

func (r *memRecorder) all() []*audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*audit.Event(nil), r.events...)
}

func sampleRequest() *request.Request {
	return &request.Request{
		ID:        id.NewRequestID(),
		SessionID: "sess-1",
		Channel:   "whatsapp",
		Status:    request.StatusProcessing,
		WorkerID:  id.NewWorkerID(),
	}
}

func TestRequestLifecycleEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := &memRecorder{}
	ext := audit.New(rec)
	req := sampleRequest()

	if err := ext.OnRequestAccepted(ctx, req); err != nil {
		t.Fatalf("OnRequestAccepted: %v", err)
	}
	if err := ext.OnTurnStarted(ctx, req); err != nil {
		t.Fatalf("OnTurnStarted: %v", err)
	}
	if err := ext.OnRequestCompleted(ctx, req, 250*time.Millisecond); err != nil {
		t.Fatalf("OnRequestCompleted: %v", err)
	}
	if err := ext.OnRequestFailed(ctx, req, errors.New("backend down")); err != nil {
		t.Fatalf("OnRequestFailed: %v", err)
	}
	if err := ext.OnRequestReclaimed(ctx, req, request.ReclaimRequeue); err != nil {
		t.Fatalf("OnRequestReclaimed: %v", err)
	}

	events := rec.all()
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}

	wantActions := []string{
		audit.ActionRequestAccepted,
		audit.ActionTurnStarted,
		audit.ActionRequestCompleted,
		audit.ActionRequestFailed,
		audit.ActionRequestReclaimed,
	}
	for i, want := range wantActions {
		if events[i].Action != want {
			t.Errorf("event %d action = %q, want %q", i, events[i].Action, want)
		}
		if events[i].ResourceID != req.ID.String() {
			t.Errorf("event %d resource_id = %q", i, events[i].ResourceID)
		}
		if events[i].Metadata["session_id"] != "sess-1" {
			t.Errorf("event %d missing session_id metadata", i)
		}
	}
}

func TestSeverityAndOutcome(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := &memRecorder{}
	ext := audit.New(rec)
	req := sampleRequest()

	_ = ext.OnRequestCompleted(ctx, req, time.Second)
	_ = ext.OnRequestFailed(ctx, req, errors.New("boom"))
	_ = ext.OnRequestReclaimed(ctx, req, request.ReclaimFail)

	events := rec.all()
	if events[0].Severity != audit.SeverityInfo || events[0].Outcome != audit.OutcomeSuccess {
		t.Errorf("completed: severity=%q outcome=%q", events[0].Severity, events[0].Outcome)
	}
	if events[1].Severity != audit.SeverityCritical || events[1].Outcome != audit.OutcomeFailure {
		t.Errorf("failed: severity=%q outcome=%q", events[1].Severity, events[1].Outcome)
	}
	if events[1].Reason != "boom" || events[1].Metadata["error"] != "boom" {
		t.Errorf("failed event missing error details: %+v", events[1])
	}
	if events[2].Severity != audit.SeverityWarning {
		t.Errorf("reclaimed severity = %q", events[2].Severity)
	}
	if events[2].Metadata["policy"] != "fail" {
		t.Errorf("reclaimed policy metadata = %v", events[2].Metadata["policy"])
	}
}

func TestSchedulerEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := &memRecorder{}
	ext := audit.New(rec)

	_ = ext.OnLockTimedOut(ctx, "sess-9", 1500*time.Millisecond)
	_ = ext.OnShutdown(ctx)

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Action != audit.ActionLockTimeout || events[0].ResourceID != "sess-9" {
		t.Errorf("lock timeout event: %+v", events[0])
	}
	if events[0].Metadata["waited_ms"] != int64(1500) {
		t.Errorf("waited_ms = %v", events[0].Metadata["waited_ms"])
	}
	if events[1].Action != audit.ActionShutdown || events[1].Category != audit.CategoryNode {
		t.Errorf("shutdown event: %+v", events[1])
	}
}

func TestWithActions_Filters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := &memRecorder{}
	ext := audit.New(rec, audit.WithActions(audit.ActionRequestFailed))
	req := sampleRequest()

	_ = ext.OnRequestAccepted(ctx, req)
	_ = ext.OnRequestCompleted(ctx, req, time.Second)
	_ = ext.OnRequestFailed(ctx, req, errors.New("boom"))

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Action != audit.ActionRequestFailed {
		t.Errorf("action = %q", events[0].Action)
	}
}

func TestRecorderErrorSwallowed(t *testing.T) {
	t.Parallel()
	rec := &memRecorder{err: errors.New("trail unavailable")}
	ext := audit.New(rec)

	// Hooks never propagate recorder failures into the request path.
	if err := ext.OnRequestAccepted(context.Background(), sampleRequest()); err != nil {
		t.Errorf("recorder error leaked: %v", err)
	}
}

func TestAllActionsCovered(t *testing.T) {
	t.Parallel()
	if got := len(audit.AllActions()); got != 7 {
		t.Errorf("AllActions() = %d entries, want 7", got)
	}
}
