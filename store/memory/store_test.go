package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/turnhq/turnstile"
	"github.com/turnhq/turnstile/id"
	"github.com/turnhq/turnstile/liveness"
	"github.com/turnhq/turnstile/request"
)

func newRequest(sessionID string) *request.Request {
	return &request.Request{
		Entity:    turnstile.NewEntity(),
		ID:        id.NewRequestID(),
		SessionID: sessionID,
		Channel:   "whatsapp",
		Payload:   []byte(`{"text":"hi"}`),
		Status:    request.StatusPending,
	}
}

// ──────────────────────────────────────────────────
// Requests
// ──────────────────────────────────────────────────

func TestAppendRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	r := newRequest("sess-1")
	if err := s.AppendRequest(ctx, r); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}

	got, err := s.GetRequest(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.SessionID != "sess-1" || got.Status != request.StatusPending {
		t.Errorf("unexpected request: %+v", got)
	}
}

func TestAppendRequest_Duplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	r := newRequest("sess-1")
	if err := s.AppendRequest(ctx, r); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}
	if err := s.AppendRequest(ctx, r); !errors.Is(err, turnstile.ErrRequestExists) {
		t.Errorf("expected ErrRequestExists, got %v", err)
	}
}

func TestAppendRequest_CopiesInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	r := newRequest("sess-1")
	if err := s.AppendRequest(ctx, r); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}

	r.SessionID = "mutated"
	got, err := s.GetRequest(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.SessionID != "sess-1" {
		t.Errorf("stored request aliased caller's struct: %q", got.SessionID)
	}
}

func TestGetRequest_NotFound(t *testing.T) {
	t.Parallel()
	s := New()

	_, err := s.GetRequest(context.Background(), id.NewRequestID())
	if !errors.Is(err, turnstile.ErrRequestNotFound) {
		t.Errorf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestAdvanceRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	r := newRequest("sess-1")
	if err := s.AppendRequest(ctx, r); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}

	// pending → processing
	ok, err := s.AdvanceRequest(ctx, r.ID, request.StatusPending, request.StatusProcessing, request.Advance{})
	if err != nil || !ok {
		t.Fatalf("advance to processing: ok=%v err=%v", ok, err)
	}

	// processing → completed with result
	ok, err = s.AdvanceRequest(ctx, r.ID, request.StatusProcessing, request.StatusCompleted, request.Advance{
		Result: []byte(`{"answer":42}`),
	})
	if err != nil || !ok {
		t.Fatalf("advance to completed: ok=%v err=%v", ok, err)
	}

	got, err := s.GetRequest(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Status != request.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if string(got.Result) != `{"answer":42}` {
		t.Errorf("result = %q", got.Result)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal advance")
	}
}

func TestAdvanceRequest_StatusMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	r := newRequest("sess-1")
	if err := s.AppendRequest(ctx, r); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}

	// Request is pending; a processing→completed CAS must be a silent no-op.
	ok, err := s.AdvanceRequest(ctx, r.ID, request.StatusProcessing, request.StatusCompleted, request.Advance{})
	if err != nil {
		t.Fatalf("AdvanceRequest: %v", err)
	}
	if ok {
		t.Error("CAS succeeded despite status mismatch")
	}

	got, _ := s.GetRequest(ctx, r.ID)
	if got.Status != request.StatusPending {
		t.Errorf("status changed to %q on failed CAS", got.Status)
	}
}

func TestAdvanceRequest_NotFound(t *testing.T) {
	t.Parallel()
	s := New()

	_, err := s.AdvanceRequest(context.Background(), id.NewRequestID(), request.StatusPending, request.StatusProcessing, request.Advance{})
	if !errors.Is(err, turnstile.ErrRequestNotFound) {
		t.Errorf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestAdvanceRequest_ClearClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	r := newRequest("sess-1")
	if err := s.AppendRequest(ctx, r); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}

	worker := id.NewWorkerID()
	claimed, err := s.NextPending(ctx, "sess-1", worker)
	if err != nil || claimed == nil {
		t.Fatalf("NextPending: claimed=%v err=%v", claimed, err)
	}

	ok, err := s.AdvanceRequest(ctx, r.ID, request.StatusProcessing, request.StatusPending, request.Advance{ClearClaim: true})
	if err != nil || !ok {
		t.Fatalf("requeue advance: ok=%v err=%v", ok, err)
	}

	got, _ := s.GetRequest(ctx, r.ID)
	if got.ProcessingStartedAt != nil {
		t.Error("ProcessingStartedAt not cleared")
	}
	if !got.WorkerID.IsNil() {
		t.Errorf("WorkerID not cleared: %v", got.WorkerID)
	}
}

func TestNextPending_FIFO(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	first := newRequest("sess-1")
	first.CreatedAt = time.Now().UTC().Add(-3 * time.Second)
	second := newRequest("sess-1")
	second.CreatedAt = time.Now().UTC().Add(-2 * time.Second)
	third := newRequest("sess-1")
	third.CreatedAt = time.Now().UTC().Add(-1 * time.Second)

	// Append out of order; claim order must follow created_at.
	for _, r := range []*request.Request{third, first, second} {
		if err := s.AppendRequest(ctx, r); err != nil {
			t.Fatalf("AppendRequest: %v", err)
		}
	}

	worker := id.NewWorkerID()
	want := []id.RequestID{first.ID, second.ID, third.ID}
	for i, wantID := range want {
		claimed, err := s.NextPending(ctx, "sess-1", worker)
		if err != nil {
			t.Fatalf("NextPending %d: %v", i, err)
		}
		if claimed == nil || claimed.ID != wantID {
			t.Fatalf("claim %d: got %v, want %v", i, claimed, wantID)
		}
		if claimed.Status != request.StatusProcessing {
			t.Errorf("claim %d: status = %q", i, claimed.Status)
		}
		if claimed.ProcessingStartedAt == nil || claimed.WorkerID != worker {
			t.Errorf("claim %d: claim fields not set: %+v", i, claimed)
		}

		ok, err := s.AdvanceRequest(ctx, claimed.ID, request.StatusProcessing, request.StatusCompleted, request.Advance{})
		if err != nil || !ok {
			t.Fatalf("complete %d: ok=%v err=%v", i, ok, err)
		}
	}

	claimed, err := s.NextPending(ctx, "sess-1", worker)
	if err != nil {
		t.Fatalf("NextPending drained: %v", err)
	}
	if claimed != nil {
		t.Errorf("expected nil claim on drained session, got %+v", claimed)
	}
}

func TestNextPending_TiebreakByID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	created := time.Now().UTC().Truncate(time.Millisecond)
	a := newRequest("sess-1")
	b := newRequest("sess-1")
	a.CreatedAt = created
	b.CreatedAt = created

	for _, r := range []*request.Request{b, a} {
		if err := s.AppendRequest(ctx, r); err != nil {
			t.Fatalf("AppendRequest: %v", err)
		}
	}

	// TypeIDs are K-sortable: the earlier-generated ID sorts first.
	wantFirst := a.ID
	if b.ID.String() < a.ID.String() {
		wantFirst = b.ID
	}

	claimed, err := s.NextPending(ctx, "sess-1", id.NewWorkerID())
	if err != nil || claimed == nil {
		t.Fatalf("NextPending: claimed=%v err=%v", claimed, err)
	}
	if claimed.ID != wantFirst {
		t.Errorf("tiebreak: got %v, want %v", claimed.ID, wantFirst)
	}
}

func TestNextPending_SessionIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	other := newRequest("sess-other")
	if err := s.AppendRequest(ctx, other); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}

	claimed, err := s.NextPending(ctx, "sess-1", id.NewWorkerID())
	if err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	if claimed != nil {
		t.Errorf("claimed another session's request: %+v", claimed)
	}
}

func TestNextPending_SingleClaimUnderConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	r := newRequest("sess-1")
	if err := s.AppendRequest(ctx, r); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}

	const goroutines = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var claims int

	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.NextPending(ctx, "sess-1", id.NewWorkerID())
			if err != nil {
				t.Errorf("NextPending: %v", err)
				return
			}
			if claimed != nil {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if claims != 1 {
		t.Errorf("claims = %d, want exactly 1", claims)
	}
}

func TestListSessionRequests(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	var ids []id.RequestID
	base := time.Now().UTC().Add(-time.Minute)
	for i := range 5 {
		r := newRequest("sess-1")
		r.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.AppendRequest(ctx, r); err != nil {
			t.Fatalf("AppendRequest: %v", err)
		}
		ids = append(ids, r.ID)
	}
	if err := s.AppendRequest(ctx, newRequest("sess-other")); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}

	all, err := s.ListSessionRequests(ctx, "sess-1", request.ListOpts{})
	if err != nil {
		t.Fatalf("ListSessionRequests: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}
	for i, r := range all {
		if r.ID != ids[i] {
			t.Errorf("position %d: got %v, want %v", i, r.ID, ids[i])
		}
	}

	page, err := s.ListSessionRequests(ctx, "sess-1", request.ListOpts{Limit: 2, Offset: 3})
	if err != nil {
		t.Fatalf("ListSessionRequests page: %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[3] || page[1].ID != ids[4] {
		t.Errorf("unexpected page: %+v", page)
	}

	empty, err := s.ListSessionRequests(ctx, "sess-1", request.ListOpts{Offset: 10})
	if err != nil {
		t.Fatalf("ListSessionRequests overshoot: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("overshoot offset returned %d rows", len(empty))
	}
}

func TestCompletedSince(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	done := newRequest("sess-1")
	if err := s.AppendRequest(ctx, done); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}
	pending := newRequest("sess-1")
	if err := s.AppendRequest(ctx, pending); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}

	since := time.Now().UTC().Add(-time.Second)
	if _, err := s.NextPending(ctx, "sess-1", id.NewWorkerID()); err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	// done was created first, so it is the claimed one.
	if ok, err := s.AdvanceRequest(ctx, done.ID, request.StatusProcessing, request.StatusCompleted, request.Advance{}); err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}

	recent, err := s.CompletedSince(ctx, since)
	if err != nil {
		t.Fatalf("CompletedSince: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != done.ID {
		t.Errorf("unexpected completions: %+v", recent)
	}

	none, err := s.CompletedSince(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("CompletedSince future: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("future cutoff returned %d rows", len(none))
	}
}

func TestCountRequests(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	for range 3 {
		if err := s.AppendRequest(ctx, newRequest("sess-1")); err != nil {
			t.Fatalf("AppendRequest: %v", err)
		}
	}
	for range 2 {
		if err := s.AppendRequest(ctx, newRequest("sess-2")); err != nil {
			t.Fatalf("AppendRequest: %v", err)
		}
	}

	n, err := s.CountRequests(ctx, "sess-1", request.StatusPending)
	if err != nil || n != 3 {
		t.Errorf("session count = %d err=%v, want 3", n, err)
	}

	// Empty session ID counts cluster-wide.
	n, err = s.CountRequests(ctx, "", request.StatusPending)
	if err != nil || n != 5 {
		t.Errorf("cluster count = %d err=%v, want 5", n, err)
	}

	n, err = s.CountRequests(ctx, "sess-1", request.StatusCompleted)
	if err != nil || n != 0 {
		t.Errorf("completed count = %d err=%v, want 0", n, err)
	}
}

func TestReclaimStuck_Requeue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	r := newRequest("sess-1")
	if err := s.AppendRequest(ctx, r); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}
	if _, err := s.NextPending(ctx, "sess-1", id.NewWorkerID()); err != nil {
		t.Fatalf("NextPending: %v", err)
	}

	// Cutoff in the future makes the in-flight claim look timed out.
	reclaimed, err := s.ReclaimStuck(ctx, "sess-1", time.Now().UTC().Add(time.Second), nil, request.ReclaimRequeue)
	if err != nil {
		t.Fatalf("ReclaimStuck: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != r.ID {
		t.Fatalf("unexpected reclaim set: %+v", reclaimed)
	}
	if reclaimed[0].Status != request.StatusPending {
		t.Errorf("status = %q, want pending", reclaimed[0].Status)
	}

	got, _ := s.GetRequest(ctx, r.ID)
	if got.Status != request.StatusPending || got.ProcessingStartedAt != nil || !got.WorkerID.IsNil() {
		t.Errorf("claim not cleared: %+v", got)
	}
}

func TestReclaimStuck_Fail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	r := newRequest("sess-1")
	if err := s.AppendRequest(ctx, r); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}
	if _, err := s.NextPending(ctx, "sess-1", id.NewWorkerID()); err != nil {
		t.Fatalf("NextPending: %v", err)
	}

	reclaimed, err := s.ReclaimStuck(ctx, "sess-1", time.Now().UTC().Add(time.Second), nil, request.ReclaimFail)
	if err != nil {
		t.Fatalf("ReclaimStuck: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("len = %d, want 1", len(reclaimed))
	}

	got, _ := s.GetRequest(ctx, r.ID)
	if got.Status != request.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.LastError == "" || got.CompletedAt == nil {
		t.Errorf("failure fields not set: %+v", got)
	}
}

func TestReclaimStuck_StaleWorker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	r := newRequest("sess-1")
	if err := s.AppendRequest(ctx, r); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}
	dead := id.NewWorkerID()
	if _, err := s.NextPending(ctx, "sess-1", dead); err != nil {
		t.Fatalf("NextPending: %v", err)
	}

	// Claim is fresh (cutoff in the past), but the owner is stale.
	reclaimed, err := s.ReclaimStuck(ctx, "sess-1", time.Now().UTC().Add(-time.Hour), []id.WorkerID{dead}, request.ReclaimRequeue)
	if err != nil {
		t.Fatalf("ReclaimStuck: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != r.ID {
		t.Errorf("stale-owner claim not reclaimed: %+v", reclaimed)
	}
}

func TestReclaimStuck_FreshClaimUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	r := newRequest("sess-1")
	if err := s.AppendRequest(ctx, r); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}
	alive := id.NewWorkerID()
	if _, err := s.NextPending(ctx, "sess-1", alive); err != nil {
		t.Fatalf("NextPending: %v", err)
	}

	reclaimed, err := s.ReclaimStuck(ctx, "sess-1", time.Now().UTC().Add(-time.Hour), nil, request.ReclaimRequeue)
	if err != nil {
		t.Fatalf("ReclaimStuck: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Errorf("fresh claim reclaimed: %+v", reclaimed)
	}

	got, _ := s.GetRequest(ctx, r.ID)
	if got.Status != request.StatusProcessing {
		t.Errorf("status = %q, want processing", got.Status)
	}
}

func TestPruneRequests(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	old := newRequest("sess-1")
	if err := s.AppendRequest(ctx, old); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}
	if _, err := s.NextPending(ctx, "sess-1", id.NewWorkerID()); err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	if ok, err := s.AdvanceRequest(ctx, old.ID, request.StatusProcessing, request.StatusCompleted, request.Advance{}); err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}

	live := newRequest("sess-1")
	if err := s.AppendRequest(ctx, live); err != nil {
		t.Fatalf("AppendRequest: %v", err)
	}

	pruned, err := s.PruneRequests(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("PruneRequests: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	if _, err := s.GetRequest(ctx, old.ID); !errors.Is(err, turnstile.ErrRequestNotFound) {
		t.Errorf("pruned row still present: %v", err)
	}
	if _, err := s.GetRequest(ctx, live.ID); err != nil {
		t.Errorf("non-terminal row pruned: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Sessions
// ──────────────────────────────────────────────────

func TestTouchSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	if err := s.TouchSession(ctx, "sess-1", "telegram"); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Channel != "telegram" || got.LastActivityAt.IsZero() {
		t.Errorf("unexpected session: %+v", got)
	}

	first := got.LastActivityAt
	time.Sleep(5 * time.Millisecond)
	if err := s.TouchSession(ctx, "sess-1", "telegram"); err != nil {
		t.Fatalf("TouchSession again: %v", err)
	}
	got, _ = s.GetSession(ctx, "sess-1")
	if !got.LastActivityAt.After(first) {
		t.Error("LastActivityAt not bumped on repeat touch")
	}
}

func TestGetSession_NotFound(t *testing.T) {
	t.Parallel()
	s := New()

	_, err := s.GetSession(context.Background(), "nope")
	if !errors.Is(err, turnstile.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestListSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	if err := s.TouchSession(ctx, "sess-old", "whatsapp"); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	if err := s.TouchSession(ctx, "sess-new", "whatsapp"); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}

	active, err := s.ListSessions(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(active) != 1 || active[0].ID != "sess-new" {
		t.Errorf("unexpected active set: %+v", active)
	}

	all, err := s.ListSessions(ctx, time.Time{})
	if err != nil {
		t.Fatalf("ListSessions all: %v", err)
	}
	if len(all) != 2 || all[0].ID != "sess-new" {
		t.Errorf("expected most-recent-first order: %+v", all)
	}
}

// ──────────────────────────────────────────────────
// Workers
// ──────────────────────────────────────────────────

func TestWorkerLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	w := &liveness.Worker{ID: id.NewWorkerID(), Hostname: "node-a"}
	if err := s.RegisterWorker(ctx, w); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	got, err := s.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if got.Hostname != "node-a" || got.LastSeen.IsZero() || got.CreatedAt.IsZero() {
		t.Errorf("unexpected worker: %+v", got)
	}

	first := got.LastSeen
	time.Sleep(5 * time.Millisecond)
	if err := s.HeartbeatWorker(ctx, w.ID); err != nil {
		t.Fatalf("HeartbeatWorker: %v", err)
	}
	got, _ = s.GetWorker(ctx, w.ID)
	if !got.LastSeen.After(first) {
		t.Error("LastSeen not bumped by heartbeat")
	}

	list, err := s.ListWorkers(ctx)
	if err != nil || len(list) != 1 {
		t.Errorf("ListWorkers: len=%d err=%v", len(list), err)
	}
}

func TestHeartbeatWorker_NotFound(t *testing.T) {
	t.Parallel()
	s := New()

	err := s.HeartbeatWorker(context.Background(), id.NewWorkerID())
	if !errors.Is(err, turnstile.ErrWorkerNotFound) {
		t.Errorf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestStaleWorkers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	fresh := &liveness.Worker{ID: id.NewWorkerID(), Hostname: "fresh"}
	if err := s.RegisterWorker(ctx, fresh); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	dead := &liveness.Worker{
		ID:       id.NewWorkerID(),
		Hostname: "dead",
		LastSeen: time.Now().UTC().Add(-time.Minute),
	}
	if err := s.RegisterWorker(ctx, dead); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	stale, err := s.StaleWorkers(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("StaleWorkers: %v", err)
	}
	if len(stale) != 1 || stale[0] != dead.ID {
		t.Errorf("unexpected stale set: %+v", stale)
	}
}

// ──────────────────────────────────────────────────
// Session locks
// ──────────────────────────────────────────────────

func TestAcquireSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	got, err := s.AcquireSession(ctx, "sess-1", 0)
	if err != nil || !got {
		t.Fatalf("first acquire: got=%v err=%v", got, err)
	}

	// Held lock: a zero-wait acquire fails immediately.
	got, err = s.AcquireSession(ctx, "sess-1", 0)
	if err != nil || got {
		t.Errorf("second acquire: got=%v err=%v, want false", got, err)
	}

	// Other sessions are independent.
	got, err = s.AcquireSession(ctx, "sess-2", 0)
	if err != nil || !got {
		t.Errorf("other session acquire: got=%v err=%v", got, err)
	}

	if err := s.ReleaseSession(ctx, "sess-1"); err != nil {
		t.Fatalf("ReleaseSession: %v", err)
	}
	got, err = s.AcquireSession(ctx, "sess-1", 0)
	if err != nil || !got {
		t.Errorf("acquire after release: got=%v err=%v", got, err)
	}
}

func TestAcquireSession_WaitTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	if got, err := s.AcquireSession(ctx, "sess-1", 0); err != nil || !got {
		t.Fatalf("acquire: got=%v err=%v", got, err)
	}

	start := time.Now()
	got, err := s.AcquireSession(ctx, "sess-1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("waiting acquire: %v", err)
	}
	if got {
		t.Error("acquired a held lock")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned after %v, expected to wait ~50ms", elapsed)
	}
}

func TestAcquireSession_WaitSucceedsOnRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	if got, err := s.AcquireSession(ctx, "sess-1", 0); err != nil || !got {
		t.Fatalf("acquire: got=%v err=%v", got, err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.ReleaseSession(ctx, "sess-1")
	}()

	got, err := s.AcquireSession(ctx, "sess-1", time.Second)
	if err != nil || !got {
		t.Errorf("waiting acquire after release: got=%v err=%v", got, err)
	}
}

func TestAcquireSession_ContextCancel(t *testing.T) {
	t.Parallel()
	s := New()

	if got, err := s.AcquireSession(context.Background(), "sess-1", 0); err != nil || !got {
		t.Fatalf("acquire: got=%v err=%v", got, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := s.AcquireSession(ctx, "sess-1", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestReleaseSession_Unheld(t *testing.T) {
	t.Parallel()
	s := New()

	if err := s.ReleaseSession(context.Background(), "never-locked"); err != nil {
		t.Errorf("release of unheld lock errored: %v", err)
	}
}
