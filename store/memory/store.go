// Package memory implements the store fully in memory.
// Safe for concurrent access. Intended for unit testing, development,
// and single-node deployments where durability is not required.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/turnhq/turnstile"
	"github.com/turnhq/turnstile/id"
	"github.com/turnhq/turnstile/liveness"
	"github.com/turnhq/turnstile/lock"
	"github.com/turnhq/turnstile/request"
	"github.com/turnhq/turnstile/session"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle with compile-time checks in
// some layouts), so we verify each subsystem.
var (
	_ request.Store  = (*Store)(nil)
	_ session.Store  = (*Store)(nil)
	_ liveness.Store = (*Store)(nil)
	_ lock.Locker    = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	requests map[string]*request.Request
	sessions map[string]*session.Session
	workers  map[string]*liveness.Worker

	// locks holds one single-slot semaphore per session.
	lockMu sync.Mutex
	locks  map[string]chan struct{}
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		requests: make(map[string]*request.Request),
		sessions: make(map[string]*session.Session),
		workers:  make(map[string]*liveness.Worker),
		locks:    make(map[string]chan struct{}),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Request Store
// ──────────────────────────────────────────────────

// AppendRequest persists a new request in pending state.
func (m *Store) AppendRequest(_ context.Context, r *request.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, exists := m.requests[key]; exists {
		return turnstile.ErrRequestExists
	}
	cp := *r
	m.requests[key] = &cp
	return nil
}

// AdvanceRequest atomically moves a request between statuses.
func (m *Store) AdvanceRequest(_ context.Context, reqID id.RequestID, from, to request.Status, adv request.Advance) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[reqID.String()]
	if !ok {
		return false, turnstile.ErrRequestNotFound
	}
	if r.Status != from {
		return false, nil
	}

	now := time.Now().UTC()
	r.Status = to
	r.UpdatedAt = now

	if adv.Result != nil {
		r.Result = adv.Result
	}
	if adv.LastError != "" {
		r.LastError = adv.LastError
	}
	if adv.ClearClaim {
		r.ProcessingStartedAt = nil
		r.WorkerID = id.WorkerID{}
	}
	if to.Terminal() {
		n := now
		r.CompletedAt = &n
	}
	return true, nil
}

// NextPending atomically claims the earliest-created pending request
// for the session.
func (m *Store) NextPending(_ context.Context, sessionID string, workerID id.WorkerID) (*request.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*request.Request
	for _, r := range m.requests {
		if r.SessionID == sessionID && r.Status == request.StatusPending {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Creation order, ties broken by request ID.
	sort.Slice(candidates, func(i, k int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[k].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
		}
		return candidates[i].ID.String() < candidates[k].ID.String()
	})

	r := candidates[0]
	now := time.Now().UTC()
	r.Status = request.StatusProcessing
	r.ProcessingStartedAt = &now
	r.WorkerID = workerID
	r.UpdatedAt = now

	cp := *r
	return &cp, nil
}

// GetRequest retrieves a request by ID.
func (m *Store) GetRequest(_ context.Context, reqID id.RequestID) (*request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[reqID.String()]
	if !ok {
		return nil, turnstile.ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

// ListSessionRequests returns the session's requests in creation order.
func (m *Store) ListSessionRequests(_ context.Context, sessionID string, opts request.ListOpts) ([]*request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*request.Request
	for _, r := range m.requests {
		if r.SessionID == sessionID {
			cp := *r
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID.String() < out[k].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// CompletedSince returns requests that reached a terminal status at or
// after the given instant.
func (m *Store) CompletedSince(_ context.Context, since time.Time) ([]*request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*request.Request
	for _, r := range m.requests {
		if !r.Status.Terminal() || r.CompletedAt == nil {
			continue
		}
		if r.CompletedAt.Before(since) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, k int) bool {
		return out[i].CompletedAt.Before(*out[k].CompletedAt)
	})
	return out, nil
}

// CountRequests returns the number of requests in the given status.
// An empty session ID counts cluster-wide.
func (m *Store) CountRequests(_ context.Context, sessionID string, status request.Status) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, r := range m.requests {
		if sessionID != "" && r.SessionID != sessionID {
			continue
		}
		if r.Status == status {
			count++
		}
	}
	return count, nil
}

// ReclaimStuck recovers the session's stuck processing rows.
func (m *Store) ReclaimStuck(_ context.Context, sessionID string, cutoff time.Time, staleWorkers []id.WorkerID, policy request.ReclaimPolicy) ([]*request.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	staleSet := make(map[string]struct{}, len(staleWorkers))
	for _, w := range staleWorkers {
		staleSet[w.String()] = struct{}{}
	}

	now := time.Now().UTC()
	var reclaimed []*request.Request
	for _, r := range m.requests {
		if r.SessionID != sessionID || r.Status != request.StatusProcessing {
			continue
		}

		timedOut := r.ProcessingStartedAt != nil && r.ProcessingStartedAt.Before(cutoff)
		_, staleOwner := staleSet[r.WorkerID.String()]
		if !timedOut && !staleOwner {
			continue
		}

		switch policy {
		case request.ReclaimFail:
			r.Status = request.StatusFailed
			r.LastError = "reclaimed: worker lost"
			n := now
			r.CompletedAt = &n
		default: // requeue
			r.Status = request.StatusPending
			r.ProcessingStartedAt = nil
			r.WorkerID = id.WorkerID{}
		}
		r.UpdatedAt = now

		cp := *r
		reclaimed = append(reclaimed, &cp)
	}

	sort.Slice(reclaimed, func(i, k int) bool {
		if !reclaimed[i].CreatedAt.Equal(reclaimed[k].CreatedAt) {
			return reclaimed[i].CreatedAt.Before(reclaimed[k].CreatedAt)
		}
		return reclaimed[i].ID.String() < reclaimed[k].ID.String()
	})
	return reclaimed, nil
}

// PruneRequests deletes terminal requests whose completion is older
// than the given instant.
func (m *Store) PruneRequests(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned int64
	for key, r := range m.requests {
		if r.Status.Terminal() && r.CompletedAt != nil && r.CompletedAt.Before(before) {
			delete(m.requests, key)
			pruned++
		}
	}
	return pruned, nil
}

// ──────────────────────────────────────────────────
// Session Store
// ──────────────────────────────────────────────────

// TouchSession upserts the session row and bumps last_activity_at.
func (m *Store) TouchSession(_ context.Context, sessionID, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if s, ok := m.sessions[sessionID]; ok {
		s.LastActivityAt = now
		s.UpdatedAt = now
		if channel != "" {
			s.Channel = channel
		}
		return nil
	}
	m.sessions[sessionID] = &session.Session{
		Entity:         turnstile.NewEntity(),
		ID:             sessionID,
		Channel:        channel,
		LastActivityAt: now,
	}
	return nil
}

// GetSession retrieves a session by ID.
func (m *Store) GetSession(_ context.Context, sessionID string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, turnstile.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

// ListSessions returns sessions active since the given instant, most
// recent first.
func (m *Store) ListSessions(_ context.Context, activeSince time.Time) ([]*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*session.Session
	for _, s := range m.sessions {
		if s.LastActivityAt.Before(activeSince) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, k int) bool {
		return out[i].LastActivityAt.After(out[k].LastActivityAt)
	})
	return out, nil
}

// ──────────────────────────────────────────────────
// Liveness Store
// ──────────────────────────────────────────────────

// RegisterWorker inserts (or refreshes) the worker's heartbeat row.
func (m *Store) RegisterWorker(_ context.Context, w *liveness.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.LastSeen.IsZero() {
		cp.LastSeen = time.Now().UTC()
	}
	m.workers[w.ID.String()] = &cp
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (m *Store) HeartbeatWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return turnstile.ErrWorkerNotFound
	}
	w.LastSeen = time.Now().UTC()
	return nil
}

// GetWorker retrieves one worker's heartbeat row.
func (m *Store) GetWorker(_ context.Context, workerID id.WorkerID) (*liveness.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return nil, turnstile.ErrWorkerNotFound
	}
	cp := *w
	return &cp, nil
}

// ListWorkers returns all heartbeat rows.
func (m *Store) ListWorkers(_ context.Context) ([]*liveness.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*liveness.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].ID.String() < out[k].ID.String()
	})
	return out, nil
}

// StaleWorkers returns the IDs of workers whose last heartbeat is older
// than grace.
func (m *Store) StaleWorkers(_ context.Context, grace time.Duration) ([]id.WorkerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	var out []id.WorkerID
	for _, w := range m.workers {
		if now.Sub(w.LastSeen) > grace {
			out = append(out, w.ID)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].String() < out[k].String()
	})
	return out, nil
}

// ──────────────────────────────────────────────────
// Lock Coordinator
// ──────────────────────────────────────────────────

// sem returns the session's single-slot semaphore, creating it on
// first use.
func (m *Store) sem(sessionID string) chan struct{} {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	s, ok := m.locks[sessionID]
	if !ok {
		s = make(chan struct{}, 1)
		m.locks[sessionID] = s
	}
	return s
}

// AcquireSession attempts to take the session's lock, waiting up to wait.
func (m *Store) AcquireSession(ctx context.Context, sessionID string, wait time.Duration) (bool, error) {
	s := m.sem(sessionID)

	if wait <= 0 {
		select {
		case s <- struct{}{}:
			return true, nil
		default:
			return false, nil
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case s <- struct{}{}:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ReleaseSession releases the session's lock. Releasing an unheld lock
// is a no-op.
func (m *Store) ReleaseSession(_ context.Context, sessionID string) error {
	s := m.sem(sessionID)
	select {
	case <-s:
	default:
	}
	return nil
}
