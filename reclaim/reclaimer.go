// Package reclaim recovers requests orphaned by dead or hung workers.
// A reclaim pass is scoped to a single session and runs under that
// session's lock, immediately before dequeue — cheap, scoped, never
// cluster-wide.
package reclaim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/turnhq/turnstile/hooks"
	"github.com/turnhq/turnstile/id"
	"github.com/turnhq/turnstile/liveness"
	"github.com/turnhq/turnstile/request"
)

// Policy selects what happens to a stuck request.
type Policy = request.ReclaimPolicy

// Policy values.
const (
	PolicyRequeue = request.ReclaimRequeue
	PolicyFail    = request.ReclaimFail
)

// Reclaimer detects and recovers stuck processing requests. A
// processing request is stuck when its claim is older than the
// time-based cutoff, or when its owning worker has no fresh heartbeat.
type Reclaimer struct {
	ledger  request.Store
	workers liveness.Store

	// stuckAfter is the time-based cutoff: backend timeout plus a
	// safety buffer.
	stuckAfter time.Duration
	// grace is the heartbeat staleness window.
	grace  time.Duration
	policy Policy
	logger *slog.Logger
	hooks  *hooks.Registry
}

// Option configures a Reclaimer.
type Option func(*Reclaimer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reclaimer) { r.logger = l }
}

// WithPolicy overrides the default requeue policy.
func WithPolicy(p Policy) Option {
	return func(r *Reclaimer) { r.policy = p }
}

// WithHooks sets the lifecycle hook registry; each recovery emits a
// reclaimed event.
func WithHooks(reg *hooks.Registry) Option {
	return func(r *Reclaimer) { r.hooks = reg }
}

// New creates a Reclaimer.
func New(ledger request.Store, workers liveness.Store, stuckAfter, grace time.Duration, opts ...Option) *Reclaimer {
	r := &Reclaimer{
		ledger:     ledger,
		workers:    workers,
		stuckAfter: stuckAfter,
		grace:      grace,
		policy:     PolicyRequeue,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the configured reclaim policy.
func (r *Reclaimer) Policy() Policy { return r.policy }

// ReclaimSession recovers the session's stuck processing requests and
// returns how many were recovered. The underlying update is a
// compare-and-set on status=processing, so racing against a slow
// original worker that finally finishes is safe: whichever write lands
// first wins and the other no-ops.
func (r *Reclaimer) ReclaimSession(ctx context.Context, sessionID string) (int, error) {
	staleWorkers, err := r.staleOwners(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-r.stuckAfter)
	reclaimed, err := r.ledger.ReclaimStuck(ctx, sessionID, cutoff, staleWorkers, r.policy)
	if err != nil {
		return 0, fmt.Errorf("reclaim: session %s: %w", sessionID, err)
	}

	for _, req := range reclaimed {
		// Recovery action, logged, never surfaced as an error.
		r.logger.Info("reclaimed stuck request",
			slog.String("request_id", req.ID.String()),
			slog.String("session_id", sessionID),
			slog.String("policy", string(r.policy)),
		)
		if r.hooks != nil {
			r.hooks.EmitRequestReclaimed(ctx, req, r.policy)
		}
	}
	return len(reclaimed), nil
}

// staleOwners returns the worker IDs owning this session's processing
// rows that are stale or have no heartbeat row at all.
func (r *Reclaimer) staleOwners(ctx context.Context, sessionID string) ([]id.WorkerID, error) {
	reqs, err := r.ledger.ListSessionRequests(ctx, sessionID, request.ListOpts{})
	if err != nil {
		return nil, fmt.Errorf("reclaim: list session %s: %w", sessionID, err)
	}

	now := time.Now().UTC()
	var stale []id.WorkerID
	seen := make(map[string]bool)
	for _, req := range reqs {
		if req.Status != request.StatusProcessing || req.WorkerID.IsNil() {
			continue
		}
		key := req.WorkerID.String()
		if seen[key] {
			continue
		}
		seen[key] = true

		w, getErr := r.workers.GetWorker(ctx, req.WorkerID)
		if getErr != nil {
			// No heartbeat row counts as stale.
			w = nil
		}
		if liveness.IsStale(w, r.grace, now) {
			stale = append(stale, req.WorkerID)
		}
	}
	return stale, nil
}
