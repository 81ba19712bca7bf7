// Package turn drives one session's turn at a time: acquire the
// session lock, reclaim anything a dead worker left behind, claim the
// earliest pending request, run the backend call, record the outcome,
// release. The caller-facing loop repeats turns until the caller's own
// request resolves or its wait budget runs out — whichever replica
// actually did the work.
package turn

import (
	"context"
	"log/slog"
	"time"

	"github.com/turnhq/turnstile"
	"github.com/turnhq/turnstile/backoff"
	"github.com/turnhq/turnstile/hooks"
	"github.com/turnhq/turnstile/id"
	"github.com/turnhq/turnstile/lock"
	"github.com/turnhq/turnstile/middleware"
	"github.com/turnhq/turnstile/notify"
	"github.com/turnhq/turnstile/reclaim"
	"github.com/turnhq/turnstile/request"
)

// Scheduler serializes request processing per session. One Scheduler
// serves one worker; all of its methods are safe for concurrent use.
type Scheduler struct {
	ledger    request.Store
	locker    lock.Locker
	reclaimer *reclaim.Reclaimer
	backend   turnstile.Backend
	notifier  *notify.Registry
	hooks     *hooks.Registry
	chain     middleware.Middleware
	backoff   backoff.Strategy
	workerID  id.WorkerID
	lockWait  time.Duration
	logger    *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMiddleware sets the backend invocation chain. The chain should
// include the backend timeout; the scheduler applies no deadline of
// its own.
func WithMiddleware(m middleware.Middleware) Option {
	return func(s *Scheduler) { s.chain = m }
}

// WithBackoff sets the delay strategy between scheduler passes.
func WithBackoff(b backoff.Strategy) Option {
	return func(s *Scheduler) { s.backoff = b }
}

// WithHooks sets the lifecycle hook registry.
func WithHooks(reg *hooks.Registry) Option {
	return func(s *Scheduler) { s.hooks = reg }
}

// New creates a Scheduler.
func New(
	ledger request.Store,
	locker lock.Locker,
	reclaimer *reclaim.Reclaimer,
	backend turnstile.Backend,
	notifier *notify.Registry,
	workerID id.WorkerID,
	lockWait time.Duration,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		ledger:    ledger,
		locker:    locker,
		reclaimer: reclaimer,
		backend:   backend,
		notifier:  notifier,
		workerID:  workerID,
		lockWait:  lockWait,
		backoff:   backoff.Default(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.chain == nil {
		s.chain = middleware.Chain()
	}
	return s
}

// WorkerID returns the scheduler's worker identifier.
func (s *Scheduler) WorkerID() id.WorkerID { return s.workerID }

// RunTurn executes one turn for the session: lock, reclaim, claim,
// process, release. Reports whether a request was processed. A lock
// that stays held past the wait budget returns ErrLockTimeout with the
// ledger untouched. An empty dequeue releases immediately; a peer has
// already drained the session.
func (s *Scheduler) RunTurn(ctx context.Context, sessionID string) (bool, error) {
	waitStart := time.Now()
	got, err := s.locker.AcquireSession(ctx, sessionID, s.lockWait)
	if err != nil {
		return false, err
	}
	if !got {
		if s.hooks != nil {
			s.hooks.EmitLockTimedOut(ctx, sessionID, time.Since(waitStart))
		}
		return false, turnstile.ErrLockTimeout
	}
	return s.lockedTurn(ctx, sessionID)
}

// TryTurn is the opportunistic variant of RunTurn: it attempts the
// session lock without waiting and reports (false, nil) when the lock
// is busy, since a held lock means another worker is already driving
// the session. Used by background drain workers.
func (s *Scheduler) TryTurn(ctx context.Context, sessionID string) (bool, error) {
	got, err := s.locker.AcquireSession(ctx, sessionID, 0)
	if err != nil || !got {
		return false, err
	}
	return s.lockedTurn(ctx, sessionID)
}

// lockedTurn runs the reclaim-claim-process sequence. The caller must
// hold the session lock; lockedTurn releases it.
func (s *Scheduler) lockedTurn(ctx context.Context, sessionID string) (bool, error) {
	// Release must survive caller cancellation; a leaked lock stalls
	// the whole session until the store's crash path kicks in.
	defer func() {
		if relErr := s.locker.ReleaseSession(context.WithoutCancel(ctx), sessionID); relErr != nil {
			s.logger.Warn("session lock release failed",
				slog.String("session_id", sessionID),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	// Recovery before dequeue keeps a crashed worker's request at the
	// head of the line.
	if _, recErr := s.reclaimer.ReclaimSession(ctx, sessionID); recErr != nil {
		s.logger.Warn("reclaim pass failed",
			slog.String("session_id", sessionID),
			slog.String("error", recErr.Error()),
		)
	}

	req, err := s.ledger.NextPending(ctx, sessionID, s.workerID)
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, nil
	}

	s.process(ctx, req)
	return true, nil
}

// Schedule drives turns for the session until the given request
// resolves or timeout elapses. The request must already be in the
// ledger and its waiter registered. Resolution may come from this
// worker's own turn or from a peer replica via the completion poller;
// either way the caller gets the ledger's outcome.
func (s *Scheduler) Schedule(ctx context.Context, reqID id.RequestID, sessionID string, timeout time.Duration) (notify.Outcome, error) {
	w := s.notifier.Register(reqID)
	deadline := time.Now().Add(timeout)

	for attempt := 1; ; attempt++ {
		if o, ok := pollWaiter(w); ok {
			s.notifier.Drop(reqID, w)
			return o, nil
		}
		if !time.Now().Before(deadline) {
			s.notifier.Drop(reqID, w)
			return notify.Outcome{}, turnstile.ErrAwaitTimeout
		}

		// Lock timeouts and store errors surface immediately; the
		// ledger still holds the request, so the caller can retry.
		processed, err := s.RunTurn(ctx, sessionID)
		if err != nil {
			s.notifier.Drop(reqID, w)
			return notify.Outcome{}, err
		}

		if o, ok := pollWaiter(w); ok {
			s.notifier.Drop(reqID, w)
			return o, nil
		}

		// Nothing left to do locally: the request is either in flight
		// on a peer or was just processed out of order ahead of ours.
		// Wait on the waiter, bounded by the backoff delay so a
		// requeue by reclaim gets picked up by the next pass.
		delay := s.backoff(attempt)
		if processed {
			// Work is moving; go straight into the next pass.
			delay = 0
		}
		if remaining := time.Until(deadline); delay > remaining {
			delay = remaining
		}
		if delay > 0 {
			select {
			case o, ok := <-w.Done():
				s.notifier.Drop(reqID, w)
				if !ok {
					return notify.Outcome{}, turnstile.ErrAwaitTimeout
				}
				return o, nil
			case <-time.After(delay):
			case <-ctx.Done():
				s.notifier.Drop(reqID, w)
				return notify.Outcome{}, ctx.Err()
			}
		}
	}
}

// process runs the backend call for a claimed request and records the
// terminal outcome. CAS failures mean a reclaimer raced us; the ledger
// wins and any waiter is resolved by whoever landed the terminal write.
func (s *Scheduler) process(ctx context.Context, req *request.Request) {
	if s.hooks != nil {
		s.hooks.EmitTurnStarted(ctx, req)
	}
	start := time.Now()

	var result []byte
	invoke := func(ctx context.Context) error {
		out, err := s.backend.Invoke(ctx, req.SessionID, req.Payload)
		if err != nil {
			return err
		}
		result = out
		return nil
	}

	err := s.chain(ctx, req, invoke)
	if err != nil {
		ok, advErr := s.ledger.AdvanceRequest(ctx, req.ID, request.StatusProcessing, request.StatusFailed, request.Advance{
			LastError: err.Error(),
		})
		if advErr != nil {
			s.logger.Error("failed to record request failure",
				slog.String("request_id", req.ID.String()),
				slog.String("error", advErr.Error()),
			)
			return
		}
		if !ok {
			return
		}
		if s.hooks != nil {
			s.hooks.EmitRequestFailed(ctx, req, err)
		}
		s.notifier.Resolve(req.ID, notify.Outcome{
			Status: request.StatusFailed,
			Err:    err.Error(),
		})
		return
	}

	ok, advErr := s.ledger.AdvanceRequest(ctx, req.ID, request.StatusProcessing, request.StatusCompleted, request.Advance{
		Result: result,
	})
	if advErr != nil {
		s.logger.Error("failed to record request completion",
			slog.String("request_id", req.ID.String()),
			slog.String("error", advErr.Error()),
		)
		return
	}
	if !ok {
		// A reclaim landed first. The requeued (or failed) row is the
		// truth now; this result is discarded.
		s.logger.Warn("completion lost CAS race to reclaim",
			slog.String("request_id", req.ID.String()),
		)
		return
	}
	if s.hooks != nil {
		s.hooks.EmitRequestCompleted(ctx, req, time.Since(start))
	}
	s.notifier.Resolve(req.ID, notify.Outcome{
		Status: request.StatusCompleted,
		Result: result,
	})
}

// pollWaiter does a non-blocking check of the waiter.
func pollWaiter(w *notify.Waiter) (notify.Outcome, bool) {
	select {
	case o, ok := <-w.Done():
		if !ok {
			return notify.Outcome{}, false
		}
		return o, true
	default:
		return notify.Outcome{}, false
	}
}
