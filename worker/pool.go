// Package worker provides the background drain pool. Requests normally
// ride on their caller's Schedule loop, but a caller that crashes or
// disconnects after accepting leaves pending rows with nobody driving
// the session. The pool sweeps recently active sessions and runs turns
// on any that still hold pending work, so accepted requests always make
// progress even with no caller attached.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/turnhq/turnstile/request"
	"github.com/turnhq/turnstile/session"
	"github.com/turnhq/turnstile/turn"
)

// Pool manages a scan goroutine that finds sessions with pending work
// and a set of drain goroutines that run turns on them through the
// scheduler. Lock contention is the coordination mechanism: a session
// whose lock is busy is already being driven by someone else and is
// skipped without waiting.
type Pool struct {
	ledger   request.Store
	sessions session.Store
	sched    *turn.Scheduler

	concurrency  int
	pollInterval time.Duration
	lookback     time.Duration
	maxTurns     int
	logger       *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of concurrent drain goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how often the pool scans for sessions with
// pending work.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLookback sets how far back session activity is considered. Only
// sessions touched within the lookback window are scanned.
func WithLookback(d time.Duration) PoolOption {
	return func(p *Pool) { p.lookback = d }
}

// WithMaxTurnsPerSession caps how many turns one sweep runs on a single
// session before moving on, so a flooded session cannot starve the rest.
func WithMaxTurnsPerSession(n int) PoolOption {
	return func(p *Pool) { p.maxTurns = n }
}

// WithLogger sets the pool's logger.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a drain pool around the given stores and scheduler.
func NewPool(ledger request.Store, sessions session.Store, sched *turn.Scheduler, opts ...PoolOption) *Pool {
	p := &Pool{
		ledger:       ledger,
		sessions:     sessions,
		sched:        sched,
		concurrency:  4,
		pollInterval: 5 * time.Second,
		lookback:     24 * time.Hour,
		maxTurns:     10,
		logger:       slog.Default(),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the scan and drain goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("drain pool starting",
		slog.String("worker_id", p.sched.WorkerID().String()),
		slog.Int("concurrency", p.concurrency),
	)

	// The scan goroutine owns the candidates channel and closes it on
	// stop; drainers exit when it drains.
	candidates := make(chan string)

	p.wg.Add(1)
	go p.scanLoop(candidates)

	for range p.concurrency {
		p.wg.Add(1)
		go p.drainLoop(candidates)
	}

	return nil
}

// Stop signals the pool to stop and waits for in-flight turns to
// finish or the context to expire.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("drain pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("drain pool shutdown timed out")
		return ctx.Err()
	}
}

// scanLoop periodically lists active sessions and feeds those with
// pending requests to the drainers.
func (p *Pool) scanLoop(candidates chan<- string) {
	defer p.wg.Done()
	defer close(candidates)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.scan(candidates)
		}
	}
}

func (p *Pool) scan(candidates chan<- string) {
	ctx := context.Background()

	active, err := p.sessions.ListSessions(ctx, time.Now().Add(-p.lookback))
	if err != nil {
		p.logger.Error("session scan failed", slog.String("error", err.Error()))
		return
	}

	for _, sess := range active {
		n, err := p.ledger.CountRequests(ctx, sess.ID, request.StatusPending)
		if err != nil {
			p.logger.Error("pending count failed",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if n == 0 {
			continue
		}

		select {
		case candidates <- sess.ID:
		case <-p.stopCh:
			return
		}
	}
}

// drainLoop runs turns on candidate sessions until the channel closes.
func (p *Pool) drainLoop(candidates <-chan string) {
	defer p.wg.Done()

	for sessionID := range candidates {
		p.drain(sessionID)
	}
}

// drain runs up to maxTurns turns on the session. A busy lock or an
// empty dequeue ends the sweep; both mean progress is already being
// made or there is nothing left.
func (p *Pool) drain(sessionID string) {
	ctx := context.Background()

	for range p.maxTurns {
		select {
		case <-p.stopCh:
			return
		default:
		}

		processed, err := p.sched.TryTurn(ctx, sessionID)
		if err != nil {
			p.logger.Error("drain turn failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			return
		}
		if !processed {
			return
		}

		p.logger.Debug("drained orphaned request",
			slog.String("session_id", sessionID),
		)
	}
}
