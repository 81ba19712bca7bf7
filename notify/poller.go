package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/turnhq/turnstile/request"
)

// Poller watches the ledger for requests reaching a terminal status and
// resolves any locally registered waiter. It covers the handoff case
// where a peer replica processed a request this worker's caller is
// blocked on.
type Poller struct {
	ledger   request.Store
	registry *Registry
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollerLogger sets the logger.
func WithPollerLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// NewPoller creates a ledger completion poller.
func NewPoller(ledger request.Store, registry *Registry, interval time.Duration, opts ...PollerOption) *Poller {
	p := &Poller{
		ledger:   ledger,
		registry: registry,
		interval: interval,
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the polling loop. It returns immediately.
func (p *Poller) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.wg.Add(1)
	go p.loop()
	return nil
}

// Stop halts the polling loop and waits for it to finish.
func (p *Poller) Stop(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.wg.Wait()
	return nil
}

func (p *Poller) loop() {
	defer p.wg.Done()

	// The watermark trails by one interval so a completion committed
	// concurrently with a scan is picked up by the next one. Resolving
	// the same request twice is harmless: waiters resolve once.
	watermark := time.Now().UTC().Add(-p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			watermark = p.scan(watermark)
		}
	}
}

// scan resolves waiters for requests completed since the watermark and
// returns the next watermark.
func (p *Poller) scan(since time.Time) time.Time {
	next := time.Now().UTC().Add(-p.interval)

	if p.registry.Pending() == 0 {
		return next
	}

	done, err := p.ledger.CompletedSince(context.Background(), since)
	if err != nil {
		p.logger.Warn("completion scan failed", slog.String("error", err.Error()))
		// Keep the old watermark so nothing is skipped.
		return since
	}

	for _, req := range done {
		if !p.registry.Has(req.ID) {
			continue
		}
		if p.registry.Resolve(req.ID, Outcome{
			Status: req.Status,
			Result: req.Result,
			Err:    req.LastError,
		}) {
			p.logger.Debug("resolved peer-completed request",
				slog.String("request_id", req.ID.String()),
				slog.String("status", string(req.Status)),
			)
		}
	}
	return next
}
