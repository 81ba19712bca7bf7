package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/turnhq/turnstile/id"
)

// Beacon writes this worker's heartbeat row on a fixed interval for the
// worker's lifetime. There is no deregistration on Stop: the row is
// left to age out.
type Beacon struct {
	store    Store
	workerID id.WorkerID
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// BeaconOption configures a Beacon.
type BeaconOption func(*Beacon)

// WithBeaconLogger sets the logger.
func WithBeaconLogger(l *slog.Logger) BeaconOption {
	return func(b *Beacon) { b.logger = l }
}

// NewBeacon creates a heartbeat beacon for the given worker.
func NewBeacon(store Store, workerID id.WorkerID, interval time.Duration, opts ...BeaconOption) *Beacon {
	b := &Beacon{
		store:    store,
		workerID: workerID,
		interval: interval,
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WorkerID returns the beacon's worker identifier.
func (b *Beacon) WorkerID() id.WorkerID { return b.workerID }

// Start registers the worker row and launches the heartbeat loop.
func (b *Beacon) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	w := &Worker{
		ID:        b.workerID,
		Hostname:  hostname,
		LastSeen:  time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if err := b.store.RegisterWorker(ctx, w); err != nil {
		return fmt.Errorf("liveness: register worker: %w", err)
	}

	b.running = true
	b.wg.Add(1)
	go b.loop()

	b.logger.Info("heartbeat beacon started",
		slog.String("worker_id", b.workerID.String()),
		slog.Duration("interval", b.interval),
	)
	return nil
}

// Stop halts the heartbeat loop. The worker's row is intentionally left
// in place; liveness is inferred from its age.
func (b *Beacon) Stop(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}
	b.running = false
	close(b.stopCh)
	b.wg.Wait()
	return nil
}

func (b *Beacon) loop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if err := b.store.HeartbeatWorker(context.Background(), b.workerID); err != nil {
				b.logger.Warn("heartbeat failed",
					slog.String("worker_id", b.workerID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
