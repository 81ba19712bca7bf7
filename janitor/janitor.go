// Package janitor prunes aged terminal requests from the ledger on a
// cron schedule.
//
// Only completed and failed rows past the retention window are removed;
// pending and processing rows are never touched, and worker liveness
// rows are kept so operators can audit dead workers. Pruning is
// idempotent, so running a janitor on every node is safe.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/turnhq/turnstile/request"
)

// DefaultSchedule runs the sweep hourly.
const DefaultSchedule = "@every 1h"

// DefaultRetention keeps terminal requests for seven days.
const DefaultRetention = 7 * 24 * time.Hour

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithSchedule sets the sweep schedule. Accepts 5-field cron
// expressions and descriptors like "@every 30m".
func WithSchedule(expr string) Option {
	return func(j *Janitor) { j.scheduleExpr = expr }
}

// WithRetention sets how long terminal requests are kept before pruning.
func WithRetention(d time.Duration) Option {
	return func(j *Janitor) { j.retention = d }
}

// Janitor periodically deletes terminal requests older than the
// retention window.
type Janitor struct {
	ledger request.Store
	logger *slog.Logger

	scheduleExpr string
	schedule     cronlib.Schedule
	retention    time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Janitor sweeping the given ledger.
func New(ledger request.Store, logger *slog.Logger, opts ...Option) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Janitor{
		ledger:       ledger,
		logger:       logger,
		scheduleExpr: DefaultSchedule,
		retention:    DefaultRetention,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}

	sched, err := ParseSchedule(j.scheduleExpr)
	if err != nil {
		return nil, fmt.Errorf("janitor: parse schedule %q: %w", j.scheduleExpr, err)
	}
	j.schedule = sched
	return j, nil
}

// Start launches the sweep loop.
func (j *Janitor) Start(_ context.Context) error {
	j.wg.Add(1)
	go j.loop()
	j.logger.Info("janitor started",
		slog.String("schedule", j.scheduleExpr),
		slog.Duration("retention", j.retention),
	)
	return nil
}

// Stop signals the loop to stop and waits for it to finish.
func (j *Janitor) Stop(_ context.Context) error {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Info("janitor stopped")
	return nil
}

func (j *Janitor) loop() {
	defer j.wg.Done()

	for {
		now := time.Now().UTC()
		next := j.schedule.Next(now)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-j.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			j.Sweep(context.Background())
		}
	}
}

// Sweep deletes terminal requests older than the retention window and
// returns the number of rows removed. It is exported so operators can
// trigger an out-of-schedule sweep.
func (j *Janitor) Sweep(ctx context.Context) int64 {
	cutoff := time.Now().UTC().Add(-j.retention)

	pruned, err := j.ledger.PruneRequests(ctx, cutoff)
	if err != nil {
		j.logger.Error("prune requests error", slog.String("error", err.Error()))
		return 0
	}
	if pruned > 0 {
		j.logger.Info("pruned terminal requests",
			slog.Int64("count", pruned),
			slog.Time("cutoff", cutoff),
		)
	}
	return pruned
}
