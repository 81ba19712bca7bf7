// Package liveness tracks worker heartbeats. Each worker writes only
// its own row on a fixed interval; staleness is inferred by readers,
// never announced. Workers do not deregister on shutdown — a worker
// that stops beating simply ages out past the grace period.
package liveness

import (
	"context"
	"time"

	"github.com/turnhq/turnstile/id"
)

// Worker is one live worker's heartbeat row.
type Worker struct {
	ID       id.WorkerID `json:"id"`
	Hostname string      `json:"hostname"`
	LastSeen time.Time   `json:"last_seen"`
	// CreatedAt records when the worker first registered.
	CreatedAt time.Time `json:"created_at"`
}

// Store defines the persistence contract for worker liveness.
type Store interface {
	// RegisterWorker inserts (or refreshes) the worker's heartbeat row.
	RegisterWorker(ctx context.Context, w *Worker) error

	// HeartbeatWorker updates the last-seen timestamp for a worker.
	HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error

	// GetWorker retrieves one worker's heartbeat row.
	GetWorker(ctx context.Context, workerID id.WorkerID) (*Worker, error)

	// ListWorkers returns all heartbeat rows.
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// StaleWorkers returns the IDs of workers whose last heartbeat is
	// older than grace. Workers with no row at all are by definition
	// not returned; callers treat a missing row as stale.
	StaleWorkers(ctx context.Context, grace time.Duration) ([]id.WorkerID, error)
}

// IsStale reports whether the worker has missed its grace window.
// A nil worker (no heartbeat row) is stale.
func IsStale(w *Worker, grace time.Duration, now time.Time) bool {
	if w == nil {
		return true
	}
	return now.Sub(w.LastSeen) > grace
}
