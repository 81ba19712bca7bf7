package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/turnhq/turnstile"
	"github.com/turnhq/turnstile/id"
	"github.com/turnhq/turnstile/liveness"
)

// RegisterWorker inserts (or refreshes) the worker's heartbeat row.
func (s *Store) RegisterWorker(ctx context.Context, w *liveness.Worker) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO turnstile_workers (id, hostname, last_seen, created_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			last_seen = NOW()`,
		w.ID.String(), w.Hostname,
	)
	if err != nil {
		return fmt.Errorf("turnstile/postgres: register worker: %w", err)
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE turnstile_workers SET last_seen = NOW() WHERE id = $1`,
		workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("turnstile/postgres: heartbeat worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return turnstile.ErrWorkerNotFound
	}
	return nil
}

// GetWorker retrieves one worker's heartbeat row.
func (s *Store) GetWorker(ctx context.Context, workerID id.WorkerID) (*liveness.Worker, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, hostname, last_seen, created_at
		FROM turnstile_workers
		WHERE id = $1`,
		workerID.String(),
	)

	w, err := scanWorker(row)
	if err != nil {
		if isNoRows(err) {
			return nil, turnstile.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("turnstile/postgres: get worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns all heartbeat rows.
func (s *Store) ListWorkers(ctx context.Context) ([]*liveness.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, hostname, last_seen, created_at
		FROM turnstile_workers
		ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("turnstile/postgres: list workers: %w", err)
	}
	defer rows.Close()

	var workers []*liveness.Worker
	for rows.Next() {
		w, scanErr := scanWorker(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("turnstile/postgres: scan worker row: %w", scanErr)
		}
		workers = append(workers, w)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("turnstile/postgres: iterate worker rows: %w", err)
	}
	return workers, nil
}

// StaleWorkers returns the IDs of workers whose last heartbeat is older
// than grace.
func (s *Store) StaleWorkers(ctx context.Context, grace time.Duration) ([]id.WorkerID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM turnstile_workers
		WHERE last_seen < NOW() - $1::interval
		ORDER BY id ASC`,
		grace.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("turnstile/postgres: stale workers: %w", err)
	}
	defer rows.Close()

	var out []id.WorkerID
	for rows.Next() {
		var idStr string
		if scanErr := rows.Scan(&idStr); scanErr != nil {
			return nil, fmt.Errorf("turnstile/postgres: scan stale worker: %w", scanErr)
		}
		parsed, parseErr := id.ParseWorkerID(idStr)
		if parseErr != nil {
			return nil, fmt.Errorf("turnstile/postgres: parse worker id %q: %w", idStr, parseErr)
		}
		out = append(out, parsed)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("turnstile/postgres: iterate stale workers: %w", err)
	}
	return out, nil
}

func scanWorker(row pgx.Row) (*liveness.Worker, error) {
	var (
		w     liveness.Worker
		idStr string
	)
	if err := row.Scan(&idStr, &w.Hostname, &w.LastSeen, &w.CreatedAt); err != nil {
		return nil, err
	}

	parsed, err := id.ParseWorkerID(idStr)
	if err != nil {
		return nil, fmt.Errorf("turnstile/postgres: parse worker id %q: %w", idStr, err)
	}
	w.ID = parsed
	return &w, nil
}
