package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/turnhq/turnstile"
	"github.com/turnhq/turnstile/id"
	"github.com/turnhq/turnstile/request"
)

// isNoRows reports whether a scan came back empty.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey reports a unique_violation (SQLSTATE 23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// requestColumns is the canonical SELECT list, matched by scanRequest.
const requestColumns = `
	id, session_id, channel, payload, status,
	processing_started_at, COALESCE(worker_id, ''),
	result, COALESCE(last_error, ''), completed_at,
	created_at, updated_at`

// AppendRequest persists a new request in pending state.
func (s *Store) AppendRequest(ctx context.Context, r *request.Request) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO turnstile_requests (
			id, session_id, channel, payload, status,
			processing_started_at, worker_id,
			result, last_error, completed_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, NULLIF($7, ''),
			$8, $9, $10,
			$11, $12
		)`,
		r.ID.String(), r.SessionID, r.Channel, r.Payload, string(r.Status),
		r.ProcessingStartedAt, r.WorkerID.String(),
		r.Result, r.LastError, r.CompletedAt,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return turnstile.ErrRequestExists
		}
		return fmt.Errorf("turnstile/postgres: append request: %w", err)
	}
	return nil
}

// AdvanceRequest atomically moves a request between statuses. The
// transition applies only when the stored status still equals from.
func (s *Store) AdvanceRequest(ctx context.Context, reqID id.RequestID, from, to request.Status, adv request.Advance) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE turnstile_requests SET
			status = $3,
			result = COALESCE($4, result),
			last_error = CASE WHEN $5 <> '' THEN $5 ELSE last_error END,
			processing_started_at = CASE WHEN $6 THEN NULL ELSE processing_started_at END,
			worker_id = CASE WHEN $6 THEN NULL ELSE worker_id END,
			completed_at = CASE WHEN $3 IN ('completed', 'failed') THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		reqID.String(), string(from), string(to),
		adv.Result, adv.LastError, adv.ClearClaim,
	)
	if err != nil {
		return false, fmt.Errorf("turnstile/postgres: advance request: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Distinguish a lost CAS race from a missing row.
	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM turnstile_requests WHERE id = $1)`,
		reqID.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("turnstile/postgres: advance request: %w", err)
	}
	if !exists {
		return false, turnstile.ErrRequestNotFound
	}
	return false, nil
}

// NextPending atomically claims the earliest-created pending request
// for the session. SKIP LOCKED keeps concurrent replicas from ever
// claiming the same row. Returns nil when the session has no pending
// requests.
func (s *Store) NextPending(ctx context.Context, sessionID string, workerID id.WorkerID) (*request.Request, error) {
	row := s.pool.QueryRow(ctx, `
		WITH claimed AS (
			UPDATE turnstile_requests
			SET status = 'processing',
			    processing_started_at = NOW(),
			    worker_id = $2,
			    updated_at = NOW()
			WHERE id = (
				SELECT id FROM turnstile_requests
				WHERE session_id = $1 AND status = 'pending'
				ORDER BY created_at ASC, id ASC
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING `+requestColumns+`
		)
		SELECT * FROM claimed`,
		sessionID, workerID.String(),
	)

	r, err := scanRequest(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("turnstile/postgres: next pending: %w", err)
	}
	return r, nil
}

// GetRequest retrieves a request by ID.
func (s *Store) GetRequest(ctx context.Context, reqID id.RequestID) (*request.Request, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM turnstile_requests WHERE id = $1`,
		reqID.String(),
	)

	r, err := scanRequest(row)
	if err != nil {
		if isNoRows(err) {
			return nil, turnstile.ErrRequestNotFound
		}
		return nil, fmt.Errorf("turnstile/postgres: get request: %w", err)
	}
	return r, nil
}

// ListSessionRequests returns the session's requests in creation order.
func (s *Store) ListSessionRequests(ctx context.Context, sessionID string, opts request.ListOpts) ([]*request.Request, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // no limit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM turnstile_requests
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT NULLIF($2, -1) OFFSET $3`,
		sessionID, limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("turnstile/postgres: list session requests: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

// CompletedSince returns requests that reached a terminal status at or
// after the given instant, ordered by completion time.
func (s *Store) CompletedSince(ctx context.Context, since time.Time) ([]*request.Request, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM turnstile_requests
		WHERE status IN ('completed', 'failed') AND completed_at >= $1
		ORDER BY completed_at ASC`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("turnstile/postgres: completed since: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

// CountRequests returns the number of requests in the given status.
// An empty session ID counts cluster-wide.
func (s *Store) CountRequests(ctx context.Context, sessionID string, status request.Status) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM turnstile_requests
		WHERE status = $1 AND ($2 = '' OR session_id = $2)`,
		string(status), sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("turnstile/postgres: count requests: %w", err)
	}
	return count, nil
}

// ReclaimStuck recovers the session's stuck processing rows: those whose
// claim predates cutoff, or whose owning worker is in staleWorkers.
func (s *Store) ReclaimStuck(ctx context.Context, sessionID string, cutoff time.Time, staleWorkers []id.WorkerID, policy request.ReclaimPolicy) ([]*request.Request, error) {
	stale := make([]string, len(staleWorkers))
	for i, w := range staleWorkers {
		stale[i] = w.String()
	}

	var query string
	switch policy {
	case request.ReclaimFail:
		query = `
			UPDATE turnstile_requests
			SET status = 'failed',
			    last_error = 'reclaimed: worker lost',
			    completed_at = NOW(),
			    updated_at = NOW()
			WHERE session_id = $1 AND status = 'processing'
			  AND (processing_started_at < $2 OR worker_id = ANY($3))
			RETURNING ` + requestColumns
	default:
		query = `
			UPDATE turnstile_requests
			SET status = 'pending',
			    processing_started_at = NULL,
			    worker_id = NULL,
			    updated_at = NOW()
			WHERE session_id = $1 AND status = 'processing'
			  AND (processing_started_at < $2 OR worker_id = ANY($3))
			RETURNING ` + requestColumns
	}

	rows, err := s.pool.Query(ctx, query, sessionID, cutoff, stale)
	if err != nil {
		return nil, fmt.Errorf("turnstile/postgres: reclaim stuck: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

// PruneRequests deletes terminal requests whose completion is older
// than the given instant. Returns the number of rows deleted.
func (s *Store) PruneRequests(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM turnstile_requests
		WHERE status IN ('completed', 'failed') AND completed_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("turnstile/postgres: prune requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRequest(row pgx.Row) (*request.Request, error) {
	var (
		r         request.Request
		idStr     string
		statusStr string
		workerStr string
	)
	err := row.Scan(
		&idStr, &r.SessionID, &r.Channel, &r.Payload, &statusStr,
		&r.ProcessingStartedAt, &workerStr,
		&r.Result, &r.LastError, &r.CompletedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = request.Status(statusStr)

	parsedID, parseErr := id.ParseRequestID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("turnstile/postgres: parse request id %q: %w", idStr, parseErr)
	}
	r.ID = parsedID

	if workerStr != "" {
		parsedWorker, workerErr := id.ParseWorkerID(workerStr)
		if workerErr == nil {
			r.WorkerID = parsedWorker
		}
	}

	return &r, nil
}

// collectRequests collects all requests from query rows.
func collectRequests(rows pgx.Rows) ([]*request.Request, error) {
	var out []*request.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("turnstile/postgres: scan request row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("turnstile/postgres: iterate request rows: %w", err)
	}
	return out, nil
}
