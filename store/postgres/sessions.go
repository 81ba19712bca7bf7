package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/turnhq/turnstile"
	"github.com/turnhq/turnstile/session"
)

// TouchSession upserts the session row and bumps last_activity_at.
func (s *Store) TouchSession(ctx context.Context, sessionID, channel string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO turnstile_sessions (
			id, channel, last_activity_at, created_at, updated_at
		) VALUES ($1, $2, NOW(), NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			channel = CASE WHEN EXCLUDED.channel <> '' THEN EXCLUDED.channel ELSE turnstile_sessions.channel END,
			last_activity_at = NOW(),
			updated_at = NOW()`,
		sessionID, channel,
	)
	if err != nil {
		return fmt.Errorf("turnstile/postgres: touch session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	var sess session.Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, channel, last_activity_at, created_at, updated_at
		FROM turnstile_sessions
		WHERE id = $1`,
		sessionID,
	).Scan(&sess.ID, &sess.Channel, &sess.LastActivityAt, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, turnstile.ErrSessionNotFound
		}
		return nil, fmt.Errorf("turnstile/postgres: get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns sessions active since the given instant, most
// recent first.
func (s *Store) ListSessions(ctx context.Context, activeSince time.Time) ([]*session.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, channel, last_activity_at, created_at, updated_at
		FROM turnstile_sessions
		WHERE last_activity_at >= $1
		ORDER BY last_activity_at DESC`,
		activeSince,
	)
	if err != nil {
		return nil, fmt.Errorf("turnstile/postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		var sess session.Session
		scanErr := rows.Scan(&sess.ID, &sess.Channel, &sess.LastActivityAt, &sess.CreatedAt, &sess.UpdatedAt)
		if scanErr != nil {
			return nil, fmt.Errorf("turnstile/postgres: scan session row: %w", scanErr)
		}
		out = append(out, &sess)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("turnstile/postgres: iterate session rows: %w", err)
	}
	return out, nil
}
