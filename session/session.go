// Package session defines conversation session records. A session is
// not owned by any single process; its lock is transiently held for one
// turn at a time.
package session

import (
	"context"
	"time"

	"github.com/turnhq/turnstile"
)

// Session represents one ongoing conversation thread spanning one or
// more requests.
type Session struct {
	turnstile.Entity

	ID             string    `json:"id"`
	Channel        string    `json:"channel"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Store defines the persistence contract for sessions.
type Store interface {
	// TouchSession upserts the session row and bumps last_activity_at.
	// Called on every accept.
	TouchSession(ctx context.Context, sessionID, channel string) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// ListSessions returns sessions active since the given instant,
	// most recent first.
	ListSessions(ctx context.Context, activeSince time.Time) ([]*Session, error)
}
