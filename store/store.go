package store

import (
	"context"

	"github.com/turnhq/turnstile/liveness"
	"github.com/turnhq/turnstile/lock"
	"github.com/turnhq/turnstile/request"
	"github.com/turnhq/turnstile/session"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (postgres, redis, memory) implements all of them.
type Store interface {
	request.Store
	session.Store
	liveness.Store
	lock.Locker

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
