package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turnhq/turnstile/liveness"
	"github.com/turnhq/turnstile/lock"
	"github.com/turnhq/turnstile/request"
	"github.com/turnhq/turnstile/session"
)

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ request.Store  = (*Store)(nil)
	_ session.Store  = (*Store)(nil)
	_ liveness.Store = (*Store)(nil)
	_ lock.Locker    = (*Store)(nil)
)

// DefaultLockLease is how long a session lock lease lives without
// being released. It bounds how long a crashed holder can strand a
// session, so it should comfortably exceed the backend timeout.
const DefaultLockLease = 5 * time.Minute

// Store is a Redis implementation of store.Store using go-redis/v9.
type Store struct {
	client    redis.UniversalClient
	logger    *slog.Logger
	lockLease time.Duration

	// leases maps session ID to the held lock lease and its renewal
	// loop.
	lockMu sync.Mutex
	leases map[string]*lease
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithLockLease sets the session lock lease duration.
func WithLockLease(d time.Duration) Option {
	return func(s *Store) {
		s.lockLease = d
	}
}

// New creates a new Redis store from a connection URL, e.g.:
// "redis://localhost:6379/0"
func New(url string, opts ...Option) (*Store, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("turnstile/redis: parse url: %w", err)
	}
	return NewFromClient(redis.NewClient(redisOpts), opts...), nil
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		logger:    slog.Default(),
		lockLease: DefaultLockLease,
		leases:    make(map[string]*lease),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Migrate is a no-op for the Redis store; there is no schema.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close stops any lease renewal loops and closes the underlying
// client. Unreleased leases are left to expire on their own.
func (s *Store) Close() error {
	s.lockMu.Lock()
	for sessionID, l := range s.leases {
		close(l.stopCh)
		<-l.done
		delete(s.leases, sessionID)
	}
	s.lockMu.Unlock()
	return s.client.Close()
}
