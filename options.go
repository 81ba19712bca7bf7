package turnstile

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Node.
type Option func(*Node) error

// Storer is the minimal store interface held by the Node. It covers
// lifecycle operations only. The full composite interface (store.Store)
// is used in subsystem layers that don't create import cycles.
// Implementations satisfy store.Store which embeds all subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Backend is the downstream agent the router drives. Invoke is called
// synchronously with the dequeued payload, at most one call in flight
// per session, under Config.BackendTimeout. It must tolerate being
// called more than once for the same logical request under crash races;
// idempotence by request id is the backend's contract.
type Backend interface {
	Invoke(ctx context.Context, sessionID string, payload []byte) ([]byte, error)
}

// BackendFunc adapts an ordinary function to the Backend interface.
type BackendFunc func(ctx context.Context, sessionID string, payload []byte) ([]byte, error)

// Invoke implements Backend.
func (f BackendFunc) Invoke(ctx context.Context, sessionID string, payload []byte) ([]byte, error) {
	return f(ctx, sessionID, payload)
}

// runner is an internal interface for background loop lifecycle
// (heartbeat beacon, completion poller, janitor).
type runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Node is one worker replica of the session scheduler. It holds the
// store, the agent backend, and configuration. Use router.Build to wire
// subsystems on top of a Node.
type Node struct {
	config  Config
	logger  *slog.Logger
	store   Storer
	backend Backend

	// Background loops registered by the router layer.
	runners []runner

	started bool
}

// New creates a new Node with the given options.
func New(opts ...Option) (*Node, error) {
	n := &Node{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}
	if err := n.config.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// Logger returns the node's logger.
func (n *Node) Logger() *slog.Logger { return n.logger }

// Store returns the node's store.
func (n *Node) Store() Storer { return n.store }

// Backend returns the node's agent backend.
func (n *Node) Backend() Backend { return n.backend }

// Config returns a copy of the node's configuration.
func (n *Node) Config() Config { return n.config }

// AddRunner registers a background loop (called by the router layer).
func (n *Node) AddRunner(r runner) { n.runners = append(n.runners, r) }

// Start launches all registered background loops.
func (n *Node) Start(ctx context.Context) error {
	if n.store == nil {
		return ErrNoStore
	}
	for _, r := range n.runners {
		if err := r.Start(ctx); err != nil {
			return err
		}
	}
	n.started = true
	return nil
}

// Stop gracefully shuts down the node: background loops first, then the
// store.
func (n *Node) Stop(ctx context.Context) error {
	if n.started {
		for i := len(n.runners) - 1; i >= 0; i-- {
			if err := n.runners[i].Stop(ctx); err != nil {
				n.logger.Error("runner stop error", "error", err)
			}
		}
	}
	if n.store != nil {
		return n.store.Close()
	}
	return nil
}

// WithStore sets the persistence backend for the node. The store must
// implement Storer at minimum; typically it will be a store.Store which
// embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(n *Node) error {
		n.store = s
		return nil
	}
}

// WithBackend sets the downstream agent backend.
func WithBackend(b Backend) Option {
	return func(n *Node) error {
		n.backend = b
		return nil
	}
}

// WithLogger sets the structured logger for the node.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) error {
		n.logger = l
		return nil
	}
}

// WithConfig replaces the entire configuration.
func WithConfig(c Config) Option {
	return func(n *Node) error {
		n.config = c
		return nil
	}
}

// WithLockWaitTimeout bounds lock acquisition per turn.
func WithLockWaitTimeout(d time.Duration) Option {
	return func(n *Node) error {
		n.config.LockWaitTimeout = d
		return nil
	}
}

// WithBackendTimeout bounds the backend call made while the session
// lock is held.
func WithBackendTimeout(d time.Duration) Option {
	return func(n *Node) error {
		n.config.BackendTimeout = d
		return nil
	}
}

// WithAwaitTimeout bounds a synchronous caller's wait for its result.
func WithAwaitTimeout(d time.Duration) Option {
	return func(n *Node) error {
		n.config.AwaitTimeout = d
		return nil
	}
}

// WithHeartbeat sets the liveness heartbeat interval and staleness
// grace together, since Validate requires grace >= 2x interval.
func WithHeartbeat(interval, grace time.Duration) Option {
	return func(n *Node) error {
		n.config.HeartbeatInterval = interval
		n.config.StalenessGrace = grace
		return nil
	}
}

// WithReclaimPolicy selects requeue or fail for stuck requests.
func WithReclaimPolicy(p ReclaimPolicy) Option {
	return func(n *Node) error {
		n.config.ReclaimPolicy = p
		return nil
	}
}

// WithPollInterval sets how often the background ledger watchers (the
// completion poller and the limiter slot reaper) scan for terminal
// transitions recorded by peer replicas.
func WithPollInterval(d time.Duration) Option {
	return func(n *Node) error {
		n.config.PollInterval = d
		return nil
	}
}
