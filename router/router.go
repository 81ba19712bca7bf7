// Package router wires the subsystems into the upstream contract:
// accept a request, schedule its session's turns, and await its result.
// Channel adapters talk to the Router and nothing below it.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/turnhq/turnstile"
	"github.com/turnhq/turnstile/backoff"
	"github.com/turnhq/turnstile/hooks"
	"github.com/turnhq/turnstile/id"
	"github.com/turnhq/turnstile/limiter"
	"github.com/turnhq/turnstile/liveness"
	"github.com/turnhq/turnstile/middleware"
	"github.com/turnhq/turnstile/notify"
	"github.com/turnhq/turnstile/reclaim"
	"github.com/turnhq/turnstile/request"
	"github.com/turnhq/turnstile/store"
	"github.com/turnhq/turnstile/turn"
	"github.com/turnhq/turnstile/worker"
)

// Router is the upstream-facing coordinator for one worker replica.
type Router struct {
	node     *turnstile.Node
	cfg      turnstile.Config
	store    store.Store
	sched    *turn.Scheduler
	notifier *notify.Registry
	hooks    *hooks.Registry
	limits   *limiter.Manager
	logger   *slog.Logger

	// slots tracks limiter slots held by accepted requests, so the
	// release fires exactly once whether the turn ran here or on a
	// peer.
	slotMu sync.Mutex
	slots  map[id.RequestID]func()
}

// Option configures the Router during Build.
type Option func(*buildConfig)

type buildConfig struct {
	extensions   []hooks.Extension
	limits       *limiter.Manager
	middleware   []middleware.Middleware
	backoff      backoff.Strategy
	runners      []runner
	drainEnabled bool
	drainPool    []worker.PoolOption
}

type runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// WithExtensions registers lifecycle hook extensions.
func WithExtensions(exts ...hooks.Extension) Option {
	return func(b *buildConfig) { b.extensions = append(b.extensions, exts...) }
}

// WithLimiter sets the per-channel admission manager consulted at
// Accept. Admission is node-local.
func WithLimiter(m *limiter.Manager) Option {
	return func(b *buildConfig) { b.limits = m }
}

// WithMiddleware appends extra backend-invocation middleware inside
// the standard chain, just outside the timeout.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(b *buildConfig) { b.middleware = append(b.middleware, mws...) }
}

// WithBackoff sets the delay strategy between scheduler passes.
func WithBackoff(s backoff.Strategy) Option {
	return func(b *buildConfig) { b.backoff = s }
}

// WithRunner registers an additional background loop started and
// stopped with the node (e.g. the retention janitor).
func WithRunner(r runner) Option {
	return func(b *buildConfig) { b.runners = append(b.runners, r) }
}

// WithDrainPool enables the background drain pool, which sweeps
// recently active sessions for pending requests nobody is driving and
// runs turns on them. Without it, requests accepted by a caller that
// later crashed stay pending until another request arrives on the
// session.
func WithDrainPool(opts ...worker.PoolOption) Option {
	return func(b *buildConfig) { b.drainPool = opts; b.drainEnabled = true }
}

// Build wires a Router on top of a Node. The node's store must
// implement the full store.Store contract.
func Build(n *turnstile.Node, opts ...Option) (*Router, error) {
	if n.Store() == nil {
		return nil, turnstile.ErrNoStore
	}
	st, ok := n.Store().(store.Store)
	if !ok {
		return nil, fmt.Errorf("%w: store does not implement the full store contract", turnstile.ErrInvalidConfig)
	}
	if n.Backend() == nil {
		return nil, turnstile.ErrNoBackend
	}

	var bc buildConfig
	for _, opt := range opts {
		opt(&bc)
	}

	cfg := n.Config()
	logger := n.Logger()

	reg := hooks.NewRegistry(logger)
	for _, ext := range bc.extensions {
		reg.Register(ext)
	}

	notifier := notify.NewRegistry()
	workerID := id.NewWorkerID()

	reclaimer := reclaim.New(st, st, cfg.StuckCutoff(), cfg.StalenessGrace,
		reclaim.WithLogger(logger),
		reclaim.WithPolicy(request.ReclaimPolicy(cfg.ReclaimPolicy)),
		reclaim.WithHooks(reg),
	)

	// Recover outermost so panics in any layer are contained; the
	// timeout innermost so it bounds only the backend call.
	mws := []middleware.Middleware{
		middleware.Recover(logger),
		middleware.Tracing(),
		middleware.Metrics(),
		middleware.Logging(logger),
	}
	mws = append(mws, bc.middleware...)
	mws = append(mws, middleware.Timeout(cfg.BackendTimeout))
	chain := middleware.Chain(mws...)

	schedOpts := []turn.Option{
		turn.WithLogger(logger),
		turn.WithMiddleware(chain),
		turn.WithHooks(reg),
	}
	if bc.backoff != nil {
		schedOpts = append(schedOpts, turn.WithBackoff(bc.backoff))
	}
	sched := turn.New(st, st, reclaimer, n.Backend(), notifier, workerID, cfg.LockWaitTimeout, schedOpts...)

	r := &Router{
		node:     n,
		cfg:      cfg,
		store:    st,
		sched:    sched,
		notifier: notifier,
		hooks:    reg,
		limits:   bc.limits,
		logger:   logger,
		slots:    make(map[id.RequestID]func()),
	}

	if r.limits != nil {
		reg.Register(&slotReleaser{router: r})
		// Terminal transitions recorded by peers fire no local hook;
		// the reaper frees those slots from the ledger.
		n.AddRunner(newSlotReaper(r, cfg.PollInterval))
	}

	n.AddRunner(liveness.NewBeacon(st, workerID, cfg.HeartbeatInterval, liveness.WithBeaconLogger(logger)))
	n.AddRunner(notify.NewPoller(st, notifier, cfg.PollInterval, notify.WithPollerLogger(logger)))
	if bc.drainEnabled {
		poolOpts := append([]worker.PoolOption{worker.WithLogger(logger)}, bc.drainPool...)
		n.AddRunner(worker.NewPool(st, st, sched, poolOpts...))
	}
	for _, extra := range bc.runners {
		n.AddRunner(extra)
	}

	return r, nil
}

// WorkerID returns this replica's worker identifier.
func (r *Router) WorkerID() id.WorkerID { return r.sched.WorkerID() }

// Hooks returns the lifecycle hook registry.
func (r *Router) Hooks() *hooks.Registry { return r.hooks }

// Start migrates the store and launches the background loops.
func (r *Router) Start(ctx context.Context) error {
	if err := r.store.Migrate(ctx); err != nil {
		return err
	}
	return r.node.Start(ctx)
}

// Stop emits the shutdown hook and stops the node within the
// configured shutdown budget.
func (r *Router) Stop(ctx context.Context) error {
	stopCtx := ctx
	if r.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(ctx, r.cfg.ShutdownTimeout)
		defer cancel()
	}
	r.hooks.EmitShutdown(stopCtx)
	return r.node.Stop(stopCtx)
}

// AcceptOption configures a single accept.
type AcceptOption func(*acceptConfig)

type acceptConfig struct {
	channel string
}

// WithChannel tags the request with its ingress channel. The channel
// drives admission control and event topics.
func WithChannel(channel string) AcceptOption {
	return func(a *acceptConfig) { a.channel = channel }
}

// Accept durably appends a new request to its session's queue and
// returns immediately with the minted request ID.
func (r *Router) Accept(ctx context.Context, sessionID string, payload []byte, opts ...AcceptOption) (id.RequestID, error) {
	reqID := id.NewRequestID()
	if err := r.accept(ctx, reqID, sessionID, payload, opts...); err != nil {
		return id.Nil, err
	}
	return reqID, nil
}

// AcceptWithID is Accept with a caller-supplied request ID, for channel
// adapters whose transport redelivers. Re-accepting an ID already in
// the ledger is not an error: the caller proceeds to AwaitResult and
// gets the original outcome.
func (r *Router) AcceptWithID(ctx context.Context, reqID id.RequestID, sessionID string, payload []byte, opts ...AcceptOption) error {
	err := r.accept(ctx, reqID, sessionID, payload, opts...)
	if errors.Is(err, turnstile.ErrRequestExists) {
		return nil
	}
	return err
}

func (r *Router) accept(ctx context.Context, reqID id.RequestID, sessionID string, payload []byte, opts ...AcceptOption) error {
	var ac acceptConfig
	for _, opt := range opts {
		opt(&ac)
	}

	if r.limits != nil && ac.channel != "" {
		if !r.limits.Acquire(ac.channel, sessionID) {
			return turnstile.ErrChannelThrottled
		}
		channel, sid := ac.channel, sessionID
		r.trackSlot(reqID, func() { r.limits.Release(channel, sid) })
	}

	if err := r.store.TouchSession(ctx, sessionID, ac.channel); err != nil {
		// Session bookkeeping is advisory; the ledger row is what
		// matters.
		r.logger.Warn("session touch failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}

	req := &request.Request{
		Entity:    turnstile.NewEntity(),
		ID:        reqID,
		SessionID: sessionID,
		Channel:   ac.channel,
		Payload:   payload,
		Status:    request.StatusPending,
	}
	if err := r.store.AppendRequest(ctx, req); err != nil {
		r.releaseSlot(reqID)
		return err
	}

	r.hooks.EmitRequestAccepted(ctx, req)
	return nil
}

// AwaitResult blocks until the request resolves or timeout elapses.
// It drives the session's turns while waiting, so an accepted request
// is processed even with no other traffic. A request finished by a
// peer replica resolves here just the same.
func (r *Router) AwaitResult(ctx context.Context, reqID id.RequestID, timeout time.Duration) ([]byte, error) {
	req, err := r.store.GetRequest(ctx, reqID)
	if err != nil {
		return nil, err
	}

	// Fast path: already terminal in the ledger.
	if req.Status.Terminal() {
		r.releaseSlot(reqID)
		return outcomeResult(notify.Outcome{
			Status: req.Status,
			Result: req.Result,
			Err:    req.LastError,
		})
	}

	outcome, err := r.sched.Schedule(ctx, reqID, req.SessionID, timeout)
	if err != nil {
		return nil, err
	}
	r.releaseSlot(reqID)
	return outcomeResult(outcome)
}

// Process accepts a request and awaits its result in one synchronous
// call, bounded by Config.AwaitTimeout.
func (r *Router) Process(ctx context.Context, sessionID string, payload []byte, opts ...AcceptOption) ([]byte, error) {
	reqID, err := r.Accept(ctx, sessionID, payload, opts...)
	if err != nil {
		return nil, err
	}
	return r.AwaitResult(ctx, reqID, r.cfg.AwaitTimeout)
}

func outcomeResult(o notify.Outcome) ([]byte, error) {
	if o.Status == request.StatusFailed {
		return nil, fmt.Errorf("turnstile: request failed: %s", o.Err)
	}
	return o.Result, nil
}

func (r *Router) trackSlot(reqID id.RequestID, release func()) {
	r.slotMu.Lock()
	r.slots[reqID] = release
	r.slotMu.Unlock()
}

// releaseSlot frees the request's limiter slot, at most once.
func (r *Router) releaseSlot(reqID id.RequestID) {
	r.slotMu.Lock()
	release, ok := r.slots[reqID]
	if ok {
		delete(r.slots, reqID)
	}
	r.slotMu.Unlock()
	if ok {
		release()
	}
}

// heldSlots snapshots the request IDs currently holding a slot.
func (r *Router) heldSlots() []id.RequestID {
	r.slotMu.Lock()
	defer r.slotMu.Unlock()
	ids := make([]id.RequestID, 0, len(r.slots))
	for reqID := range r.slots {
		ids = append(ids, reqID)
	}
	return ids
}

// slotReleaser frees limiter slots when this node records a terminal
// outcome.
type slotReleaser struct {
	router *Router
}

func (s *slotReleaser) Name() string { return "limiter-slot-releaser" }

func (s *slotReleaser) OnRequestCompleted(_ context.Context, req *request.Request, _ time.Duration) error {
	s.router.releaseSlot(req.ID)
	return nil
}

func (s *slotReleaser) OnRequestFailed(_ context.Context, req *request.Request, _ error) error {
	s.router.releaseSlot(req.ID)
	return nil
}

var (
	_ hooks.Extension        = (*slotReleaser)(nil)
	_ hooks.RequestCompleted = (*slotReleaser)(nil)
	_ hooks.RequestFailed    = (*slotReleaser)(nil)
)

// slotReaper frees limiter slots for requests that turned terminal on
// a peer replica. A fire-and-forget accept drained elsewhere fires no
// local hook, so without the reaper its slot would be held until the
// channel wedged.
type slotReaper struct {
	router   *Router
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newSlotReaper(r *Router, interval time.Duration) *slotReaper {
	return &slotReaper{
		router:   r,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (s *slotReaper) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.wg.Add(1)
	go s.loop()
	return nil
}

func (s *slotReaper) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.wg.Wait()
	return nil
}

func (s *slotReaper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep checks each held slot's request against the ledger and frees
// slots whose rows are terminal or gone. Held slots are bounded by the
// channel concurrency caps, so the per-tick lookups stay cheap.
func (s *slotReaper) sweep() {
	ctx := context.Background()
	for _, reqID := range s.router.heldSlots() {
		req, err := s.router.store.GetRequest(ctx, reqID)
		if errors.Is(err, turnstile.ErrRequestNotFound) {
			// Pruned by the janitor; nothing will ever release it.
			s.router.releaseSlot(reqID)
			continue
		}
		if err != nil {
			s.router.logger.Warn("slot sweep lookup failed",
				slog.String("request_id", reqID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if req.Status.Terminal() {
			s.router.releaseSlot(reqID)
		}
	}
}
