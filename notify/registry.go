// Package notify resolves synchronous callers regardless of which
// replica finished their work. A per-worker in-memory registry maps
// request IDs to completion waiters; a background poller watches the
// ledger for terminal transitions and resolves any locally registered
// waiter whose request was finished by a peer.
//
// The in-memory table is a latency shortcut, never the source of truth:
// correctness rests on the ledger and the poller fallback. Waiter
// lifetime is scoped strictly to the caller's timeout window.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/turnhq/turnstile/id"
	"github.com/turnhq/turnstile/request"
)

// Outcome is the terminal result of a request delivered to a waiter.
type Outcome struct {
	Status request.Status
	Result []byte
	Err    string
}

// Waiter is a single-use completion signal for one caller. Every
// registrant gets its own waiter, so concurrent awaits on the same
// request (a redelivered accept, say) each receive the outcome.
type Waiter struct {
	ch   chan Outcome
	once sync.Once
}

func newWaiter() *Waiter {
	return &Waiter{ch: make(chan Outcome, 1)}
}

// resolve delivers the outcome exactly once. Later calls are discarded,
// so a zombie worker's duplicate completion is never delivered twice.
func (w *Waiter) resolve(o Outcome) {
	w.once.Do(func() {
		w.ch <- o
		close(w.ch)
	})
}

// Done exposes the resolution channel for select loops. The channel
// yields the outcome once and is then closed.
func (w *Waiter) Done() <-chan Outcome { return w.ch }

// Registry is the per-worker table of pending completion waiters.
// Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	waiters map[string][]*Waiter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{waiters: make(map[string][]*Waiter)}
}

// Register creates a waiter for the request. Call at accept time,
// before any processing can complete the request. Each call returns a
// fresh waiter; resolution fans out to all of them.
func (r *Registry) Register(reqID id.RequestID) *Waiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := reqID.String()
	w := newWaiter()
	r.waiters[key] = append(r.waiters[key], w)
	return w
}

// Resolve delivers an outcome to every waiter registered for the
// request and removes them. Reports whether any waiter was resolved.
func (r *Registry) Resolve(reqID id.RequestID, o Outcome) bool {
	r.mu.Lock()
	ws := r.waiters[reqID.String()]
	if len(ws) > 0 {
		delete(r.waiters, reqID.String())
	}
	r.mu.Unlock()

	for _, w := range ws {
		w.resolve(o)
	}
	return len(ws) > 0
}

// Drop removes one caller's waiter without resolving it. Other waiters
// on the same request are untouched: a caller giving up must not strand
// a peer caller still waiting.
func (r *Registry) Drop(reqID id.RequestID, w *Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := reqID.String()
	ws := r.waiters[key]
	for i, cand := range ws {
		if cand == w {
			ws[i] = ws[len(ws)-1]
			ws = ws[:len(ws)-1]
			break
		}
	}
	if len(ws) == 0 {
		delete(r.waiters, key)
	} else {
		r.waiters[key] = ws
	}
}

// Pending returns the number of requests with at least one waiter.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Has reports whether any waiter is registered for the request.
func (r *Registry) Has(reqID id.RequestID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.waiters[reqID.String()]
	return ok
}

// Await blocks until the waiter resolves, the timeout elapses, or the
// context is cancelled. On timeout the caller's waiter is dropped and
// the caller should surface a transient retry signal; ledger state is
// never mutated here.
func (r *Registry) Await(ctx context.Context, reqID id.RequestID, w *Waiter, timeout time.Duration) (Outcome, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o, ok := <-w.ch:
		if !ok {
			// Closed without delivery to us; treat as unresolved.
			return Outcome{}, false
		}
		return o, true
	case <-timer.C:
		r.Drop(reqID, w)
		return Outcome{}, false
	case <-ctx.Done():
		r.Drop(reqID, w)
		return Outcome{}, false
	}
}
