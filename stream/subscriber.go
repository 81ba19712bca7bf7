package stream

import (
	"sync"
	"sync/atomic"
)

// Subscriber is one consumer's view of the event stream. Delivery is
// credit-metered: each delivered event costs one credit, and a consumer
// that stops granting credits stops receiving. Events that cannot be
// delivered — no credits left, or the buffer is full — are counted in
// Dropped rather than blocking the broker.
type Subscriber struct {
	id string
	ch chan *Event

	credits atomic.Int64
	dropped atomic.Int64

	mu     sync.RWMutex
	topics map[string]struct{}
	// types, when non-empty, restricts delivery to the listed event
	// kinds. Empty means every kind.
	types map[EventType]struct{}

	closed atomic.Bool
}

// SubscriberOption configures a Subscriber at construction.
type SubscriberOption func(*Subscriber)

// WithBuffer sets the delivery channel capacity.
func WithBuffer(n int) SubscriberOption {
	return func(s *Subscriber) {
		if n > 0 {
			s.ch = make(chan *Event, n)
		}
	}
}

// WithCredits sets the initial credit grant.
func WithCredits(n int64) SubscriberOption {
	return func(s *Subscriber) { s.credits.Store(n) }
}

// WithEventTypes restricts delivery to the given event kinds.
func WithEventTypes(types ...EventType) SubscriberOption {
	return func(s *Subscriber) { s.setTypes(types) }
}

// NewSubscriber creates a subscriber. Without options it has a
// one-event buffer, zero credits, and receives every event kind.
func NewSubscriber(id string, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		id:     id,
		ch:     make(chan *Event, 1),
		topics: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the read-only delivery channel.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// AddCredits grants n further deliveries.
func (s *Subscriber) AddCredits(n int64) {
	s.credits.Add(n)
}

// Credits returns the remaining credit count.
func (s *Subscriber) Credits() int64 {
	return s.credits.Load()
}

// Dropped returns how many events were discarded because the
// subscriber was out of credits or its buffer was full.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// LimitTo narrows delivery to the given event kinds. Calling it with
// no arguments lifts any restriction.
func (s *Subscriber) LimitTo(types ...EventType) {
	s.setTypes(types)
}

func (s *Subscriber) setTypes(types []EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(types) == 0 {
		s.types = nil
		return
	}
	s.types = make(map[EventType]struct{}, len(types))
	for _, t := range types {
		s.types[t] = struct{}{}
	}
}

// wants reports whether the subscriber's type restriction admits evt.
func (s *Subscriber) wants(evt *Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[evt.Type]
	return ok
}

// addTopic records membership in a topic.
func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

// removeTopic drops membership in a topic.
func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// Topics returns a copy of all subscribed topic names.
func (s *Subscriber) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// send attempts delivery. A type mismatch is a silent skip; running
// out of credits or buffer space counts against Dropped.
func (s *Subscriber) send(evt *Event) bool {
	if s.closed.Load() {
		return false
	}
	if !s.wants(evt) {
		return false
	}

	for {
		cur := s.credits.Load()
		if cur <= 0 {
			s.dropped.Add(1)
			return false
		}
		if s.credits.CompareAndSwap(cur, cur-1) {
			break
		}
	}

	select {
	case s.ch <- evt:
		return true
	default:
		// Buffer full: put the credit back, charge it as a drop.
		s.credits.Add(1)
		s.dropped.Add(1)
		return false
	}
}

// Close closes the delivery channel. Safe to call more than once.
func (s *Subscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
