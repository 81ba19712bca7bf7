package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turnhq/turnstile/hooks"
	"github.com/turnhq/turnstile/request"
)

// Compile-time interface checks.
var (
	_ hooks.Extension        = (*Broker)(nil)
	_ hooks.RequestAccepted  = (*Broker)(nil)
	_ hooks.TurnStarted      = (*Broker)(nil)
	_ hooks.RequestCompleted = (*Broker)(nil)
	_ hooks.RequestFailed    = (*Broker)(nil)
	_ hooks.RequestReclaimed = (*Broker)(nil)
	_ hooks.LockTimedOut     = (*Broker)(nil)
	_ hooks.Shutdown         = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the real-time stream broker. It implements the
// hooks.Extension interface to receive lifecycle events and fans them
// out to subscribers via topic-based pub/sub.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID → *Subscriber

	// Metrics.
	totalPublished atomic.Int64

	// Config.
	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements hooks.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry for external use (e.g., push server).
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, WithBuffer(b.bufferSize), WithCredits(b.defaultCredits))
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
}

// publish creates an event and broadcasts it to all matching topics.
func (b *Broker) publish(evt *Event) {
	topics := resolveTopics(evt)
	delivered := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

func requestData(r *request.Request) RequestEventData {
	d := RequestEventData{
		RequestID: r.ID.String(),
		SessionID: r.SessionID,
		Channel:   r.Channel,
		Status:    string(r.Status),
	}
	if !r.WorkerID.IsNil() {
		d.WorkerID = r.WorkerID.String()
	}
	return d
}

// ── Request lifecycle hooks ─────────────────────────

func (b *Broker) OnRequestAccepted(_ context.Context, r *request.Request) error {
	b.publish(&Event{
		Type:      EventRequestAccepted,
		Timestamp: time.Now().UTC(),
		Topic:     SessionTopic(r.SessionID),
		Data:      mustMarshal(requestData(r)),
	})
	return nil
}

func (b *Broker) OnTurnStarted(_ context.Context, r *request.Request) error {
	b.publish(&Event{
		Type:      EventTurnStarted,
		Timestamp: time.Now().UTC(),
		Topic:     SessionTopic(r.SessionID),
		Data:      mustMarshal(requestData(r)),
	})
	return nil
}

func (b *Broker) OnRequestCompleted(_ context.Context, r *request.Request, elapsed time.Duration) error {
	d := requestData(r)
	d.ElapsedMs = elapsed.Milliseconds()
	b.publish(&Event{
		Type:      EventRequestCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     SessionTopic(r.SessionID),
		Data:      mustMarshal(d),
	})
	return nil
}

func (b *Broker) OnRequestFailed(_ context.Context, r *request.Request, reqErr error) error {
	d := requestData(r)
	if reqErr != nil {
		d.Error = reqErr.Error()
	}
	b.publish(&Event{
		Type:      EventRequestFailed,
		Timestamp: time.Now().UTC(),
		Topic:     SessionTopic(r.SessionID),
		Data:      mustMarshal(d),
	})
	return nil
}

func (b *Broker) OnRequestReclaimed(_ context.Context, r *request.Request, policy request.ReclaimPolicy) error {
	d := requestData(r)
	d.Policy = string(policy)
	b.publish(&Event{
		Type:      EventRequestReclaimed,
		Timestamp: time.Now().UTC(),
		Topic:     SessionTopic(r.SessionID),
		Data:      mustMarshal(d),
	})
	return nil
}

// ── Scheduler hooks ─────────────────────────────────

func (b *Broker) OnLockTimedOut(_ context.Context, sessionID string, waited time.Duration) error {
	b.publish(&Event{
		Type:      EventLockTimedOut,
		Timestamp: time.Now().UTC(),
		Topic:     SessionTopic(sessionID),
		Data: mustMarshal(LockEventData{
			SessionID: sessionID,
			WaitedMs:  waited.Milliseconds(),
		}),
	})
	return nil
}

// OnShutdown closes all subscribers.
func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, val any) bool {
		b.topics.UnsubscribeAll(key.(string)) //nolint:errcheck // keys are subscriber IDs
		val.(*Subscriber).Close()             //nolint:errcheck // sync.Map always stores *Subscriber
		b.subscribers.Delete(key)
		return true
	})
	return nil
}
