// Package stream provides a real-time event broker for Turnstile
// lifecycle events. It bridges the hooks.Extension system to connected
// clients via topic-based pub/sub.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Request events.
	EventRequestAccepted  EventType = "request.accepted"
	EventTurnStarted      EventType = "turn.started"
	EventRequestCompleted EventType = "request.completed"
	EventRequestFailed    EventType = "request.failed"
	EventRequestReclaimed EventType = "request.reclaimed"

	// Scheduler events.
	EventLockTimedOut EventType = "lock.timed_out"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// RequestEventData is the payload for request lifecycle events.
type RequestEventData struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Channel   string `json:"channel"`
	Status    string `json:"status,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	Error     string `json:"error,omitempty"`
	Policy    string `json:"policy,omitempty"`
}

// LockEventData is the payload for scheduler lock events.
type LockEventData struct {
	SessionID string `json:"session_id"`
	WaitedMs  int64  `json:"waited_ms"`
}
