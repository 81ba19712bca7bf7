package request

import (
	"time"

	"github.com/turnhq/turnstile"
	"github.com/turnhq/turnstile/id"
)

// Status represents the lifecycle status of a request.
type Status string

const (
	// StatusPending means the request is waiting for its session's turn.
	StatusPending Status = "pending"
	// StatusProcessing means a worker holds the session lock and is
	// driving the backend call for this request. At most one request
	// per session is in this status cluster-wide.
	StatusProcessing Status = "processing"
	// StatusCompleted means the backend call resolved successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the backend call errored, or the fail reclaim
	// policy gave up on the request.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Request represents one unit of work inside a session.
type Request struct {
	turnstile.Entity

	ID        id.RequestID `json:"id"`
	SessionID string       `json:"session_id"`
	Channel   string       `json:"channel"`
	Payload   []byte       `json:"payload"`
	Status    Status       `json:"status"`

	// ProcessingStartedAt and WorkerID are set when the request is
	// claimed and cleared when it is requeued by reclaim.
	ProcessingStartedAt *time.Time  `json:"processing_started_at,omitempty"`
	WorkerID            id.WorkerID `json:"worker_id,omitempty"`

	// Result holds the backend response for completed requests.
	Result []byte `json:"result,omitempty"`
	// LastError holds the failure reason for failed requests.
	LastError string `json:"last_error,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
