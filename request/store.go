package request

import (
	"context"
	"time"

	"github.com/turnhq/turnstile/id"
)

// Advance carries the fields an AdvanceRequest transition may set.
// Nil pointers leave the column untouched.
type Advance struct {
	// Result is stored when transitioning to completed.
	Result []byte
	// LastError is stored when transitioning to failed.
	LastError string
	// ClearClaim resets processing_started_at and worker_id, used by
	// the requeue reclaim policy.
	ClearClaim bool
}

// ReclaimPolicy mirrors the configured recovery behaviour for stuck
// processing rows. Declared here so stores don't import the root
// package's config.
type ReclaimPolicy string

const (
	// ReclaimRequeue resets stuck rows to pending.
	ReclaimRequeue ReclaimPolicy = "requeue"
	// ReclaimFail marks stuck rows failed.
	ReclaimFail ReclaimPolicy = "fail"
)

// ListOpts controls pagination for session request list queries.
type ListOpts struct {
	// Limit is the maximum number of requests to return. Zero means no limit.
	Limit int
	// Offset is the number of requests to skip.
	Offset int
}

// Store defines the persistence contract for the request ledger.
// Every mutation is atomic: transitions are single conditional writes,
// never read-then-write.
type Store interface {
	// AppendRequest persists a new request in pending state. Appending a
	// request whose ID already exists returns ErrRequestExists; the
	// ledger is never duplicated.
	AppendRequest(ctx context.Context, r *Request) error

	// AdvanceRequest atomically moves a request from one status to
	// another, applying the given fields, and reports whether the
	// transition happened. A request whose current status no longer
	// equals from is left untouched and (false, nil) is returned, so a
	// late write from a dead worker can never clobber a newer state.
	AdvanceRequest(ctx context.Context, reqID id.RequestID, from, to Status, adv Advance) (bool, error)

	// NextPending atomically claims the earliest-created pending request
	// for the session (ties broken by request ID), marking it processing
	// with processing_started_at set to now and the given owning worker.
	// Returns (nil, nil) when the session has no pending requests. Must
	// be called only while holding the session's lock.
	NextPending(ctx context.Context, sessionID string, workerID id.WorkerID) (*Request, error)

	// GetRequest retrieves a request by ID.
	GetRequest(ctx context.Context, reqID id.RequestID) (*Request, error)

	// ListSessionRequests returns the session's requests in creation order.
	ListSessionRequests(ctx context.Context, sessionID string, opts ListOpts) ([]*Request, error)

	// CompletedSince returns requests that reached a terminal status at
	// or after the given instant. Feeds the completion poller.
	CompletedSince(ctx context.Context, since time.Time) ([]*Request, error)

	// CountRequests returns the number of requests in the given status
	// for the session. An empty session ID counts cluster-wide.
	CountRequests(ctx context.Context, sessionID string, status Status) (int64, error)

	// ReclaimStuck recovers the session's stuck processing rows: those
	// whose processing_started_at is older than cutoff, or whose owning
	// worker is in staleWorkers (or has no heartbeat row at all —
	// callers include such owners in staleWorkers). Matching rows are
	// atomically reset to pending (requeue) or marked failed (fail)
	// depending on policy, and returned. The status condition in the
	// update resolves the race against a slow original worker: whichever
	// write's expected prior status still matches wins.
	ReclaimStuck(ctx context.Context, sessionID string, cutoff time.Time, staleWorkers []id.WorkerID, policy ReclaimPolicy) ([]*Request, error)

	// PruneRequests deletes terminal requests whose completion is older
	// than the given instant. Returns the number of rows removed.
	PruneRequests(ctx context.Context, before time.Time) (int64, error)
}
