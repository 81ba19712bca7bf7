// Package replay provides recovery operations for failed requests.
// Terminal failures stay in the ledger (a reclaimed request under the
// fail policy, or a backend error), so the ledger doubles as the dead
// letter record. Replay re-enqueues a failed request as a fresh pending
// request with the same session, channel, and payload, preserving the
// original row for debugging.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/turnhq/turnstile"
	"github.com/turnhq/turnstile/id"
	"github.com/turnhq/turnstile/request"
)

// ErrNotFailed is returned when replaying a request that is not in
// failed state.
var ErrNotFailed = errors.New("turnstile/replay: request is not failed")

// Service provides replay operations over the request ledger.
type Service struct {
	ledger request.Store
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a replay service.
func NewService(ledger request.Store, opts ...Option) *Service {
	s := &Service{
		ledger: ledger,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Replay re-enqueues a failed request as a new pending request and
// returns it. The new request gets a fresh ID and joins the back of the
// session's line; the failed original is left untouched.
func (s *Service) Replay(ctx context.Context, reqID id.RequestID) (*request.Request, error) {
	orig, err := s.ledger.GetRequest(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if orig.Status != request.StatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFailed, reqID, orig.Status)
	}

	fresh := &request.Request{
		Entity:    turnstile.NewEntity(),
		ID:        id.NewRequestID(),
		SessionID: orig.SessionID,
		Channel:   orig.Channel,
		Payload:   orig.Payload,
		Status:    request.StatusPending,
	}
	if err := s.ledger.AppendRequest(ctx, fresh); err != nil {
		return nil, err
	}

	s.logger.Info("replayed failed request",
		slog.String("request_id", reqID.String()),
		slog.String("replay_id", fresh.ID.String()),
		slog.String("session_id", orig.SessionID),
	)
	return fresh, nil
}

// ListFailed returns the session's failed requests in creation order.
func (s *Service) ListFailed(ctx context.Context, sessionID string, opts request.ListOpts) ([]*request.Request, error) {
	all, err := s.ledger.ListSessionRequests(ctx, sessionID, request.ListOpts{})
	if err != nil {
		return nil, err
	}

	failed := make([]*request.Request, 0, len(all))
	for _, r := range all {
		if r.Status == request.StatusFailed {
			failed = append(failed, r)
		}
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(failed) {
			return nil, nil
		}
		failed = failed[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(failed) {
		failed = failed[:opts.Limit]
	}
	return failed, nil
}

// ReplaySession replays every failed request in the session and returns
// the new pending requests. A single failing append aborts the pass;
// already-replayed entries from this pass stay enqueued.
func (s *Service) ReplaySession(ctx context.Context, sessionID string) ([]*request.Request, error) {
	failed, err := s.ListFailed(ctx, sessionID, request.ListOpts{})
	if err != nil {
		return nil, err
	}

	replayed := make([]*request.Request, 0, len(failed))
	for _, r := range failed {
		fresh, replayErr := s.Replay(ctx, r.ID)
		if replayErr != nil {
			return replayed, replayErr
		}
		replayed = append(replayed, fresh)
	}
	return replayed, nil
}

// CountFailed returns the number of failed requests for the session.
// An empty session ID counts cluster-wide.
func (s *Service) CountFailed(ctx context.Context, sessionID string) (int64, error) {
	return s.ledger.CountRequests(ctx, sessionID, request.StatusFailed)
}

// PurgeFailed removes terminal requests whose completion is older than
// the given age.
func (s *Service) PurgeFailed(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.ledger.PruneRequests(ctx, time.Now().UTC().Add(-olderThan))
}
