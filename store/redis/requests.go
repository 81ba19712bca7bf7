package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turnhq/turnstile"
	"github.com/turnhq/turnstile/id"
	"github.com/turnhq/turnstile/request"
)

// appendScript inserts a request hash and its index entries unless the
// ID is already present.
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[4], ARGV[1], ARGV[2])
return 1
`)

// claimScript pops the head of the session's pending index and marks
// it processing, all in one atomic step.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then return false end
local reqID = ids[1]
redis.call('ZREM', KEYS[1], reqID)
redis.call('SADD', KEYS[2], reqID)
redis.call('HSET', ARGV[3] .. reqID,
	'status', 'processing',
	'processing_started_at', ARGV[1],
	'worker_id', ARGV[2],
	'updated_at', ARGV[1])
return reqID
`)

// advanceScript is the status CAS. Returns -1 when the request is
// missing, 0 when the stored status no longer matches from, 1 on
// success. Index maintenance follows the transition.
var advanceScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local cur = redis.call('HGET', KEYS[1], 'status')
if cur ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[3])
if ARGV[8] == '1' then redis.call('HSET', KEYS[1], 'result', ARGV[4]) end
if ARGV[5] ~= '' then redis.call('HSET', KEYS[1], 'last_error', ARGV[5]) end
if ARGV[6] == '1' then
	redis.call('HDEL', KEYS[1], 'processing_started_at')
	redis.call('HSET', KEYS[1], 'worker_id', '')
end
if ARGV[1] == 'pending' then redis.call('ZREM', KEYS[2], ARGV[7]) end
if ARGV[1] == 'processing' then redis.call('SREM', KEYS[3], ARGV[7]) end
if ARGV[2] == 'pending' then
	local created = redis.call('HGET', KEYS[1], 'created_at')
	redis.call('ZADD', KEYS[2], created, ARGV[7])
end
if ARGV[2] == 'processing' then redis.call('SADD', KEYS[3], ARGV[7]) end
if ARGV[2] == 'completed' or ARGV[2] == 'failed' then
	redis.call('HSET', KEYS[1], 'completed_at', ARGV[3])
	redis.call('ZADD', KEYS[4], ARGV[3], ARGV[7])
end
return 1
`)

// AppendRequest persists a new request in pending state.
func (s *Store) AppendRequest(ctx context.Context, r *request.Request) error {
	reqID := r.ID.String()
	score := r.CreatedAt.UnixMilli()

	args := []any{score, reqID}
	args = append(args, requestFields(r)...)

	n, err := appendScript.Run(ctx, s.client,
		[]string{requestKey(reqID), pendingKey(r.SessionID), sessionRequestsKey(r.SessionID), keyAllRequests},
		args...,
	).Int64()
	if err != nil {
		return fmt.Errorf("turnstile/redis: append request: %w", err)
	}
	if n == 0 {
		return turnstile.ErrRequestExists
	}
	return nil
}

// AdvanceRequest atomically moves a request between statuses.
func (s *Store) AdvanceRequest(ctx context.Context, reqID id.RequestID, from, to request.Status, adv request.Advance) (bool, error) {
	r, err := s.GetRequest(ctx, reqID)
	if err != nil {
		return false, err
	}

	hasResult := "0"
	if adv.Result != nil {
		hasResult = "1"
	}
	clearClaim := "0"
	if adv.ClearClaim {
		clearClaim = "1"
	}

	n, err := advanceScript.Run(ctx, s.client,
		[]string{
			requestKey(reqID.String()),
			pendingKey(r.SessionID),
			processingKey(r.SessionID),
			keyCompleted,
		},
		string(from), string(to), time.Now().UnixMilli(),
		string(adv.Result), adv.LastError, clearClaim,
		reqID.String(), hasResult,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("turnstile/redis: advance request: %w", err)
	}

	switch n {
	case -1:
		return false, turnstile.ErrRequestNotFound
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

// NextPending atomically claims the earliest-created pending request
// for the session. Returns nil when the session has no pending rows.
func (s *Store) NextPending(ctx context.Context, sessionID string, workerID id.WorkerID) (*request.Request, error) {
	reqID, err := claimScript.Run(ctx, s.client,
		[]string{pendingKey(sessionID), processingKey(sessionID)},
		time.Now().UnixMilli(), workerID.String(), keyPrefix+"request:",
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("turnstile/redis: next pending: %w", err)
	}

	parsed, err := id.ParseRequestID(reqID)
	if err != nil {
		return nil, fmt.Errorf("turnstile/redis: parse claimed id %q: %w", reqID, err)
	}
	return s.GetRequest(ctx, parsed)
}

// GetRequest retrieves a request by ID.
func (s *Store) GetRequest(ctx context.Context, reqID id.RequestID) (*request.Request, error) {
	fields, err := s.client.HGetAll(ctx, requestKey(reqID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("turnstile/redis: get request: %w", err)
	}
	if len(fields) == 0 {
		return nil, turnstile.ErrRequestNotFound
	}
	return requestFromFields(reqID, fields)
}

// ListSessionRequests returns the session's requests in creation order.
func (s *Store) ListSessionRequests(ctx context.Context, sessionID string, opts request.ListOpts) ([]*request.Request, error) {
	stop := int64(-1)
	if opts.Limit > 0 {
		stop = int64(opts.Offset + opts.Limit - 1)
	}

	ids, err := s.client.ZRange(ctx, sessionRequestsKey(sessionID), int64(opts.Offset), stop).Result()
	if err != nil {
		return nil, fmt.Errorf("turnstile/redis: list session requests: %w", err)
	}
	return s.fetchRequests(ctx, ids)
}

// CompletedSince returns requests that reached a terminal status at or
// after the given instant.
func (s *Store) CompletedSince(ctx context.Context, since time.Time) ([]*request.Request, error) {
	ids, err := s.client.ZRangeByScore(ctx, keyCompleted, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("turnstile/redis: completed since: %w", err)
	}
	return s.fetchRequests(ctx, ids)
}

// CountRequests returns the number of requests in the given status.
// An empty session ID counts cluster-wide. This walks the request
// index, so it is O(n) in ledger size; use the janitor to keep the
// ledger pruned.
func (s *Store) CountRequests(ctx context.Context, sessionID string, status request.Status) (int64, error) {
	indexKey := keyAllRequests
	if sessionID != "" {
		indexKey = sessionRequestsKey(sessionID)
	}

	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("turnstile/redis: count requests: %w", err)
	}

	var count int64
	for _, reqID := range ids {
		cur, getErr := s.client.HGet(ctx, requestKey(reqID), "status").Result()
		if getErr != nil {
			if errors.Is(getErr, redis.Nil) {
				continue
			}
			return 0, fmt.Errorf("turnstile/redis: count requests: %w", getErr)
		}
		if request.Status(cur) == status {
			count++
		}
	}
	return count, nil
}

// ReclaimStuck recovers the session's stuck processing rows. Each
// recovery goes through the status CAS, so a row that completes
// between the scan and the reclaim is left alone.
func (s *Store) ReclaimStuck(ctx context.Context, sessionID string, cutoff time.Time, staleWorkers []id.WorkerID, policy request.ReclaimPolicy) ([]*request.Request, error) {
	members, err := s.client.SMembers(ctx, processingKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("turnstile/redis: reclaim stuck: %w", err)
	}

	staleSet := make(map[string]struct{}, len(staleWorkers))
	for _, w := range staleWorkers {
		staleSet[w.String()] = struct{}{}
	}

	var reclaimed []*request.Request
	for _, member := range members {
		reqID, parseErr := id.ParseRequestID(member)
		if parseErr != nil {
			continue
		}
		r, getErr := s.GetRequest(ctx, reqID)
		if getErr != nil {
			continue
		}
		if r.Status != request.StatusProcessing {
			continue
		}

		timedOut := r.ProcessingStartedAt != nil && r.ProcessingStartedAt.Before(cutoff)
		_, staleOwner := staleSet[r.WorkerID.String()]
		if !timedOut && !staleOwner {
			continue
		}

		var (
			ok     bool
			advErr error
		)
		if policy == request.ReclaimFail {
			ok, advErr = s.AdvanceRequest(ctx, reqID, request.StatusProcessing, request.StatusFailed, request.Advance{
				LastError: "reclaimed: worker lost",
			})
		} else {
			ok, advErr = s.AdvanceRequest(ctx, reqID, request.StatusProcessing, request.StatusPending, request.Advance{
				ClearClaim: true,
			})
		}
		if advErr != nil {
			return nil, advErr
		}
		if !ok {
			continue
		}

		updated, getErr := s.GetRequest(ctx, reqID)
		if getErr != nil {
			return nil, getErr
		}
		reclaimed = append(reclaimed, updated)
	}

	sort.Slice(reclaimed, func(i, k int) bool {
		if !reclaimed[i].CreatedAt.Equal(reclaimed[k].CreatedAt) {
			return reclaimed[i].CreatedAt.Before(reclaimed[k].CreatedAt)
		}
		return reclaimed[i].ID.String() < reclaimed[k].ID.String()
	})
	return reclaimed, nil
}

// PruneRequests deletes terminal requests whose completion is older
// than the given instant.
func (s *Store) PruneRequests(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, keyCompleted, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("turnstile/redis: prune requests: %w", err)
	}

	var pruned int64
	for _, reqID := range ids {
		sessionID, getErr := s.client.HGet(ctx, requestKey(reqID), "session_id").Result()
		if getErr != nil && !errors.Is(getErr, redis.Nil) {
			return pruned, fmt.Errorf("turnstile/redis: prune requests: %w", getErr)
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, requestKey(reqID))
		pipe.ZRem(ctx, keyCompleted, reqID)
		pipe.ZRem(ctx, keyAllRequests, reqID)
		if sessionID != "" {
			pipe.ZRem(ctx, sessionRequestsKey(sessionID), reqID)
		}
		if _, pipeErr := pipe.Exec(ctx); pipeErr != nil {
			return pruned, fmt.Errorf("turnstile/redis: prune requests: %w", pipeErr)
		}
		pruned++
	}
	return pruned, nil
}

// fetchRequests resolves an ordered list of request IDs to requests,
// skipping any pruned in between.
func (s *Store) fetchRequests(ctx context.Context, reqIDs []string) ([]*request.Request, error) {
	var out []*request.Request
	for _, reqID := range reqIDs {
		parsed, err := id.ParseRequestID(reqID)
		if err != nil {
			continue
		}
		r, err := s.GetRequest(ctx, parsed)
		if err != nil {
			if errors.Is(err, turnstile.ErrRequestNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// requestFields flattens a request into HSET field-value pairs.
func requestFields(r *request.Request) []any {
	fields := []any{
		"session_id", r.SessionID,
		"channel", r.Channel,
		"payload", r.Payload,
		"status", string(r.Status),
		"worker_id", r.WorkerID.String(),
		"last_error", r.LastError,
		"created_at", r.CreatedAt.UnixMilli(),
		"updated_at", r.UpdatedAt.UnixMilli(),
	}
	if r.Result != nil {
		fields = append(fields, "result", r.Result)
	}
	if r.ProcessingStartedAt != nil {
		fields = append(fields, "processing_started_at", r.ProcessingStartedAt.UnixMilli())
	}
	if r.CompletedAt != nil {
		fields = append(fields, "completed_at", r.CompletedAt.UnixMilli())
	}
	return fields
}

// requestFromFields rebuilds a request from its hash fields.
func requestFromFields(reqID id.RequestID, fields map[string]string) (*request.Request, error) {
	r := &request.Request{
		ID:        reqID,
		SessionID: fields["session_id"],
		Channel:   fields["channel"],
		Payload:   []byte(fields["payload"]),
		Status:    request.Status(fields["status"]),
		LastError: fields["last_error"],
	}
	if v, ok := fields["result"]; ok {
		r.Result = []byte(v)
	}

	var err error
	if r.CreatedAt, err = parseMilli(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("turnstile/redis: request %s created_at: %w", reqID, err)
	}
	if r.UpdatedAt, err = parseMilli(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("turnstile/redis: request %s updated_at: %w", reqID, err)
	}
	if v, ok := fields["processing_started_at"]; ok && v != "" {
		t, parseErr := parseMilli(v)
		if parseErr != nil {
			return nil, fmt.Errorf("turnstile/redis: request %s processing_started_at: %w", reqID, parseErr)
		}
		r.ProcessingStartedAt = &t
	}
	if v, ok := fields["completed_at"]; ok && v != "" {
		t, parseErr := parseMilli(v)
		if parseErr != nil {
			return nil, fmt.Errorf("turnstile/redis: request %s completed_at: %w", reqID, parseErr)
		}
		r.CompletedAt = &t
	}

	if w := fields["worker_id"]; w != "" {
		parsed, parseErr := id.ParseWorkerID(w)
		if parseErr == nil {
			r.WorkerID = parsed
		}
	}
	return r, nil
}

func parseMilli(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
