package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turnhq/turnstile"
	"github.com/turnhq/turnstile/id"
	"github.com/turnhq/turnstile/liveness"
)

// RegisterWorker inserts (or refreshes) the worker's heartbeat row.
func (s *Store) RegisterWorker(ctx context.Context, w *liveness.Worker) error {
	now := time.Now().UnixMilli()
	key := workerKey(w.ID.String())

	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "created_at", now)
	pipe.HSet(ctx, key, "hostname", w.Hostname, "last_seen", now)
	pipe.ZAdd(ctx, keyWorkers, redis.Z{Score: float64(now), Member: w.ID.String()})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("turnstile/redis: register worker: %w", err)
	}
	return nil
}

// heartbeatScript refuses to revive a worker that never registered.
var heartbeatScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'last_seen', ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	n, err := heartbeatScript.Run(ctx, s.client,
		[]string{workerKey(workerID.String()), keyWorkers},
		time.Now().UnixMilli(), workerID.String(),
	).Int64()
	if err != nil {
		return fmt.Errorf("turnstile/redis: heartbeat worker: %w", err)
	}
	if n == 0 {
		return turnstile.ErrWorkerNotFound
	}
	return nil
}

// GetWorker retrieves one worker's heartbeat row.
func (s *Store) GetWorker(ctx context.Context, workerID id.WorkerID) (*liveness.Worker, error) {
	fields, err := s.client.HGetAll(ctx, workerKey(workerID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("turnstile/redis: get worker: %w", err)
	}
	if len(fields) == 0 {
		return nil, turnstile.ErrWorkerNotFound
	}
	return workerFromFields(workerID, fields)
}

// ListWorkers returns all heartbeat rows.
func (s *Store) ListWorkers(ctx context.Context) ([]*liveness.Worker, error) {
	ids, err := s.client.ZRange(ctx, keyWorkers, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("turnstile/redis: list workers: %w", err)
	}

	var out []*liveness.Worker
	for _, workerID := range ids {
		parsed, parseErr := id.ParseWorkerID(workerID)
		if parseErr != nil {
			continue
		}
		w, getErr := s.GetWorker(ctx, parsed)
		if getErr != nil {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// StaleWorkers returns the IDs of workers whose last heartbeat is older
// than grace.
func (s *Store) StaleWorkers(ctx context.Context, grace time.Duration) ([]id.WorkerID, error) {
	cutoff := time.Now().Add(-grace).UnixMilli()
	ids, err := s.client.ZRangeByScore(ctx, keyWorkers, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("turnstile/redis: stale workers: %w", err)
	}

	var out []id.WorkerID
	for _, workerID := range ids {
		parsed, parseErr := id.ParseWorkerID(workerID)
		if parseErr != nil {
			continue
		}
		out = append(out, parsed)
	}
	return out, nil
}

func workerFromFields(workerID id.WorkerID, fields map[string]string) (*liveness.Worker, error) {
	w := &liveness.Worker{
		ID:       workerID,
		Hostname: fields["hostname"],
	}

	var err error
	if w.LastSeen, err = parseMilli(fields["last_seen"]); err != nil {
		return nil, fmt.Errorf("turnstile/redis: worker %s last_seen: %w", workerID, err)
	}
	if w.CreatedAt, err = parseMilli(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("turnstile/redis: worker %s created_at: %w", workerID, err)
	}
	return w, nil
}
