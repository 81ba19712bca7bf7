package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turnhq/turnstile"
	"github.com/turnhq/turnstile/session"
)

// touchScript upserts the session hash without letting an empty
// channel overwrite a stored one.
var touchScript = redis.NewScript(`
local existed = redis.call('EXISTS', KEYS[1])
if existed == 0 then
	redis.call('HSET', KEYS[1], 'channel', ARGV[2], 'created_at', ARGV[1])
elseif ARGV[2] ~= '' then
	redis.call('HSET', KEYS[1], 'channel', ARGV[2])
end
redis.call('HSET', KEYS[1], 'last_activity_at', ARGV[1], 'updated_at', ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// TouchSession upserts the session row and bumps last_activity_at.
func (s *Store) TouchSession(ctx context.Context, sessionID, channel string) error {
	err := touchScript.Run(ctx, s.client,
		[]string{sessionKey(sessionID), keySessions},
		time.Now().UnixMilli(), channel, sessionID,
	).Err()
	if err != nil {
		return fmt.Errorf("turnstile/redis: touch session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("turnstile/redis: get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, turnstile.ErrSessionNotFound
	}
	return sessionFromFields(sessionID, fields)
}

// ListSessions returns sessions active since the given instant, most
// recent first.
func (s *Store) ListSessions(ctx context.Context, activeSince time.Time) ([]*session.Session, error) {
	ids, err := s.client.ZRevRangeByScore(ctx, keySessions, &redis.ZRangeBy{
		Min: strconv.FormatInt(activeSince.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("turnstile/redis: list sessions: %w", err)
	}

	var out []*session.Session
	for _, sessionID := range ids {
		sess, getErr := s.GetSession(ctx, sessionID)
		if getErr != nil {
			if errors.Is(getErr, turnstile.ErrSessionNotFound) {
				continue
			}
			return nil, getErr
		}
		out = append(out, sess)
	}
	return out, nil
}

func sessionFromFields(sessionID string, fields map[string]string) (*session.Session, error) {
	sess := &session.Session{
		ID:      sessionID,
		Channel: fields["channel"],
	}

	var err error
	if sess.CreatedAt, err = parseMilli(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("turnstile/redis: session %s created_at: %w", sessionID, err)
	}
	if sess.UpdatedAt, err = parseMilli(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("turnstile/redis: session %s updated_at: %w", sessionID, err)
	}
	if sess.LastActivityAt, err = parseMilli(fields["last_activity_at"]); err != nil {
		return nil, fmt.Errorf("turnstile/redis: session %s last_activity_at: %w", sessionID, err)
	}
	return sess, nil
}
