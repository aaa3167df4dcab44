package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionsKey = "sessions:active"

// RedisSessionTracker keeps session heartbeats in a sorted set scored by
// unix milliseconds.
type RedisSessionTracker struct {
	client *redis.Client
}

var _ SessionTracker = (*RedisSessionTracker)(nil)

// NewRedisSessionTracker creates a Redis-backed session tracker.
func NewRedisSessionTracker(client *redis.Client) *RedisSessionTracker {
	return &RedisSessionTracker{client: client}
}

// Heartbeat upserts the session's last-seen score.
func (t *RedisSessionTracker) Heartbeat(ctx context.Context, sessionID string, now time.Time) error {
	err := t.client.ZAdd(ctx, sessionsKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: sessionID,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}
	return nil
}

// Active prunes sessions older than ttl and counts the rest.
func (t *RedisSessionTracker) Active(ctx context.Context, now time.Time, ttl time.Duration) (int64, error) {
	cutoff := strconv.FormatInt(now.Add(-ttl).UnixMilli(), 10)

	pipe := t.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, sessionsKey, "-inf", "("+cutoff)
	card := pipe.ZCard(ctx, sessionsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis session count: %w", err)
	}
	return card.Val(), nil
}
