package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
)

const negativeKeyPrefix = "missing:"

// RedisNegativeCache shares known-missing sources across API replicas.
type RedisNegativeCache struct {
	client *redis.Client
}

var _ NegativeCache = (*RedisNegativeCache)(nil)

// NewRedisNegativeCache creates a Redis-backed negative cache.
func NewRedisNegativeCache(client *redis.Client) *RedisNegativeCache {
	return &RedisNegativeCache{client: client}
}

// IsMissing reports whether Redis holds an unexpired miss marker.
func (c *RedisNegativeCache) IsMissing(ctx context.Context, sourceID string) (bool, error) {
	err := c.client.Get(ctx, negativeKeyPrefix+sourceID).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis get: %w", err)
	}
	return true, nil
}

// MarkMissing writes a marker that Redis expires after ttl.
func (c *RedisNegativeCache) MarkMissing(ctx context.Context, sourceID string, ttl time.Duration) error {
	if err := c.client.Set(ctx, negativeKeyPrefix+sourceID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// MemoryNegativeCache is the single-process negative cache.
type MemoryNegativeCache struct {
	items *ttlcache.Cache[string, struct{}]
}

var _ NegativeCache = (*MemoryNegativeCache)(nil)

// NewMemoryNegativeCache creates a negative cache with a background janitor.
// Call Stop to release it.
func NewMemoryNegativeCache(defaultTTL time.Duration) *MemoryNegativeCache {
	items := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](defaultTTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go items.Start()
	return &MemoryNegativeCache{items: items}
}

// IsMissing never errors.
func (c *MemoryNegativeCache) IsMissing(_ context.Context, sourceID string) (bool, error) {
	item := c.items.Get(sourceID)
	return item != nil && !item.IsExpired(), nil
}

// MarkMissing never errors.
func (c *MemoryNegativeCache) MarkMissing(_ context.Context, sourceID string, ttl time.Duration) error {
	c.items.Set(sourceID, struct{}{}, ttl)
	return nil
}

// Stop halts the expiry janitor.
func (c *MemoryNegativeCache) Stop() {
	c.items.Stop()
}
