package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hszk-dev/tubecache/internal/domain/model"
)

const (
	// entryCacheKeyPrefix is the prefix for entry cache keys in Redis.
	entryCacheKeyPrefix = "entry:"
)

// entryJSON is the JSON representation of a CacheEntry for caching.
// Using explicit struct avoids coupling to domain model's JSON tags.
type entryJSON struct {
	SourceID           string   `json:"source_id"`
	Quality            string   `json:"quality"`
	HotRef             *string  `json:"hot_ref,omitempty"`
	ContentHash        string   `json:"content_hash"`
	SizeBytes          int64    `json:"size_bytes"`
	ContentType        string   `json:"content_type"`
	AvailableQualities []string `json:"available_qualities"`
	Title              string   `json:"title"`
	DurationSeconds    int      `json:"duration_seconds"`
	AccessCount        int64    `json:"access_count"`
	State              string   `json:"state"`
	Attempts           int      `json:"attempts"`
	LastError          string   `json:"last_error,omitempty"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
	LastVerifiedAt     string   `json:"last_verified_at,omitempty"`
}

// RedisEntryCache implements EntryCache using Redis as the backing store.
type RedisEntryCache struct {
	client *redis.Client
}

// Compile-time verification that RedisEntryCache implements EntryCache.
var _ EntryCache = (*RedisEntryCache)(nil)

// NewRedisEntryCache creates a new Redis-backed entry cache.
func NewRedisEntryCache(client *redis.Client) *RedisEntryCache {
	return &RedisEntryCache{
		client: client,
	}
}

// Get retrieves an entry from Redis cache.
// Returns nil, nil on cache miss.
func (c *RedisEntryCache) Get(ctx context.Context, fp model.Fingerprint) (*model.CacheEntry, error) {
	data, err := c.client.Get(ctx, c.buildKey(fp)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	entry, err := c.deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("deserialize entry: %w", err)
	}

	return entry, nil
}

// Set stores an entry in Redis cache with the specified TTL.
func (c *RedisEntryCache) Set(ctx context.Context, entry *model.CacheEntry, ttl time.Duration) error {
	data, err := c.serialize(entry)
	if err != nil {
		return fmt.Errorf("serialize entry: %w", err)
	}

	if err := c.client.Set(ctx, c.buildKey(entry.Fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes an entry from Redis cache.
func (c *RedisEntryCache) Delete(ctx context.Context, fp model.Fingerprint) error {
	if err := c.client.Del(ctx, c.buildKey(fp)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}

func (c *RedisEntryCache) buildKey(fp model.Fingerprint) string {
	return entryCacheKeyPrefix + fp.Key()
}

func (c *RedisEntryCache) serialize(entry *model.CacheEntry) ([]byte, error) {
	v := entryJSON{
		SourceID:           entry.Fingerprint.SourceID,
		Quality:            entry.Fingerprint.Quality.String(),
		HotRef:             entry.HotRef,
		ContentHash:        entry.ContentHash,
		SizeBytes:          entry.SizeBytes,
		ContentType:        entry.ContentType,
		AvailableQualities: entry.AvailableQualities.Strings(),
		Title:              entry.Title,
		DurationSeconds:    entry.DurationSeconds,
		AccessCount:        entry.AccessCount,
		State:              entry.State.String(),
		Attempts:           entry.Attempts,
		LastError:          entry.LastError,
		CreatedAt:          entry.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:          entry.UpdatedAt.Format(time.RFC3339Nano),
	}
	if !entry.LastVerifiedAt.IsZero() {
		v.LastVerifiedAt = entry.LastVerifiedAt.Format(time.RFC3339Nano)
	}
	return json.Marshal(v)
}

func (c *RedisEntryCache) deserialize(data []byte) (*model.CacheEntry, error) {
	var v entryJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}

	createdAt, err := time.Parse(time.RFC3339Nano, v.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, v.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	var verifiedAt time.Time
	if v.LastVerifiedAt != "" {
		verifiedAt, err = time.Parse(time.RFC3339Nano, v.LastVerifiedAt)
		if err != nil {
			return nil, fmt.Errorf("parse last_verified_at: %w", err)
		}
	}

	entry := &model.CacheEntry{
		Fingerprint:        model.Fingerprint{SourceID: v.SourceID, Quality: model.Quality(v.Quality)},
		HotRef:             v.HotRef,
		ContentHash:        v.ContentHash,
		SizeBytes:          v.SizeBytes,
		ContentType:        v.ContentType,
		AvailableQualities: model.QualitySetFromStrings(v.AvailableQualities),
		Title:              v.Title,
		DurationSeconds:    v.DurationSeconds,
		AccessCount:        v.AccessCount,
		State:              model.UploadState(v.State),
		Attempts:           v.Attempts,
		LastError:          v.LastError,
		CreatedAt:          createdAt,
		UpdatedAt:          updatedAt,
		LastVerifiedAt:     verifiedAt,
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	return entry, nil
}
