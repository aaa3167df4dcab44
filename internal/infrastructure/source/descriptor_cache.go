package source

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hszk-dev/tubecache/internal/domain/model"
	"github.com/hszk-dev/tubecache/internal/domain/repository"
)

type cachedDescriptor struct {
	descriptor *model.Descriptor
	storedAt   time.Time
}

// CachingSource wraps an ExternalSource with a bounded descriptor LRU.
// Entries expire after ttl or when their links do, whichever comes first.
// Byte fetches pass straight through.
type CachingSource struct {
	next  repository.ExternalSource
	cache *lru.Cache[string, cachedDescriptor]
	ttl   time.Duration
	now   func() time.Time
}

var _ repository.ExternalSource = (*CachingSource)(nil)

// NewCachingSource creates a descriptor cache holding up to size sources.
func NewCachingSource(next repository.ExternalSource, size int, ttl time.Duration) (*CachingSource, error) {
	cache, err := lru.New[string, cachedDescriptor](size)
	if err != nil {
		return nil, fmt.Errorf("create descriptor cache: %w", err)
	}
	return &CachingSource{next: next, cache: cache, ttl: ttl, now: time.Now}, nil
}

// FetchDescriptor serves a fresh cached descriptor or fetches a new one.
func (c *CachingSource) FetchDescriptor(ctx context.Context, sourceID string) (*model.Descriptor, error) {
	now := c.now()
	if item, ok := c.cache.Get(sourceID); ok {
		if now.Sub(item.storedAt) < c.ttl && !item.descriptor.Expired(now) {
			return item.descriptor, nil
		}
		c.cache.Remove(sourceID)
	}

	d, err := c.next.FetchDescriptor(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if c.ttl > 0 {
		c.cache.Add(sourceID, cachedDescriptor{descriptor: d, storedAt: now})
	}
	return d, nil
}

// Invalidate drops a cached descriptor, used when one of its links expired early.
func (c *CachingSource) Invalidate(sourceID string) {
	c.cache.Remove(sourceID)
}

// FetchBytes is not cached.
func (c *CachingSource) FetchBytes(ctx context.Context, link, rangeHeader string) (*model.Stream, error) {
	return c.next.FetchBytes(ctx, link, rangeHeader)
}

// HeadBytes is not cached.
func (c *CachingSource) HeadBytes(ctx context.Context, link, rangeHeader string) (*model.Stream, error) {
	return c.next.HeadBytes(ctx, link, rangeHeader)
}

// Len returns the number of cached descriptors.
func (c *CachingSource) Len() int {
	return c.cache.Len()
}
