package cache

import (
	"context"
	"time"

	"github.com/hszk-dev/tubecache/internal/domain/model"
)

// EntryCache defines the interface for caching stored cache entries in front
// of the metadata store.
// Implementations should handle serialization/deserialization transparently.
type EntryCache interface {
	// Get retrieves an entry by fingerprint.
	// Returns nil, nil on a cache miss.
	Get(ctx context.Context, fp model.Fingerprint) (*model.CacheEntry, error)

	// Set stores an entry with the specified TTL.
	Set(ctx context.Context, entry *model.CacheEntry, ttl time.Duration) error

	// Delete removes an entry. Returns nil if it was not cached.
	Delete(ctx context.Context, fp model.Fingerprint) error
}

// NegativeCache remembers sources the upstream reported as missing so repeat
// lookups skip the descriptor fetch.
type NegativeCache interface {
	// IsMissing reports whether the source is currently known missing.
	IsMissing(ctx context.Context, sourceID string) (bool, error)

	// MarkMissing records a miss for ttl.
	MarkMissing(ctx context.Context, sourceID string, ttl time.Duration) error
}

// SessionTracker counts concurrently active playback sessions.
type SessionTracker interface {
	// Heartbeat marks a session alive as of now.
	Heartbeat(ctx context.Context, sessionID string, now time.Time) error

	// Active returns the number of sessions seen within ttl of now, pruning
	// the rest.
	Active(ctx context.Context, now time.Time, ttl time.Duration) (int64, error)
}
