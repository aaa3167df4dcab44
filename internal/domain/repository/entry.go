package repository

import (
	"context"
	"time"

	"github.com/hszk-dev/tubecache/internal/domain/model"
)

// StoredObject describes a verified hot-store object being linked to an entry.
type StoredObject struct {
	Ref                string
	ContentHash        string
	SizeBytes          int64
	ContentType        string
	AvailableQualities model.QualitySet
	Title              string
	DurationSeconds    int
}

// EntryStore defines durable cache entry persistence.
// Implementations should be provided by the infrastructure layer (e.g., PostgreSQL).
// State changes are compare-and-set: a method returns false when the entry
// was not in an expected state, never overwriting a concurrent writer.
type EntryStore interface {
	// GetEntry retrieves the entry for a fingerprint.
	// Returns nil and ErrEntryNotFound if no entry exists.
	GetEntry(ctx context.Context, fp model.Fingerprint) (*model.CacheEntry, error)

	// ListStoredBySource returns every stored entry for a source id, any quality.
	ListStoredBySource(ctx context.Context, sourceID string) ([]*model.CacheEntry, error)

	// FindStoredByHash returns a stored entry holding byte-identical content.
	// Returns nil and ErrEntryNotFound when no such entry exists.
	FindStoredByHash(ctx context.Context, contentHash string) (*model.CacheEntry, error)

	// ClaimUpload atomically inserts a pending entry, or re-claims one that
	// failed before now-cooldown or whose in-flight claim is older than
	// now-staleAfter. This is the conditional write behind the store gate.
	ClaimUpload(ctx context.Context, fp model.Fingerprint, now time.Time, cooldown, staleAfter time.Duration) (bool, error)

	// BeginUpload moves an entry into uploading, creating it if absent.
	// Returns false when the entry is already stored or uploading.
	BeginUpload(ctx context.Context, fp model.Fingerprint, now time.Time) (bool, error)

	// MarkStored flips an uploading entry to stored with its hot reference.
	MarkStored(ctx context.Context, fp model.Fingerprint, obj StoredObject, now time.Time) (bool, error)

	// MarkFailed flips a pending or uploading entry to failed, recording the last error.
	MarkFailed(ctx context.Context, fp model.Fingerprint, reason string, attempts int, now time.Time) (bool, error)

	// MarkMissing flips a stored entry whose hot object vanished to failed,
	// clearing its reference.
	MarkMissing(ctx context.Context, fp model.Fingerprint, now time.Time) (bool, error)

	// TouchAccess increments the access counter and refreshes last_verified_at.
	TouchAccess(ctx context.Context, fp model.Fingerprint, now time.Time) error

	// TouchVerified refreshes last_verified_at after a completed stream.
	TouchVerified(ctx context.Context, fp model.Fingerprint, now time.Time) error

	// Stats summarises entries by state.
	Stats(ctx context.Context) (*EntryStats, error)
}

// EntryStats is a summary of the metadata store.
type EntryStats struct {
	Stored      int64
	Audio       int64
	Video       int64
	InFlight    int64
	Failed      int64
	StoredBytes int64
}
