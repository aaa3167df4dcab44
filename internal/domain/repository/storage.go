package repository

import (
	"context"
	"io"
	"time"

	"github.com/hszk-dev/tubecache/internal/domain/model"
)

// HotStore defines the interface for the hot object tier.
// Implementations should be provided by the infrastructure layer (e.g., MinIO, S3).
// Objects are content-addressed: the reference is derived from the hash.
type HotStore interface {
	// Put stores content under its hash and returns the object reference.
	// size may be -1 when unknown.
	Put(ctx context.Context, reader io.Reader, size int64, contentHash, contentType string) (string, error)

	// Get opens an object, or a byte range of it when rng is non-nil.
	// Returns ErrObjectNotFound if the reference does not resolve.
	// Caller is responsible for closing the returned stream body.
	Get(ctx context.Context, ref string, rng *model.ByteRange) (*model.Stream, error)

	// Exists is the cheap existence probe used on the hot path.
	Exists(ctx context.Context, ref string) (bool, error)

	// Stat returns object metadata used for post-upload verification.
	Stat(ctx context.Context, ref string) (*ObjectInfo, error)

	// PresignedURL creates a time-limited download URL for redirects.
	PresignedURL(ctx context.Context, ref string, expiry time.Duration) (string, error)
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Ref          string
	Size         int64
	ContentHash  string
	ContentType  string
	LastModified time.Time
}
