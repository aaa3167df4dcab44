package repository

import (
	"context"
	"time"
)

// QuotaStore persists per-key counters. Every mutation must be an atomic
// increment in the backing store; callers never read-modify-write.
type QuotaStore interface {
	// IncrementRequests adds one to the key's counter for the window starting
	// at windowStart and returns the new value.
	IncrementRequests(ctx context.Context, keyID string, windowStart time.Time) (int64, error)

	// AcquireSlot increments the key's in-flight count if it is below limit.
	AcquireSlot(ctx context.Context, keyID string, limit int) (bool, error)

	// ReleaseSlot decrements the key's in-flight count, never below zero.
	ReleaseSlot(ctx context.Context, keyID string) error
}
