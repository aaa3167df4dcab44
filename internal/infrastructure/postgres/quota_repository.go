package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hszk-dev/tubecache/internal/domain/repository"
)

// QuotaRepository implements repository.QuotaStore using PostgreSQL.
// Counters are only ever changed by in-database arithmetic.
type QuotaRepository struct {
	db DBTX
}

// NewQuotaRepository creates a new QuotaRepository instance.
func NewQuotaRepository(db DBTX) *QuotaRepository {
	return &QuotaRepository{db: db}
}

// IncrementRequests bumps the counter for (key, window) and returns the new count.
func (r *QuotaRepository) IncrementRequests(ctx context.Context, keyID string, windowStart time.Time) (int64, error) {
	const query = `
		INSERT INTO quota_windows (key_id, window_start, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (key_id, window_start) DO UPDATE
		SET count = quota_windows.count + 1
		RETURNING count
	`

	var count int64
	if err := r.db.QueryRow(ctx, query, keyID, windowStart.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment quota: %w", err)
	}
	return count, nil
}

// AcquireSlot takes one concurrency slot if the key is below limit.
func (r *QuotaRepository) AcquireSlot(ctx context.Context, keyID string, limit int) (bool, error) {
	const query = `
		INSERT INTO key_slots (key_id, in_flight)
		VALUES ($1, 1)
		ON CONFLICT (key_id) DO UPDATE
		SET in_flight = key_slots.in_flight + 1
		WHERE key_slots.in_flight < $2
		RETURNING in_flight
	`

	var inFlight int
	err := r.db.QueryRow(ctx, query, keyID, limit).Scan(&inFlight)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire slot: %w", err)
	}
	return true, nil
}

// ReleaseSlot gives a slot back. The count never drops below zero.
func (r *QuotaRepository) ReleaseSlot(ctx context.Context, keyID string) error {
	const query = `
		UPDATE key_slots
		SET in_flight = GREATEST(in_flight - 1, 0)
		WHERE key_id = $1
	`

	if _, err := r.db.Exec(ctx, query, keyID); err != nil {
		return fmt.Errorf("failed to release slot: %w", err)
	}
	return nil
}

// Compile-time verification that QuotaRepository implements repository.QuotaStore.
var _ repository.QuotaStore = (*QuotaRepository)(nil)
