package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hszk-dev/tubecache/internal/domain/model"
	"github.com/hszk-dev/tubecache/internal/domain/repository"
)

// DBTX is an interface that abstracts pgxpool.Pool and pgx.Tx for testability.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const entryColumns = `source_id, quality, hot_ref, content_hash, size_bytes, content_type,
		available_qualities, title, duration_seconds, access_count, state, attempts,
		last_error, created_at, updated_at, last_verified_at`

// missingReason is recorded when a stored entry's hot object disappears.
const missingReason = "hot object missing"

// EntryRepository implements repository.EntryStore using PostgreSQL.
// Every state change is a single conditional statement; the row's state
// column is the compare-and-set guard.
type EntryRepository struct {
	db DBTX
}

// NewEntryRepository creates a new EntryRepository instance.
func NewEntryRepository(db DBTX) *EntryRepository {
	return &EntryRepository{db: db}
}

// GetEntry retrieves the entry for a fingerprint.
func (r *EntryRepository) GetEntry(ctx context.Context, fp model.Fingerprint) (*model.CacheEntry, error) {
	query := `SELECT ` + entryColumns + `
		FROM cache_entries
		WHERE source_id = $1 AND quality = $2`

	entry, err := scanEntry(r.db.QueryRow(ctx, query, fp.SourceID, fp.Quality.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return entry, nil
}

// ListStoredBySource returns stored entries for a source, best quality first.
func (r *EntryRepository) ListStoredBySource(ctx context.Context, sourceID string) ([]*model.CacheEntry, error) {
	query := `SELECT ` + entryColumns + `
		FROM cache_entries
		WHERE source_id = $1 AND state = 'stored'
		ORDER BY size_bytes DESC`

	rows, err := r.db.Query(ctx, query, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stored entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.CacheEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache entries: %w", err)
	}
	return entries, nil
}

// FindStoredByHash returns any stored entry holding the given content.
func (r *EntryRepository) FindStoredByHash(ctx context.Context, contentHash string) (*model.CacheEntry, error) {
	query := `SELECT ` + entryColumns + `
		FROM cache_entries
		WHERE content_hash = $1 AND state = 'stored'
		LIMIT 1`

	entry, err := scanEntry(r.db.QueryRow(ctx, query, contentHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to find entry by hash: %w", err)
	}
	return entry, nil
}

// ClaimUpload inserts a pending entry or re-claims a cooled-down failure or
// an abandoned in-flight claim. Zero affected rows means someone else owns it.
func (r *EntryRepository) ClaimUpload(ctx context.Context, fp model.Fingerprint, now time.Time, cooldown, staleAfter time.Duration) (bool, error) {
	const query = `
		INSERT INTO cache_entries (source_id, quality, state, created_at, updated_at)
		VALUES ($1, $2, 'pending', $3, $3)
		ON CONFLICT (source_id, quality) DO UPDATE
		SET state = 'pending', hot_ref = NULL, updated_at = EXCLUDED.updated_at
		WHERE (cache_entries.state = 'failed' AND cache_entries.updated_at < $4)
		   OR (cache_entries.state IN ('pending', 'uploading') AND cache_entries.updated_at < $5)
	`

	tag, err := r.db.Exec(ctx, query,
		fp.SourceID,
		fp.Quality.String(),
		now,
		now.Add(-cooldown),
		now.Add(-staleAfter),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim upload: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// BeginUpload moves a pending or failed entry to uploading, creating it if absent.
func (r *EntryRepository) BeginUpload(ctx context.Context, fp model.Fingerprint, now time.Time) (bool, error) {
	const query = `
		INSERT INTO cache_entries (source_id, quality, state, created_at, updated_at)
		VALUES ($1, $2, 'uploading', $3, $3)
		ON CONFLICT (source_id, quality) DO UPDATE
		SET state = 'uploading', hot_ref = NULL, updated_at = EXCLUDED.updated_at
		WHERE cache_entries.state IN ('pending', 'failed')
	`

	tag, err := r.db.Exec(ctx, query, fp.SourceID, fp.Quality.String(), now)
	if err != nil {
		return false, fmt.Errorf("failed to begin upload: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkStored links a verified hot object to an uploading entry.
func (r *EntryRepository) MarkStored(ctx context.Context, fp model.Fingerprint, obj repository.StoredObject, now time.Time) (bool, error) {
	if obj.Ref == "" {
		return false, model.ErrInvalidEntry
	}

	const query = `
		UPDATE cache_entries
		SET state = 'stored', hot_ref = $3, content_hash = $4, size_bytes = $5,
		    content_type = $6, available_qualities = $7, title = $8,
		    duration_seconds = $9, last_error = '', updated_at = $10, last_verified_at = $10
		WHERE source_id = $1 AND quality = $2 AND state = 'uploading'
	`

	tag, err := r.db.Exec(ctx, query,
		fp.SourceID,
		fp.Quality.String(),
		obj.Ref,
		obj.ContentHash,
		obj.SizeBytes,
		obj.ContentType,
		obj.AvailableQualities.Strings(),
		obj.Title,
		obj.DurationSeconds,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark entry stored: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed records a terminal upload failure.
func (r *EntryRepository) MarkFailed(ctx context.Context, fp model.Fingerprint, reason string, attempts int, now time.Time) (bool, error) {
	const query = `
		UPDATE cache_entries
		SET state = 'failed', hot_ref = NULL, last_error = $3, attempts = $4, updated_at = $5
		WHERE source_id = $1 AND quality = $2 AND state IN ('pending', 'uploading')
	`

	tag, err := r.db.Exec(ctx, query, fp.SourceID, fp.Quality.String(), reason, attempts, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark entry failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkMissing demotes a stored entry whose hot object no longer exists.
func (r *EntryRepository) MarkMissing(ctx context.Context, fp model.Fingerprint, now time.Time) (bool, error) {
	const query = `
		UPDATE cache_entries
		SET state = 'failed', hot_ref = NULL, last_error = $3, updated_at = $4
		WHERE source_id = $1 AND quality = $2 AND state = 'stored'
	`

	tag, err := r.db.Exec(ctx, query, fp.SourceID, fp.Quality.String(), missingReason, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark entry missing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TouchAccess counts a hot hit.
func (r *EntryRepository) TouchAccess(ctx context.Context, fp model.Fingerprint, now time.Time) error {
	const query = `
		UPDATE cache_entries
		SET access_count = access_count + 1, last_verified_at = $3
		WHERE source_id = $1 AND quality = $2
	`

	tag, err := r.db.Exec(ctx, query, fp.SourceID, fp.Quality.String(), now)
	if err != nil {
		return fmt.Errorf("failed to touch entry access: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrEntryNotFound
	}
	return nil
}

// TouchVerified refreshes last_verified_at after a completed stream.
func (r *EntryRepository) TouchVerified(ctx context.Context, fp model.Fingerprint, now time.Time) error {
	const query = `
		UPDATE cache_entries
		SET last_verified_at = $3
		WHERE source_id = $1 AND quality = $2 AND state = 'stored'
	`

	tag, err := r.db.Exec(ctx, query, fp.SourceID, fp.Quality.String(), now)
	if err != nil {
		return fmt.Errorf("failed to touch entry verification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrEntryNotFound
	}
	return nil
}

// Stats summarises the table by state.
func (r *EntryRepository) Stats(ctx context.Context) (*repository.EntryStats, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE state = 'stored'),
			COUNT(*) FILTER (WHERE state = 'stored' AND quality = 'audio'),
			COUNT(*) FILTER (WHERE state = 'stored' AND quality <> 'audio'),
			COUNT(*) FILTER (WHERE state IN ('pending', 'uploading')),
			COUNT(*) FILTER (WHERE state = 'failed'),
			COALESCE(SUM(size_bytes) FILTER (WHERE state = 'stored'), 0)
		FROM cache_entries
	`

	var s repository.EntryStats
	err := r.db.QueryRow(ctx, query).Scan(
		&s.Stored,
		&s.Audio,
		&s.Video,
		&s.InFlight,
		&s.Failed,
		&s.StoredBytes,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entry stats: %w", err)
	}
	return &s, nil
}

// scanEntry scans a single row into a CacheEntry. pgx.Rows satisfies pgx.Row.
func scanEntry(row pgx.Row) (*model.CacheEntry, error) {
	var (
		entry      model.CacheEntry
		quality    string
		state      string
		qualities  []string
		verifiedAt *time.Time
	)

	err := row.Scan(
		&entry.Fingerprint.SourceID,
		&quality,
		&entry.HotRef,
		&entry.ContentHash,
		&entry.SizeBytes,
		&entry.ContentType,
		&qualities,
		&entry.Title,
		&entry.DurationSeconds,
		&entry.AccessCount,
		&state,
		&entry.Attempts,
		&entry.LastError,
		&entry.CreatedAt,
		&entry.UpdatedAt,
		&verifiedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.Fingerprint.Quality = model.Quality(quality)
	entry.State = model.UploadState(state)
	entry.AvailableQualities = model.QualitySetFromStrings(qualities)
	if verifiedAt != nil {
		entry.LastVerifiedAt = *verifiedAt
	}
	return &entry, nil
}

// Compile-time verification that EntryRepository implements repository.EntryStore.
var _ repository.EntryStore = (*EntryRepository)(nil)
