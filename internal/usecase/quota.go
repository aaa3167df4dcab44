package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hszk-dev/tubecache/internal/domain/model"
	"github.com/hszk-dev/tubecache/internal/domain/repository"
	"github.com/hszk-dev/tubecache/internal/infrastructure/metrics"
)

// QuotaConfig holds configuration for the quota tracker.
type QuotaConfig struct {
	// Window is the fixed accounting window.
	Window time.Duration
	// Requests is the default per-window limit; zero disables the limit.
	Requests int
	// Overrides replaces Requests for specific keys.
	Overrides map[string]int
	// MaxConcurrent caps in-flight requests per key; zero disables the cap.
	MaxConcurrent int
}

// DefaultQuotaConfig returns the default configuration.
func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		Window:   time.Hour,
		Requests: 1000,
	}
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool
	Used      int64
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// QuotaTracker bounds per-key request rate and concurrency.
type QuotaTracker interface {
	// Admit counts one request against keyID. A rejected request returns
	// model.ErrQuotaExceeded together with the decision.
	Admit(ctx context.Context, keyID string) (Decision, error)

	// Release returns the concurrency slot taken by a successful Admit.
	Release(ctx context.Context, keyID string)
}

type quotaTracker struct {
	store repository.QuotaStore
	cfg   QuotaConfig
	now   func() time.Time
}

// NewQuotaTracker creates a new QuotaTracker instance.
func NewQuotaTracker(store repository.QuotaStore, cfg QuotaConfig) QuotaTracker {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	return &quotaTracker{store: store, cfg: cfg, now: time.Now}
}

func (q *quotaTracker) limitFor(keyID string) int64 {
	if n, ok := q.cfg.Overrides[keyID]; ok {
		return int64(n)
	}
	return int64(q.cfg.Requests)
}

func (q *quotaTracker) Admit(ctx context.Context, keyID string) (Decision, error) {
	now := q.now().UTC()
	windowStart := now.Truncate(q.cfg.Window)
	limit := q.limitFor(keyID)

	// The slot is taken before counting: a request refused for concurrency
	// is not charged against the window.
	if q.cfg.MaxConcurrent > 0 {
		ok, err := q.store.AcquireSlot(ctx, keyID, q.cfg.MaxConcurrent)
		if err != nil {
			return Decision{}, fmt.Errorf("acquire slot: %w", err)
		}
		if !ok {
			metrics.QuotaRejectionsTotal.WithLabelValues(metrics.QuotaReasonConcurrency).Inc()
			return Decision{}, fmt.Errorf("%w: %d concurrent requests", model.ErrQuotaExceeded, q.cfg.MaxConcurrent)
		}
	}

	d := Decision{Limit: limit, ResetAt: windowStart.Add(q.cfg.Window)}

	used, err := q.store.IncrementRequests(ctx, keyID, windowStart)
	if err != nil {
		q.releaseSlot(ctx, keyID)
		return d, fmt.Errorf("count request: %w", err)
	}
	d.Used = used

	if limit > 0 {
		d.Remaining = max(limit-used, 0)
		if used > limit {
			q.releaseSlot(ctx, keyID)
			metrics.QuotaRejectionsTotal.WithLabelValues(metrics.QuotaReasonWindow).Inc()
			d.Used = limit
			return d, model.ErrQuotaExceeded
		}
	}

	d.Allowed = true
	return d, nil
}

func (q *quotaTracker) Release(ctx context.Context, keyID string) {
	q.releaseSlot(ctx, keyID)
}

func (q *quotaTracker) releaseSlot(ctx context.Context, keyID string) {
	if q.cfg.MaxConcurrent <= 0 {
		return
	}
	if err := q.store.ReleaseSlot(ctx, keyID); err != nil {
		slog.Warn("failed to release quota slot", "key_id", keyID, "error", err)
	}
}
