package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hszk-dev/tubecache/internal/domain/repository"
)

type StatusResponse struct {
	Status         bool  `json:"status"`
	Stored         int64 `json:"stored"`
	Audio          int64 `json:"audio"`
	Video          int64 `json:"video"`
	InFlight       int64 `json:"in_flight"`
	Failed         int64 `json:"failed"`
	StoredBytes    int64 `json:"stored_bytes"`
	ActiveSessions int64 `json:"active_sessions"`
	QueueDepth     int   `json:"queue_depth"`
}

// StatsSource summarises the metadata store.
type StatsSource interface {
	Stats(ctx context.Context) (*repository.EntryStats, error)
}

// SessionCounter counts live playback sessions.
type SessionCounter interface {
	Active(ctx context.Context, now time.Time, ttl time.Duration) (int64, error)
}

// DepthSource reports pending upload tasks.
type DepthSource interface {
	Depth(ctx context.Context) (int, error)
}

// StatusHandler serves cache statistics. Sessions and Queue may be nil.
type StatusHandler struct {
	stats      StatsSource
	sessions   SessionCounter
	queue      DepthSource
	sessionTTL time.Duration
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(stats StatsSource, sessions SessionCounter, queue DepthSource, sessionTTL time.Duration) *StatusHandler {
	return &StatusHandler{stats: stats, sessions: sessions, queue: queue, sessionTTL: sessionTTL}
}

// Status handles GET /v1/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := StatusResponse{
		Status:      true,
		Stored:      stats.Stored,
		Audio:       stats.Audio,
		Video:       stats.Video,
		InFlight:    stats.InFlight,
		Failed:      stats.Failed,
		StoredBytes: stats.StoredBytes,
	}

	// Session and queue counts are informational.
	if h.sessions != nil {
		n, err := h.sessions.Active(r.Context(), time.Now(), h.sessionTTL)
		if err != nil {
			slog.Warn("failed to count sessions", "error", err)
		}
		resp.ActiveSessions = n
	}
	if h.queue != nil {
		n, err := h.queue.Depth(r.Context())
		if err != nil {
			slog.Warn("failed to read queue depth", "error", err)
		}
		resp.QueueDepth = n
	}

	JSON(w, http.StatusOK, resp)
}
