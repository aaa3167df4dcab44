package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hszk-dev/tubecache/internal/domain/model"
)

func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "failed to encode response", http.StatusInternalServerError)
		}
	}
}

// ErrorResponse is the envelope for every failed request.
type ErrorResponse struct {
	Status  bool   `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func Error(w http.ResponseWriter, status int, err string, message string) {
	JSON(w, status, ErrorResponse{
		Status:  false,
		Error:   err,
		Message: message,
	})
}

// Error kinds.
const (
	KindInvalidInput        = "invalid_input"
	KindNotFound            = "not_found"
	KindQualityUnavailable  = "quality_unavailable"
	KindQuotaExceeded       = "quota_exceeded"
	KindUpstreamUnavailable = "upstream_unavailable"
	KindStorage             = "storage_error"
	KindRangeNotSatisfiable = "range_not_satisfiable"
	KindMissingAPIKey       = "missing_api_key"
	KindInternal            = "internal_error"
)

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		Error(w, http.StatusBadRequest, KindInvalidInput, err.Error())
	case errors.Is(err, model.ErrNotFound):
		Error(w, http.StatusNotFound, KindNotFound, "Content not found")
	case errors.Is(err, model.ErrQualityUnavailable):
		Error(w, http.StatusNotFound, KindQualityUnavailable, "Requested quality is not available")
	case errors.Is(err, model.ErrQuotaExceeded):
		Error(w, http.StatusTooManyRequests, KindQuotaExceeded, "Request quota exceeded")
	case errors.Is(err, model.ErrUpstreamUnavailable):
		Error(w, http.StatusBadGateway, KindUpstreamUnavailable, "Upstream source is unavailable")
	case errors.Is(err, model.ErrRangeNotSatisfiable):
		Error(w, http.StatusRequestedRangeNotSatisfiable, KindRangeNotSatisfiable, "Requested range not satisfiable")
	case errors.Is(err, model.ErrStorageInconsistency):
		slog.Error("storage inconsistency", "error", err)
		Error(w, http.StatusInternalServerError, KindStorage, "Cached content is unavailable")
	default:
		slog.Error("unhandled service error", "error", err)
		Error(w, http.StatusInternalServerError, KindInternal, "An unexpected error occurred")
	}
}
