package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hszk-dev/tubecache/internal/api/handler"
	"github.com/hszk-dev/tubecache/internal/domain/model"
	"github.com/hszk-dev/tubecache/internal/usecase"
)

// anonymousKey is charged when keys are optional and the client sent none.
const anonymousKey = "anonymous"

// Quota admits each request against the caller's API key, read from the
// X-API-Key header or the api_key query parameter. The concurrency slot is
// released when the handler returns, so streams hold it while they run.
func Quota(tracker usecase.QuotaTracker, requireKey bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := apiKey(r)
			if key == "" {
				if requireKey {
					handler.Error(w, http.StatusUnauthorized, handler.KindMissingAPIKey, "An API key is required")
					return
				}
				key = anonymousKey
			}

			d, err := tracker.Admit(r.Context(), key)
			setRateLimitHeaders(w, d)
			if err != nil {
				if errors.Is(err, model.ErrQuotaExceeded) {
					if !d.ResetAt.IsZero() {
						w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d)))
					}
					handler.Error(w, http.StatusTooManyRequests, handler.KindQuotaExceeded, err.Error())
					return
				}
				// The counter store is down; no slot was taken.
				slog.Warn("quota check failed, admitting request", "key_id", key, "error", err)
			} else {
				defer tracker.Release(context.WithoutCancel(r.Context()), key)
			}

			ctx := context.WithValue(r.Context(), APIKeyKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func apiKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func setRateLimitHeaders(w http.ResponseWriter, d usecase.Decision) {
	if d.Limit <= 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func retryAfterSeconds(d usecase.Decision) int {
	secs := int(time.Until(d.ResetAt).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
