package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hszk-dev/tubecache/internal/infrastructure/cache"
)

const sessionCookie = "tc_session"

// Session heartbeats the caller's playback session. The id comes from the
// X-Session-Id header or the session cookie; a new one is issued otherwise.
func Session(tracker cache.SessionTracker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := sessionID(r)
			if id == "" {
				id = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     sessionCookie,
					Value:    id,
					Path:     "/",
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
				})
			}
			w.Header().Set("X-Session-Id", id)

			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), time.Second)
			if err := tracker.Heartbeat(ctx, id, time.Now()); err != nil {
				slog.Warn("session heartbeat failed", "session_id", id, "error", err)
			}
			cancel()

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), SessionIDKey, id)))
		})
	}
}

// sessionID accepts only well-formed UUIDs so clients cannot flood the
// tracker with arbitrary members.
func sessionID(r *http.Request) string {
	raw := r.Header.Get("X-Session-Id")
	if raw == "" {
		if c, err := r.Cookie(sessionCookie); err == nil {
			raw = c.Value
		}
	}
	if raw == "" {
		return ""
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return ""
	}
	return id.String()
}
