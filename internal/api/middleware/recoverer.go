package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/hszk-dev/tubecache/internal/api/handler"
)

func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					requestID := GetRequestID(r.Context())
					stack := debug.Stack()

					logger.Error("panic recovered",
						slog.String("request_id", requestID),
						slog.Any("panic", rec),
						slog.String("stack", string(stack)),
					)

					handler.Error(w, http.StatusInternalServerError, handler.KindInternal, "An unexpected error occurred")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
