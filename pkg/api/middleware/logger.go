// Package middleware provides the HTTP middleware chain of the API server.
package middleware

import (
	"net/http"
	"time"

	"github.com/goclaw/mnemo/pkg/logger"
)

// Logger logs one line per request. Server errors are logged at warn level.
func Logger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := captureStatus(w)

			next.ServeHTTP(sw, r)

			fields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"size", sw.bytes,
				"request_id", GetRequestID(r.Context()),
				"remote_addr", r.RemoteAddr,
			}
			if sw.status >= http.StatusInternalServerError {
				log.WarnContext(r.Context(), "HTTP request", fields...)
				return
			}
			log.InfoContext(r.Context(), "HTTP request", fields...)
		})
	}
}
