package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/goclaw/mnemo/pkg/api/response"
	"github.com/goclaw/mnemo/pkg/logger"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Recovery converts a handler panic into a logged 500 and marks the
// request span as failed. If the handler already started its response,
// only the log line is written. http.ErrAbortHandler is passed through.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := captureStatus(w)
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}

				ctx := r.Context()
				span := trace.SpanFromContext(ctx)
				span.RecordError(fmt.Errorf("panic: %v", v))
				span.SetStatus(codes.Error, "panic")

				reqID := GetRequestID(ctx)
				log.ErrorContext(ctx, "handler panic",
					"panic", v,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", reqID,
					"response_started", sw.sent,
					"stack", string(debug.Stack()),
				)
				if sw.sent {
					return
				}
				response.Error(sw, http.StatusInternalServerError, response.ErrCodeInternalServer, "internal server error", reqID)
			}()

			next.ServeHTTP(sw, r)
		})
	}
}
