package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goclaw/mnemo/pkg/metrics"
)

// HTTPRecorder receives one observation per served request.
// *metrics.Manager implements it.
type HTTPRecorder interface {
	ObserveHTTP(ctx context.Context, o metrics.HTTPObservation)
	TrackInflight() (done func())
}

// Metrics records latency, status and response size per route pattern.
// The scrape endpoint itself is not counted. A handler that panics is
// recorded as a 500 before the panic continues up the chain.
func Metrics(rec HTTPRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/metrics") {
				next.ServeHTTP(w, r)
				return
			}
			done := rec.TrackInflight()
			defer done()

			start := time.Now()
			sw := captureStatus(w)
			observe := func(status int) {
				rec.ObserveHTTP(r.Context(), metrics.HTTPObservation{
					Method:   r.Method,
					Route:    routeLabel(r),
					Status:   status,
					Bytes:    int64(sw.bytes),
					Duration: time.Since(start),
				})
			}
			defer func() {
				if v := recover(); v != nil {
					observe(http.StatusInternalServerError)
					panic(v)
				}
			}()

			next.ServeHTTP(sw, r)
			observe(sw.status)
		})
	}
}
