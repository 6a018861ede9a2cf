package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	httpTracerName = "mnemo.http"

	// TraceIDHeader carries the request's trace id back to the caller.
	TraceIDHeader = "X-Trace-ID"
)

// TracingOptions controls which requests get a server span.
type TracingOptions struct {
	// Skip reports requests that are served without a span.
	Skip func(*http.Request) bool
}

// DefaultTracingOptions leaves out the probes and stream upgrades. A
// stream connection lives for minutes and its runs are traced on their own.
func DefaultTracingOptions() TracingOptions {
	return TracingOptions{Skip: isProbeOrUpgrade}
}

func isProbeOrUpgrade(r *http.Request) bool {
	switch r.URL.Path {
	case "/health", "/ready":
		return true
	}
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// Tracing starts a server span per request, continuing any trace context
// the caller propagated. Once routing has run the span is renamed to the
// matched route and tagged with the packet id from the path, if any.
func Tracing(opts TracingOptions) func(http.Handler) http.Handler {
	tracer := otel.Tracer(httpTracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Skip != nil && opts.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()

			if sc := span.SpanContext(); sc.HasTraceID() {
				w.Header().Set(TraceIDHeader, sc.TraceID().String())
			}

			sw := captureStatus(w)
			r = r.WithContext(ctx)
			next.ServeHTTP(sw, r)

			route := routeLabel(r)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", sw.status),
			)
			if id := chi.URLParam(r, "id"); id != "" {
				span.SetAttributes(attribute.String("mnemo.packet_id", id))
			}
			if sw.status >= http.StatusBadRequest {
				span.SetStatus(otelcodes.Error, http.StatusText(sw.status))
			} else {
				span.SetStatus(otelcodes.Ok, "")
			}
		})
	}
}
