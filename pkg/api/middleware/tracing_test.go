package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// withSpanRecorder installs an in-memory tracer provider for one test.
// Spans end synchronously through the recorder, so no polling is needed.
func withSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})
	return recorder
}

func traced(status int) http.Handler {
	return Tracing(DefaultTracingOptions())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
}

func stringAttr(attrs []attribute.KeyValue, key string) (string, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value.AsString(), true
		}
	}
	return "", false
}

func intAttr(attrs []attribute.KeyValue, key string) (int64, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value.AsInt64(), true
		}
	}
	return 0, false
}

func TestTracing_ContinuesCallerTrace(t *testing.T) {
	recorder := withSpanRecorder(t)

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/packets", nil)
	otel.GetTextMapPropagator().Inject(trace.ContextWithSpanContext(context.Background(), parent), propagation.HeaderCarrier(req.Header))
	w := httptest.NewRecorder()

	traced(http.StatusCreated).ServeHTTP(w, req)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].Parent().SpanID(); got != parent.SpanID() {
		t.Fatalf("parent span = %s, want %s", got, parent.SpanID())
	}
	if got := w.Header().Get(TraceIDHeader); got != parent.TraceID().String() {
		t.Fatalf("%s = %q, want caller trace id", TraceIDHeader, got)
	}
}

func TestTracing_RootSpanWithoutCallerTrace(t *testing.T) {
	recorder := withSpanRecorder(t)
	w := httptest.NewRecorder()

	traced(http.StatusOK).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/search", nil))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Parent().IsValid() {
		t.Fatal("expected a root span")
	}
	if spans[0].SpanKind() != trace.SpanKindServer {
		t.Fatalf("span kind = %v, want server", spans[0].SpanKind())
	}
	if got := w.Header().Get(TraceIDHeader); got != spans[0].SpanContext().TraceID().String() {
		t.Fatalf("%s = %q, want the new trace id", TraceIDHeader, got)
	}
}

func TestTracing_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   otelcodes.Code
	}{
		{http.StatusCreated, otelcodes.Ok},
		{http.StatusMultiStatus, otelcodes.Ok},
		{http.StatusUnprocessableEntity, otelcodes.Error},
		{http.StatusServiceUnavailable, otelcodes.Error},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			recorder := withSpanRecorder(t)
			traced(tt.status).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/packets", nil))

			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			if got := spans[0].Status().Code; got != tt.want {
				t.Fatalf("span status = %v, want %v", got, tt.want)
			}
			if got, _ := intAttr(spans[0].Attributes(), "http.response.status_code"); got != int64(tt.status) {
				t.Fatalf("http.response.status_code = %d, want %d", got, tt.status)
			}
		})
	}
}

func TestTracing_NamesSpanAfterRoute(t *testing.T) {
	recorder := withSpanRecorder(t)

	r := chi.NewRouter()
	r.Use(Tracing(DefaultTracingOptions()))
	r.Get("/api/v1/packets/{id}/lineage", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/packets/note-7/lineage", nil))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].Name(); got != "GET /api/v1/packets/{id}/lineage" {
		t.Fatalf("span name = %q", got)
	}
	if got, _ := stringAttr(spans[0].Attributes(), "mnemo.packet_id"); got != "note-7" {
		t.Fatalf("mnemo.packet_id = %q, want note-7", got)
	}
}

func TestTracing_SkipsProbesAndStreamUpgrades(t *testing.T) {
	recorder := withSpanRecorder(t)
	h := traced(http.StatusOK)

	for _, path := range []string{"/health", "/ready"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	upgrade := httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil)
	upgrade.Header.Set("Connection", "Upgrade")
	upgrade.Header.Set("Upgrade", "websocket")
	h.ServeHTTP(httptest.NewRecorder(), upgrade)

	if n := len(recorder.Ended()); n != 0 {
		t.Fatalf("expected no spans, got %d", n)
	}

	// A plain GET on the stream path is an ordinary request.
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil))
	if n := len(recorder.Ended()); n != 1 {
		t.Fatalf("expected 1 span for non-upgrade request, got %d", n)
	}
}
