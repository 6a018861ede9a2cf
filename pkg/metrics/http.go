package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPObservation describes one served request.
type HTTPObservation struct {
	Method   string
	Route    string
	Status   int
	Bytes    int64
	Duration time.Duration
}

func (m *Manager) initHTTPMetrics(cfg Config) {
	route := []string{"method", "path"}

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_http_requests_total",
		Help: "HTTP requests served, by route and status code.",
	}, append(route, "status"))
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mnemo_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: cfg.HTTPDurationBuckets,
	}, route)
	m.httpResponseSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mnemo_http_response_size_bytes",
		Help:    "HTTP response body size by route.",
		Buckets: prometheus.ExponentialBuckets(64, 4, 8),
	}, route)
	m.httpInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mnemo_http_inflight_requests",
		Help: "HTTP requests currently being served.",
	})
	m.streamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mnemo_stream_clients",
		Help: "Connected live ingestion stream clients.",
	})

	m.registry.MustRegister(m.httpRequests, m.httpDuration, m.httpResponseSize, m.httpInflight, m.streamClients)
}

// ObserveHTTP records a finished request. A sampled span in ctx is
// attached to the latency observation as an exemplar.
func (m *Manager) ObserveHTTP(ctx context.Context, o HTTPObservation) {
	if !m.enabled {
		return
	}
	m.httpRequests.WithLabelValues(o.Method, o.Route, strconv.Itoa(o.Status)).Inc()
	m.httpResponseSize.WithLabelValues(o.Method, o.Route).Observe(float64(o.Bytes))

	latency := m.httpDuration.WithLabelValues(o.Method, o.Route)
	if labels, ok := traceExemplarLabels(ctx); ok {
		if eo, ok := latency.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(o.Duration.Seconds(), labels)
			return
		}
	}
	latency.Observe(o.Duration.Seconds())
}

// TrackInflight counts a request as in flight until the returned func runs.
func (m *Manager) TrackInflight() (done func()) {
	if !m.enabled {
		return func() {}
	}
	m.httpInflight.Inc()
	return m.httpInflight.Dec
}

// IncStreamClients counts a connected stream client.
func (m *Manager) IncStreamClients() {
	if m.enabled {
		m.streamClients.Inc()
	}
}

// DecStreamClients counts a disconnected stream client.
func (m *Manager) DecStreamClients() {
	if m.enabled {
		m.streamClients.Dec()
	}
}
