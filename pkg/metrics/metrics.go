// Package metrics exposes the pipeline, embedding, lane, event bus and HTTP
// series on a private Prometheus registry.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns every series. A disabled Manager has no registry and all of
// its recording methods return immediately.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	ingestTotal    *prometheus.CounterVec
	ingestDuration *prometheus.HistogramVec
	stageOutcomes  *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	sinkFailures   *prometheus.CounterVec
	activeRuns     prometheus.Gauge

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerRetries  *prometheus.CounterVec
	embedSkips       *prometheus.CounterVec
	embedReuse       *prometheus.CounterVec

	laneQueueDepth   *prometheus.GaugeVec
	laneWaitDuration *prometheus.HistogramVec
	laneThroughput   *prometheus.CounterVec
	laneDropped      *prometheus.CounterVec

	eventBusPublish     *prometheus.CounterVec
	eventBusRetries     *prometheus.CounterVec
	eventBusDegraded    prometheus.Gauge
	eventBusTransitions *prometheus.CounterVec

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	httpResponseSize *prometheus.HistogramVec
	httpInflight     prometheus.Gauge
	streamClients    prometheus.Gauge
}

// Config selects whether metrics are collected and the histogram layouts.
// Empty bucket slices take the defaults.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	IngestDurationBuckets   []float64
	StageDurationBuckets    []float64
	ProviderDurationBuckets []float64
	LaneWaitBuckets         []float64
	HTTPDurationBuckets     []float64
}

// DefaultConfig serves /metrics on :9091.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		Port:                    9091,
		Path:                    "/metrics",
		IngestDurationBuckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		StageDurationBuckets:    prometheus.ExponentialBuckets(0.001, 4, 7),
		ProviderDurationBuckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		LaneWaitBuckets:         []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		HTTPDurationBuckets:     prometheus.DefBuckets,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	for _, b := range []struct{ dst, def *[]float64 }{
		{&c.IngestDurationBuckets, &d.IngestDurationBuckets},
		{&c.StageDurationBuckets, &d.StageDurationBuckets},
		{&c.ProviderDurationBuckets, &d.ProviderDurationBuckets},
		{&c.LaneWaitBuckets, &d.LaneWaitBuckets},
		{&c.HTTPDurationBuckets, &d.HTTPDurationBuckets},
	} {
		if len(*b.dst) == 0 {
			*b.dst = *b.def
		}
	}
	return c
}

// NewManager registers all series plus the Go runtime and process
// collectors. With cfg.Enabled false it behaves like NoOpManager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return NoOpManager()
	}
	cfg = cfg.withDefaults()

	m := &Manager{registry: prometheus.NewRegistry(), enabled: true}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.initPipelineMetrics(cfg)
	m.initEmbeddingMetrics(cfg)
	m.initLaneMetrics(cfg)
	m.initEventBusMetrics()
	m.initHTTPMetrics(cfg)
	return m
}

// NoOpManager records nothing.
func NoOpManager() *Manager { return &Manager{} }

// Enabled reports whether series are being collected.
func (m *Manager) Enabled() bool { return m.enabled }

// Registry is nil for a disabled Manager.
func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry, negotiating OpenMetrics so exemplars are
// visible. A disabled Manager answers 404.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartServer serves Handler at path on port until ctx is cancelled. It
// returns nil after a clean shutdown.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stopped := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stopped()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
