package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

func (m *Manager) initPipelineMetrics(cfg Config) {
	m.ingestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemo_ingest_total",
			Help: "Total number of ingest calls by final status",
		},
		[]string{"status"},
	)

	m.ingestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mnemo_ingest_duration_seconds",
			Help:    "End-to-end pipeline run duration in seconds",
			Buckets: cfg.IngestDurationBuckets,
		},
		[]string{"status"},
	)

	m.stageOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemo_stage_outcomes_total",
			Help: "Pipeline stage outcomes",
		},
		[]string{"stage", "outcome"},
	)

	m.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mnemo_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: cfg.StageDurationBuckets,
		},
		[]string{"stage"},
	)

	m.sinkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemo_sink_failures_total",
			Help: "Background sink calls that failed",
		},
		[]string{"sink"},
	)

	m.activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mnemo_active_runs",
			Help: "Pipeline runs currently in progress",
		},
	)

	m.registry.MustRegister(m.ingestTotal)
	m.registry.MustRegister(m.ingestDuration)
	m.registry.MustRegister(m.stageOutcomes)
	m.registry.MustRegister(m.stageDuration)
	m.registry.MustRegister(m.sinkFailures)
	m.registry.MustRegister(m.activeRuns)
}

// RecordIngest records a finished ingest call. The duration observation
// carries the trace id as an exemplar when ctx has a sampled span.
func (m *Manager) RecordIngest(ctx context.Context, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.ingestTotal.WithLabelValues(status).Inc()

	observer := m.ingestDuration.WithLabelValues(status)
	if labels, ok := traceExemplarLabels(ctx); ok {
		if eo, ok := observer.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(duration.Seconds(), labels)
			return
		}
	}
	observer.Observe(duration.Seconds())
}

// RecordStage records one stage outcome and its duration.
func (m *Manager) RecordStage(stage, outcome string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.stageOutcomes.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordSinkFailure counts a failed background sink call.
func (m *Manager) RecordSinkFailure(sink string) {
	if !m.enabled {
		return
	}
	m.sinkFailures.WithLabelValues(sink).Inc()
}

// IncActiveRuns increments the in-progress run gauge.
func (m *Manager) IncActiveRuns() {
	if !m.enabled {
		return
	}
	m.activeRuns.Inc()
}

// DecActiveRuns decrements the in-progress run gauge.
func (m *Manager) DecActiveRuns() {
	if !m.enabled {
		return
	}
	m.activeRuns.Dec()
}

func traceExemplarLabels(ctx context.Context) (prometheus.Labels, bool) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil, false
	}
	return prometheus.Labels{
		"trace_id": sc.TraceID().String(),
		"span_id":  sc.SpanID().String(),
	}, true
}
