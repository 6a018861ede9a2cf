package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initEmbeddingMetrics(cfg Config) {
	m.providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemo_embedding_provider_calls_total",
			Help: "Embedding provider calls by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	m.providerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mnemo_embedding_provider_duration_seconds",
			Help:    "Embedding provider call duration in seconds",
			Buckets: cfg.ProviderDurationBuckets,
		},
		[]string{"model"},
	)

	m.providerRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemo_embedding_provider_retries_total",
			Help: "Embedding provider retries after transient failures",
		},
		[]string{"model"},
	)

	m.embedSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemo_embedding_skipped_total",
			Help: "Packets the skip filter kept away from the provider",
		},
		[]string{"reason"},
	)

	m.embedReuse = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemo_embedding_reused_total",
			Help: "Embeddings reused instead of computed",
		},
		[]string{"source"},
	)

	m.registry.MustRegister(m.providerCalls)
	m.registry.MustRegister(m.providerDuration)
	m.registry.MustRegister(m.providerRetries)
	m.registry.MustRegister(m.embedSkips)
	m.registry.MustRegister(m.embedReuse)
}

// ProviderCall records a provider call. It satisfies embedding.Observer.
func (m *Manager) ProviderCall(model, outcome string, d time.Duration) {
	if !m.enabled {
		return
	}
	m.providerCalls.WithLabelValues(model, outcome).Inc()
	m.providerDuration.WithLabelValues(model).Observe(d.Seconds())
}

// ProviderRetry records a retried provider call.
func (m *Manager) ProviderRetry(model string) {
	if !m.enabled {
		return
	}
	m.providerRetries.WithLabelValues(model).Inc()
}

// Skipped records a skip-filter decision.
func (m *Manager) Skipped(reason string) {
	if !m.enabled {
		return
	}
	m.embedSkips.WithLabelValues(reason).Inc()
}

// Reused records a reused embedding.
func (m *Manager) Reused(source string) {
	if !m.enabled {
		return
	}
	m.embedReuse.WithLabelValues(source).Inc()
}
