package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initEventBusMetrics() {
	m.eventBusPublish = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_eventbus_publish_total",
		Help: "Sink events published on the bus by topic and outcome",
	}, []string{"topic", "outcome"})
	m.eventBusRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_eventbus_retries_total",
		Help: "Publish attempts retried after a transport error",
	}, []string{"topic"})
	m.eventBusDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mnemo_eventbus_degraded",
		Help: "1 while the last publish attempt to the bus failed",
	})
	m.eventBusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_eventbus_transitions_total",
		Help: "Changes of the bus between healthy and degraded",
	}, []string{"to"})

	m.registry.MustRegister(m.eventBusPublish, m.eventBusRetries, m.eventBusDegraded, m.eventBusTransitions)
}

// RecordPublish counts one publish by its final outcome.
func (m *Manager) RecordPublish(topic, outcome string) {
	if m.enabled {
		m.eventBusPublish.WithLabelValues(topic, outcome).Inc()
	}
}

func (m *Manager) RecordRetry(topic string) {
	if m.enabled {
		m.eventBusRetries.WithLabelValues(topic).Inc()
	}
}

// SetDegraded is called only when the state flips.
func (m *Manager) SetDegraded(active bool) {
	if !m.enabled {
		return
	}
	if active {
		m.eventBusDegraded.Set(1)
		m.eventBusTransitions.WithLabelValues("degraded").Inc()
		return
	}
	m.eventBusDegraded.Set(0)
	m.eventBusTransitions.WithLabelValues("healthy").Inc()
}
