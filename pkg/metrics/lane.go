package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// The sink dispatch queue is the only lane mnemo runs today, but the
// series stay keyed by lane so a second queue needs no new metrics.
func (m *Manager) initLaneMetrics(cfg Config) {
	byLane := []string{"lane"}

	m.laneQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mnemo_lane_pending",
		Help: "Sink deliveries queued and not yet picked up by a worker",
	}, byLane)
	m.laneWaitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mnemo_lane_wait_seconds",
		Help:    "Time a sink delivery waited before a worker ran it",
		Buckets: cfg.LaneWaitBuckets,
	}, byLane)
	m.laneThroughput = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_lane_completed_total",
		Help: "Sink deliveries run to completion",
	}, byLane)
	m.laneDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_lane_dropped_total",
		Help: "Sink deliveries rejected by the lane's backpressure policy",
	}, byLane)

	m.registry.MustRegister(m.laneQueueDepth, m.laneWaitDuration, m.laneThroughput, m.laneDropped)
}

func (m *Manager) IncQueueDepth(lane string) {
	if m.enabled {
		m.laneQueueDepth.WithLabelValues(lane).Inc()
	}
}

func (m *Manager) DecQueueDepth(lane string) {
	if m.enabled {
		m.laneQueueDepth.WithLabelValues(lane).Dec()
	}
}

func (m *Manager) RecordWaitDuration(lane string, waited time.Duration) {
	if m.enabled {
		m.laneWaitDuration.WithLabelValues(lane).Observe(waited.Seconds())
	}
}

func (m *Manager) RecordThroughput(lane string) {
	if m.enabled {
		m.laneThroughput.WithLabelValues(lane).Inc()
	}
}

func (m *Manager) RecordDropped(lane string) {
	if m.enabled {
		m.laneDropped.WithLabelValues(lane).Inc()
	}
}
