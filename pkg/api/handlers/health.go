package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/goclaw/mnemo/pkg/api/response"
	"github.com/goclaw/mnemo/pkg/lane"
	"github.com/goclaw/mnemo/pkg/version"
)

const readinessTimeout = 2 * time.Second

// Pinger reports whether the store can serve requests.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PipelineStatus exposes the orchestrator state shown by the probes.
// *pipeline.Orchestrator implements it.
type PipelineStatus interface {
	Accepting() bool
	SinkWarnings() []string
	SinkQueue() (lane.Stats, bool)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store    Pinger
	pipeline PipelineStatus
	started  time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(store Pinger, p PipelineStatus) *HealthHandler {
	return &HealthHandler{
		store:    store,
		pipeline: p,
		started:  time.Now(),
	}
}

type statusResponse struct {
	Version  map[string]string `json:"version"`
	Uptime   string            `json:"uptime"`
	Ready    bool              `json:"ready"`
	Store    string            `json:"store"`
	Degraded []string          `json:"degraded_sinks,omitempty"`
	Queue    *queueStatus      `json:"sink_queue,omitempty"`
}

type queueStatus struct {
	lane.Stats
	Utilization float64 `json:"utilization"`
}

// Health handles the /health endpoint (liveness probe). The process is
// live while the pipeline accepts packets.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.pipeline.Accepting() {
		response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	response.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
}

// Ready handles the /ready endpoint (readiness probe). Ready requires the
// pipeline to accept packets and the store to answer a ping.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.pipeline.Accepting() && h.pingStore(r.Context()) == nil {
		response.JSON(w, http.StatusOK, map[string]bool{"ready": true})
		return
	}
	response.JSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
}

// Status handles the /status endpoint. Degraded sinks do not affect
// readiness; they are listed for operators.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	store := "ok"
	if err := h.pingStore(r.Context()); err != nil {
		store = err.Error()
	}
	resp := statusResponse{
		Version:  version.Info(),
		Uptime:   time.Since(h.started).Round(time.Second).String(),
		Ready:    h.pipeline.Accepting() && store == "ok",
		Store:    store,
		Degraded: h.pipeline.SinkWarnings(),
	}
	if st, ok := h.pipeline.SinkQueue(); ok {
		resp.Queue = &queueStatus{Stats: st, Utilization: st.Utilization()}
	}
	response.JSON(w, http.StatusOK, resp)
}

func (h *HealthHandler) pingStore(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()
	return h.store.Ping(ctx)
}
