// Package api exposes the ingest pipeline and the memory substrate over
// HTTP and a WebSocket stream.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goclaw/mnemo/config"
	"github.com/goclaw/mnemo/pkg/api/handlers"
	"github.com/goclaw/mnemo/pkg/api/middleware"
	"github.com/goclaw/mnemo/pkg/api/response"
	"github.com/goclaw/mnemo/pkg/logger"
)

// Handlers holds all HTTP handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	Packets *handlers.PacketHandler
	Query   *handlers.QueryHandler
	Stream  *handlers.StreamHandler
	Health  *handlers.HealthHandler

	Metrics middleware.HTTPRecorder
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics))
	}
	r.Use(middleware.CORS(&cfg.Server.CORS))
	r.Use(middleware.BodyLimit(cfg.Server.HTTP.MaxBodyBytes))
	r.Use(middleware.Timeout(cfg.Server.HTTP.RequestTimeout))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "route not found", middleware.GetRequestID(r.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, response.ErrCodeMethodNotAllowed, "method not allowed", middleware.GetRequestID(r.Context()))
	})

	RegisterRoutes(r, h)
	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		if h.Packets != nil {
			r.Route("/packets", func(r chi.Router) {
				r.Post("/", h.Packets.Ingest)
				r.Post("/batch", h.Packets.IngestBatch)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.Packets.Get)
					r.Get("/insights", h.Packets.Insights)
					r.Get("/lineage", h.Packets.Lineage)
					r.Get("/checkpoints", h.Packets.Checkpoints)
					r.Get("/embedding", h.Packets.Embedding)
				})
			})
		}

		if h.Query != nil {
			r.Get("/events", h.Query.Events)
			r.Get("/search", h.Query.Search)
		}

		if h.Stream != nil {
			r.Handle("/stream", h.Stream)
		}
	})

	// Health check routes (not versioned)
	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
		r.Get("/status", h.Health.Status)
	}
}
