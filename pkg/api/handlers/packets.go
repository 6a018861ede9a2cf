// Package handlers provides the HTTP handlers of the ingest and query API.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goclaw/mnemo/pkg/api/middleware"
	"github.com/goclaw/mnemo/pkg/api/response"
	"github.com/goclaw/mnemo/pkg/insight"
	"github.com/goclaw/mnemo/pkg/logger"
	"github.com/goclaw/mnemo/pkg/packet"
	"github.com/goclaw/mnemo/pkg/pipeline"
	"github.com/goclaw/mnemo/pkg/storage"
)

// DefaultMaxBatchSize bounds POST /packets/batch when no limit is configured.
const DefaultMaxBatchSize = 100

// Ingestor runs packets through the pipeline. *pipeline.Orchestrator
// implements it.
type Ingestor interface {
	Ingest(ctx context.Context, in packet.PacketInput) (*pipeline.IngestResult, error)
	IngestBatch(ctx context.Context, inputs []packet.PacketInput) []pipeline.BatchItem
}

// PacketHandler serves packet ingestion and the per-packet read endpoints.
type PacketHandler struct {
	ingest   Ingestor
	store    storage.Store
	maxBatch int
	logger   logger.Logger
	now      func() time.Time
}

// NewPacketHandler creates a packet handler.
func NewPacketHandler(ing Ingestor, store storage.Store, maxBatch int, log logger.Logger) *PacketHandler {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatchSize
	}
	if log == nil {
		log = logger.Nop()
	}
	return &PacketHandler{
		ingest:   ing,
		store:    store,
		maxBatch: maxBatch,
		logger:   log,
		now:      time.Now,
	}
}

type batchRequest struct {
	Packets []packet.PacketInput `json:"packets"`
}

// BatchItemResponse is one entry of a batch response. Error is set when
// the packet was not accepted.
type BatchItemResponse struct {
	Index     int                   `json:"index"`
	PacketID  string                `json:"packet_id,omitempty"`
	Status    packet.Status         `json:"status,omitempty"`
	Warnings  []string              `json:"warnings,omitempty"`
	Duplicate bool                  `json:"duplicate,omitempty"`
	Error     *response.ErrorDetail `json:"error,omitempty"`
}

// BatchResponse is the body of POST /packets/batch.
type BatchResponse struct {
	Results   []BatchItemResponse `json:"results"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
}

type insightsResponse struct {
	PacketID string         `json:"packet_id"`
	Insights []insight.Fact `json:"insights"`
	Count    int            `json:"count"`
}

type lineageResponse struct {
	PacketID string                `json:"packet_id"`
	Parents  []storage.LineageEdge `json:"parents"`
	Children []storage.LineageEdge `json:"children"`
}

type checkpointsResponse struct {
	PacketID    string                `json:"packet_id"`
	Checkpoints []*storage.Checkpoint `json:"checkpoints"`
}

// Ingest handles POST /api/v1/packets. A new packet answers 201, a
// replayed duplicate 200.
func (h *PacketHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var in packet.PacketInput
	if err := response.DecodeJSON(r, &in); err != nil {
		response.HandleError(w, err, requestID)
		return
	}
	if in.Source == "" {
		in.Source = packet.SourceAPI
	}

	res, err := h.ingest.Ingest(ctx, in)
	if err != nil {
		h.logRejected(ctx, in.ID, err)
		writeIngestError(w, res, err, requestID)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	response.JSON(w, status, res)
}

// writeIngestError reports a failed ingest. A run that got as far as
// persistence carries a result; its packet id and status go into the error
// details so the caller can still address the packet.
func writeIngestError(w http.ResponseWriter, res *pipeline.IngestResult, err error, requestID string) {
	details := response.ErrorDetails(err)
	if res != nil && res.PacketID != "" {
		if details == nil {
			details = make(map[string]any, 2)
		}
		details["packet_id"] = res.PacketID
		details["status"] = res.Status
	}
	response.ErrorWithDetails(w, response.HTTPStatusFromError(err), response.ErrorCodeFromError(err), err.Error(), details, requestID)
}

// IngestBatch handles POST /api/v1/packets/batch. Every packet is ingested
// independently and the response is always 207 with per-item outcomes.
func (h *PacketHandler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req batchRequest
	if err := response.DecodeJSON(r, &req); err != nil {
		response.HandleError(w, err, requestID)
		return
	}
	if len(req.Packets) == 0 {
		response.HandleError(w, fmt.Errorf("%w: packets must not be empty", response.ErrInvalidInput), requestID)
		return
	}
	if len(req.Packets) > h.maxBatch {
		response.HandleError(w, fmt.Errorf("%w: batch of %d exceeds the limit of %d", response.ErrInvalidInput, len(req.Packets), h.maxBatch), requestID)
		return
	}
	for i := range req.Packets {
		if req.Packets[i].Source == "" {
			req.Packets[i].Source = packet.SourceBatch
		}
	}

	items := h.ingest.IngestBatch(ctx, req.Packets)
	resp := BatchResponse{Results: make([]BatchItemResponse, 0, len(items))}
	for _, item := range items {
		out := BatchItemResponse{Index: item.Index}
		if item.Result != nil {
			out.PacketID = item.Result.PacketID
			out.Status = item.Result.Status
			out.Warnings = item.Result.Warnings
			out.Duplicate = item.Result.Duplicate
		}
		if item.Err != nil {
			h.logRejected(ctx, req.Packets[item.Index].ID, item.Err)
			out.Error = &response.ErrorDetail{
				Code:      response.ErrorCodeFromError(item.Err),
				Message:   item.Err.Error(),
				Details:   response.ErrorDetails(item.Err),
				RequestID: requestID,
			}
			resp.Failed++
		} else {
			resp.Succeeded++
		}
		resp.Results = append(resp.Results, out)
	}
	response.JSON(w, http.StatusMultiStatus, resp)
}

// Get handles GET /api/v1/packets/{id}.
func (h *PacketHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	env, err := h.livePacket(ctx, chi.URLParam(r, "id"))
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(ctx))
		return
	}
	response.JSON(w, http.StatusOK, env)
}

// Insights handles GET /api/v1/packets/{id}/insights.
func (h *PacketHandler) Insights(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if !h.requirePacket(w, r, id) {
		return
	}

	facts, err := h.store.ListInsights(ctx, id)
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(ctx))
		return
	}
	if facts == nil {
		facts = []insight.Fact{}
	}
	response.JSON(w, http.StatusOK, insightsResponse{PacketID: id, Insights: facts, Count: len(facts)})
}

// Lineage handles GET /api/v1/packets/{id}/lineage.
func (h *PacketHandler) Lineage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if !h.requirePacket(w, r, id) {
		return
	}

	parents, err := h.store.ListParents(ctx, id)
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(ctx))
		return
	}
	children, err := h.store.ListChildren(ctx, id)
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(ctx))
		return
	}
	if parents == nil {
		parents = []storage.LineageEdge{}
	}
	if children == nil {
		children = []storage.LineageEdge{}
	}
	response.JSON(w, http.StatusOK, lineageResponse{PacketID: id, Parents: parents, Children: children})
}

// Checkpoints handles GET /api/v1/packets/{id}/checkpoints.
func (h *PacketHandler) Checkpoints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if !h.requirePacket(w, r, id) {
		return
	}

	cps, err := h.store.ListCheckpoints(ctx, id)
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(ctx))
		return
	}
	if cps == nil {
		cps = []*storage.Checkpoint{}
	}
	response.JSON(w, http.StatusOK, checkpointsResponse{PacketID: id, Checkpoints: cps})
}

// Embedding handles GET /api/v1/packets/{id}/embedding. Packets whose
// embedding was skipped answer 404.
func (h *PacketHandler) Embedding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	emb, err := h.store.GetEmbedding(ctx, chi.URLParam(r, "id"))
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(ctx))
		return
	}
	response.JSON(w, http.StatusOK, emb)
}

// livePacket loads a packet. One whose ttl has run out reads as not found.
func (h *PacketHandler) livePacket(ctx context.Context, id string) (*packet.Envelope, error) {
	env, err := h.store.GetPacket(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.Expired(h.now()) {
		return nil, fmt.Errorf("expired at %s: %w",
			env.ExpiresAt().Format(time.RFC3339), &storage.NotFoundError{EntityType: "packet", ID: id})
	}
	return env, nil
}

func (h *PacketHandler) requirePacket(w http.ResponseWriter, r *http.Request, id string) bool {
	if _, err := h.livePacket(r.Context(), id); err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return false
	}
	return true
}

func (h *PacketHandler) logRejected(ctx context.Context, packetID string, err error) {
	if response.HTTPStatusFromError(err) >= http.StatusInternalServerError {
		h.logger.WarnContext(ctx, "packet not ingested", "packet_id", packetID, "error", err)
		return
	}
	h.logger.DebugContext(ctx, "packet rejected", "packet_id", packetID, "error", err)
}
