package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goclaw/mnemo/pkg/api/middleware"
	"github.com/goclaw/mnemo/pkg/api/response"
	"github.com/goclaw/mnemo/pkg/search"
	"github.com/goclaw/mnemo/pkg/storage"
)

// Query parameter bounds.
const (
	defaultEventLimit = 50
	maxEventLimit     = 500
	defaultTopK       = 10
	maxTopK           = 100
)

// Searcher answers similarity queries. *pipeline.Orchestrator implements it.
type Searcher interface {
	Search(ctx context.Context, q search.Query) ([]search.Hit, error)
}

// QueryHandler serves the event timeline and similarity search.
type QueryHandler struct {
	store    storage.Store
	searcher Searcher
}

// NewQueryHandler creates a query handler. searcher may be nil, in which
// case search answers 503.
func NewQueryHandler(store storage.Store, searcher Searcher) *QueryHandler {
	return &QueryHandler{store: store, searcher: searcher}
}

type eventsResponse struct {
	Events []*storage.MemoryEvent `json:"events"`
	Total  int                    `json:"total"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
}

type searchResponse struct {
	Query string       `json:"query"`
	Mode  string       `json:"mode"`
	Hits  []search.Hit `json:"hits"`
}

// Events handles GET /api/v1/events?type=&agent=&domain=&since=&limit=&offset=.
func (h *QueryHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), defaultEventLimit, 1, maxEventLimit)
	if err != nil {
		response.HandleError(w, fmt.Errorf("%w: limit: %v", response.ErrInvalidInput, err), requestID)
		return
	}
	offset, err := intParam(q.Get("offset"), 0, 0, -1)
	if err != nil {
		response.HandleError(w, fmt.Errorf("%w: offset: %v", response.ErrInvalidInput, err), requestID)
		return
	}

	filter := &storage.EventFilter{
		Type:   q.Get("type"),
		Agent:  q.Get("agent"),
		Domain: q.Get("domain"),
		Limit:  limit,
		Offset: offset,
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.HandleError(w, fmt.Errorf("%w: since must be RFC 3339", response.ErrInvalidInput), requestID)
			return
		}
		filter.Since = since
	}

	events, total, err := h.store.ListEvents(ctx, filter)
	if err != nil {
		response.HandleError(w, err, requestID)
		return
	}
	if events == nil {
		events = []*storage.MemoryEvent{}
	}
	response.JSON(w, http.StatusOK, eventsResponse{Events: events, Total: total, Limit: limit, Offset: offset})
}

// Search handles GET /api/v1/search?q=&k=&mode=&type=&agent=&domain=.
func (h *QueryHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	q := r.URL.Query()

	if h.searcher == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "search is not enabled", requestID)
		return
	}

	text := strings.TrimSpace(q.Get("q"))
	if text == "" {
		response.HandleError(w, fmt.Errorf("%w: q is required", response.ErrInvalidInput), requestID)
		return
	}
	topK, err := intParam(q.Get("k"), defaultTopK, 1, maxTopK)
	if err != nil {
		response.HandleError(w, fmt.Errorf("%w: k: %v", response.ErrInvalidInput, err), requestID)
		return
	}
	mode := strings.ToLower(q.Get("mode"))
	switch mode {
	case "":
		mode = search.ModeHybrid
	case search.ModeHybrid, search.ModeVector, search.ModeBM25:
	default:
		response.HandleError(w, fmt.Errorf("%w: unknown mode %q", response.ErrInvalidInput, mode), requestID)
		return
	}

	hits, err := h.searcher.Search(ctx, search.Query{
		Text:   text,
		TopK:   topK,
		Mode:   mode,
		Type:   q.Get("type"),
		Agent:  q.Get("agent"),
		Domain: q.Get("domain"),
	})
	if err != nil {
		response.HandleError(w, err, requestID)
		return
	}
	if hits == nil {
		hits = []search.Hit{}
	}
	response.JSON(w, http.StatusOK, searchResponse{Query: text, Mode: mode, Hits: hits})
}

// intParam parses an optional integer within [lo, hi]. hi < 0 means no
// upper bound.
func intParam(raw string, def, lo, hi int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	if v < lo || (hi >= 0 && v > hi) {
		if hi < 0 {
			return 0, fmt.Errorf("must be >= %d", lo)
		}
		return 0, fmt.Errorf("must be within [%d, %d]", lo, hi)
	}
	return v, nil
}
