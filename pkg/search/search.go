// Package search keeps in-process vector and keyword indexes over packet
// content and answers hybrid similarity queries.
package search

import (
	"errors"
	"time"
)

// Sentinel errors for the search indexes.
var (
	ErrInvalidQuery      = errors.New("search: invalid query (no text and no vector)")
	ErrDimensionMismatch = errors.New("search: vector dimension mismatch")
)

// Query modes.
const (
	ModeHybrid = "hybrid"
	ModeVector = "vector"
	ModeBM25   = "bm25"
)

// Doc is the metadata kept for an indexed packet.
type Doc struct {
	PacketID string `json:"packet_id"`
	Type     string `json:"type"`
	Agent    string `json:"agent,omitempty"`
	Domain   string `json:"domain,omitempty"`

	// ExpiresAt is when the packet's ttl runs out; zero means never.
	ExpiresAt time.Time `json:"-"`
}

// Query describes a search request. Empty filter fields match everything.
type Query struct {
	Text   string
	Vector []float32
	TopK   int
	Mode   string
	Type   string
	Agent  string
	Domain string
	// AsOf, when set, excludes packets expired at that time.
	AsOf time.Time
}

// Hit is a single search result.
type Hit struct {
	Doc
	Score float64 `json:"score"`
}

func (q Query) matches(d Doc) bool {
	if q.Type != "" && d.Type != q.Type {
		return false
	}
	if q.Agent != "" && d.Agent != q.Agent {
		return false
	}
	if q.Domain != "" && d.Domain != q.Domain {
		return false
	}
	if !q.AsOf.IsZero() && !d.ExpiresAt.IsZero() && !q.AsOf.Before(d.ExpiresAt) {
		return false
	}
	return true
}
