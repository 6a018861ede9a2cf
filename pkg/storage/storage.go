// Package storage provides the persistence abstraction for packets and the
// records derived from them.
package storage

import (
	"context"
	"time"

	"github.com/goclaw/mnemo/pkg/insight"
	"github.com/goclaw/mnemo/pkg/packet"
	"github.com/goclaw/mnemo/pkg/reasoning"
)

// Store defines the persistence operations of the pipeline. Implementations
// must be safe for concurrent use and linearizable per key.
type Store interface {
	// Packet operations. WritePacket stores the envelope and its event in one
	// transaction.
	WritePacket(ctx context.Context, env *packet.Envelope, evt *MemoryEvent) (*WriteResult, error)
	GetPacket(ctx context.Context, id string) (*packet.Envelope, error)
	Exists(ctx context.Context, id string) (bool, error)
	UpdateStatus(ctx context.Context, id string, status packet.Status) error

	// Event operations
	GetEvent(ctx context.Context, packetID string) (*MemoryEvent, error)
	ListEvents(ctx context.Context, filter *EventFilter) ([]*MemoryEvent, int, error)

	// Insight operations. AppendInsights ignores facts whose id is already
	// stored and returns how many were added.
	AppendInsights(ctx context.Context, packetID string, facts []insight.Fact) (int, error)
	ListInsights(ctx context.Context, packetID string) ([]insight.Fact, error)

	// Lineage operations. Adding an existing edge is a no-op.
	AddLineageEdges(ctx context.Context, edges []LineageEdge) error
	ListParents(ctx context.Context, childID string) ([]LineageEdge, error)
	ListChildren(ctx context.Context, parentID string) ([]LineageEdge, error)

	// Embedding operations
	PutEmbedding(ctx context.Context, emb *Embedding) error
	GetEmbedding(ctx context.Context, packetID string) (*Embedding, error)
	FindEmbeddingByHash(ctx context.Context, textHash string, since time.Time) (*Embedding, error)

	// Checkpoint operations
	AppendCheckpoint(ctx context.Context, cp *Checkpoint) error
	ListCheckpoints(ctx context.Context, packetID string) ([]*Checkpoint, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// WriteOutcome is the result of a packet write.
type WriteOutcome string

const (
	// WriteCreated means the packet and event were newly stored.
	WriteCreated WriteOutcome = "created"
	// WriteDuplicate means an identical packet was already stored; nothing changed.
	WriteDuplicate WriteOutcome = "duplicate"
)

// WriteResult describes a packet write.
type WriteResult struct {
	Outcome WriteOutcome
	// Stored is the envelope as persisted. For duplicates it carries the
	// stored status, which may be ahead of the incoming one.
	Stored *packet.Envelope
}

// MemoryEvent is the timeline record created for every stored packet.
type MemoryEvent struct {
	ID        string    `json:"id"`
	PacketID  string    `json:"packet_id"`
	Type      string    `json:"type"`
	Agent     string    `json:"agent,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMemoryEvent builds the event for env.
func NewMemoryEvent(env *packet.Envelope) *MemoryEvent {
	return &MemoryEvent{
		ID:        "evt-" + env.ID,
		PacketID:  env.ID,
		Type:      env.Type,
		Agent:     env.Agent,
		Domain:    env.Domain,
		Timestamp: env.CreatedAt,
	}
}

// EventFilter defines filtering options for listing events.
type EventFilter struct {
	Type   string    `json:"type,omitempty"`
	Agent  string    `json:"agent,omitempty"`
	Domain string    `json:"domain,omitempty"`
	Since  time.Time `json:"since,omitempty"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

// Match reports whether evt passes the filter.
func (f *EventFilter) Match(evt *MemoryEvent) bool {
	if f == nil {
		return true
	}
	if f.Type != "" && evt.Type != f.Type {
		return false
	}
	if f.Agent != "" && evt.Agent != f.Agent {
		return false
	}
	if f.Domain != "" && evt.Domain != f.Domain {
		return false
	}
	if !f.Since.IsZero() && evt.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Paginate applies the filter's offset and limit to n items and returns
// the slice bounds.
func (f *EventFilter) Paginate(n int) (start, end int) {
	if f == nil || f.Limit <= 0 {
		return 0, n
	}
	start = min(f.Offset, n)
	end = min(start+f.Limit, n)
	return start, end
}

// LineageEdge links a child packet to one of its parents.
type LineageEdge struct {
	ChildID   string    `json:"child_id"`
	ParentID  string    `json:"parent_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Embedding is the stored vector for a packet's content.
type Embedding struct {
	PacketID  string    `json:"packet_id"`
	TextHash  string    `json:"text_hash"`
	Vector    []float32 `json:"vector"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// StageOutcome is how a single stage of a run ended.
type StageOutcome struct {
	Stage    string        `json:"stage"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Outcome enumerates stage outcomes.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
	OutcomeNotRun  Outcome = "not_run"
)

// Checkpoint is the persisted snapshot of one pipeline run.
type Checkpoint struct {
	RunID       string           `json:"run_id"`
	PacketID    string           `json:"packet_id"`
	Replay      bool             `json:"replay"`
	Stages      []StageOutcome   `json:"stages"`
	FinalStatus packet.Status    `json:"final_status"`
	Warnings    []string         `json:"warnings,omitempty"`
	Trace       *reasoning.Trace `json:"trace,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
}
