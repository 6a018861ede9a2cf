// Package graphsync projects stored packets and their facts onto a graph
// sink as entities and relationships. The projection is a derived index;
// callers run it in the background and only log its failures.
package graphsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/goclaw/mnemo/pkg/gate"
	"github.com/goclaw/mnemo/pkg/insight"
	"github.com/goclaw/mnemo/pkg/packet"
)

// Entity kinds.
const (
	KindPacket = "Packet"
	KindAgent  = "Agent"
	KindDomain = "Domain"
	KindEntity = "Entity"
)

// Relationship types that do not come from fact predicates.
const (
	RelEmittedBy   = "EMITTED_BY"
	RelInDomain    = "IN_DOMAIN"
	RelDerivedFrom = "DERIVED_FROM"
	RelMentions    = "MENTIONS"
)

// Entity is a graph node.
type Entity struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Relationship is a directed graph edge.
type Relationship struct {
	From       string         `json:"from"`
	To         string         `json:"to"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// GraphSink receives projected nodes and edges. Upserts must be idempotent.
type GraphSink interface {
	UpsertEntities(ctx context.Context, entities []Entity) error
	UpsertRelationships(ctx context.Context, relationships []Relationship) error
}

// Projection is the graph form of one packet.
type Projection struct {
	Entities      []Entity
	Relationships []Relationship
}

// PacketNodeID returns the node id for a packet.
func PacketNodeID(packetID string) string { return "packet:" + packetID }

func agentNodeID(agent string) string   { return "agent:" + agent }
func domainNodeID(domain string) string { return "domain:" + domain }
func entityNodeID(name string) string   { return "entity:" + strings.ToLower(name) }

// Project builds the graph projection of env and its facts.
func Project(env *packet.Envelope, facts []insight.Fact) Projection {
	var p Projection
	seen := make(map[string]bool)
	addEntity := func(e Entity) {
		if seen[e.ID] {
			return
		}
		seen[e.ID] = true
		p.Entities = append(p.Entities, e)
	}

	pid := PacketNodeID(env.ID)
	addEntity(Entity{
		ID:   pid,
		Kind: KindPacket,
		Name: env.ID,
		Properties: map[string]any{
			"type":       env.Type,
			"confidence": env.Confidence,
			"tags":       append([]string(nil), env.Tags...),
			"created_at": env.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	})

	if env.Agent != "" {
		addEntity(Entity{ID: agentNodeID(env.Agent), Kind: KindAgent, Name: env.Agent})
		p.Relationships = append(p.Relationships, Relationship{From: pid, To: agentNodeID(env.Agent), Type: RelEmittedBy})
	}
	if env.Domain != "" {
		addEntity(Entity{ID: domainNodeID(env.Domain), Kind: KindDomain, Name: env.Domain})
		p.Relationships = append(p.Relationships, Relationship{From: pid, To: domainNodeID(env.Domain), Type: RelInDomain})
	}
	for _, parent := range env.ParentIDs {
		addEntity(Entity{ID: PacketNodeID(parent), Kind: KindPacket, Name: parent})
		p.Relationships = append(p.Relationships, Relationship{From: pid, To: PacketNodeID(parent), Type: RelDerivedFrom})
	}

	for _, f := range facts {
		subj, obj := entityNodeID(f.Subject), entityNodeID(f.Object)
		addEntity(Entity{ID: subj, Kind: KindEntity, Name: f.Subject})
		addEntity(Entity{ID: obj, Kind: KindEntity, Name: f.Object})
		p.Relationships = append(p.Relationships,
			Relationship{
				From: subj,
				To:   obj,
				Type: RelationshipType(f.Predicate),
				Properties: map[string]any{
					"fact_id":          f.ID,
					"confidence":       f.Confidence,
					"source_packet_id": f.SourcePacketID,
				},
			},
			Relationship{From: pid, To: subj, Type: RelMentions},
		)
	}

	p.Relationships = dedupeRelationships(p.Relationships)
	return p
}

// RelationshipType turns a fact predicate into an upper snake case edge
// type, e.g. "works at" becomes WORKS_AT.
func RelationshipType(predicate string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.TrimSpace(predicate) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	out := strings.TrimSuffix(b.String(), "_")
	if out == "" {
		return "RELATED_TO"
	}
	return out
}

func dedupeRelationships(rels []Relationship) []Relationship {
	seen := make(map[string]bool, len(rels))
	out := rels[:0]
	for _, r := range rels {
		key := r.From + "|" + r.Type + "|" + r.To
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].To < out[j].To
	})
	return out
}

// Adapter pushes projections to a GraphSink through a gate.
type Adapter struct {
	sink    GraphSink
	gate    *gate.Gate
	timeout time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithGate bounds concurrent sink calls.
func WithGate(g *gate.Gate) Option {
	return func(a *Adapter) { a.gate = g }
}

// WithTimeout bounds each sink call.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// NewAdapter creates an adapter over sink.
func NewAdapter(sink GraphSink, opts ...Option) *Adapter {
	if sink == nil {
		sink = NopSink{}
	}
	a := &Adapter{sink: sink}
	for _, opt := range opts {
		opt(a)
	}
	if a.gate == nil {
		a.gate = gate.New("graph", gate.Config{MaxConcurrent: 8})
	}
	return a
}

// Sync projects env and facts and upserts them, entities first.
func (a *Adapter) Sync(ctx context.Context, env *packet.Envelope, facts []insight.Fact) error {
	if env == nil {
		return fmt.Errorf("graphsync: envelope cannot be nil")
	}
	p := Project(env, facts)

	if err := a.call(ctx, func(ctx context.Context) error {
		return a.sink.UpsertEntities(ctx, p.Entities)
	}); err != nil {
		return fmt.Errorf("graphsync: upsert entities for %s: %w", env.ID, err)
	}
	if len(p.Relationships) == 0 {
		return nil
	}
	if err := a.call(ctx, func(ctx context.Context) error {
		return a.sink.UpsertRelationships(ctx, p.Relationships)
	}); err != nil {
		return fmt.Errorf("graphsync: upsert relationships for %s: %w", env.ID, err)
	}
	return nil
}

func (a *Adapter) call(ctx context.Context, fn func(context.Context) error) error {
	return a.gate.Do(ctx, func(ctx context.Context) error {
		if a.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.timeout)
			defer cancel()
		}
		return fn(ctx)
	})
}
