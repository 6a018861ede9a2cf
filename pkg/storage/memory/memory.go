// Package memory provides an in-memory implementation of the storage interface.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goclaw/mnemo/pkg/insight"
	"github.com/goclaw/mnemo/pkg/packet"
	"github.com/goclaw/mnemo/pkg/storage"
)

// MemoryStorage implements storage.Store using in-memory maps guarded by a
// single RWMutex, which makes every operation atomic.
type MemoryStorage struct {
	mu          sync.RWMutex
	closed      bool
	packets     map[string]*packet.Envelope
	events      map[string]*storage.MemoryEvent
	insights    map[string]map[string]insight.Fact // packetID -> factID -> fact
	parents     map[string]map[string]storage.LineageEdge
	children    map[string]map[string]storage.LineageEdge
	embeddings  map[string]*storage.Embedding
	byTextHash  map[string]string // text hash -> latest packet id
	checkpoints map[string][]*storage.Checkpoint
}

var _ storage.Store = (*MemoryStorage)(nil)

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		packets:     make(map[string]*packet.Envelope),
		events:      make(map[string]*storage.MemoryEvent),
		insights:    make(map[string]map[string]insight.Fact),
		parents:     make(map[string]map[string]storage.LineageEdge),
		children:    make(map[string]map[string]storage.LineageEdge),
		embeddings:  make(map[string]*storage.Embedding),
		byTextHash:  make(map[string]string),
		checkpoints: make(map[string][]*storage.Checkpoint),
	}
}

func (m *MemoryStorage) unavailable(op string) error {
	return &storage.UnavailableError{Op: op, Cause: storage.ErrClosed}
}

// WritePacket stores the envelope and its event atomically.
func (m *MemoryStorage) WritePacket(ctx context.Context, env *packet.Envelope, evt *storage.MemoryEvent) (*storage.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, m.unavailable("write packet")
	}

	stored := m.packets[env.ID]
	outcome, err := storage.CheckWrite(stored, env)
	if err != nil {
		return nil, err
	}
	if outcome == storage.WriteDuplicate {
		return &storage.WriteResult{Outcome: outcome, Stored: stored.Clone()}, nil
	}

	m.packets[env.ID] = env.Clone()
	evtCopy := *evt
	m.events[env.ID] = &evtCopy
	return &storage.WriteResult{Outcome: storage.WriteCreated, Stored: env.Clone()}, nil
}

// GetPacket retrieves a packet by id.
func (m *MemoryStorage) GetPacket(ctx context.Context, id string) (*packet.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, m.unavailable("get packet")
	}

	env, ok := m.packets[id]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "packet", ID: id}
	}
	return env.Clone(), nil
}

// Exists reports whether a packet is stored.
func (m *MemoryStorage) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, m.unavailable("exists")
	}
	_, ok := m.packets[id]
	return ok, nil
}

// UpdateStatus moves a packet to status if the transition is allowed.
func (m *MemoryStorage) UpdateStatus(ctx context.Context, id string, status packet.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.unavailable("update status")
	}

	env, ok := m.packets[id]
	if !ok {
		return &storage.NotFoundError{EntityType: "packet", ID: id}
	}
	if !env.Status.CanTransitionTo(status) {
		return &storage.StatusTransitionError{PacketID: id, From: env.Status, To: status}
	}
	env.Status = status
	return nil
}

// GetEvent retrieves the event of a packet.
func (m *MemoryStorage) GetEvent(ctx context.Context, packetID string) (*storage.MemoryEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, m.unavailable("get event")
	}

	evt, ok := m.events[packetID]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "event", ID: packetID}
	}
	copied := *evt
	return &copied, nil
}

// ListEvents lists events ordered by timestamp.
func (m *MemoryStorage) ListEvents(ctx context.Context, filter *storage.EventFilter) ([]*storage.MemoryEvent, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, 0, m.unavailable("list events")
	}

	var matched []*storage.MemoryEvent
	for _, evt := range m.events {
		if filter.Match(evt) {
			copied := *evt
			matched = append(matched, &copied)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].PacketID < matched[j].PacketID
		}
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	total := len(matched)
	start, end := filter.Paginate(total)
	return matched[start:end], total, nil
}

// AppendInsights appends facts not already stored for the packet.
func (m *MemoryStorage) AppendInsights(ctx context.Context, packetID string, facts []insight.Fact) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, m.unavailable("append insights")
	}

	set, ok := m.insights[packetID]
	if !ok {
		set = make(map[string]insight.Fact)
		m.insights[packetID] = set
	}
	added := 0
	for _, f := range facts {
		if _, exists := set[f.ID]; exists {
			continue
		}
		set[f.ID] = f
		added++
	}
	return added, nil
}

// ListInsights lists the facts of a packet ordered by id.
func (m *MemoryStorage) ListInsights(ctx context.Context, packetID string) ([]insight.Fact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, m.unavailable("list insights")
	}

	facts := make([]insight.Fact, 0, len(m.insights[packetID]))
	for _, f := range m.insights[packetID] {
		facts = append(facts, f)
	}
	sort.Slice(facts, func(i, j int) bool { return facts[i].ID < facts[j].ID })
	return facts, nil
}

// AddLineageEdges stores edges, ignoring ones already present.
func (m *MemoryStorage) AddLineageEdges(ctx context.Context, edges []storage.LineageEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.unavailable("add lineage edges")
	}

	for _, e := range edges {
		if _, ok := m.parents[e.ChildID][e.ParentID]; ok {
			continue
		}
		if m.parents[e.ChildID] == nil {
			m.parents[e.ChildID] = make(map[string]storage.LineageEdge)
		}
		if m.children[e.ParentID] == nil {
			m.children[e.ParentID] = make(map[string]storage.LineageEdge)
		}
		m.parents[e.ChildID][e.ParentID] = e
		m.children[e.ParentID][e.ChildID] = e
	}
	return nil
}

// ListParents lists the edges from childID to its parents.
func (m *MemoryStorage) ListParents(ctx context.Context, childID string) ([]storage.LineageEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, m.unavailable("list parents")
	}
	return sortedEdges(m.parents[childID], func(e storage.LineageEdge) string { return e.ParentID }), nil
}

// ListChildren lists the edges from parentID to its children.
func (m *MemoryStorage) ListChildren(ctx context.Context, parentID string) ([]storage.LineageEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, m.unavailable("list children")
	}
	return sortedEdges(m.children[parentID], func(e storage.LineageEdge) string { return e.ChildID }), nil
}

func sortedEdges(set map[string]storage.LineageEdge, key func(storage.LineageEdge) string) []storage.LineageEdge {
	edges := make([]storage.LineageEdge, 0, len(set))
	for _, e := range set {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool { return key(edges[i]) < key(edges[j]) })
	return edges
}

// PutEmbedding stores the embedding of a packet, replacing any previous one.
func (m *MemoryStorage) PutEmbedding(ctx context.Context, emb *storage.Embedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.unavailable("put embedding")
	}

	m.embeddings[emb.PacketID] = cloneEmbedding(emb)
	if emb.TextHash != "" {
		m.byTextHash[emb.TextHash] = emb.PacketID
	}
	return nil
}

// GetEmbedding retrieves the embedding of a packet.
func (m *MemoryStorage) GetEmbedding(ctx context.Context, packetID string) (*storage.Embedding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, m.unavailable("get embedding")
	}

	emb, ok := m.embeddings[packetID]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "embedding", ID: packetID}
	}
	return cloneEmbedding(emb), nil
}

// FindEmbeddingByHash returns the latest embedding for textHash created at
// or after since.
func (m *MemoryStorage) FindEmbeddingByHash(ctx context.Context, textHash string, since time.Time) (*storage.Embedding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, m.unavailable("find embedding")
	}

	id, ok := m.byTextHash[textHash]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "embedding", ID: textHash}
	}
	emb, ok := m.embeddings[id]
	if !ok || emb.TextHash != textHash || emb.CreatedAt.Before(since) {
		return nil, &storage.NotFoundError{EntityType: "embedding", ID: textHash}
	}
	return cloneEmbedding(emb), nil
}

// AppendCheckpoint appends a run checkpoint.
func (m *MemoryStorage) AppendCheckpoint(ctx context.Context, cp *storage.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.unavailable("append checkpoint")
	}

	copied := *cp
	copied.Stages = append([]storage.StageOutcome(nil), cp.Stages...)
	copied.Warnings = append([]string(nil), cp.Warnings...)
	m.checkpoints[cp.PacketID] = append(m.checkpoints[cp.PacketID], &copied)
	return nil
}

// ListCheckpoints lists the checkpoints of a packet in append order.
func (m *MemoryStorage) ListCheckpoints(ctx context.Context, packetID string) ([]*storage.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, m.unavailable("list checkpoints")
	}

	cps := m.checkpoints[packetID]
	out := make([]*storage.Checkpoint, len(cps))
	for i, cp := range cps {
		copied := *cp
		out[i] = &copied
	}
	return out, nil
}

// Ping reports whether the store is open.
func (m *MemoryStorage) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return m.unavailable("ping")
	}
	return nil
}

// Close marks the store closed; later calls return an UnavailableError.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneEmbedding(emb *storage.Embedding) *storage.Embedding {
	c := *emb
	c.Vector = append([]float32(nil), emb.Vector...)
	return &c
}
