package graphsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/mnemo/pkg/eventbus"
	"github.com/goclaw/mnemo/pkg/insight"
	"github.com/goclaw/mnemo/pkg/packet"
)

func testEnvelope() *packet.Envelope {
	return &packet.Envelope{
		ID:         "pkt-1",
		Type:       "observation",
		Agent:      "scout",
		Domain:     "ops",
		Confidence: 0.9,
		ParentIDs:  []string{"pkt-0"},
		Tags:       []string{"type:observation"},
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func testFacts() []insight.Fact {
	return []insight.Fact{
		{ID: insight.FactID("pkt-1", "Alice", "works at", "Acme"), Subject: "Alice", Predicate: "works at", Object: "Acme", SourcePacketID: "pkt-1", Confidence: 0.8},
		{ID: insight.FactID("pkt-1", "alice", "works at", "acme"), Subject: "alice", Predicate: "works at", Object: "acme", SourcePacketID: "pkt-1", Confidence: 0.7},
	}
}

func relTypes(rels []Relationship) map[string]int {
	out := make(map[string]int)
	for _, r := range rels {
		out[r.Type]++
	}
	return out
}

func TestProject(t *testing.T) {
	p := Project(testEnvelope(), testFacts())

	ids := make([]string, 0, len(p.Entities))
	for _, e := range p.Entities {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"packet:pkt-1", "agent:scout", "domain:ops", "packet:pkt-0", "entity:alice", "entity:acme"}, ids)
	assert.Equal(t, KindPacket, p.Entities[0].Kind)
	assert.Equal(t, "observation", p.Entities[0].Properties["type"])

	// Case-folded facts collapse onto the same nodes and edges.
	assert.Equal(t, map[string]int{
		RelEmittedBy:   1,
		RelInDomain:    1,
		RelDerivedFrom: 1,
		"WORKS_AT":     1,
		RelMentions:    1,
	}, relTypes(p.Relationships))
}

func TestProject_BarePacket(t *testing.T) {
	p := Project(&packet.Envelope{ID: "n", Type: "note"}, nil)
	require.Len(t, p.Entities, 1)
	assert.Empty(t, p.Relationships)
}

func TestRelationshipType(t *testing.T) {
	tests := map[string]string{
		"works at":    "WORKS_AT",
		"  owns ":     "OWNS",
		"depends-on!": "DEPENDS_ON",
		"réf 2":       "RÉF_2",
		"???":         "RELATED_TO",
		"":            "RELATED_TO",
	}
	for in, want := range tests {
		assert.Equal(t, want, RelationshipType(in), in)
	}
}

type recordingSink struct {
	mu       sync.Mutex
	entities []Entity
	rels     []Relationship
	err      error
}

func (s *recordingSink) UpsertEntities(_ context.Context, e []Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entities = append(s.entities, e...)
	return nil
}

func (s *recordingSink) UpsertRelationships(_ context.Context, r []Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rels = append(s.rels, r...)
	return nil
}

func TestAdapter_Sync(t *testing.T) {
	sink := &recordingSink{}
	a := NewAdapter(sink, WithTimeout(time.Second))

	require.NoError(t, a.Sync(context.Background(), testEnvelope(), testFacts()))
	assert.Len(t, sink.entities, 6)
	assert.Len(t, sink.rels, 5)

	require.Error(t, a.Sync(context.Background(), nil, nil))
}

func TestAdapter_SinkFailure(t *testing.T) {
	sink := &recordingSink{err: errors.New("graph down")}
	a := NewAdapter(sink)

	err := a.Sync(context.Background(), testEnvelope(), nil)
	require.ErrorIs(t, err, sink.err)
	assert.Empty(t, sink.rels, "relationships are not written when entities fail")
}

func TestEventSink_PublishesOnBus(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	sub, err := bus.Subscribe(eventbus.DomainPattern("graph"), 8)
	require.NoError(t, err)
	defer sub.Close()

	pub, err := eventbus.NewPublisher("node-1", bus, eventbus.DefaultRetryConfig(), nil)
	require.NoError(t, err)

	a := NewAdapter(NewEventSink(pub))
	require.NoError(t, a.Sync(context.Background(), testEnvelope(), testFacts()))

	subjects := make([]string, 0, 2)
	for len(subjects) < 2 {
		select {
		case msg := <-sub.C():
			subjects = append(subjects, msg.Subject)
			env, err := msg.Envelope()
			require.NoError(t, err)
			assert.Equal(t, "pkt-1", env.PacketID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for graph events")
		}
	}
	assert.Equal(t, []string{"mnemo.v1.graph.entities", "mnemo.v1.graph.relationships"}, subjects)
}

func TestEventSink_RequiresPacketNode(t *testing.T) {
	pub, err := eventbus.NewPublisher("node-1", eventbus.NewMemoryBus(), eventbus.DefaultRetryConfig(), nil)
	require.NoError(t, err)
	sink := NewEventSink(pub)

	err = sink.UpsertEntities(context.Background(), []Entity{{ID: "entity:ada", Kind: KindEntity, Name: "Ada"}})
	assert.ErrorIs(t, err, errNoPacket)
	err = sink.UpsertRelationships(context.Background(), []Relationship{{From: "entity:ada", To: "entity:notes", Type: "WROTE"}})
	assert.ErrorIs(t, err, errNoPacket)
	assert.NoError(t, sink.UpsertEntities(context.Background(), nil))
}

func TestNopSink(t *testing.T) {
	a := NewAdapter(nil)
	assert.NoError(t, a.Sync(context.Background(), testEnvelope(), testFacts()))
}
