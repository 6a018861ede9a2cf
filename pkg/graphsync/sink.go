package graphsync

import (
	"context"
	"errors"
	"strings"

	"github.com/goclaw/mnemo/pkg/eventbus"
)

// Publisher is the subset of eventbus.Publisher used by EventSink.
type Publisher interface {
	Publish(ctx context.Context, event eventbus.Event) (eventbus.Envelope, error)
}

// EventSink publishes upserts on the event bus for an external graph
// writer to apply. Every batch comes from one projection, so the packet
// it belongs to is recovered from the packet node or edge in the batch.
type EventSink struct {
	publisher Publisher
}

var _ GraphSink = (*EventSink)(nil)

// NewEventSink creates an EventSink.
func NewEventSink(publisher Publisher) *EventSink {
	return &EventSink{publisher: publisher}
}

var errNoPacket = errors.New("graphsync: batch has no packet node")

// UpsertEntities implements GraphSink.
func (s *EventSink) UpsertEntities(ctx context.Context, entities []Entity) error {
	if len(entities) == 0 {
		return nil
	}
	for _, e := range entities {
		if e.Kind == KindPacket {
			return s.publish(ctx, eventbus.GraphEntities, e.Name, entities)
		}
	}
	return errNoPacket
}

// UpsertRelationships implements GraphSink.
func (s *EventSink) UpsertRelationships(ctx context.Context, relationships []Relationship) error {
	if len(relationships) == 0 {
		return nil
	}
	for _, r := range relationships {
		if id, ok := strings.CutPrefix(r.From, PacketNodeID("")); ok {
			return s.publish(ctx, eventbus.GraphRelationships, id, relationships)
		}
	}
	return errNoPacket
}

func (s *EventSink) publish(ctx context.Context, topic eventbus.Topic, packetID string, payload any) error {
	_, err := s.publisher.Publish(ctx, eventbus.Event{Topic: topic, PacketID: packetID, Payload: payload})
	return err
}

// NopSink discards everything.
type NopSink struct{}

// UpsertEntities implements GraphSink.
func (NopSink) UpsertEntities(context.Context, []Entity) error { return nil }

// UpsertRelationships implements GraphSink.
func (NopSink) UpsertRelationships(context.Context, []Relationship) error { return nil }
