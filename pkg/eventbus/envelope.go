package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Schema is written into every envelope.
const Schema = "mnemo.event/1"

// Envelope is the JSON body of every bus message. Seq counts events per
// packet and per publisher so a consumer can drop stale or repeated
// deliveries for the same packet.
type Envelope struct {
	ID       string          `json:"id"`
	Topic    Topic           `json:"topic"`
	PacketID string          `json:"packet_id"`
	Seq      uint64          `json:"seq"`
	Node     string          `json:"node"`
	Schema   string          `json:"schema"`
	TraceID  string          `json:"trace_id,omitempty"`
	At       time.Time       `json:"at"`
	Payload  json.RawMessage `json:"payload"`
}

func newEnvelope(ctx context.Context, node string, seq uint64, ev Event, now time.Time) (Envelope, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventbus: marshal %s payload: %w", ev.Topic, err)
	}
	env := Envelope{
		ID:       uuid.NewString(),
		Topic:    ev.Topic,
		PacketID: ev.PacketID,
		Seq:      seq,
		Node:     node,
		Schema:   Schema,
		At:       now.UTC(),
		Payload:  payload,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	return env, nil
}

// DecodeEnvelope parses a message body published by a Publisher.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("eventbus: invalid envelope: %w", err)
	}
	if env.ID == "" || !env.Topic.Valid() || env.PacketID == "" {
		return Envelope{}, errors.New("eventbus: envelope missing id, topic or packet id")
	}
	return env, nil
}
