// Package worldmodel forwards high-confidence facts to the downstream world
// model. Notification is one-way and best effort.
package worldmodel

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/goclaw/mnemo/pkg/eventbus"
	"github.com/goclaw/mnemo/pkg/gate"
	"github.com/goclaw/mnemo/pkg/insight"
	"github.com/goclaw/mnemo/pkg/packet"
)

// Notification carries the facts forwarded for one packet.
type Notification struct {
	PacketID  string         `json:"packet_id"`
	Type      string         `json:"type"`
	Agent     string         `json:"agent,omitempty"`
	Domain    string         `json:"domain,omitempty"`
	Threshold float64        `json:"threshold"`
	Facts     []insight.Fact `json:"facts"`
	CreatedAt time.Time      `json:"created_at"`
}

// WorldModel receives notifications.
type WorldModel interface {
	Notify(ctx context.Context, n Notification) error
}

// Predicate decides whether a fact set is worth forwarding.
type Predicate func(facts []insight.Fact) bool

// HighConfidence holds when at least minFacts facts have confidence >=
// threshold.
func HighConfidence(threshold float64, minFacts int) Predicate {
	if minFacts < 1 {
		minFacts = 1
	}
	return func(facts []insight.Fact) bool {
		return len(insight.Above(facts, threshold)) >= minFacts
	}
}

// Notifier evaluates the trigger and calls the world model through a gate.
type Notifier struct {
	model     WorldModel
	gate      *gate.Gate
	timeout   time.Duration
	now       func() time.Time
	threshold atomic.Uint64 // float64 bits
	minFacts  atomic.Int64
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithGate bounds concurrent world-model calls.
func WithGate(g *gate.Gate) Option {
	return func(n *Notifier) { n.gate = g }
}

// WithTimeout bounds each world-model call.
func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) { n.timeout = d }
}

// WithClock sets the clock used for notification timestamps.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// NewNotifier creates a Notifier. A nil model discards notifications.
func NewNotifier(model WorldModel, threshold float64, minFacts int, opts ...Option) (*Notifier, error) {
	if model == nil {
		model = NopSink{}
	}
	n := &Notifier{model: model, now: time.Now}
	if err := n.SetTrigger(threshold, minFacts); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.gate == nil {
		n.gate = gate.New("worldmodel", gate.Config{MaxConcurrent: 4})
	}
	return n, nil
}

// SetTrigger replaces the threshold and minimum fact count. It is safe to
// call while notifications are in flight.
func (n *Notifier) SetTrigger(threshold float64, minFacts int) error {
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return fmt.Errorf("worldmodel: threshold must be in [0, 1], got %v", threshold)
	}
	if minFacts < 1 {
		return fmt.Errorf("worldmodel: min facts must be positive, got %d", minFacts)
	}
	n.threshold.Store(math.Float64bits(threshold))
	n.minFacts.Store(int64(minFacts))
	return nil
}

// Threshold returns the current confidence threshold.
func (n *Notifier) Threshold() float64 {
	return math.Float64frombits(n.threshold.Load())
}

// ShouldNotify evaluates the trigger predicate on facts.
func (n *Notifier) ShouldNotify(facts []insight.Fact) bool {
	return HighConfidence(n.Threshold(), int(n.minFacts.Load()))(facts)
}

// Build returns the notification for env, keeping only facts at or above
// the threshold.
func (n *Notifier) Build(env *packet.Envelope, facts []insight.Fact) Notification {
	threshold := n.Threshold()
	return Notification{
		PacketID:  env.ID,
		Type:      env.Type,
		Agent:     env.Agent,
		Domain:    env.Domain,
		Threshold: threshold,
		Facts:     insight.Above(facts, threshold),
		CreatedAt: n.now().UTC(),
	}
}

// Notify sends a notification through the gate.
func (n *Notifier) Notify(ctx context.Context, note Notification) error {
	err := n.gate.Do(ctx, func(ctx context.Context) error {
		if n.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, n.timeout)
			defer cancel()
		}
		return n.model.Notify(ctx, note)
	})
	if err != nil {
		return fmt.Errorf("worldmodel: notify %s: %w", note.PacketID, err)
	}
	return nil
}

// Publisher is the subset of eventbus.Publisher used by EventSink.
type Publisher interface {
	Publish(ctx context.Context, event eventbus.Event) (eventbus.Envelope, error)
}

// EventSink publishes notifications on the event bus.
type EventSink struct {
	publisher Publisher
}

var _ WorldModel = (*EventSink)(nil)

// NewEventSink creates an EventSink.
func NewEventSink(publisher Publisher) *EventSink {
	return &EventSink{publisher: publisher}
}

// Notify implements WorldModel.
func (s *EventSink) Notify(ctx context.Context, n Notification) error {
	_, err := s.publisher.Publish(ctx, eventbus.Event{
		Topic:    eventbus.WorldModelFacts,
		PacketID: n.PacketID,
		Payload:  n,
	})
	return err
}

// NopSink discards notifications.
type NopSink struct{}

// Notify implements WorldModel.
func (NopSink) Notify(context.Context, Notification) error { return nil }
