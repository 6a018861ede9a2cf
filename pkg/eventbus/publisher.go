package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Transport delivers an encoded envelope to a subject.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Telemetry receives publish outcomes. SetDegraded is only called when
// the publisher flips between healthy and degraded.
type Telemetry interface {
	RecordPublish(topic, outcome string)
	RecordRetry(topic string)
	SetDegraded(active bool)
}

type nopTelemetry struct{}

func (nopTelemetry) RecordPublish(string, string) {}
func (nopTelemetry) RecordRetry(string)           {}
func (nopTelemetry) SetDegraded(bool)             {}

// RetryConfig bounds how hard Publish tries before giving up.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig suits a local Redis: four attempts within about half
// a second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
	}
}

func (c RetryConfig) validate() error {
	switch {
	case c.MaxRetries < 0:
		return errors.New("eventbus: max retries cannot be negative")
	case c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff:
		return errors.New("eventbus: backoff bounds must be positive and ordered")
	case c.BackoffFactor < 1:
		return errors.New("eventbus: backoff factor must be at least 1")
	}
	return nil
}

// Event is one sink notification about a packet.
type Event struct {
	Topic    Topic
	PacketID string
	Payload  any
}

// Publisher wraps events in envelopes and hands them to a Transport,
// retrying transport errors. It is safe for concurrent use.
type Publisher struct {
	transport Transport
	node      string
	retry     RetryConfig
	telemetry Telemetry
	now       func() time.Time

	seq atomic.Uint64

	mu       sync.Mutex
	degraded bool
}

// NewPublisher returns a publisher stamping envelopes with node.
// telemetry may be nil.
func NewPublisher(node string, transport Transport, retry RetryConfig, telemetry Telemetry) (*Publisher, error) {
	if node == "" {
		return nil, errors.New("eventbus: node id cannot be empty")
	}
	if transport == nil {
		return nil, errors.New("eventbus: transport cannot be nil")
	}
	if err := retry.validate(); err != nil {
		return nil, err
	}
	if telemetry == nil {
		telemetry = nopTelemetry{}
	}
	return &Publisher{
		transport: transport,
		node:      node,
		retry:     retry,
		telemetry: telemetry,
		now:       time.Now,
	}, nil
}

// Publish sends ev and returns the envelope that went out. Seq grows
// across everything this publisher sends, so it also orders the events
// of any single packet.
func (p *Publisher) Publish(ctx context.Context, ev Event) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}
	if !ev.Topic.Valid() {
		return Envelope{}, fmt.Errorf("eventbus: invalid topic %q", ev.Topic)
	}
	if ev.PacketID == "" {
		return Envelope{}, errors.New("eventbus: packet id cannot be empty")
	}

	env, err := newEnvelope(ctx, p.node, p.seq.Add(1), ev, p.now())
	if err != nil {
		return Envelope{}, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventbus: marshal envelope: %w", err)
	}

	topic := string(ev.Topic)
	subject := ev.Topic.Subject()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.retry.InitialBackoff
	bo.MaxInterval = p.retry.MaxBackoff
	bo.Multiplier = p.retry.BackoffFactor

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.transport.Publish(ctx, subject, body)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(p.retry.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(error, time.Duration) {
			p.telemetry.RecordRetry(topic)
			p.setDegraded(true)
		}),
	)
	if err != nil {
		p.telemetry.RecordPublish(topic, "failed")
		p.setDegraded(true)
		return Envelope{}, fmt.Errorf("eventbus: publish %s for %s: %w", topic, ev.PacketID, err)
	}

	p.telemetry.RecordPublish(topic, "published")
	p.setDegraded(false)
	return env, nil
}

// Degraded reports whether the most recent publish attempt failed.
func (p *Publisher) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *Publisher) setDegraded(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.degraded == active {
		return
	}
	p.degraded = active
	p.telemetry.SetDegraded(active)
}
