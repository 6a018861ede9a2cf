package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// outageTransport fails the next n publishes, then forwards to a bus.
type outageTransport struct {
	bus      *MemoryBus
	failures atomic.Int32
}

func (t *outageTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	if t.failures.Add(-1) >= 0 {
		return errors.New("redis: connection refused")
	}
	return t.bus.Publish(ctx, subject, payload)
}

type telemetryProbe struct {
	mu          sync.Mutex
	outcomes    []string
	retries     int
	transitions []bool
}

func (p *telemetryProbe) RecordPublish(topic, outcome string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, topic+":"+outcome)
}

func (p *telemetryProbe) RecordRetry(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries++
}

func (p *telemetryProbe) SetDegraded(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, active)
}

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
	}
}

func TestChaos_OutageThenRecovery(t *testing.T) {
	transport := &outageTransport{bus: NewMemoryBus()}
	transport.failures.Store(3)
	probe := &telemetryProbe{}

	pub, err := NewPublisher("node-1", transport, fastRetry(2), probe)
	require.NoError(t, err)

	ev := Event{Topic: GraphEntities, PacketID: "pkt-chaos", Payload: []int{1}}
	_, err = pub.Publish(context.Background(), ev)
	require.Error(t, err, "three attempts all hit the outage")
	assert.True(t, pub.Degraded())

	_, err = pub.Publish(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, pub.Degraded())

	probe.mu.Lock()
	defer probe.mu.Unlock()
	assert.Equal(t, []string{"graph.entities:failed", "graph.entities:published"}, probe.outcomes)
	assert.Equal(t, 2, probe.retries)
	assert.Equal(t, []bool{true, false}, probe.transitions, "one flip each way")
}

func TestChaos_RetryHidesBlip(t *testing.T) {
	bus := NewMemoryBus()
	sub, err := bus.Subscribe(WorldModelFacts.Subject(), 1)
	require.NoError(t, err)
	defer sub.Close()

	transport := &outageTransport{bus: bus}
	transport.failures.Store(1)
	probe := &telemetryProbe{}

	pub, err := NewPublisher("node-1", transport, fastRetry(3), probe)
	require.NoError(t, err)

	_, err = pub.Publish(context.Background(), Event{Topic: WorldModelFacts, PacketID: "pkt-1", Payload: "x"})
	require.NoError(t, err)
	receive(t, sub)

	probe.mu.Lock()
	defer probe.mu.Unlock()
	assert.Equal(t, 1, probe.retries)
	assert.Equal(t, []bool{true, false}, probe.transitions)
}
