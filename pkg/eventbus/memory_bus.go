package eventbus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Message is one delivery on a MemoryBus subscription.
type Message struct {
	Subject    string
	Payload    []byte
	ReceivedAt time.Time
}

// Envelope decodes the payload.
func (m Message) Envelope() (Envelope, error) {
	return DecodeEnvelope(m.Payload)
}

// Subscription receives the messages whose subject matches its pattern.
type Subscription struct {
	pattern string
	ch      chan Message
	dropped atomic.Int64
	bus     *MemoryBus
	once    sync.Once
}

// C is closed by Close.
func (s *Subscription) C() <-chan Message { return s.ch }

// Dropped counts messages discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.bus.detach(s)
		close(s.ch)
	})
	return nil
}

// MemoryBus is an in-process Transport for single-node setups and tests.
// Publishing never blocks: a subscriber with a full buffer loses the
// message.
type MemoryBus struct {
	mu   sync.RWMutex
	subs []*Subscription
}

var _ Transport = (*MemoryBus)(nil)

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish implements Transport.
func (b *MemoryBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if subject == "" {
		return errors.New("eventbus: subject cannot be empty")
	}

	msg := Message{
		Subject:    subject,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: time.Now().UTC(),
	}

	// Holding the read lock keeps Close from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !subjectMatches(s.pattern, subject) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe listens on pattern. Patterns match exactly, with "*" for one
// segment, or with a trailing ".>" for any number of further segments.
func (b *MemoryBus) Subscribe(pattern string, buffer int) (*Subscription, error) {
	if pattern == "" {
		return nil, errors.New("eventbus: subscription pattern cannot be empty")
	}
	if buffer <= 0 {
		buffer = 32
	}
	s := &Subscription{pattern: pattern, ch: make(chan Message, buffer), bus: b}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

func (b *MemoryBus) detach(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".>"); ok {
		return prefix == "" || strings.HasPrefix(subject, prefix+".")
	}

	want := strings.Split(pattern, ".")
	got := strings.Split(subject, ".")
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] != "*" && want[i] != got[i] {
			return false
		}
	}
	return true
}
