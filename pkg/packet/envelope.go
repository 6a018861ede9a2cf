// Package packet defines the packet envelope, its validation, tagging and
// content fingerprinting.
package packet

import (
	"time"
)

// Source identifies which producer surface a packet arrived through.
type Source string

const (
	SourceAPI    Source = "api"
	SourceStream Source = "stream"
	SourceBatch  Source = "batch"
)

// PacketInput is a raw packet as submitted by a producer.
type PacketInput struct {
	ID         string         `json:"packet_id,omitempty" validate:"omitempty,max=128,printascii"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Agent      string         `json:"agent,omitempty" validate:"max=256"`
	Domain     string         `json:"domain,omitempty" validate:"max=256"`
	Confidence *float64       `json:"confidence,omitempty"`
	TTLSeconds *int64         `json:"ttl_seconds,omitempty"`
	ParentIDs  []string       `json:"parent_ids,omitempty" validate:"dive,max=128"`
	Tags       []string       `json:"tags,omitempty" validate:"dive,max=256"`
	Source     Source         `json:"source,omitempty" validate:"omitempty,oneof=api stream batch"`
}

// Envelope is a validated, normalized packet.
type Envelope struct {
	ID          string         `json:"packet_id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Agent       string         `json:"agent,omitempty"`
	Domain      string         `json:"domain,omitempty"`
	Confidence  float64        `json:"confidence"`
	TTL         *time.Duration `json:"ttl,omitempty"`
	ParentIDs   []string       `json:"parent_ids,omitempty"`
	Tags        []string       `json:"tags"`
	Status      Status         `json:"status"`
	Source      Source         `json:"source,omitempty"`
	ContentHash string         `json:"content_hash"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ExpiresAt returns when the packet expires, or the zero time if it never does.
func (e *Envelope) ExpiresAt() time.Time {
	if e.TTL == nil {
		return time.Time{}
	}
	return e.CreatedAt.Add(*e.TTL)
}

// Expired reports whether the packet's ttl has elapsed at now.
func (e *Envelope) Expired(now time.Time) bool {
	exp := e.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = cloneMap(e.Payload)
	if e.TTL != nil {
		ttl := *e.TTL
		c.TTL = &ttl
	}
	if e.ParentIDs != nil {
		c.ParentIDs = append([]string(nil), e.ParentIDs...)
	}
	if e.Tags != nil {
		c.Tags = append([]string(nil), e.Tags...)
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
