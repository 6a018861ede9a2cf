// Package insight mines candidate knowledge facts from packet payloads.
package insight

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goclaw/mnemo/pkg/packet"
)

// HeuristicVersion identifies the heuristic set. Output is deterministic for
// a fixed version and input.
const HeuristicVersion = "v1"

// Fact is a candidate structured fact derived from a packet.
type Fact struct {
	ID             string    `json:"id"`
	Subject        string    `json:"subject"`
	Predicate      string    `json:"predicate"`
	Object         string    `json:"object"`
	SourcePacketID string    `json:"source_packet_id"`
	Confidence     float64   `json:"confidence"`
	Heuristic      string    `json:"heuristic"`
	CreatedAt      time.Time `json:"created_at"`
}

// Drop records a candidate that was discarded during extraction.
type Drop struct {
	Heuristic string `json:"heuristic"`
	Reason    string `json:"reason"`
}

// Extraction is the detailed result of one extraction.
type Extraction struct {
	Facts   []Fact `json:"facts"`
	Dropped []Drop `json:"dropped,omitempty"`
}

// candidate is an unchecked fact proposed by a heuristic.
type candidate struct {
	subject   any
	predicate any
	object    any
}

type heuristic struct {
	name   string
	weight float64
	find   func(x *Extractor, env *packet.Envelope) []candidate
}

// Extractor applies the heuristic set in a fixed order.
type Extractor struct {
	maxAttributeFacts int
	now               func() time.Time
	heuristics        []heuristic
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxAttributeFacts caps attribute facts per packet.
func WithMaxAttributeFacts(n int) Option {
	return func(x *Extractor) { x.maxAttributeFacts = n }
}

// WithClock overrides the clock used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(x *Extractor) {
		if now != nil {
			x.now = now
		}
	}
}

// NewExtractor creates an Extractor with the v1 heuristic set.
func NewExtractor(opts ...Option) *Extractor {
	x := &Extractor{
		maxAttributeFacts: 32,
		now:               time.Now,
		heuristics: []heuristic{
			{name: "explicit_triple", weight: 1.0, find: findTriples},
			{name: "relation", weight: 0.9, find: findRelations},
			{name: "reference", weight: 0.8, find: findReferences},
			{name: "attribute", weight: 0.6, find: findAttributes},
		},
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Version returns the heuristic set version.
func (x *Extractor) Version() string {
	return HeuristicVersion
}

// Extract returns the facts found in env.
func (x *Extractor) Extract(env *packet.Envelope) []Fact {
	return x.ExtractDetailed(env).Facts
}

// ExtractDetailed returns the facts found in env and the candidates that
// were dropped. A failing candidate or heuristic never fails the extraction.
func (x *Extractor) ExtractDetailed(env *packet.Envelope) Extraction {
	var out Extraction
	if env == nil {
		return out
	}
	created := x.now().UTC()
	seen := make(map[string]struct{})

	for _, h := range x.heuristics {
		candidates, err := x.run(h, env)
		if err != nil {
			out.Dropped = append(out.Dropped, Drop{Heuristic: h.name, Reason: err.Error()})
			continue
		}
		for _, c := range candidates {
			fact, err := toFact(c, h, env, created)
			if err != nil {
				out.Dropped = append(out.Dropped, Drop{Heuristic: h.name, Reason: err.Error()})
				continue
			}
			if _, dup := seen[fact.ID]; dup {
				continue
			}
			seen[fact.ID] = struct{}{}
			out.Facts = append(out.Facts, fact)
		}
	}
	return out
}

func (x *Extractor) run(h heuristic, env *packet.Envelope) (candidates []candidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("heuristic panicked: %v", r)
		}
	}()
	return h.find(x, env), nil
}

func toFact(c candidate, h heuristic, env *packet.Envelope, created time.Time) (fact Fact, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("candidate panicked: %v", r)
		}
	}()

	subject, ok := scalarString(c.subject)
	if !ok || subject == "" {
		return Fact{}, fmt.Errorf("subject is not a non-empty scalar")
	}
	predicate, ok := scalarString(c.predicate)
	if !ok || predicate == "" {
		return Fact{}, fmt.Errorf("predicate is not a non-empty scalar")
	}
	object, ok := scalarString(c.object)
	if !ok || object == "" {
		return Fact{}, fmt.Errorf("object is not a non-empty scalar")
	}

	return Fact{
		ID:             FactID(env.ID, subject, predicate, object),
		Subject:        subject,
		Predicate:      predicate,
		Object:         object,
		SourcePacketID: env.ID,
		Confidence:     clamp01(env.Confidence * h.weight),
		Heuristic:      h.name,
		CreatedAt:      created,
	}, nil
}

// FactID is the deterministic id of a fact, so replays yield identical ids.
func FactID(packetID, subject, predicate, object string) string {
	sum := sha256.Sum256([]byte(packetID + "|" + subject + "|" + predicate + "|" + object))
	return "fact-" + hex.EncodeToString(sum[:8])
}

// Above returns the facts whose confidence is at least threshold.
func Above(facts []Fact, threshold float64) []Fact {
	var out []Fact
	for _, f := range facts {
		if f.Confidence >= threshold {
			out = append(out, f)
		}
	}
	return out
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case float64:
		return fmt.Sprintf("%g", t), true
	case bool:
		return fmt.Sprintf("%t", t), true
	default:
		return "", false
	}
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
