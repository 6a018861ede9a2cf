// Package reasoning derives an explanatory trace from a packet's structure.
package reasoning

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goclaw/mnemo/pkg/packet"
)

// HeuristicVersion identifies the rule set used to build traces.
const HeuristicVersion = "r1"

// Kind is the JSON kind of a payload value.
type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindNull   Kind = "null"
	KindObject Kind = "object"
	KindArray  Kind = "array"
)

// Feature is one structural observation about the payload.
type Feature struct {
	Path  string   `json:"path"`
	Kind  Kind     `json:"kind"`
	Value string   `json:"value,omitempty"`
	Enum  []string `json:"enum,omitempty"`
}

// Trace is the reasoning output for one packet.
type Trace struct {
	HeuristicVersion string    `json:"heuristic_version"`
	Features         []Feature `json:"features"`
	Steps            []string  `json:"steps"`
	Degraded         bool      `json:"degraded,omitempty"`
}

// Reasoner builds traces.
type Reasoner struct {
	MaxDepth       int
	MaxFeatures    int
	MaxValueLength int
	HighConfidence float64
	LowConfidence  float64
	MaxEnumSize    int
}

// New returns a Reasoner with default bounds.
func New() *Reasoner {
	return &Reasoner{
		MaxDepth:       8,
		MaxFeatures:    128,
		MaxValueLength: 64,
		HighConfidence: 0.75,
		LowConfidence:  0.25,
		MaxEnumSize:    8,
	}
}

// Reason builds a trace with default bounds.
func Reason(env *packet.Envelope) *Trace {
	return New().Reason(env)
}

// Reason builds the trace for env. It never fails; an unexpected payload
// shape yields a minimal degraded trace.
func (r *Reasoner) Reason(env *packet.Envelope) (trace *Trace) {
	defer func() {
		if rec := recover(); rec != nil {
			trace = minimalTrace(env)
		}
	}()
	if env == nil {
		return &Trace{HeuristicVersion: HeuristicVersion, Degraded: true, Steps: []string{"no packet to reason about"}}
	}

	t := &Trace{HeuristicVersion: HeuristicVersion}
	t.Steps = append(t.Steps, fmt.Sprintf("received %s packet", env.Type))

	keys := sortedKeys(env.Payload)
	switch len(keys) {
	case 0:
		t.Steps = append(t.Steps, "payload is empty")
	default:
		t.Steps = append(t.Steps, fmt.Sprintf("observed %d top-level field(s): %s", len(keys), strings.Join(keys, ", ")))
	}

	r.walk(t, "", env.Payload, 0)

	for _, f := range t.Features {
		if strings.Contains(f.Path, ".") || strings.Contains(f.Path, "[") {
			continue
		}
		switch {
		case len(f.Enum) > 0:
			t.Steps = append(t.Steps, fmt.Sprintf("field %s enumerates %s", f.Path, strings.Join(f.Enum, ", ")))
		case f.Kind == KindString && f.Value != "":
			t.Steps = append(t.Steps, fmt.Sprintf("field %s is a string: %q", f.Path, f.Value))
		case f.Kind == KindNumber || f.Kind == KindBool:
			t.Steps = append(t.Steps, fmt.Sprintf("field %s is a %s: %s", f.Path, f.Kind, f.Value))
		case f.Kind == KindObject:
			t.Steps = append(t.Steps, fmt.Sprintf("field %s is a nested object", f.Path))
		}
	}

	if n := len(env.ParentIDs); n > 0 {
		t.Steps = append(t.Steps, fmt.Sprintf("packet has %d parent(s): derived activity", n))
	} else {
		t.Steps = append(t.Steps, "packet has no parents: root activity")
	}
	if env.Agent != "" {
		t.Steps = append(t.Steps, fmt.Sprintf("emitted by agent %s", env.Agent))
	}

	switch {
	case env.Confidence >= r.HighConfidence:
		t.Steps = append(t.Steps, fmt.Sprintf("confidence %.2f is high", env.Confidence))
	case env.Confidence <= r.LowConfidence:
		t.Steps = append(t.Steps, fmt.Sprintf("confidence %.2f is low", env.Confidence))
	default:
		t.Steps = append(t.Steps, fmt.Sprintf("confidence %.2f is moderate", env.Confidence))
	}
	return t
}

func (r *Reasoner) walk(t *Trace, prefix string, m map[string]any, depth int) {
	if depth >= r.MaxDepth {
		return
	}
	for _, k := range sortedKeys(m) {
		if len(t.Features) >= r.MaxFeatures {
			return
		}
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		r.observe(t, path, m[k], depth)
	}
}

func (r *Reasoner) observe(t *Trace, path string, v any, depth int) {
	f := Feature{Path: path, Kind: kindOf(v)}
	switch val := v.(type) {
	case string:
		f.Value = truncate(val, r.MaxValueLength)
	case float64:
		f.Value = fmt.Sprintf("%g", val)
	case bool:
		f.Value = fmt.Sprintf("%t", val)
	case []any:
		f.Enum = enumeration(val, r.MaxEnumSize)
	}
	t.Features = append(t.Features, f)

	if child, ok := v.(map[string]any); ok {
		r.walk(t, path, child, depth+1)
	}
}

// enumeration returns the distinct string values of a small all-string array.
func enumeration(items []any, max int) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil
		}
		seen[s] = struct{}{}
		if len(seen) > max {
			return nil
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func kindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case string:
		return KindString
	case float64, float32, int, int64, int32:
		return KindNumber
	case bool:
		return KindBool
	case map[string]any:
		return KindObject
	case []any:
		return KindArray
	default:
		return KindObject
	}
}

func minimalTrace(env *packet.Envelope) *Trace {
	t := &Trace{HeuristicVersion: HeuristicVersion, Degraded: true}
	if env != nil {
		t.Steps = []string{fmt.Sprintf("received %s packet", env.Type), "payload shape not understood"}
	}
	return t
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
