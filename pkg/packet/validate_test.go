package packet

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

func newTestValidator() *Validator {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := 0
	return NewValidator(DefaultLimits(),
		WithClock(func() time.Time { return fixed }),
		WithIDGenerator(func() string {
			n++
			return "gen-" + strings.Repeat("x", n)
		}),
	)
}

func TestValidate_ConfidenceBoundaries(t *testing.T) {
	v := newTestValidator()

	tests := []struct {
		name       string
		confidence *float64
		wantErr    bool
		want       float64
	}{
		{"below zero", ptr(-0.01), true, 0},
		{"above one", ptr(1.01), true, 0},
		{"zero", ptr(0.0), false, 0},
		{"one", ptr(1.0), false, 1},
		{"nan", ptr(math.NaN()), true, 0},
		{"absent uses default", nil, false, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := v.Validate(PacketInput{Type: "note", Confidence: tt.confidence})
			if tt.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				if verr.Field != "confidence" {
					t.Errorf("Field = %q, want confidence", verr.Field)
				}
				if env != nil {
					t.Error("expected no envelope on failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if env.Confidence != tt.want {
				t.Errorf("Confidence = %v, want %v", env.Confidence, tt.want)
			}
		})
	}
}

func TestValidate_Fields(t *testing.T) {
	v := newTestValidator()

	deep := map[string]any{}
	cur := deep
	for i := 0; i < 20; i++ {
		next := map[string]any{}
		cur["n"] = next
		cur = next
	}

	tests := []struct {
		name      string
		in        PacketInput
		wantField string
	}{
		{"empty type", PacketInput{Type: "   "}, "type"},
		{"negative ttl", PacketInput{Type: "note", TTLSeconds: ptr(int64(-1))}, "ttl_seconds"},
		{"ttl beyond a duration", PacketInput{Type: "note", TTLSeconds: ptr(int64(10_000_000_000))}, "ttl_seconds"},
		{"ttl at int64 max", PacketInput{Type: "note", TTLSeconds: ptr(int64(math.MaxInt64))}, "ttl_seconds"},
		{"too deep", PacketInput{Type: "note", Payload: deep}, "payload.n.n.n.n.n.n.n.n.n.n.n.n.n.n.n.n"},
		{"empty key", PacketInput{Type: "note", Payload: map[string]any{"": 1}}, "payload"},
		{"unrepresentable", PacketInput{Type: "note", Payload: map[string]any{"f": math.Inf(1)}}, "payload"},
		{"channel value", PacketInput{Type: "note", Payload: map[string]any{"c": make(chan int)}}, "payload"},
		{"empty parent", PacketInput{Type: "note", ParentIDs: []string{"a", ""}}, "parent_ids[1]"},
		{"self parent", PacketInput{ID: "p1", Type: "note", ParentIDs: []string{"p1"}}, "parent_ids[0]"},
		{"bad source", PacketInput{Type: "note", Source: "carrier-pigeon"}, "source"},
		{"long agent", PacketInput{Type: "note", Agent: strings.Repeat("a", 300)}, "agent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.in)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", verr.Field, tt.wantField)
			}
			if !IsValidationError(err) {
				t.Error("IsValidationError returned false")
			}
		})
	}
}

// nested builds a payload that is levels maps deep, the payload itself
// being the first.
func nested(levels int) map[string]any {
	root := map[string]any{}
	cur := root
	for i := 1; i < levels; i++ {
		next := map[string]any{}
		cur["n"] = next
		cur = next
	}
	return root
}

func TestValidate_PayloadDepthBoundary(t *testing.T) {
	v := newTestValidator()

	_, err := v.Validate(PacketInput{Type: "note", Payload: nested(16)})
	if err != nil {
		t.Fatalf("depth 16 should be accepted: %v", err)
	}

	_, err = v.Validate(PacketInput{Type: "note", Payload: nested(17)})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("depth 17: expected ValidationError, got %v", err)
	}
	if want := "payload" + strings.Repeat(".n", 16); verr.Field != want {
		t.Errorf("Field = %q, want %q", verr.Field, want)
	}
	if !strings.Contains(verr.Error(), "depth 16") {
		t.Errorf("error %q should name the bound", verr.Error())
	}

	_, err = v.Validate(PacketInput{Type: "note", Payload: map[string]any{"outer": map[string]any{" ": 1}}})
	if !errors.As(err, &verr) || verr.Field != "payload.outer" {
		t.Fatalf("empty nested key: got %v", err)
	}
}

func TestValidate_LargestTTL(t *testing.T) {
	env, err := newTestValidator().Validate(PacketInput{Type: "note", TTLSeconds: ptr(maxTTLSeconds)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *env.TTL <= 0 {
		t.Fatalf("TTL = %v, want positive", *env.TTL)
	}
	if env.Expired(env.CreatedAt.Add(time.Hour)) {
		t.Error("a long ttl must not read as expired")
	}
}

func TestValidate_PayloadSize(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPayloadBytes = 32
	v := NewValidator(limits)

	_, err := v.Validate(PacketInput{Type: "note", Payload: map[string]any{"text": strings.Repeat("x", 64)}})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "payload" {
		t.Fatalf("expected payload size error, got %v", err)
	}
}

func TestValidate_BuildsEnvelope(t *testing.T) {
	v := newTestValidator()

	env, err := v.Validate(PacketInput{
		Type:       " Note ",
		Payload:    map[string]any{"text": "hello", "count": 3},
		Agent:      "Scout",
		Confidence: ptr(0.8),
		TTLSeconds: ptr(int64(60)),
		ParentIDs:  []string{"a", "b", "a"},
		Tags:       []string{"custom", " custom ", ""},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if env.ID != "gen-x" {
		t.Errorf("ID = %q, want generated id", env.ID)
	}
	if env.Type != "Note" {
		t.Errorf("Type = %q", env.Type)
	}
	if env.Status != StatusPending {
		t.Errorf("Status = %q, want pending", env.Status)
	}
	if env.Source != SourceAPI {
		t.Errorf("Source = %q, want api", env.Source)
	}
	if got := strings.Join(env.ParentIDs, ","); got != "a,b" {
		t.Errorf("ParentIDs = %q, want deduplicated a,b", got)
	}
	if got := strings.Join(env.Tags, ","); got != "agent:scout,custom,type:note" {
		t.Errorf("Tags = %q", got)
	}
	if env.TTL == nil || *env.TTL != time.Minute {
		t.Errorf("TTL = %v, want 1m", env.TTL)
	}
	if env.ContentHash == "" {
		t.Error("expected content hash")
	}
	if _, ok := env.Payload["count"].(float64); !ok {
		t.Errorf("expected payload normalized to JSON numbers, got %T", env.Payload["count"])
	}
}

func TestValidate_NilPayload(t *testing.T) {
	env, err := newTestValidator().Validate(PacketInput{Type: "ping"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Payload == nil || len(env.Payload) != 0 {
		t.Errorf("expected empty payload map, got %v", env.Payload)
	}
}

func TestContentHash_Stability(t *testing.T) {
	v := newTestValidator()
	in := PacketInput{ID: "p1", Type: "note", Payload: map[string]any{"b": 1, "a": []any{"x", 2}}}

	e1, err := v.Validate(in)
	if err != nil {
		t.Fatal(err)
	}
	e2, err := v.Validate(in)
	if err != nil {
		t.Fatal(err)
	}
	if e1.ContentHash != e2.ContentHash {
		t.Error("same input must hash identically")
	}

	in.Payload = map[string]any{"b": 2, "a": []any{"x", 2}}
	e3, err := v.Validate(in)
	if err != nil {
		t.Fatal(err)
	}
	if e1.ContentHash == e3.ContentHash {
		t.Error("different payload must hash differently")
	}

	in.Payload = map[string]any{"b": 1, "a": []any{"x", 2}}
	in.Source = SourceBatch
	e4, err := v.Validate(in)
	if err != nil {
		t.Fatal(err)
	}
	if e1.ContentHash != e4.ContentHash {
		t.Error("source must not affect the content hash")
	}
}

func TestEnvelope_CloneAndExpiry(t *testing.T) {
	ttl := time.Second
	env := &Envelope{
		ID:        "p1",
		Payload:   map[string]any{"nested": map[string]any{"k": "v"}, "list": []any{1.0}},
		TTL:       &ttl,
		Tags:      []string{"type:note"},
		CreatedAt: time.Unix(100, 0),
	}
	c := env.Clone()
	c.Payload["nested"].(map[string]any)["k"] = "changed"
	c.Tags[0] = "changed"
	*c.TTL = time.Hour

	if env.Payload["nested"].(map[string]any)["k"] != "v" {
		t.Error("clone shares nested payload")
	}
	if env.Tags[0] != "type:note" || *env.TTL != time.Second {
		t.Error("clone shares slices or ttl")
	}

	if env.Expired(time.Unix(100, 0)) {
		t.Error("should not be expired at creation")
	}
	if !env.Expired(time.Unix(101, 0)) {
		t.Error("should be expired after ttl")
	}
	var never Envelope
	if never.Expired(time.Now()) {
		t.Error("no ttl means no expiry")
	}
}
