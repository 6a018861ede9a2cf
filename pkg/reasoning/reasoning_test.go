package reasoning

import (
	"reflect"
	"strings"
	"testing"

	"github.com/goclaw/mnemo/pkg/packet"
)

func TestReason_Deterministic(t *testing.T) {
	env := &packet.Envelope{
		Type:       "task",
		Confidence: 0.8,
		Payload: map[string]any{
			"status":   "open",
			"priority": 2.0,
			"labels":   []any{"infra", "urgent", "infra"},
			"owner":    map[string]any{"name": "ops"},
		},
		ParentIDs: []string{"p0"},
	}

	t1 := Reason(env)
	t2 := Reason(env)
	if !reflect.DeepEqual(t1, t2) {
		t.Fatal("trace is not deterministic")
	}

	if t1.HeuristicVersion != HeuristicVersion {
		t.Errorf("version = %q", t1.HeuristicVersion)
	}
	wantPaths := []string{"labels", "owner", "owner.name", "priority", "status"}
	var gotPaths []string
	for _, f := range t1.Features {
		gotPaths = append(gotPaths, f.Path)
	}
	if !reflect.DeepEqual(gotPaths, wantPaths) {
		t.Errorf("feature paths = %v, want %v", gotPaths, wantPaths)
	}
	if !reflect.DeepEqual(t1.Features[0].Enum, []string{"infra", "urgent"}) {
		t.Errorf("labels enum = %v", t1.Features[0].Enum)
	}

	steps := strings.Join(t1.Steps, "\n")
	for _, want := range []string{
		"received task packet",
		"observed 4 top-level field(s)",
		`field status is a string: "open"`,
		"field labels enumerates infra, urgent",
		"packet has 1 parent(s): derived activity",
		"confidence 0.80 is high",
	} {
		if !strings.Contains(steps, want) {
			t.Errorf("missing step %q in:\n%s", want, steps)
		}
	}
}

func TestReason_EmptyAndNil(t *testing.T) {
	tr := Reason(&packet.Envelope{Type: "ping", Confidence: 0.1})
	if tr.Degraded {
		t.Error("empty payload is not degraded")
	}
	if !strings.Contains(strings.Join(tr.Steps, "\n"), "payload is empty") {
		t.Errorf("steps = %v", tr.Steps)
	}

	nilTrace := Reason(nil)
	if !nilTrace.Degraded || len(nilTrace.Steps) == 0 {
		t.Errorf("nil envelope should yield degraded trace, got %+v", nilTrace)
	}
}

func TestReason_Bounds(t *testing.T) {
	r := New()
	r.MaxFeatures = 3
	r.MaxValueLength = 4

	payload := map[string]any{}
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		payload[k] = "abcdefgh"
	}
	tr := r.Reason(&packet.Envelope{Type: "note", Payload: payload})
	if len(tr.Features) != 3 {
		t.Errorf("features = %d, want 3", len(tr.Features))
	}
	if tr.Features[0].Value != "abcd…" {
		t.Errorf("value = %q, want truncated", tr.Features[0].Value)
	}
}
