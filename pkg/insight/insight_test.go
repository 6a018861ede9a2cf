package insight

import (
	"reflect"
	"testing"
	"time"

	"github.com/goclaw/mnemo/pkg/packet"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

func factKeys(facts []Fact) []string {
	var out []string
	for _, f := range facts {
		out = append(out, f.Heuristic+":"+f.Subject+"|"+f.Predicate+"|"+f.Object)
	}
	return out
}

func TestExtract_Heuristics(t *testing.T) {
	env := &packet.Envelope{
		ID:         "p1",
		Confidence: 1.0,
		Payload: map[string]any{
			"name":    "checkout-service",
			"text":    "deploy finished",
			"team_id": "t-42",
			"status":  "healthy",
			"latency": map[string]any{"p99": 120.0},
			"facts": []any{
				map[string]any{"subject": "checkout-service", "predicate": "depends_on", "object": "payments"},
			},
			"relations": []any{
				map[string]any{"from": "payments", "type": "owned_by", "to": "t-42"},
			},
		},
	}

	x := NewExtractor(WithClock(fixedNow))
	got := factKeys(x.Extract(env))
	want := []string{
		"explicit_triple:checkout-service|depends_on|payments",
		"relation:payments|owned_by|t-42",
		"reference:checkout-service|references|t-42",
		"attribute:checkout-service|latency.p99|120",
		"attribute:checkout-service|status|healthy",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("facts =\n%v\nwant\n%v", got, want)
	}
}

func TestExtract_DeterministicIDsAndConfidence(t *testing.T) {
	env := &packet.Envelope{
		ID:         "p1",
		Confidence: 0.5,
		Payload:    map[string]any{"subject": "a", "predicate": "b", "object": "c"},
	}
	x := NewExtractor(WithClock(fixedNow))

	first := x.Extract(env)
	second := x.Extract(env)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("extraction is not deterministic")
	}
	if len(first) != 1 {
		t.Fatalf("facts = %d, want 1", len(first))
	}
	f := first[0]
	if f.ID != FactID("p1", "a", "b", "c") {
		t.Errorf("ID = %q", f.ID)
	}
	if f.Confidence != 0.5 {
		t.Errorf("Confidence = %v, want 0.5", f.Confidence)
	}
	if f.SourcePacketID != "p1" {
		t.Errorf("SourcePacketID = %q", f.SourcePacketID)
	}
}

func TestExtract_DropsBadCandidates(t *testing.T) {
	env := &packet.Envelope{
		ID:         "p1",
		Confidence: 1,
		Payload: map[string]any{
			"facts": []any{
				map[string]any{"subject": "a", "predicate": "", "object": "c"},
				map[string]any{"subject": map[string]any{}, "predicate": "p", "object": "c"},
				map[string]any{"subject": "ok", "predicate": "p", "object": "c"},
			},
		},
	}
	res := NewExtractor().ExtractDetailed(env)
	if len(res.Facts) != 1 || res.Facts[0].Subject != "ok" {
		t.Errorf("facts = %v", factKeys(res.Facts))
	}
	if len(res.Dropped) != 2 {
		t.Errorf("dropped = %v, want 2", res.Dropped)
	}
}

func TestExtract_PanickingHeuristicIsIsolated(t *testing.T) {
	x := NewExtractor()
	x.heuristics = append([]heuristic{{
		name:   "broken",
		weight: 1,
		find: func(*Extractor, *packet.Envelope) []candidate {
			panic("boom")
		},
	}}, x.heuristics...)

	env := &packet.Envelope{ID: "p1", Confidence: 1, Payload: map[string]any{"status": "ok"}}
	res := x.ExtractDetailed(env)
	if len(res.Facts) != 1 {
		t.Errorf("facts = %v, want the attribute fact", factKeys(res.Facts))
	}
	if len(res.Dropped) != 1 || res.Dropped[0].Heuristic != "broken" {
		t.Errorf("dropped = %v", res.Dropped)
	}
}

func TestExtract_AttributeCap(t *testing.T) {
	payload := map[string]any{}
	for _, k := range []string{"a", "b", "c", "d"} {
		payload[k] = k
	}
	x := NewExtractor(WithMaxAttributeFacts(2))
	facts := x.Extract(&packet.Envelope{ID: "p", Confidence: 1, Payload: payload})
	if len(facts) != 2 {
		t.Errorf("facts = %d, want 2", len(facts))
	}
}

func TestExtract_NoteHasNoFacts(t *testing.T) {
	facts := NewExtractor().Extract(&packet.Envelope{ID: "p", Confidence: 0.8, Payload: map[string]any{"text": "hello"}})
	if len(facts) != 0 {
		t.Errorf("facts = %v, want none", factKeys(facts))
	}
}

func TestAbove(t *testing.T) {
	facts := []Fact{{ID: "a", Confidence: 0.9}, {ID: "b", Confidence: 0.5}, {ID: "c", Confidence: 0.8}}
	got := Above(facts, 0.8)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Errorf("Above() = %v", got)
	}
}
