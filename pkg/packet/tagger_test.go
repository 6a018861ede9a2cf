package packet

import (
	"reflect"
	"testing"
)

func TestTag(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want []string
	}{
		{"type only", Envelope{Type: "note"}, []string{"type:note"}},
		{"all categories", Envelope{Type: "Task", Agent: " Planner ", Domain: "Ops"}, []string{"type:task", "agent:planner", "domain:ops"}},
		{"blank agent omitted", Envelope{Type: "note", Agent: "  ", Domain: "d"}, []string{"type:note", "domain:d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tag(&tt.env)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Tag() = %v, want %v", got, tt.want)
			}
			if again := Tag(&tt.env); !reflect.DeepEqual(got, again) {
				t.Error("Tag is not deterministic")
			}
		})
	}
}

func TestMergeTags(t *testing.T) {
	got := MergeTags([]string{"zeta", "type:note", " alpha ", ""}, []string{"type:note", "agent:a"})
	want := []string{"agent:a", "alpha", "type:note", "zeta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MergeTags() = %v, want %v", got, want)
	}
}

func TestContent(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{"text field", map[string]any{"text": "  hello   world "}, "hello world"},
		{"ordered text fields", map[string]any{"summary": "s", "text": "t"}, "t\ns"},
		{"fallback json", map[string]any{"b": 1.0, "a": "x"}, `{"a":"x","b":1}`},
		{"empty", map[string]any{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Content(&Envelope{Payload: tt.payload}); got != tt.want {
				t.Errorf("Content() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusStored, true},
		{StatusPending, StatusError, true},
		{StatusStored, StatusEmbedded, true},
		{StatusStored, StatusPartial, true},
		{StatusEmbedded, StatusPartial, false},
		{StatusPartial, StatusEmbedded, true},
		{StatusStored, StatusPending, false},
		{StatusEmbedded, StatusPending, false},
		{StatusEmbedded, StatusStored, false},
		{StatusError, StatusStored, false},
		{StatusStored, StatusStored, true},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	if Status("bogus").Valid() {
		t.Error("unknown status reported valid")
	}
}
