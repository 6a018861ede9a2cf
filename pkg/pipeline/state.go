package pipeline

// RunState is the position of a run in the ingest state machine.
type RunState int

const (
	StateIntake RunState = iota
	StateReasoning
	StatePersisted
	StateEmbedded
	StateEmbedSkipped
	StateEmbedFailed
	StateInsightsExtracted
	StateLineageLinked
	StateCheckpointed
	StateFailed
)

// String returns the string representation of RunState.
func (s RunState) String() string {
	switch s {
	case StateIntake:
		return "intake"
	case StateReasoning:
		return "reasoning"
	case StatePersisted:
		return "persisted"
	case StateEmbedded:
		return "embedded"
	case StateEmbedSkipped:
		return "embed_skipped"
	case StateEmbedFailed:
		return "embed_failed"
	case StateInsightsExtracted:
		return "insights_extracted"
	case StateLineageLinked:
		return "lineage_linked"
	case StateCheckpointed:
		return "checkpointed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no transition leaves s.
func (s RunState) Terminal() bool {
	return s == StateCheckpointed || s == StateFailed
}

// A run only fails before it is persisted. Past that point every state
// leads to Checkpointed.
var runTransitions = map[RunState][]RunState{
	StateIntake:            {StateReasoning, StateFailed},
	StateReasoning:         {StatePersisted, StateFailed},
	StatePersisted:         {StateEmbedded, StateEmbedSkipped, StateEmbedFailed},
	StateEmbedded:          {StateInsightsExtracted},
	StateEmbedSkipped:      {StateInsightsExtracted},
	StateEmbedFailed:       {StateInsightsExtracted},
	StateInsightsExtracted: {StateLineageLinked},
	StateLineageLinked:     {StateCheckpointed},
}

// CanTransitionTo reports whether a run in s may move to next.
func (s RunState) CanTransitionTo(next RunState) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
