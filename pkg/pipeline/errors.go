package pipeline

import (
	"errors"
	"fmt"
)

// ErrShutdown is returned by Ingest once the orchestrator is shutting down.
var ErrShutdown = errors.New("pipeline: orchestrator is shut down")

// InvalidTransitionError is returned when a run is moved to a state its
// current state cannot reach. It indicates a bug in the stage plan.
type InvalidTransitionError struct {
	PacketID string
	From     RunState
	To       RunState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("run for packet %q cannot move from %s to %s", e.PacketID, e.From, e.To)
}

// StageError wraps the failure of a required stage.
type StageError struct {
	Stage string
	Cause error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q failed: %v", e.Stage, e.Cause)
}

func (e *StageError) Unwrap() error { return e.Cause }
