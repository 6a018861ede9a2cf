package dag

import (
	"fmt"
	"strings"
)

// StageNotFoundError is returned when a referenced stage does not exist.
type StageNotFoundError struct {
	ID string
}

func (e *StageNotFoundError) Error() string {
	return fmt.Sprintf("stage not found: %s", e.ID)
}

// DuplicateStageError is returned when a stage ID is added twice.
type DuplicateStageError struct {
	ID string
}

func (e *DuplicateStageError) Error() string {
	return fmt.Sprintf("duplicate stage ID: %s", e.ID)
}

// DependencyNotFoundError is returned when a dependency references a
// missing stage.
type DependencyNotFoundError struct {
	Stage string
	DepID string
}

func (e *DependencyNotFoundError) Error() string {
	return fmt.Sprintf("stage %s depends on non-existent stage: %s", e.Stage, e.DepID)
}

// CyclicDependencyError is returned when the graph has a cycle.
type CyclicDependencyError struct {
	// Path is the cycle path, e.g. ["a", "b", "a"].
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Path) == 0 {
		return "cyclic dependency detected"
	}
	return fmt.Sprintf("cyclic dependency detected: %s", strings.Join(e.Path, " → "))
}

// SelfDependencyError is returned when a stage depends on itself.
type SelfDependencyError struct {
	ID string
}

func (e *SelfDependencyError) Error() string {
	return fmt.Sprintf("stage %s cannot depend on itself", e.ID)
}
