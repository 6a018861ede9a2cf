// Package dag compiles a graph of pipeline stages into execution layers.
// Stages in the same layer have no dependency on each other and may run
// concurrently.
package dag

import (
	"fmt"
	"slices"
	"time"
)

// Stage is a node in the stage graph.
type Stage struct {
	// ID is the unique stage name.
	ID string `json:"id" yaml:"id"`

	// Deps lists the stages that must finish first.
	Deps []string `json:"deps,omitempty" yaml:"deps,omitempty"`

	// Required marks a load-bearing stage whose failure aborts the run.
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`

	// Timeout bounds the stage. Zero means the runner default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Validate checks the stage definition.
func (s *Stage) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("stage ID cannot be empty")
	}
	if s.Timeout < 0 {
		return fmt.Errorf("stage %s timeout cannot be negative", s.ID)
	}
	return nil
}

// Clone creates a deep copy of the stage.
func (s *Stage) Clone() *Stage {
	cloned := *s
	cloned.Deps = slices.Clone(s.Deps)
	return &cloned
}

// HasDependency checks if the stage depends on id.
func (s *Stage) HasDependency(id string) bool {
	return slices.Contains(s.Deps, id)
}

// String returns a string representation of the stage.
func (s *Stage) String() string {
	return fmt.Sprintf("Stage{ID: %s, Deps: %v, Required: %t}", s.ID, s.Deps, s.Required)
}
