package pipeline

import (
	"time"

	"github.com/goclaw/mnemo/pkg/dag"
)

// Stage names. They label checkpoints, spans and metrics.
const (
	StageIntake     = "intake"
	StageReasoning  = "reasoning"
	StagePersist    = "persist"
	StageEmbed      = "embed"
	StageExtract    = "extract"
	StageLineage    = "lineage"
	StageCheckpoint = "checkpoint"
)

// compilePlan builds the stage graph of a run. Embedding and insight
// extraction both depend only on the persisted packet and share a layer.
func compilePlan(stageTimeout time.Duration) (*dag.Plan, error) {
	g := dag.NewGraph()
	stages := []*dag.Stage{
		{ID: StageIntake, Required: true},
		{ID: StageReasoning, Deps: []string{StageIntake}},
		{ID: StagePersist, Deps: []string{StageReasoning}, Required: true},
		{ID: StageEmbed, Deps: []string{StagePersist}, Timeout: stageTimeout},
		{ID: StageExtract, Deps: []string{StagePersist}, Timeout: stageTimeout},
		{ID: StageLineage, Deps: []string{StageEmbed, StageExtract}, Timeout: stageTimeout},
		{ID: StageCheckpoint, Deps: []string{StageLineage}},
	}
	for _, s := range stages {
		if err := g.AddStage(s); err != nil {
			return nil, err
		}
	}
	return g.Compile()
}
