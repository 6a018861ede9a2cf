package dag

import (
	"fmt"
	"sort"
)

// Graph is a directed acyclic graph of stages.
type Graph struct {
	stages   map[string]*Stage   // stage ID -> stage
	edges    map[string][]string // stage -> stages that depend on it
	inDegree map[string]int

	dirty bool
}

// NewGraph creates a new empty graph.
func NewGraph() *Graph {
	return &Graph{
		stages:   make(map[string]*Stage),
		edges:    make(map[string][]string),
		inDegree: make(map[string]int),
		dirty:    true,
	}
}

// AddStage adds a stage. Dependencies may reference stages added later;
// they are checked by Validate.
func (g *Graph) AddStage(stage *Stage) error {
	if stage == nil {
		return fmt.Errorf("stage cannot be nil")
	}
	if err := stage.Validate(); err != nil {
		return err
	}
	if _, exists := g.stages[stage.ID]; exists {
		return &DuplicateStageError{ID: stage.ID}
	}
	if stage.HasDependency(stage.ID) {
		return &SelfDependencyError{ID: stage.ID}
	}

	g.stages[stage.ID] = stage.Clone()
	g.dirty = true
	return nil
}

// Stage retrieves a stage by ID.
func (g *Graph) Stage(id string) (*Stage, bool) {
	stage, ok := g.stages[id]
	if !ok {
		return nil, false
	}
	return stage.Clone(), true
}

// Stages returns all stages sorted by ID.
func (g *Graph) Stages() []*Stage {
	stages := make([]*Stage, 0, len(g.stages))
	for _, stage := range g.stages {
		stages = append(stages, stage.Clone())
	}
	sort.Slice(stages, func(i, j int) bool {
		return stages[i].ID < stages[j].ID
	})
	return stages
}

// Len returns the number of stages.
func (g *Graph) Len() int {
	return len(g.stages)
}

// Dependents returns the IDs of stages that depend on id.
func (g *Graph) Dependents(id string) ([]string, error) {
	if _, exists := g.stages[id]; !exists {
		return nil, &StageNotFoundError{ID: id}
	}
	g.rebuildEdges()
	out := append([]string(nil), g.edges[id]...)
	sort.Strings(out)
	return out, nil
}

// Roots returns the IDs of stages with no dependencies.
func (g *Graph) Roots() []string {
	g.rebuildEdges()
	roots := make([]string, 0)
	for id := range g.stages {
		if g.inDegree[id] == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

func (g *Graph) rebuildEdges() {
	if !g.dirty {
		return
	}

	g.edges = make(map[string][]string, len(g.stages))
	g.inDegree = make(map[string]int, len(g.stages))
	for id := range g.stages {
		g.edges[id] = []string{}
		g.inDegree[id] = 0
	}
	for id, stage := range g.stages {
		for _, dep := range stage.Deps {
			g.edges[dep] = append(g.edges[dep], id)
			g.inDegree[id]++
		}
	}
	g.dirty = false
}

// Validate checks that every dependency exists and that there is no cycle.
func (g *Graph) Validate() error {
	g.rebuildEdges()

	ids := make([]string, 0, len(g.stages))
	for id := range g.stages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, dep := range g.stages[id].Deps {
			if _, exists := g.stages[dep]; !exists {
				return &DependencyNotFoundError{Stage: id, DepID: dep}
			}
		}
	}

	if cycle, hasCycle := g.DetectCycle(); hasCycle {
		return cycle
	}
	return nil
}

// Levels groups stage IDs by depth. Layer 0 holds the roots; a stage sits
// one layer below its deepest dependency. IDs within a layer are sorted.
func (g *Graph) Levels() ([][]string, error) {
	if len(g.stages) == 0 {
		return [][]string{}, nil
	}

	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}

	depth := make(map[string]int, len(g.stages))
	maxDepth := 0
	for _, id := range order {
		for _, dep := range g.stages[id].Deps {
			if depth[dep]+1 > depth[id] {
				depth[id] = depth[dep] + 1
			}
		}
		if depth[id] > maxDepth {
			maxDepth = depth[id]
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, id := range order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	for _, level := range levels {
		sort.Strings(level)
	}
	return levels, nil
}
