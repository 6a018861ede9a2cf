package dag

import (
	"fmt"
	"strings"
)

// Plan is a compiled stage graph.
type Plan struct {
	// Layers holds stage IDs grouped by execution layer.
	Layers [][]string `json:"layers"`

	// CriticalPath is the longest dependency chain.
	CriticalPath []string `json:"critical_path"`

	// MaxParallel is the widest layer.
	MaxParallel int `json:"max_parallel"`

	stages map[string]*Stage
}

// Compile validates the graph and compiles it into a Plan.
func (g *Graph) Compile() (*Plan, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	layers, err := g.Levels()
	if err != nil {
		return nil, err
	}

	maxParallel := 0
	for _, layer := range layers {
		maxParallel = max(maxParallel, len(layer))
	}

	stages := make(map[string]*Stage, len(g.stages))
	for id, stage := range g.stages {
		stages[id] = stage.Clone()
	}

	return &Plan{
		Layers:       layers,
		CriticalPath: g.criticalPath(),
		MaxParallel:  maxParallel,
		stages:       stages,
	}, nil
}

// criticalPath finds the longest path with dynamic programming over a
// topological order.
func (g *Graph) criticalPath() []string {
	order, err := g.TopologicalSort()
	if err != nil || len(order) == 0 {
		return []string{}
	}

	dist := make(map[string]int, len(order))
	prev := make(map[string]string, len(order))
	maxDist, maxNode := 0, ""
	for _, id := range order {
		dist[id] = 1
		for _, dep := range g.stages[id].Deps {
			if dist[dep]+1 > dist[id] {
				dist[id] = dist[dep] + 1
				prev[id] = dep
			}
		}
		if dist[id] > maxDist {
			maxDist, maxNode = dist[id], id
		}
	}

	path := []string{}
	for node := maxNode; node != ""; node = prev[node] {
		path = append([]string{node}, path...)
	}
	return path
}

// Stage returns a stage from the plan.
func (p *Plan) Stage(id string) (*Stage, bool) {
	stage, ok := p.stages[id]
	if !ok {
		return nil, false
	}
	return stage.Clone(), true
}

// Len returns the number of stages in the plan.
func (p *Plan) Len() int {
	return len(p.stages)
}

// Layer returns the layer index of id, or -1.
func (p *Plan) Layer(id string) int {
	if p == nil {
		return -1
	}
	for i, layer := range p.Layers {
		for _, sid := range layer {
			if sid == id {
				return i
			}
		}
	}
	return -1
}

// CanRunInParallel reports whether two stages share a layer.
func (p *Plan) CanRunInParallel(a, b string) bool {
	la := p.Layer(a)
	return la >= 0 && la == p.Layer(b)
}

// String returns a string representation of the plan.
func (p *Plan) String() string {
	var sb strings.Builder
	sb.WriteString("Plan{\n")
	fmt.Fprintf(&sb, "  Stages: %d\n", len(p.stages))
	fmt.Fprintf(&sb, "  Max Parallel: %d\n", p.MaxParallel)
	fmt.Fprintf(&sb, "  Critical Path: %v\n", p.CriticalPath)
	for i, layer := range p.Layers {
		fmt.Fprintf(&sb, "  Layer %d: %v\n", i, layer)
	}
	sb.WriteString("}")
	return sb.String()
}
