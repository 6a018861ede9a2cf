package dag

import "sort"

// TopologicalSort returns a deterministic topological ordering using Kahn's
// algorithm, breaking ties by stage ID.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.rebuildEdges()
	if len(g.stages) == 0 {
		return []string{}, nil
	}

	inDegree := make(map[string]int, len(g.inDegree))
	for id, degree := range g.inDegree {
		inDegree[id] = degree
	}

	var ready []string
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	result := make([]string, 0, len(g.stages))
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		result = append(result, node)

		var unlocked []string
		for _, n := range g.edges[node] {
			inDegree[n]--
			if inDegree[n] == 0 {
				unlocked = append(unlocked, n)
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sort.Strings(ready)
		}
	}

	if len(result) != len(g.stages) {
		if cycle, hasCycle := g.DetectCycle(); hasCycle {
			return nil, cycle
		}
		return nil, &CyclicDependencyError{}
	}
	return result, nil
}

// IsTopologicalOrder checks that order contains every stage exactly once
// and places each stage after its dependencies.
func (g *Graph) IsTopologicalOrder(order []string) bool {
	if len(order) != len(g.stages) {
		return false
	}
	position := make(map[string]int, len(order))
	for i, id := range order {
		if _, exists := g.stages[id]; !exists {
			return false
		}
		if _, dup := position[id]; dup {
			return false
		}
		position[id] = i
	}
	for id, stage := range g.stages {
		for _, dep := range stage.Deps {
			if position[dep] >= position[id] {
				return false
			}
		}
	}
	return true
}
