package dag

import "sort"

// DetectCycle uses DFS with three-color marking. It returns the first cycle
// found, visiting stages in ID order so the result is stable.
func (g *Graph) DetectCycle() (*CyclicDependencyError, bool) {
	if len(g.stages) == 0 {
		return nil, false
	}
	g.rebuildEdges()

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.stages))

	var visit func(node string, path []string) []string
	visit = func(node string, path []string) []string {
		color[node] = gray
		path = append(path, node)

		next := append([]string(nil), g.edges[node]...)
		sort.Strings(next)
		for _, n := range next {
			switch color[n] {
			case white:
				if cycle := visit(n, path); cycle != nil {
					return cycle
				}
			case gray:
				return cyclePath(path, n)
			}
		}

		color[node] = black
		return nil
	}

	ids := make([]string, 0, len(g.stages))
	for id := range g.stages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if cycle := visit(id, nil); cycle != nil {
				return &CyclicDependencyError{Path: cycle}, true
			}
		}
	}
	return nil, false
}

// HasCycle reports whether the graph has a cycle.
func (g *Graph) HasCycle() bool {
	_, hasCycle := g.DetectCycle()
	return hasCycle
}

func cyclePath(path []string, start string) []string {
	for i, node := range path {
		if node == start {
			cycle := make([]string, len(path)-i+1)
			copy(cycle, path[i:])
			cycle[len(cycle)-1] = start
			return cycle
		}
	}
	return []string{start, start}
}
