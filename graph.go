package dandori

import "fmt"

// systemGraph is the execution DAG for a fixed system set. Nodes are systems
// in insertion order; edges encode "must complete before". The graph is
// rebuilt only when the system set changes and is reused across ticks.
type systemGraph struct {
	systems   []*SystemDescriptor
	access    []accessSet // effective access per system, exclusivity resolved
	succ      [][]int
	predCount []int
}

// buildGraph derives the dependency DAG from the systems' access
// declarations and explicit constraints.
//
// Edges are added when any of these holds:
//  1. The access sets conflict (read/write or write/write overlap on a
//     component or resource kind, or either system is exclusive). Direction
//     follows insertion order unless an explicit constraint already orders
//     the pair.
//  2. An explicit RunsBefore/RunsAfter names the other system.
//
// A constraint loop yields a CycleError naming the systems on the cycle.
func buildGraph(w *World, systems []*SystemDescriptor) (*systemGraph, error) {
	n := len(systems)
	byName := make(map[string]int, n)
	for i, s := range systems {
		byName[s.name] = i
	}

	edge := make([][]bool, n)
	explicit := make([][]bool, n)
	for i := range edge {
		edge[i] = make([]bool, n)
		explicit[i] = make([]bool, n)
	}
	for i, s := range systems {
		for _, name := range s.before {
			j, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("%w: system %q runs before unknown %q", ErrUnknownSystem, s.name, name)
			}
			edge[i][j] = true
			explicit[i][j] = true
		}
		for _, name := range s.after {
			j, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("%w: system %q runs after unknown %q", ErrUnknownSystem, s.name, name)
			}
			edge[j][i] = true
			explicit[j][i] = true
		}
	}

	// reach[i][j]: j is reachable from i through explicit edges only. An
	// implicit conflict edge must not fight an explicit ordering.
	reach := make([][]bool, n)
	for i := range reach {
		reach[i] = make([]bool, n)
		var dfs func(int)
		dfs = func(v int) {
			for t := 0; t < n; t++ {
				if explicit[v][t] && !reach[i][t] {
					reach[i][t] = true
					dfs(t)
				}
			}
		}
		dfs(i)
	}

	access := make([]accessSet, n)
	for i, s := range systems {
		access[i] = s.effectiveAccess(w)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if !access[i].conflictsWith(access[j]) {
				continue
			}
			if reach[i][j] || reach[j][i] {
				continue // explicitly ordered already
			}
			edge[i][j] = true // insertion-order tiebreak
		}
	}

	g := &systemGraph{
		systems:   systems,
		access:    access,
		succ:      make([][]int, n),
		predCount: make([]int, n),
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if edge[i][j] {
				g.succ[i] = append(g.succ[i], j)
				g.predCount[j]++
			}
		}
	}

	if cycle := g.findCycle(edge); cycle != nil {
		return nil, &CycleError{Systems: cycle}
	}
	return g, nil
}

// findCycle runs Kahn's algorithm; if any node survives, a DFS over the
// remaining subgraph extracts one cycle for the error message.
func (g *systemGraph) findCycle(edge [][]bool) []string {
	n := len(g.systems)
	indeg := make([]int, n)
	copy(indeg, g.predCount)
	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		visited++
		for _, t := range g.succ[v] {
			indeg[t]--
			if indeg[t] == 0 {
				queue = append(queue, t)
			}
		}
	}
	if visited == n {
		return nil
	}

	// Walk the leftover nodes until a vertex repeats.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, n)
	var stack []int
	var cycle []string
	var dfs func(int) bool
	dfs = func(v int) bool {
		color[v] = gray
		stack = append(stack, v)
		for t := 0; t < n; t++ {
			if !edge[v][t] {
				continue
			}
			if color[t] == gray {
				for k, sv := range stack {
					if sv == t {
						for _, cv := range stack[k:] {
							cycle = append(cycle, g.systems[cv].name)
						}
						cycle = append(cycle, g.systems[t].name)
						return true
					}
				}
			}
			if color[t] == white && dfs(t) {
				return true
			}
		}
		color[v] = black
		stack = stack[:len(stack)-1]
		return false
	}
	for i := 0; i < n; i++ {
		if indeg[i] > 0 && color[i] == white && dfs(i) {
			break
		}
	}
	return cycle
}
