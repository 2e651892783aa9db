// Package graph builds the cell dependency graph from analyzed defs/refs and
// answers the two questions a reactive run needs: which cells are impacted by
// a change, and in what order they must execute.
package graph

import (
	"sort"

	"cellbook/internal/notebook"
)

// Graph is a directed graph over cell ids. An edge A -> B means cell B
// references a name that cell A defines, so B must re-run after A.
type Graph struct {
	adjacency map[string]map[string]struct{}
	// pos is each cell's notebook position, used to break ordering ties so
	// runs are deterministic.
	pos map[string]int
}

// Build constructs the graph from the cells' current defs/refs. It fails with
// a DuplicateDefinitionError when two cells define the same name. Self
// references (a cell referencing a name it defines) never create an edge.
func Build(cells []notebook.Cell) (*Graph, error) {
	g := &Graph{
		adjacency: make(map[string]map[string]struct{}, len(cells)),
		pos:       make(map[string]int, len(cells)),
	}

	definers := make(map[string]string)
	for i, cell := range cells {
		g.adjacency[cell.ID] = make(map[string]struct{})
		g.pos[cell.ID] = i
		for _, name := range cell.Defs {
			if first, ok := definers[name]; ok && first != cell.ID {
				return nil, &DuplicateDefinitionError{Name: name, FirstCell: first, SecondCell: cell.ID}
			}
			definers[name] = cell.ID
		}
	}

	for _, cell := range cells {
		for _, ref := range cell.Refs {
			upstream, ok := definers[ref]
			if ok && upstream != cell.ID {
				g.adjacency[upstream][cell.ID] = struct{}{}
			}
		}
	}
	return g, nil
}

// Dependents returns the direct dependents of a cell in notebook order.
func (g *Graph) Dependents(id string) []string {
	out := make([]string, 0, len(g.adjacency[id]))
	for child := range g.adjacency[id] {
		out = append(out, child)
	}
	g.sortByPos(out)
	return out
}

// Parents returns every cell the given cell directly depends on.
func (g *Graph) Parents(id string) []string {
	var out []string
	for node, children := range g.adjacency {
		if _, ok := children[id]; ok {
			out = append(out, node)
		}
	}
	g.sortByPos(out)
	return out
}

// Impacted returns the set of cells reachable from root, including root
// itself. Unknown roots yield a set containing only the root, matching the
// rule that the triggering cell always runs.
func (g *Graph) Impacted(root string) map[string]struct{} {
	impacted := make(map[string]struct{})
	stack := []string{root}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := impacted[current]; seen {
			continue
		}
		impacted[current] = struct{}{}
		for child := range g.adjacency[current] {
			stack = append(stack, child)
		}
	}
	return impacted
}

// TopoOrder returns the nodes ordered so every cell appears after all of its
// in-set prerequisites, breaking ties by notebook position. It fails with a
// CycleError when the nodes contain a dependency cycle.
func (g *Graph) TopoOrder(nodes map[string]struct{}) ([]string, error) {
	indegree := make(map[string]int, len(nodes))
	for id := range nodes {
		indegree[id] = 0
	}
	for id := range nodes {
		for child := range g.adjacency[id] {
			if _, ok := nodes[child]; ok {
				indegree[child]++
			}
		}
	}

	ready := make([]string, 0, len(nodes))
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	g.sortByPos(ready)

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for child := range g.adjacency[id] {
			if _, ok := nodes[child]; !ok {
				continue
			}
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
		g.sortByPos(ready)
	}

	if len(order) != len(nodes) {
		return nil, &CycleError{Cells: g.findCycle(nodes, indegree)}
	}
	return order, nil
}

// Edges returns a stable copy of the adjacency, children in notebook order.
func (g *Graph) Edges() map[string][]string {
	out := make(map[string][]string, len(g.adjacency))
	for id := range g.adjacency {
		out[id] = g.Dependents(id)
	}
	return out
}

// findCycle walks the nodes left with nonzero indegree after a failed
// topological sort and extracts one concrete cycle from them.
func (g *Graph) findCycle(nodes map[string]struct{}, indegree map[string]int) []string {
	remaining := make(map[string]struct{})
	for id := range nodes {
		if indegree[id] > 0 {
			remaining[id] = struct{}{}
		}
	}

	// Every remaining node has an in-set parent, so following parents from
	// any of them must eventually revisit a node.
	var start string
	for id := range remaining {
		if start == "" || g.pos[id] < g.pos[start] {
			start = id
		}
	}

	visited := make(map[string]int)
	path := []string{}
	current := start
	for {
		if at, seen := visited[current]; seen {
			cycle := append([]string{}, path[at:]...)
			cycle = append(cycle, current)
			// The walk followed parent edges, so flip it into A -> B order.
			for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
				cycle[i], cycle[j] = cycle[j], cycle[i]
			}
			return cycle
		}
		visited[current] = len(path)
		path = append(path, current)

		next := ""
		for _, parent := range g.Parents(current) {
			if _, ok := remaining[parent]; ok {
				next = parent
				break
			}
		}
		if next == "" {
			// Cannot happen for a genuine cycle; fall back to the raw set.
			all := make([]string, 0, len(remaining))
			for id := range remaining {
				all = append(all, id)
			}
			g.sortByPos(all)
			return all
		}
		current = next
	}
}

func (g *Graph) sortByPos(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		return g.pos[ids[i]] < g.pos[ids[j]]
	})
}
