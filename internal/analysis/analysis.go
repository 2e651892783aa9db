// Package analysis extracts the names a cell defines and the names it
// references, the raw material for dependency edges. Analysis is pure and
// never fails: unparsable source yields empty sets, so a broken cell can
// still be edited and re-run without wedging the graph.
package analysis

import (
	"sort"

	"cellbook/internal/notebook"
)

// Result holds a cell's defined and referenced names, sorted and
// deduplicated. Names a cell both defines and references count as
// definitions only, so a cell never depends on itself.
type Result struct {
	Defs []string
	Refs []string
}

// Extract analyzes source according to the cell kind. Script cells get a
// Starlark syntax walk; query cells get placeholder scanning. Unknown kinds
// analyze as empty, the same degradation as unparsable input.
func Extract(source string, kind notebook.CellKind) Result {
	switch kind {
	case notebook.KindScript:
		return extractScript(source)
	case notebook.KindQuery:
		return extractQuery(source)
	}
	return Result{Defs: []string{}, Refs: []string{}}
}

func sortedNames(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
