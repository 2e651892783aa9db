package graph

import (
	"fmt"
	"strings"
)

// DuplicateDefinitionError reports a symbol defined by two different cells.
// The notebook's data flow requires every name to have exactly one defining
// cell.
type DuplicateDefinitionError struct {
	Name       string
	FirstCell  string
	SecondCell string
}

func (e *DuplicateDefinitionError) Error() string {
	return fmt.Sprintf("duplicate definition of %q between cells %s and %s", e.Name, e.FirstCell, e.SecondCell)
}

// CycleError reports a dependency cycle. Cells holds one concrete cycle in
// edge order; the first element is repeated at the end.
type CycleError struct {
	Cells []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Cells, " -> "))
}
