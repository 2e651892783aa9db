package analysis

import (
	"regexp"
)

// placeholderPattern matches {{name}} with optional inner whitespace. The
// same pattern drives substitution at execution time, so analysis and
// execution can never disagree about what counts as a placeholder.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// PlaceholderPattern returns the compiled {{name}} pattern.
func PlaceholderPattern() *regexp.Regexp {
	return placeholderPattern
}

// extractQuery scans a query cell for {{name}} placeholders. Query cells
// reference script bindings but never define names of their own.
func extractQuery(source string) Result {
	refs := make(map[string]struct{})
	for _, m := range placeholderPattern.FindAllStringSubmatch(source, -1) {
		refs[m[1]] = struct{}{}
	}
	return Result{Defs: []string{}, Refs: sortedNames(refs)}
}
