package analysis

import (
	"reflect"
	"testing"

	"cellbook/internal/notebook"
)

func TestExtractScript(t *testing.T) {
	tests := []struct {
		name   string
		source string
		defs   []string
		refs   []string
	}{
		{
			name:   "simple assignment",
			source: "x = 1",
			defs:   []string{"x"},
			refs:   []string{},
		},
		{
			name:   "reference to another cell",
			source: "y = x + 1",
			defs:   []string{"y"},
			refs:   []string{"x"},
		},
		{
			name:   "self reference excluded",
			source: "x = 1\nx = x + 1",
			defs:   []string{"x"},
			refs:   []string{},
		},
		{
			name:   "tuple unpacking",
			source: "a, b = pair",
			defs:   []string{"a", "b"},
			refs:   []string{"pair"},
		},
		{
			name:   "function definition",
			source: "def double(n):\n    return n * 2",
			defs:   []string{"double"},
			refs:   []string{},
		},
		{
			name:   "function locals are not definitions",
			source: "def f():\n    tmp = base + 1\n    return tmp",
			defs:   []string{"f"},
			refs:   []string{"base"},
		},
		{
			name:   "parameter default is a reference",
			source: "def f(n=limit):\n    return n",
			defs:   []string{"f"},
			refs:   []string{"limit"},
		},
		{
			name:   "augmented assignment defines",
			source: "total += amount",
			defs:   []string{"total"},
			refs:   []string{"amount"},
		},
		{
			name:   "loop variable is not a reference",
			source: "out = [2 * i for i in xs]",
			defs:   []string{"out"},
			refs:   []string{"xs"},
		},
		{
			name:   "top level for loop",
			source: "for row in rows:\n    print(row)",
			defs:   []string{},
			refs:   []string{"print", "rows"},
		},
		{
			name:   "element assignment references the base",
			source: "scores[0] = best",
			defs:   []string{},
			refs:   []string{"best", "scores"},
		},
		{
			name:   "keyword argument name is not a reference",
			source: "r = fetch(url, timeout=t)",
			defs:   []string{"r"},
			refs:   []string{"fetch", "t", "url"},
		},
		{
			name:   "constants are not references",
			source: "flag = True if x else None",
			defs:   []string{"flag"},
			refs:   []string{"x"},
		},
		{
			name:   "dict comprehension",
			source: "index = {k: v for k, v in pairs}",
			defs:   []string{"index"},
			refs:   []string{"pairs"},
		},
		{
			name:   "lambda locals excluded",
			source: "inc = lambda n: n + step",
			defs:   []string{"inc"},
			refs:   []string{"step"},
		},
		{
			name:   "unparsable source yields empty sets",
			source: "def broken(:",
			defs:   []string{},
			refs:   []string{},
		},
		{
			name:   "empty source",
			source: "",
			defs:   []string{},
			refs:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.source, notebook.KindScript)
			if !reflect.DeepEqual(got.Defs, tt.defs) {
				t.Errorf("defs = %v, want %v", got.Defs, tt.defs)
			}
			if !reflect.DeepEqual(got.Refs, tt.refs) {
				t.Errorf("refs = %v, want %v", got.Refs, tt.refs)
			}
		})
	}
}

func TestExtractQuery(t *testing.T) {
	tests := []struct {
		name   string
		source string
		refs   []string
	}{
		{
			name:   "single placeholder",
			source: "SELECT * FROM users WHERE id = {{user_id}}",
			refs:   []string{"user_id"},
		},
		{
			name:   "whitespace inside braces",
			source: "SELECT {{ a }}, {{\tb }}",
			refs:   []string{"a", "b"},
		},
		{
			name:   "duplicates collapse",
			source: "SELECT {{x}} + {{x}}",
			refs:   []string{"x"},
		},
		{
			name:   "invalid identifiers ignored",
			source: "SELECT {{1x}}, {{a-b}}, {x}, {{}}",
			refs:   []string{},
		},
		{
			name:   "no placeholders",
			source: "SELECT 1",
			refs:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.source, notebook.KindQuery)
			if len(got.Defs) != 0 {
				t.Errorf("query cells must not define names, got %v", got.Defs)
			}
			if !reflect.DeepEqual(got.Refs, tt.refs) {
				t.Errorf("refs = %v, want %v", got.Refs, tt.refs)
			}
		})
	}
}

// TestExtractDeterministic verifies repeated analysis of the same source
// yields identical, sorted results.
func TestExtractDeterministic(t *testing.T) {
	source := "z = a + b + c + d\ny = z * 2"
	first := Extract(source, notebook.KindScript)
	for i := 0; i < 10; i++ {
		again := Extract(source, notebook.KindScript)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("analysis not deterministic: %v vs %v", first, again)
		}
	}
	if !reflect.DeepEqual(first.Refs, []string{"a", "b", "c", "d"}) {
		t.Errorf("refs not sorted: %v", first.Refs)
	}
}
