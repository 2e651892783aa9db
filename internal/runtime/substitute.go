package runtime

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"go.starlark.net/starlark"

	"cellbook/internal/analysis"
	"cellbook/internal/reactive"
)

// MissingBindingError reports a {{name}} placeholder whose name is not bound
// in the environment, usually because the defining script cell failed or was
// deleted.
type MissingBindingError struct {
	Name string
}

func (e *MissingBindingError) Error() string {
	return fmt.Sprintf("Variable '%s' is not defined in the notebook environment", e.Name)
}

// substitute replaces every {{name}} placeholder in source with the SQL
// literal form of the bound value. The pattern is shared with the analyzer,
// so a placeholder the graph saw is exactly a placeholder substitution sees.
func substitute(source string, env *reactive.Environment) (string, error) {
	pattern := analysis.PlaceholderPattern()
	var missing string
	out := pattern.ReplaceAllStringFunc(source, func(m string) string {
		name := pattern.FindStringSubmatch(m)[1]
		v, ok := env.Lookup(name)
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return sqlLiteral(v)
	})
	if missing != "" {
		return "", &MissingBindingError{Name: missing}
	}
	return out, nil
}

// sqlLiteral renders a Starlark value as a SQL literal. None becomes NULL,
// booleans TRUE/FALSE, numbers stay bare, strings are quoted with ''
// escaping, and lists and tuples become parenthesized element lists for use
// with IN.
func sqlLiteral(v starlark.Value) string {
	switch val := v.(type) {
	case starlark.NoneType:
		return "NULL"
	case starlark.Bool:
		if bool(val) {
			return "TRUE"
		}
		return "FALSE"
	case starlark.Int:
		return val.String()
	case starlark.Float:
		return val.String()
	case starlark.String:
		return quoteLiteral(string(val))
	case *starlark.List:
		items := make([]string, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			items = append(items, elementLiteral(val.Index(i)))
		}
		return "(" + strings.Join(items, ", ") + ")"
	case starlark.Tuple:
		items := make([]string, 0, len(val))
		for _, e := range val {
			items = append(items, elementLiteral(e))
		}
		return "(" + strings.Join(items, ", ") + ")"
	default:
		return quoteLiteral(val.String())
	}
}

// elementLiteral renders one list or tuple element: numbers bare, everything
// else quoted.
func elementLiteral(v starlark.Value) string {
	switch val := v.(type) {
	case starlark.Int:
		return val.String()
	case starlark.Float:
		return val.String()
	case starlark.String:
		return quoteLiteral(string(val))
	default:
		return quoteLiteral(val.String())
	}
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// validateQuery parses the substituted text with the real Postgres grammar
// and rejects anything that is not a single statement. Substituted values
// can therefore never smuggle in a second statement.
func validateQuery(sql string) error {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return fmt.Errorf("SQL syntax error: %v", err)
	}
	if len(result.Stmts) > 1 {
		return fmt.Errorf("query must be a single SQL statement, got %d", len(result.Stmts))
	}
	return nil
}
