package analysis

import (
	"go.starlark.net/syntax"
)

// extractScript walks the Starlark AST of a script cell. Top-level
// assignments, def statements, and load bindings become definitions.
// Identifiers read in expression position become references, except names
// that are local to a function, lambda, loop, or comprehension. Locals never
// cross cell boundaries, so treating them as refs would fabricate edges.
func extractScript(source string) Result {
	f, err := syntax.Parse("cell.star", source, 0)
	if err != nil {
		return Result{Defs: []string{}, Refs: []string{}}
	}

	v := &defRefWalker{
		defs:   make(map[string]struct{}),
		refs:   make(map[string]struct{}),
		locals: make(map[string]struct{}),
	}
	v.stmts(f.Stmts)

	refs := make(map[string]struct{}, len(v.refs))
	for name := range v.refs {
		if _, ok := v.defs[name]; ok {
			continue
		}
		if _, ok := v.locals[name]; ok {
			continue
		}
		refs[name] = struct{}{}
	}
	return Result{Defs: sortedNames(v.defs), Refs: sortedNames(refs)}
}

// defRefWalker accumulates names from a single cell's syntax tree. depth
// counts enclosing function bodies: assignment targets at depth zero bind
// module globals (definitions), deeper ones bind function locals.
type defRefWalker struct {
	defs   map[string]struct{}
	refs   map[string]struct{}
	locals map[string]struct{}
	depth  int
}

func (v *defRefWalker) stmts(list []syntax.Stmt) {
	for _, s := range list {
		v.stmt(s)
	}
}

func (v *defRefWalker) stmt(s syntax.Stmt) {
	switch s := s.(type) {
	case *syntax.AssignStmt:
		v.target(s.LHS)
		v.expr(s.RHS)
	case *syntax.BranchStmt:
		// pass, break, continue
	case *syntax.DefStmt:
		v.bind(s.Name.Name)
		v.params(s.Params)
		v.depth++
		v.stmts(s.Body)
		v.depth--
	case *syntax.ExprStmt:
		v.expr(s.X)
	case *syntax.ForStmt:
		v.loopVars(s.Vars)
		v.expr(s.X)
		v.stmts(s.Body)
	case *syntax.IfStmt:
		v.expr(s.Cond)
		v.stmts(s.True)
		v.stmts(s.False)
	case *syntax.LoadStmt:
		for _, ident := range s.To {
			v.bind(ident.Name)
		}
	case *syntax.ReturnStmt:
		v.expr(s.Result)
	case *syntax.WhileStmt:
		v.expr(s.Cond)
		v.stmts(s.Body)
	}
}

// target records the names bound by an assignment's left-hand side.
// Element and attribute assignments (xs[0] = v, obj.field = v) mutate an
// existing value instead of binding a name, so their base expression is a
// reference.
func (v *defRefWalker) target(e syntax.Expr) {
	switch e := e.(type) {
	case *syntax.Ident:
		v.bind(e.Name)
	case *syntax.TupleExpr:
		for _, elem := range e.List {
			v.target(elem)
		}
	case *syntax.ListExpr:
		for _, elem := range e.List {
			v.target(elem)
		}
	case *syntax.ParenExpr:
		v.target(e.X)
	case *syntax.IndexExpr, *syntax.DotExpr, *syntax.SliceExpr:
		v.expr(e)
	}
}

// bind records a name bound at the current depth.
func (v *defRefWalker) bind(name string) {
	if v.depth == 0 {
		v.defs[name] = struct{}{}
	} else {
		v.locals[name] = struct{}{}
	}
}

// loopVars records for-loop and comprehension variables as locals even at
// the top level: they are iteration state, not values another cell should
// depend on.
func (v *defRefWalker) loopVars(e syntax.Expr) {
	switch e := e.(type) {
	case *syntax.Ident:
		v.locals[e.Name] = struct{}{}
	case *syntax.TupleExpr:
		for _, elem := range e.List {
			v.loopVars(elem)
		}
	case *syntax.ListExpr:
		for _, elem := range e.List {
			v.loopVars(elem)
		}
	case *syntax.ParenExpr:
		v.loopVars(e.X)
	}
}

// params records parameter names as locals and walks default values, which
// are evaluated in the enclosing scope.
func (v *defRefWalker) params(params []syntax.Expr) {
	for _, p := range params {
		switch p := p.(type) {
		case *syntax.Ident:
			v.locals[p.Name] = struct{}{}
		case *syntax.BinaryExpr: // name=default
			if ident, ok := p.X.(*syntax.Ident); ok {
				v.locals[ident.Name] = struct{}{}
			}
			v.expr(p.Y)
		case *syntax.UnaryExpr: // *args, **kwargs
			if ident, ok := p.X.(*syntax.Ident); ok {
				v.locals[ident.Name] = struct{}{}
			}
		}
	}
}

func (v *defRefWalker) expr(e syntax.Expr) {
	switch e := e.(type) {
	case nil:
	case *syntax.BinaryExpr:
		v.expr(e.X)
		v.expr(e.Y)
	case *syntax.CallExpr:
		v.expr(e.Fn)
		for _, arg := range e.Args {
			switch arg := arg.(type) {
			case *syntax.BinaryExpr:
				if arg.Op == syntax.EQ {
					// keyword argument: the name is not a reference
					v.expr(arg.Y)
					continue
				}
				v.expr(arg)
			case *syntax.UnaryExpr: // *args, **kwargs forwarding
				v.expr(arg.X)
			default:
				v.expr(arg)
			}
		}
	case *syntax.Comprehension:
		for _, clause := range e.Clauses {
			switch clause := clause.(type) {
			case *syntax.ForClause:
				v.loopVars(clause.Vars)
				v.expr(clause.X)
			case *syntax.IfClause:
				v.expr(clause.Cond)
			}
		}
		v.comprehensionBody(e.Body)
	case *syntax.CondExpr:
		v.expr(e.Cond)
		v.expr(e.True)
		v.expr(e.False)
	case *syntax.DictExpr:
		for _, entry := range e.List {
			v.expr(entry)
		}
	case *syntax.DictEntry:
		v.expr(e.Key)
		v.expr(e.Value)
	case *syntax.DotExpr:
		// attribute names are not identifiers in scope
		v.expr(e.X)
	case *syntax.Ident:
		switch e.Name {
		case "None", "True", "False":
			// constants, not dependencies
		default:
			v.refs[e.Name] = struct{}{}
		}
	case *syntax.IndexExpr:
		v.expr(e.X)
		v.expr(e.Y)
	case *syntax.LambdaExpr:
		v.params(e.Params)
		v.depth++
		v.expr(e.Body)
		v.depth--
	case *syntax.ListExpr:
		for _, elem := range e.List {
			v.expr(elem)
		}
	case *syntax.Literal:
	case *syntax.ParenExpr:
		v.expr(e.X)
	case *syntax.SliceExpr:
		v.expr(e.X)
		v.expr(e.Lo)
		v.expr(e.Hi)
		v.expr(e.Step)
	case *syntax.TupleExpr:
		for _, elem := range e.List {
			v.expr(elem)
		}
	case *syntax.UnaryExpr:
		v.expr(e.X)
	}
}

// comprehensionBody walks the produced expression, which for dict
// comprehensions is a DictEntry rather than a plain expression.
func (v *defRefWalker) comprehensionBody(e syntax.Expr) {
	if entry, ok := e.(*syntax.DictEntry); ok {
		v.expr(entry.Key)
		v.expr(entry.Value)
		return
	}
	v.expr(e)
}
