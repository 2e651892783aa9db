// Package reactive contains the engine core: the shared binding environment
// and the scheduler that re-runs impacted cells in dependency order.
package reactive

import (
	"sort"
	"sync"

	"go.starlark.net/starlark"
)

// Environment is the mutable name→value store shared by every script-cell
// execution, within and across runs. It is an explicit object injected into
// the scheduler and executors rather than process-global state, so tests can
// build isolated instances. Its own lock covers the one mutation path that
// bypasses the scheduler's run lock: purging a deleted cell's names while a
// run may be executing.
type Environment struct {
	mu   sync.Mutex
	vars starlark.StringDict
}

// NewEnvironment returns an empty binding environment.
func NewEnvironment() *Environment {
	return &Environment{vars: make(starlark.StringDict)}
}

// Lookup returns the value bound to name.
func (e *Environment) Lookup(name string) (starlark.Value, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vars[name]
	return v, ok
}

// Purge removes the given names. Before a script cell re-executes, the
// scheduler purges everything the cell defined last time, so a binding the
// new source no longer produces cannot survive as a stale value. Deleting a
// cell purges its names the same way.
func (e *Environment) Purge(names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range names {
		delete(e.vars, name)
	}
}

// Names returns the currently bound names in sorted order.
func (e *Environment) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.vars))
	for name := range e.vars {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// With runs fn with exclusive access to the raw bindings. The script
// executor uses this to hand the dictionary to Starlark for in-place
// mutation; holding the lock for the whole execution keeps concurrent
// purges from racing the interpreter.
func (e *Environment) With(fn func(vars starlark.StringDict) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.vars)
}
