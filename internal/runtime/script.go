// Package runtime provides the cell executors: a Starlark interpreter for
// script cells and a Postgres client for query cells. Both implement the
// executor contracts consumed by the scheduler.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"

	"cellbook/internal/logutil"
	"cellbook/internal/reactive"
)

// Cells are closer to a REPL session than to modules: top-level control
// flow, rebinding earlier names, while loops, recursion, and sets are all
// legal notebook code.
func init() {
	resolve.AllowSet = true
	resolve.AllowGlobalReassign = true
	resolve.AllowRecursion = true
}

// ScriptRunner executes script cells with the embedded Starlark interpreter.
// Each execution parses the cell as a REPL chunk and evaluates it against
// the shared binding environment, so top-level assignments become visible to
// downstream cells.
type ScriptRunner struct {
	timeout time.Duration
	log     *zap.Logger
}

func NewScriptRunner(timeout time.Duration, log *zap.Logger) *ScriptRunner {
	return &ScriptRunner{timeout: timeout, log: log.Named("script")}
}

// Execute runs one cell. The environment lock is held for the whole
// evaluation: Starlark mutates the binding dictionary in place, and nothing
// may purge names out from under it.
func (r *ScriptRunner) Execute(ctx context.Context, source string, env *reactive.Environment) reactive.ScriptResult {
	f, err := syntax.Parse("cell", source, 0)
	if err != nil {
		return reactive.ScriptResult{Err: fmt.Errorf("syntax error: %v", err)}
	}

	var stdout strings.Builder
	thread := &starlark.Thread{
		Name: "cell",
		Print: func(_ *starlark.Thread, msg string) {
			stdout.WriteString(msg)
			stdout.WriteByte('\n')
		},
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	stop := context.AfterFunc(execCtx, func() {
		thread.Cancel(execCtx.Err().Error())
	})
	defer stop()

	start := time.Now()
	err = env.With(func(vars starlark.StringDict) error {
		return starlark.ExecREPLChunk(f, thread, vars)
	})
	elapsed := time.Since(start)

	if err != nil {
		err = r.describeFailure(err, execCtx)
		r.log.Debug("script cell failed", logutil.Values(
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		))
		return reactive.ScriptResult{Stdout: stdout.String(), Err: err}
	}

	r.log.Debug("script cell finished", logutil.Values(
		zap.Duration("elapsed", elapsed),
		zap.Int("stdout_bytes", stdout.Len()),
	))
	return reactive.ScriptResult{Stdout: stdout.String()}
}

// describeFailure turns an interpreter error into the text surfaced on the
// cell. Cancellation by the watchdog is reported as a timeout; genuine
// evaluation errors keep their Starlark backtrace.
func (r *ScriptRunner) describeFailure(err error, execCtx context.Context) error {
	switch execCtx.Err() {
	case context.DeadlineExceeded:
		return fmt.Errorf("Execution timed out after %s", r.timeout)
	case context.Canceled:
		return errors.New("Execution cancelled")
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return errors.New(evalErr.Backtrace())
	}
	return err
}
