package reactive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"cellbook/internal/analysis"
	"cellbook/internal/events"
	"cellbook/internal/graph"
	"cellbook/internal/logutil"
	"cellbook/internal/notebook"
)

// ScriptResult is a script executor's report for one cell execution.
// Starlark produces no separate error stream, but the field is part of the
// executor contract so a future script backend can fill it.
type ScriptResult struct {
	Stdout string
	Stderr string
	Err    error
}

// QueryResult is a query executor's report for one cell execution. Rows are
// capped at the executor's row limit; Truncated reports whether the result
// set was cut.
type QueryResult struct {
	Rows      []map[string]any
	RowCount  int
	Truncated bool
	Err       error
}

// ScriptExecutor runs one script cell against the shared environment.
// Implementations enforce their own timeout and report failures through
// ScriptResult.Err rather than blocking or panicking.
type ScriptExecutor interface {
	Execute(ctx context.Context, source string, env *Environment) ScriptResult
}

// QueryExecutor runs one query cell against the backend named by dsn,
// substituting {{name}} placeholders from the environment first. Pool
// lifecycle is the implementation's concern; a pool that cannot be built is
// reported through QueryResult.Err.
type QueryExecutor interface {
	Execute(ctx context.Context, source string, env *Environment, dsn string) QueryResult
}

// Scheduler orchestrates reactive runs: analyze every cell, rebuild the
// dependency graph, execute the impacted subgraph in topological order, and
// emit the lifecycle event sequence. One mutex serializes runs; a trigger
// that arrives mid-run waits for the current run to finish.
type Scheduler struct {
	repo    notebook.Repository
	bus     *events.Bus
	env     *Environment
	scripts ScriptExecutor
	queries QueryExecutor
	log     *zap.Logger

	mu     sync.Mutex
	runSeq int64
}

// NewScheduler wires a scheduler over its collaborators.
func NewScheduler(repo notebook.Repository, bus *events.Bus, env *Environment, scripts ScriptExecutor, queries QueryExecutor, log *zap.Logger) *Scheduler {
	return &Scheduler{
		repo:    repo,
		bus:     bus,
		env:     env,
		scripts: scripts,
		queries: queries,
		log:     log,
	}
}

// Environment returns the shared binding environment. The API layer uses it
// to purge a deleted cell's names.
func (s *Scheduler) Environment() *Environment {
	return s.env
}

// RunCell executes cellID and everything that transitively depends on it,
// in dependency order, and returns the run id. Unknown cell ids fail with
// notebook.ErrNotFound before any event is published. Graph-construction
// failures (duplicate definitions, cycles) are reported as a synthetic error
// on the triggering cell; the run still opens and closes its event sequence.
func (s *Scheduler) RunCell(ctx context.Context, cellID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nb, err := s.repo.Notebook(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading notebook: %w", err)
	}
	if findCell(nb.Cells, cellID) == nil {
		return 0, notebook.ErrNotFound
	}

	s.runSeq++
	runID := s.runSeq
	s.log.Info("run started", logutil.Values(
		zap.Int64("runId", runID),
		zap.String("cellId", cellID),
	))

	// Remember what every cell defined before re-analysis; those are the
	// bindings to purge when the cell re-executes.
	oldDefs := make(map[string][]string, len(nb.Cells))
	for _, cell := range nb.Cells {
		oldDefs[cell.ID] = cell.Defs
	}

	// Any cell's source may have changed since the last run, so every cell
	// is re-analyzed. Correct edges are worth more than incremental analysis
	// at notebook scale.
	for _, cell := range nb.Cells {
		res := analysis.Extract(cell.Source, cell.Kind)
		if _, err := s.repo.SetCellDefsRefs(ctx, cell.ID, res.Defs, res.Refs); err != nil {
			return 0, fmt.Errorf("persisting analysis for cell %s: %w", cell.ID, err)
		}
		s.log.Debug("cell analyzed", logutil.Values(
			zap.String("cellId", cell.ID),
			zap.Strings("defs", res.Defs),
			zap.Strings("refs", res.Refs),
		))
	}

	cells, err := s.repo.Cells(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading cells: %w", err)
	}

	g, buildErr := graph.Build(cells)
	var order []string
	if buildErr == nil {
		order, buildErr = g.TopoOrder(g.Impacted(cellID))
	}
	if buildErr != nil {
		// The run produces no executions, but it still opens and closes its
		// event sequence so streaming clients see a complete lifecycle.
		s.bus.Publish(events.RunStarted(runID, cellID))
		s.failCell(ctx, cellID, runID, graphErrorMessage(buildErr))
		s.bus.Publish(events.RunFinished(runID, cellID))
		s.log.Warn("run aborted by graph error", logutil.Values(
			zap.Int64("runId", runID),
			zap.Error(buildErr),
		))
		return runID, nil
	}

	s.log.Debug("execution order resolved", logutil.Values(
		zap.Int64("runId", runID),
		zap.Strings("order", order),
	))

	s.bus.Publish(events.RunStarted(runID, cellID))

	failed := make(map[string]struct{})
	for _, id := range order {
		cell := findCell(cells, id)
		if cell == nil {
			continue
		}

		// A failed upstream suppresses this cell, and transitively its own
		// dependents. It is marked idle, not error: it did not run at all.
		// Cells after the failure that do not descend from it still execute.
		if upstreamFailed(g, id, failed) {
			if _, err := s.repo.SetCellStatus(ctx, id, notebook.StatusIdle, runID); err != nil {
				return 0, fmt.Errorf("marking cell %s skipped: %w", id, err)
			}
			failed[id] = struct{}{}
			continue
		}

		if _, err := s.repo.SetCellStatus(ctx, id, notebook.StatusRunning, runID); err != nil {
			return 0, fmt.Errorf("marking cell %s running: %w", id, err)
		}
		s.bus.Publish(events.CellStatus(runID, id, notebook.StatusRunning))

		switch cell.Kind {
		case notebook.KindScript:
			s.runScriptCell(ctx, cell, oldDefs[id], runID, failed)
		case notebook.KindQuery:
			s.runQueryCell(ctx, cell, nb.Settings, runID, failed)
		default:
			failed[id] = struct{}{}
			s.failCell(ctx, id, runID, fmt.Sprintf("unknown cell kind %q", cell.Kind))
		}
	}

	s.bus.Publish(events.RunFinished(runID, cellID))
	s.log.Info("run finished", logutil.Values(
		zap.Int64("runId", runID),
		zap.Int("cells", len(order)),
		zap.Int("failed", len(failed)),
	))
	return runID, nil
}

// runScriptCell purges the cell's previous bindings and executes its source
// against the shared environment.
func (s *Scheduler) runScriptCell(ctx context.Context, cell *notebook.Cell, previousDefs []string, runID int64, failed map[string]struct{}) {
	s.env.Purge(previousDefs...)

	res := s.scripts.Execute(ctx, cell.Source, s.env)
	if res.Err != nil {
		failed[cell.ID] = struct{}{}
		s.failCell(ctx, cell.ID, runID, res.Err.Error())
		return
	}
	s.succeedCell(ctx, cell.ID, runID, compactOutputs(res.Stdout, res.Stderr))
}

// runQueryCell executes a query cell against the configured backend.
func (s *Scheduler) runQueryCell(ctx context.Context, cell *notebook.Cell, settings notebook.Settings, runID int64, failed map[string]struct{}) {
	if settings.PostgresDSN == "" {
		failed[cell.ID] = struct{}{}
		s.failCell(ctx, cell.ID, runID, "Postgres DSN is not configured.")
		return
	}

	res := s.queries.Execute(ctx, cell.Source, s.env, settings.PostgresDSN)
	if res.Err != nil {
		failed[cell.ID] = struct{}{}
		s.failCell(ctx, cell.ID, runID, res.Err.Error())
		return
	}

	outputs := []string{safeJSON(res.Rows)}
	if res.Truncated {
		outputs = append(outputs, fmt.Sprintf("Results truncated: showing %d of many rows", res.RowCount))
	} else {
		outputs = append(outputs, fmt.Sprintf("✓ %d row(s) returned", res.RowCount))
	}
	s.succeedCell(ctx, cell.ID, runID, outputs)
}

// failCell persists a cell failure and publishes cell_error then
// cell_status(error), in that order.
func (s *Scheduler) failCell(ctx context.Context, cellID string, runID int64, msg string) {
	if _, err := s.repo.SetCellError(ctx, cellID, msg); err != nil {
		s.log.Error("persisting cell error", zap.String("cellId", cellID), zap.Error(err))
	}
	s.bus.Publish(events.CellError(runID, cellID, msg))
	s.bus.Publish(events.CellStatus(runID, cellID, notebook.StatusError))
}

// succeedCell persists a cell's outputs and publishes cell_output then
// cell_status(success), in that order.
func (s *Scheduler) succeedCell(ctx context.Context, cellID string, runID int64, outputs []string) {
	if _, err := s.repo.SetCellOutputs(ctx, cellID, outputs); err != nil {
		s.log.Error("persisting cell outputs", zap.String("cellId", cellID), zap.Error(err))
	}
	if _, err := s.repo.SetCellStatus(ctx, cellID, notebook.StatusSuccess, runID); err != nil {
		s.log.Error("persisting cell status", zap.String("cellId", cellID), zap.Error(err))
	}
	s.bus.Publish(events.CellOutput(runID, cellID, outputs))
	s.bus.Publish(events.CellStatus(runID, cellID, notebook.StatusSuccess))
}

// upstreamFailed reports whether any direct dependency of id failed or was
// skipped earlier in this run.
func upstreamFailed(g *graph.Graph, id string, failed map[string]struct{}) bool {
	for _, parent := range g.Parents(id) {
		if _, ok := failed[parent]; ok {
			return true
		}
	}
	return false
}

// graphErrorMessage shapes a duplicate-definition or cycle error into the
// diagnostic shown on the triggering cell.
func graphErrorMessage(err error) string {
	return fmt.Sprintf("Dependency error: %v\n\nPlease check for:\n"+
		"• Duplicate variable/function definitions across cells\n"+
		"• Circular dependencies between cells", err)
}

// compactOutputs folds the executor's stdout and stderr into output lines,
// dropping empty streams.
func compactOutputs(stdout, stderr string) []string {
	outputs := []string{}
	if trimmed := strings.TrimSpace(stdout); trimmed != "" {
		outputs = append(outputs, trimmed)
	}
	if trimmed := strings.TrimSpace(stderr); trimmed != "" {
		outputs = append(outputs, trimmed)
	}
	return outputs
}

// safeJSON renders query rows as a JSON array, degrading to Go syntax if a
// value resists marshaling.
func safeJSON(rows []map[string]any) string {
	if rows == nil {
		rows = []map[string]any{}
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return fmt.Sprintf("%v", rows)
	}
	return string(b)
}

func findCell(cells []notebook.Cell, id string) *notebook.Cell {
	for i := range cells {
		if cells[i].ID == id {
			return &cells[i]
		}
	}
	return nil
}
