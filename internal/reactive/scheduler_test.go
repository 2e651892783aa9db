package reactive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.starlark.net/starlark"
	"go.uber.org/zap"

	"cellbook/internal/analysis"
	"cellbook/internal/events"
	"cellbook/internal/notebook"
)

// fakeScripts stands in for the Starlark backend: it binds a marker value
// for every name the source defines and fails when the source carries a
// "boom" marker, so tests can stage failures anywhere in a chain.
type fakeScripts struct {
	executed []string
}

func (f *fakeScripts) Execute(_ context.Context, source string, env *Environment) ScriptResult {
	f.executed = append(f.executed, source)
	if strings.Contains(source, "boom") {
		return ScriptResult{Err: errors.New("boom")}
	}
	res := analysis.Extract(source, notebook.KindScript)
	_ = env.With(func(vars starlark.StringDict) error {
		for _, name := range res.Defs {
			vars[name] = starlark.MakeInt(1)
		}
		return nil
	})
	return ScriptResult{Stdout: "ok\n"}
}

// fakeQueries returns a canned result and records what it was asked to run.
type fakeQueries struct {
	executed []string
	dsns     []string
	result   QueryResult
}

func (f *fakeQueries) Execute(_ context.Context, source string, _ *Environment, dsn string) QueryResult {
	f.executed = append(f.executed, source)
	f.dsns = append(f.dsns, dsn)
	return f.result
}

type fixture struct {
	repo    *notebook.Memory
	bus     *events.Bus
	env     *Environment
	scripts *fakeScripts
	queries *fakeQueries
	sched   *Scheduler
}

func newFixture() *fixture {
	f := &fixture{
		repo:    notebook.NewMemory(),
		bus:     events.NewBus(),
		env:     NewEnvironment(),
		scripts: &fakeScripts{},
		queries: &fakeQueries{result: QueryResult{Rows: []map[string]any{}}},
	}
	f.sched = NewScheduler(f.repo, f.bus, f.env, f.scripts, f.queries, zap.NewNop())
	return f
}

func (f *fixture) addCell(t *testing.T, kind notebook.CellKind, source string) notebook.Cell {
	t.Helper()
	cell, err := f.repo.AddCell(context.Background(), kind, source)
	if err != nil {
		t.Fatalf("AddCell: %v", err)
	}
	return cell
}

func (f *fixture) setDSN(t *testing.T, dsn string) {
	t.Helper()
	if _, err := f.repo.UpdateSettings(context.Background(), notebook.SettingsPatch{PostgresDSN: &dsn}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
}

func (f *fixture) cell(t *testing.T, id string) notebook.Cell {
	t.Helper()
	cell, err := f.repo.Cell(context.Background(), id)
	if err != nil {
		t.Fatalf("Cell(%s): %v", id, err)
	}
	return cell
}

// collectRun drains the subscription until run_finished, checking that every
// run-scoped event carries the expected run id.
func collectRun(t *testing.T, sub *events.Subscription, runID int64) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatal("subscription closed before run finished")
			}
			if ev.Kind != events.KindNotebookState && ev.RunID != runID {
				t.Errorf("event %s has run id %d, want %d", ev.Kind, ev.RunID, runID)
			}
			out = append(out, ev)
			if ev.Kind == events.KindRunFinished {
				return out
			}
		case <-timeout:
			t.Fatalf("run did not finish, saw %v", describeAll(out))
		}
	}
}

// describe renders an event as a compact string for order assertions.
func describe(ev events.Event) string {
	switch data := ev.Data.(type) {
	case events.CellStatusData:
		return fmt.Sprintf("%s %s=%s", ev.Kind, data.CellID, data.Status)
	case events.CellOutputData:
		return fmt.Sprintf("%s %s", ev.Kind, data.CellID)
	case events.CellErrorData:
		return fmt.Sprintf("%s %s", ev.Kind, data.CellID)
	default:
		return string(ev.Kind)
	}
}

func describeAll(evs []events.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = describe(ev)
	}
	return out
}

func assertSequence(t *testing.T, got []events.Event, want []string) {
	t.Helper()
	gotDesc := describeAll(got)
	if len(gotDesc) != len(want) {
		t.Fatalf("event sequence\n got: %v\nwant: %v", gotDesc, want)
	}
	for i := range want {
		if gotDesc[i] != want[i] {
			t.Fatalf("event %d = %q, want %q\nfull: %v", i, gotDesc[i], want[i], gotDesc)
		}
	}
}

func TestRunSingleScriptCell(t *testing.T) {
	f := newFixture()
	a := f.addCell(t, notebook.KindScript, "x = 1")

	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	runID, err := f.sched.RunCell(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("RunCell: %v", err)
	}
	if runID != 1 {
		t.Errorf("runID = %d, want 1", runID)
	}

	evs := collectRun(t, sub, runID)
	assertSequence(t, evs, []string{
		"run_started",
		fmt.Sprintf("cell_status %s=running", a.ID),
		fmt.Sprintf("cell_output %s", a.ID),
		fmt.Sprintf("cell_status %s=success", a.ID),
		"run_finished",
	})

	got := f.cell(t, a.ID)
	if got.Status != notebook.StatusSuccess {
		t.Errorf("status = %s, want success", got.Status)
	}
	if len(got.Outputs) != 1 || got.Outputs[0] != "ok" {
		t.Errorf("outputs = %v, want [ok]", got.Outputs)
	}
	if len(got.Defs) != 1 || got.Defs[0] != "x" {
		t.Errorf("defs = %v, want [x]", got.Defs)
	}
	if _, ok := f.env.Lookup("x"); !ok {
		t.Error("x not bound in environment after run")
	}
}

func TestRunIDsAreMonotonic(t *testing.T) {
	f := newFixture()
	a := f.addCell(t, notebook.KindScript, "x = 1")

	ctx := context.Background()
	first, err := f.sched.RunCell(ctx, a.ID)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := f.sched.RunCell(ctx, a.ID)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first != 1 || second != 2 {
		t.Errorf("run ids = %d, %d, want 1, 2", first, second)
	}
}

func TestRunUnknownCell(t *testing.T) {
	f := newFixture()
	f.addCell(t, notebook.KindScript, "x = 1")

	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	_, err := f.sched.RunCell(context.Background(), "ghost")
	if !errors.Is(err, notebook.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(f.scripts.executed) != 0 {
		t.Errorf("executed %v for unknown trigger", f.scripts.executed)
	}

	// A marker published after the failed call must be the first thing the
	// subscriber sees: the aborted run emitted nothing.
	f.bus.Publish(events.NotebookState(notebook.Notebook{}))
	select {
	case ev := <-sub.Events():
		if ev.Kind != events.KindNotebookState {
			t.Errorf("unexpected %s event before marker", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("marker event never arrived")
	}
}

func TestChainRunsInDependencyOrder(t *testing.T) {
	f := newFixture()
	a := f.addCell(t, notebook.KindScript, "base = 1")
	b := f.addCell(t, notebook.KindScript, "mid = base + 1")
	c := f.addCell(t, notebook.KindScript, "leaf = mid + 1")

	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	runID, err := f.sched.RunCell(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("RunCell: %v", err)
	}

	evs := collectRun(t, sub, runID)
	assertSequence(t, evs, []string{
		"run_started",
		fmt.Sprintf("cell_status %s=running", a.ID),
		fmt.Sprintf("cell_output %s", a.ID),
		fmt.Sprintf("cell_status %s=success", a.ID),
		fmt.Sprintf("cell_status %s=running", b.ID),
		fmt.Sprintf("cell_output %s", b.ID),
		fmt.Sprintf("cell_status %s=success", b.ID),
		fmt.Sprintf("cell_status %s=running", c.ID),
		fmt.Sprintf("cell_output %s", c.ID),
		fmt.Sprintf("cell_status %s=success", c.ID),
		"run_finished",
	})

	want := []string{"base = 1", "mid = base + 1", "leaf = mid + 1"}
	if len(f.scripts.executed) != len(want) {
		t.Fatalf("executed %v, want %v", f.scripts.executed, want)
	}
	for i := range want {
		if f.scripts.executed[i] != want[i] {
			t.Errorf("executed[%d] = %q, want %q", i, f.scripts.executed[i], want[i])
		}
	}
}

func TestTriggeringMidChainRunsOnlyDownstream(t *testing.T) {
	f := newFixture()
	f.addCell(t, notebook.KindScript, "base = 1")
	b := f.addCell(t, notebook.KindScript, "mid = base + 1")
	f.addCell(t, notebook.KindScript, "leaf = mid + 1")

	if _, err := f.sched.RunCell(context.Background(), b.ID); err != nil {
		t.Fatalf("RunCell: %v", err)
	}

	want := []string{"mid = base + 1", "leaf = mid + 1"}
	if len(f.scripts.executed) != len(want) || f.scripts.executed[0] != want[0] || f.scripts.executed[1] != want[1] {
		t.Errorf("executed %v, want %v", f.scripts.executed, want)
	}
}

func TestFailureSkipsDescendantsOnly(t *testing.T) {
	f := newFixture()
	a := f.addCell(t, notebook.KindScript, "base = 1")
	b := f.addCell(t, notebook.KindScript, "mid = base + 1 # boom")
	c := f.addCell(t, notebook.KindScript, "leaf = mid + 1")
	d := f.addCell(t, notebook.KindScript, "end = leaf + 1")
	e := f.addCell(t, notebook.KindScript, "side = base + 1")

	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	runID, err := f.sched.RunCell(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("RunCell: %v", err)
	}

	evs := collectRun(t, sub, runID)
	// c and d are skipped silently: repository write only, no events.
	assertSequence(t, evs, []string{
		"run_started",
		fmt.Sprintf("cell_status %s=running", a.ID),
		fmt.Sprintf("cell_output %s", a.ID),
		fmt.Sprintf("cell_status %s=success", a.ID),
		fmt.Sprintf("cell_status %s=running", b.ID),
		fmt.Sprintf("cell_error %s", b.ID),
		fmt.Sprintf("cell_status %s=error", b.ID),
		fmt.Sprintf("cell_status %s=running", e.ID),
		fmt.Sprintf("cell_output %s", e.ID),
		fmt.Sprintf("cell_status %s=success", e.ID),
		"run_finished",
	})

	if got := f.cell(t, a.ID).Status; got != notebook.StatusSuccess {
		t.Errorf("a status = %s, want success", got)
	}
	bCell := f.cell(t, b.ID)
	if bCell.Status != notebook.StatusError || bCell.Error != "boom" {
		t.Errorf("b = %s/%q, want error/boom", bCell.Status, bCell.Error)
	}
	// The failed cell's descendants did not run and are idle, not error.
	if got := f.cell(t, c.ID).Status; got != notebook.StatusIdle {
		t.Errorf("c status = %s, want idle", got)
	}
	if got := f.cell(t, d.ID).Status; got != notebook.StatusIdle {
		t.Errorf("d status = %s, want idle", got)
	}
	// The sibling past the failure still ran.
	if got := f.cell(t, e.ID).Status; got != notebook.StatusSuccess {
		t.Errorf("e status = %s, want success", got)
	}

	for _, src := range f.scripts.executed {
		if strings.Contains(src, "leaf =") || strings.Contains(src, "end =") {
			t.Errorf("descendant of failed cell executed: %q", src)
		}
	}
}

func TestStaleBindingPurgedOnReexecution(t *testing.T) {
	f := newFixture()
	a := f.addCell(t, notebook.KindScript, "x = 1")

	ctx := context.Background()
	if _, err := f.sched.RunCell(ctx, a.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, ok := f.env.Lookup("x"); !ok {
		t.Fatal("x not bound after first run")
	}

	src := "y = 1"
	if _, err := f.repo.UpdateCell(ctx, a.ID, notebook.CellPatch{Source: &src}); err != nil {
		t.Fatalf("UpdateCell: %v", err)
	}
	if _, err := f.sched.RunCell(ctx, a.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if _, ok := f.env.Lookup("x"); ok {
		t.Error("stale binding x survived re-execution")
	}
	if _, ok := f.env.Lookup("y"); !ok {
		t.Error("y not bound after re-execution")
	}
	if defs := f.cell(t, a.ID).Defs; len(defs) != 1 || defs[0] != "y" {
		t.Errorf("defs = %v, want [y]", defs)
	}
}

func TestQueryCellWithoutDSNFails(t *testing.T) {
	f := newFixture()
	q := f.addCell(t, notebook.KindQuery, "SELECT 1")

	if _, err := f.sched.RunCell(context.Background(), q.ID); err != nil {
		t.Fatalf("RunCell: %v", err)
	}

	got := f.cell(t, q.ID)
	if got.Status != notebook.StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
	if got.Error != "Postgres DSN is not configured." {
		t.Errorf("error = %q", got.Error)
	}
	if len(f.queries.executed) != 0 {
		t.Errorf("query executor called despite missing DSN: %v", f.queries.executed)
	}
}

func TestQueryCellOutputs(t *testing.T) {
	f := newFixture()
	f.setDSN(t, "postgres://localhost:5432/demo")
	q := f.addCell(t, notebook.KindQuery, "SELECT n FROM t")
	f.queries.result = QueryResult{
		Rows:     []map[string]any{{"n": 1}},
		RowCount: 1,
	}

	if _, err := f.sched.RunCell(context.Background(), q.ID); err != nil {
		t.Fatalf("RunCell: %v", err)
	}

	got := f.cell(t, q.ID)
	if got.Status != notebook.StatusSuccess {
		t.Fatalf("status = %s (%s), want success", got.Status, got.Error)
	}
	if len(got.Outputs) != 2 {
		t.Fatalf("outputs = %v, want rows JSON and summary", got.Outputs)
	}
	if got.Outputs[0] != `[{"n":1}]` {
		t.Errorf("outputs[0] = %q", got.Outputs[0])
	}
	if got.Outputs[1] != "✓ 1 row(s) returned" {
		t.Errorf("outputs[1] = %q", got.Outputs[1])
	}
	if f.queries.dsns[0] != "postgres://localhost:5432/demo" {
		t.Errorf("dsn = %q", f.queries.dsns[0])
	}
}

func TestQueryCellTruncationSummary(t *testing.T) {
	f := newFixture()
	f.setDSN(t, "postgres://localhost:5432/demo")
	q := f.addCell(t, notebook.KindQuery, "SELECT n FROM t")
	f.queries.result = QueryResult{
		Rows:      []map[string]any{{"n": 1}, {"n": 2}},
		RowCount:  2,
		Truncated: true,
	}

	if _, err := f.sched.RunCell(context.Background(), q.ID); err != nil {
		t.Fatalf("RunCell: %v", err)
	}

	got := f.cell(t, q.ID)
	if len(got.Outputs) != 2 || got.Outputs[1] != "Results truncated: showing 2 of many rows" {
		t.Errorf("outputs = %v", got.Outputs)
	}
}

func TestPlaceholderEdgeTriggersQueryCell(t *testing.T) {
	f := newFixture()
	f.setDSN(t, "postgres://localhost:5432/demo")
	a := f.addCell(t, notebook.KindScript, "lim = 10")
	f.addCell(t, notebook.KindQuery, "SELECT * FROM t WHERE id <= {{lim}}")

	if _, err := f.sched.RunCell(context.Background(), a.ID); err != nil {
		t.Fatalf("RunCell: %v", err)
	}

	if len(f.queries.executed) != 1 {
		t.Fatalf("query executions = %v, want the dependent query", f.queries.executed)
	}
	if !strings.Contains(f.queries.executed[0], "{{lim}}") {
		t.Errorf("executed query = %q", f.queries.executed[0])
	}
}

func TestDuplicateDefinitionAbortsRun(t *testing.T) {
	f := newFixture()
	a := f.addCell(t, notebook.KindScript, "x = 1")
	b := f.addCell(t, notebook.KindScript, "x = 2")

	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	runID, err := f.sched.RunCell(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("RunCell: %v", err)
	}

	evs := collectRun(t, sub, runID)
	assertSequence(t, evs, []string{
		"run_started",
		fmt.Sprintf("cell_error %s", a.ID),
		fmt.Sprintf("cell_status %s=error", a.ID),
		"run_finished",
	})

	got := f.cell(t, a.ID)
	if got.Status != notebook.StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
	if !strings.Contains(got.Error, "Dependency error") || !strings.Contains(got.Error, "Duplicate variable") {
		t.Errorf("error = %q, want dependency diagnostic", got.Error)
	}
	if len(f.scripts.executed) != 0 {
		t.Errorf("cells executed despite graph error: %v", f.scripts.executed)
	}
	// The other defining cell is left alone.
	if got := f.cell(t, b.ID).Status; got != notebook.StatusIdle {
		t.Errorf("b status = %s, want idle", got)
	}
}

func TestCycleAbortsRun(t *testing.T) {
	f := newFixture()
	a := f.addCell(t, notebook.KindScript, "a = b + 1")
	f.addCell(t, notebook.KindScript, "b = a + 1")

	runID, err := f.sched.RunCell(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("RunCell: %v", err)
	}
	if runID == 0 {
		t.Error("diagnostic run still consumes a run id")
	}

	got := f.cell(t, a.ID)
	if got.Status != notebook.StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
	if !strings.Contains(got.Error, "cycle detected") {
		t.Errorf("error = %q, want cycle diagnostic", got.Error)
	}
	if len(f.scripts.executed) != 0 {
		t.Errorf("cells executed despite cycle: %v", f.scripts.executed)
	}
}

func TestRunRefreshesAnalysisBeforeBuildingGraph(t *testing.T) {
	f := newFixture()
	a := f.addCell(t, notebook.KindScript, "x = 1")
	b := f.addCell(t, notebook.KindScript, "y = 2")

	ctx := context.Background()
	if _, err := f.sched.RunCell(ctx, a.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if len(f.scripts.executed) != 1 {
		t.Fatalf("executed %v, want only the trigger", f.scripts.executed)
	}

	// Editing b to depend on x must take effect on the very next run, even
	// though b's stored analysis predates the edit.
	src := "y = x + 1"
	if _, err := f.repo.UpdateCell(ctx, b.ID, notebook.CellPatch{Source: &src}); err != nil {
		t.Fatalf("UpdateCell: %v", err)
	}
	f.scripts.executed = nil
	if _, err := f.sched.RunCell(ctx, a.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}

	want := []string{"x = 1", "y = x + 1"}
	if len(f.scripts.executed) != 2 || f.scripts.executed[0] != want[0] || f.scripts.executed[1] != want[1] {
		t.Errorf("executed %v, want %v", f.scripts.executed, want)
	}
}
