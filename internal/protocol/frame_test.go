package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"cellbook/internal/events"
	"cellbook/internal/notebook"
)

// TestEncodeSSEStream pins the exact wire bytes of a full run's event
// sequence. Browser EventSource parsing depends on this framing, so any
// change here is a breaking protocol change and should show up as a golden
// diff.
func TestEncodeSSEStream(t *testing.T) {
	nb := notebook.Notebook{
		Settings: notebook.Settings{PostgresDSN: "postgres://localhost:5432/demo"},
		Cells: []notebook.Cell{
			{ID: "cell-a", Kind: notebook.KindScript, Source: "x = 1", Order: 0, Status: notebook.StatusIdle, Outputs: []string{}, Defs: []string{"x"}, Refs: []string{}},
			{ID: "cell-b", Kind: notebook.KindQuery, Source: "SELECT {{x}}", Order: 1, Status: notebook.StatusIdle, Outputs: []string{}, Defs: []string{}, Refs: []string{"x"}},
		},
	}

	seq := []events.Event{
		events.NotebookState(nb),
		events.RunStarted(7, "cell-a"),
		events.CellStatus(7, "cell-a", notebook.StatusRunning),
		events.CellOutput(7, "cell-a", []string{"1"}),
		events.CellStatus(7, "cell-a", notebook.StatusSuccess),
		events.CellStatus(7, "cell-b", notebook.StatusRunning),
		events.CellError(7, "cell-b", "Postgres DSN is not configured."),
		events.CellStatus(7, "cell-b", notebook.StatusError),
		events.RunFinished(7, "cell-a"),
	}

	var buf bytes.Buffer
	for _, ev := range seq {
		frame, err := EncodeSSE(ev)
		if err != nil {
			t.Fatalf("EncodeSSE(%s): %v", ev.Kind, err)
		}
		buf.Write(frame)
	}

	g := goldie.New(t)
	g.Assert(t, "sse_stream", buf.Bytes())
}

func TestEncodeSSEOmitsRunIDForSnapshots(t *testing.T) {
	frame, err := EncodeSSE(events.NotebookState(notebook.Notebook{Cells: []notebook.Cell{}}))
	if err != nil {
		t.Fatalf("EncodeSSE: %v", err)
	}
	if strings.Contains(string(frame), "id:") {
		t.Errorf("snapshot frame carries an id line: %q", frame)
	}
}

func TestFrameForMarshal(t *testing.T) {
	b, err := json.Marshal(FrameFor(events.CellStatus(3, "cell-a", notebook.StatusRunning)))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"cell_status","runId":3,"data":{"cellId":"cell-a","status":"running"}}`
	if string(b) != want {
		t.Errorf("frame = %s, want %s", b, want)
	}

	b, err = json.Marshal(FrameFor(events.NotebookState(notebook.Notebook{Cells: []notebook.Cell{}})))
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if strings.Contains(string(b), "runId") {
		t.Errorf("snapshot frame carries runId: %s", b)
	}
}
