// Package events defines the notebook's lifecycle events and the in-process
// bus that fans them out to live listeners (SSE and WebSocket streams).
package events

import (
	"cellbook/internal/notebook"
)

// Kind names one lifecycle event variant. The set is closed: every event a
// run produces is one of these, and transports switch over them exhaustively.
type Kind string

const (
	KindNotebookState Kind = "notebook_state"
	KindRunStarted    Kind = "run_started"
	KindCellStatus    Kind = "cell_status"
	KindCellOutput    Kind = "cell_output"
	KindCellError     Kind = "cell_error"
	KindRunFinished   Kind = "run_finished"
)

// Event is one notebook lifecycle event. RunID correlates the per-cell events
// of a single reactive run; it is zero only for notebook_state, which is not
// tied to a run. Data holds the payload struct matching Kind; use the
// constructors below so the pairing cannot drift.
type Event struct {
	Kind  Kind
	RunID int64
	Data  any
}

// RunData is the payload of run_started and run_finished: the cell that
// triggered the run.
type RunData struct {
	CellID string `json:"cellId"`
}

// CellStatusData is the payload of cell_status.
type CellStatusData struct {
	CellID string              `json:"cellId"`
	Status notebook.CellStatus `json:"status"`
}

// CellOutputData is the payload of cell_output.
type CellOutputData struct {
	CellID  string   `json:"cellId"`
	Outputs []string `json:"outputs"`
}

// CellErrorData is the payload of cell_error.
type CellErrorData struct {
	CellID string `json:"cellId"`
	Error  string `json:"error"`
}

// NotebookState carries a full notebook snapshot, published after any
// structural mutation (cell added, edited, deleted, settings changed) and as
// the first frame of every new event stream.
func NotebookState(nb notebook.Notebook) Event {
	return Event{Kind: KindNotebookState, Data: nb}
}

// RunStarted announces a new run triggered by cellID.
func RunStarted(runID int64, cellID string) Event {
	return Event{Kind: KindRunStarted, RunID: runID, Data: RunData{CellID: cellID}}
}

// RunFinished closes the run's event sequence. It is always the last event
// published for a run.
func RunFinished(runID int64, cellID string) Event {
	return Event{Kind: KindRunFinished, RunID: runID, Data: RunData{CellID: cellID}}
}

// CellStatus announces a cell status transition during a run.
func CellStatus(runID int64, cellID string, status notebook.CellStatus) Event {
	return Event{Kind: KindCellStatus, RunID: runID, Data: CellStatusData{CellID: cellID, Status: status}}
}

// CellOutput carries a cell's output lines after a successful execution.
func CellOutput(runID int64, cellID string, outputs []string) Event {
	return Event{Kind: KindCellOutput, RunID: runID, Data: CellOutputData{CellID: cellID, Outputs: outputs}}
}

// CellError carries a cell's failure message.
func CellError(runID int64, cellID string, msg string) Event {
	return Event{Kind: KindCellError, RunID: runID, Data: CellErrorData{CellID: cellID, Error: msg}}
}
