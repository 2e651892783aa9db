package notebook

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a cell id does not exist in the notebook.
var ErrNotFound = errors.New("cell not found")

// Repository owns the notebook state. Every call is atomic: implementations
// serialize read-modify-write internally so concurrent HTTP mutations and
// scheduler writes never interleave partial updates. Reads return copies
// detached from internal state.
type Repository interface {
	// Notebook returns the full notebook snapshot.
	Notebook(ctx context.Context) (Notebook, error)
	// Cells returns all cells in notebook order.
	Cells(ctx context.Context) ([]Cell, error)
	// Cell returns a single cell by id.
	Cell(ctx context.Context, id string) (Cell, error)
	// AddCell appends a new idle cell with the next ordinal.
	AddCell(ctx context.Context, kind CellKind, source string) (Cell, error)
	// UpdateCell applies a partial update to a cell's kind and/or source.
	UpdateCell(ctx context.Context, id string, patch CellPatch) (Cell, error)
	// DeleteCell removes a cell and re-packs the remaining ordinals to 0..n-1.
	DeleteCell(ctx context.Context, id string) error
	// Settings returns the current notebook settings.
	Settings(ctx context.Context) (Settings, error)
	// UpdateSettings applies a partial settings update.
	UpdateSettings(ctx context.Context, patch SettingsPatch) (Settings, error)

	// SetCellStatus records a new status for a cell. The stored error text is
	// cleared unless the new status is StatusError. The run id is recorded for
	// diagnostics only.
	SetCellStatus(ctx context.Context, id string, status CellStatus, runID int64) (Cell, error)
	// SetCellOutputs replaces a cell's output lines and clears its error text.
	SetCellOutputs(ctx context.Context, id string, outputs []string) (Cell, error)
	// SetCellError records an error message and forces the status to StatusError.
	SetCellError(ctx context.Context, id string, msg string) (Cell, error)
	// SetCellDefsRefs records the analyzer result for a cell.
	SetCellDefsRefs(ctx context.Context, id string, defs, refs []string) (Cell, error)

	Close() error
}
