package notebook

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory is the default store: a single notebook held in process memory.
// A mutex makes each operation atomic.
type Memory struct {
	mu       sync.Mutex
	settings Settings
	cells    []Cell
}

// NewMemory returns an empty in-memory notebook store.
func NewMemory() *Memory {
	return &Memory{}
}

var _ Repository = (*Memory)(nil)

func (m *Memory) Notebook(ctx context.Context) (Notebook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Notebook{Settings: m.settings, Cells: m.cloneCells()}, nil
}

func (m *Memory) Cells(ctx context.Context) ([]Cell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cloneCells(), nil
}

func (m *Memory) Cell(ctx context.Context, id string) (Cell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(id)
	if i < 0 {
		return Cell{}, ErrNotFound
	}
	return m.cells[i].Clone(), nil
}

func (m *Memory) AddCell(ctx context.Context, kind CellKind, source string) (Cell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cell := Cell{
		ID:      uuid.NewString(),
		Kind:    kind,
		Source:  source,
		Order:   len(m.cells),
		Status:  StatusIdle,
		Outputs: []string{},
		Defs:    []string{},
		Refs:    []string{},
	}
	m.cells = append(m.cells, cell)
	return cell.Clone(), nil
}

func (m *Memory) UpdateCell(ctx context.Context, id string, patch CellPatch) (Cell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(id)
	if i < 0 {
		return Cell{}, ErrNotFound
	}
	if patch.Kind != nil {
		m.cells[i].Kind = *patch.Kind
	}
	if patch.Source != nil {
		m.cells[i].Source = *patch.Source
	}
	return m.cells[i].Clone(), nil
}

func (m *Memory) DeleteCell(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(id)
	if i < 0 {
		return ErrNotFound
	}
	m.cells = append(m.cells[:i], m.cells[i+1:]...)
	for j := range m.cells {
		m.cells[j].Order = j
	}
	return nil
}

func (m *Memory) Settings(ctx context.Context) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, nil
}

func (m *Memory) UpdateSettings(ctx context.Context, patch SettingsPatch) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if patch.PostgresDSN != nil {
		m.settings.PostgresDSN = *patch.PostgresDSN
	}
	return m.settings, nil
}

func (m *Memory) SetCellStatus(ctx context.Context, id string, status CellStatus, runID int64) (Cell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(id)
	if i < 0 {
		return Cell{}, ErrNotFound
	}
	m.cells[i].Status = status
	if status != StatusError {
		m.cells[i].Error = ""
	}
	return m.cells[i].Clone(), nil
}

func (m *Memory) SetCellOutputs(ctx context.Context, id string, outputs []string) (Cell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(id)
	if i < 0 {
		return Cell{}, ErrNotFound
	}
	if outputs == nil {
		outputs = []string{}
	}
	m.cells[i].Outputs = cloneStrings(outputs)
	m.cells[i].Error = ""
	return m.cells[i].Clone(), nil
}

func (m *Memory) SetCellError(ctx context.Context, id string, msg string) (Cell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(id)
	if i < 0 {
		return Cell{}, ErrNotFound
	}
	m.cells[i].Error = msg
	m.cells[i].Status = StatusError
	return m.cells[i].Clone(), nil
}

func (m *Memory) SetCellDefsRefs(ctx context.Context, id string, defs, refs []string) (Cell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(id)
	if i < 0 {
		return Cell{}, ErrNotFound
	}
	if defs == nil {
		defs = []string{}
	}
	if refs == nil {
		refs = []string{}
	}
	m.cells[i].Defs = cloneStrings(defs)
	m.cells[i].Refs = cloneStrings(refs)
	return m.cells[i].Clone(), nil
}

func (m *Memory) Close() error {
	return nil
}

// index returns the position of the cell with the given id, or -1.
// Callers must hold the lock.
func (m *Memory) index(id string) int {
	for i := range m.cells {
		if m.cells[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Memory) cloneCells() []Cell {
	out := make([]Cell, len(m.cells))
	for i := range m.cells {
		out[i] = m.cells[i].Clone()
	}
	return out
}
