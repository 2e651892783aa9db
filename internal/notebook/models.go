package notebook

// CellKind selects which analyzer and executor a cell runs through.
type CellKind string

const (
	KindScript CellKind = "script"
	KindQuery  CellKind = "query"
)

// Valid reports whether k is a known cell kind.
func (k CellKind) Valid() bool {
	switch k {
	case KindScript, KindQuery:
		return true
	}
	return false
}

// CellStatus tracks where a cell is in its execution lifecycle.
type CellStatus string

const (
	StatusIdle    CellStatus = "idle"
	StatusRunning CellStatus = "running"
	StatusSuccess CellStatus = "success"
	StatusError   CellStatus = "error"
)

// Cell is one unit of notebook code together with its execution state.
// Defs and Refs are recomputed from Source on every run, so they are only
// as fresh as the last run that touched the notebook.
type Cell struct {
	ID      string     `json:"id"`
	Kind    CellKind   `json:"kind"`
	Source  string     `json:"source"`
	Order   int        `json:"order"`
	Status  CellStatus `json:"status"`
	Outputs []string   `json:"outputs"`
	Error   string     `json:"error,omitempty"`
	Defs    []string   `json:"defs"`
	Refs    []string   `json:"refs"`
}

// Clone returns a copy of the cell that shares no slices with the original.
func (c Cell) Clone() Cell {
	out := c
	out.Outputs = cloneStrings(c.Outputs)
	out.Defs = cloneStrings(c.Defs)
	out.Refs = cloneStrings(c.Refs)
	return out
}

// Settings holds notebook-level configuration.
type Settings struct {
	PostgresDSN string `json:"postgresDsn"`
}

// Notebook is the full observable state: settings plus cells in order.
type Notebook struct {
	Settings Settings `json:"settings"`
	Cells    []Cell   `json:"cells"`
}

// CellPatch is a partial cell update. Nil fields are left unchanged.
type CellPatch struct {
	Kind   *CellKind `json:"kind,omitempty"`
	Source *string   `json:"source,omitempty"`
}

// SettingsPatch is a partial settings update. Nil fields are left unchanged.
type SettingsPatch struct {
	PostgresDSN *string `json:"postgresDsn,omitempty"`
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
