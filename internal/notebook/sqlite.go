package notebook

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite persists the notebook across restarts. Cell sources and settings
// survive; execution state (status, outputs, errors, defs/refs) is reset to
// a clean slate on open because run results are not durable.
type SQLite struct {
	db *sql.DB
}

var _ Repository = (*SQLite)(nil)

// OpenSQLite opens (or creates) the notebook database in dataDir and runs
// pending migrations. Pass ":memory:" as dataDir for an in-memory database
// (used by tests).
func OpenSQLite(dataDir string) (*SQLite, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "cellbook.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if err := s.resetRunState(); err != nil {
		db.Close()
		return nil, fmt.Errorf("resetting run state: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// migrate applies any embedded SQL migration files that haven't run yet.
func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func (s *SQLite) resetRunState() error {
	_, err := s.db.Exec(`UPDATE cells
		SET status = 'idle', outputs = '[]', error = '', defs = '[]', refs = '[]', last_run_id = 0`)
	return err
}

const cellColumns = "id, kind, source, ord, status, outputs, error, defs, refs"

func (s *SQLite) Notebook(ctx context.Context) (Notebook, error) {
	settings, err := s.Settings(ctx)
	if err != nil {
		return Notebook{}, err
	}
	cells, err := s.Cells(ctx)
	if err != nil {
		return Notebook{}, err
	}
	return Notebook{Settings: settings, Cells: cells}, nil
}

func (s *SQLite) Cells(ctx context.Context) ([]Cell, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+cellColumns+" FROM cells ORDER BY ord ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cells := []Cell{}
	for rows.Next() {
		cell, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		cells = append(cells, cell)
	}
	return cells, rows.Err()
}

func (s *SQLite) Cell(ctx context.Context, id string) (Cell, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+cellColumns+" FROM cells WHERE id = ?", id)
	cell, err := scanCell(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Cell{}, ErrNotFound
	}
	return cell, err
}

func (s *SQLite) AddCell(ctx context.Context, kind CellKind, source string) (Cell, error) {
	cell := Cell{
		ID:      uuid.NewString(),
		Kind:    kind,
		Source:  source,
		Status:  StatusIdle,
		Outputs: []string{},
		Defs:    []string{},
		Refs:    []string{},
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Cell{}, err
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM cells").Scan(&cell.Order); err != nil {
		return Cell{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cells (id, kind, source, ord, status) VALUES (?, ?, ?, ?, ?)`,
		cell.ID, string(cell.Kind), cell.Source, cell.Order, string(cell.Status),
	); err != nil {
		return Cell{}, err
	}
	if err := tx.Commit(); err != nil {
		return Cell{}, err
	}
	return cell, nil
}

func (s *SQLite) UpdateCell(ctx context.Context, id string, patch CellPatch) (Cell, error) {
	var kind, source *string
	if patch.Kind != nil {
		k := string(*patch.Kind)
		kind = &k
	}
	source = patch.Source

	res, err := s.db.ExecContext(ctx,
		`UPDATE cells SET kind = COALESCE(?, kind), source = COALESCE(?, source) WHERE id = ?`,
		kind, source, id,
	)
	if err != nil {
		return Cell{}, err
	}
	if err := requireRow(res); err != nil {
		return Cell{}, err
	}
	return s.Cell(ctx, id)
}

func (s *SQLite) DeleteCell(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM cells WHERE id = ?", id)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	// Re-pack ordinals densely after the removal.
	if _, err := tx.ExecContext(ctx,
		`UPDATE cells SET ord = (SELECT COUNT(*) FROM cells c2 WHERE c2.ord < cells.ord)`,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) Settings(ctx context.Context) (Settings, error) {
	var settings Settings
	err := s.db.QueryRowContext(ctx, "SELECT postgres_dsn FROM settings WHERE id = 1").Scan(&settings.PostgresDSN)
	return settings, err
}

func (s *SQLite) UpdateSettings(ctx context.Context, patch SettingsPatch) (Settings, error) {
	if patch.PostgresDSN != nil {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE settings SET postgres_dsn = ? WHERE id = 1", *patch.PostgresDSN,
		); err != nil {
			return Settings{}, err
		}
	}
	return s.Settings(ctx)
}

func (s *SQLite) SetCellStatus(ctx context.Context, id string, status CellStatus, runID int64) (Cell, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cells SET status = ?, last_run_id = ?,
			error = CASE WHEN ? = 'error' THEN error ELSE '' END
		WHERE id = ?`,
		string(status), runID, string(status), id,
	)
	if err != nil {
		return Cell{}, err
	}
	if err := requireRow(res); err != nil {
		return Cell{}, err
	}
	return s.Cell(ctx, id)
}

func (s *SQLite) SetCellOutputs(ctx context.Context, id string, outputs []string) (Cell, error) {
	encoded, err := encodeStrings(outputs)
	if err != nil {
		return Cell{}, err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE cells SET outputs = ?, error = '' WHERE id = ?", encoded, id,
	)
	if err != nil {
		return Cell{}, err
	}
	if err := requireRow(res); err != nil {
		return Cell{}, err
	}
	return s.Cell(ctx, id)
}

func (s *SQLite) SetCellError(ctx context.Context, id string, msg string) (Cell, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE cells SET error = ?, status = 'error' WHERE id = ?", msg, id,
	)
	if err != nil {
		return Cell{}, err
	}
	if err := requireRow(res); err != nil {
		return Cell{}, err
	}
	return s.Cell(ctx, id)
}

func (s *SQLite) SetCellDefsRefs(ctx context.Context, id string, defs, refs []string) (Cell, error) {
	encodedDefs, err := encodeStrings(defs)
	if err != nil {
		return Cell{}, err
	}
	encodedRefs, err := encodeStrings(refs)
	if err != nil {
		return Cell{}, err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE cells SET defs = ?, refs = ? WHERE id = ?", encodedDefs, encodedRefs, id,
	)
	if err != nil {
		return Cell{}, err
	}
	if err := requireRow(res); err != nil {
		return Cell{}, err
	}
	return s.Cell(ctx, id)
}

// requireRow converts a zero-rows-affected result into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCell(row rowScanner) (Cell, error) {
	var cell Cell
	var kind, status, outputs, defs, refs string
	if err := row.Scan(&cell.ID, &kind, &cell.Source, &cell.Order, &status, &outputs, &cell.Error, &defs, &refs); err != nil {
		return Cell{}, err
	}
	cell.Kind = CellKind(kind)
	cell.Status = CellStatus(status)
	var err error
	if cell.Outputs, err = decodeStrings(outputs); err != nil {
		return Cell{}, fmt.Errorf("decoding outputs for cell %s: %w", cell.ID, err)
	}
	if cell.Defs, err = decodeStrings(defs); err != nil {
		return Cell{}, fmt.Errorf("decoding defs for cell %s: %w", cell.ID, err)
	}
	if cell.Refs, err = decodeStrings(refs); err != nil {
		return Cell{}, fmt.Errorf("decoding refs for cell %s: %w", cell.ID, err)
	}
	return cell, nil
}

func encodeStrings(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStrings(in string) ([]string, error) {
	out := []string{}
	if err := json.Unmarshal([]byte(in), &out); err != nil {
		return nil, err
	}
	return out, nil
}
