package pgtest

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/pressly/goose/v3"
)

// Sandbox is one test's private corner of the shared container: a schema
// that exists only for the test's lifetime, reachable through a DSN whose
// connections all carry the schema as their search_path.
type Sandbox struct {
	// DSN connects with the sandbox schema first on the search_path. Hand
	// it to anything that speaks Postgres by connection string.
	DSN string
	// DB is an open handle on DSN for seeding and assertions.
	DB *sql.DB
	// Schema is the sandbox schema name.
	Schema string
	// Seed is a per-sandbox value for deterministic fixture generation.
	// Log it on failure so a run can be reproduced.
	Seed int64
}

// gooseMu serializes migration runs: goose's base FS and dialect are
// package-level state.
var gooseMu sync.Mutex

// NewSandbox creates a fresh schema, applies migrations into it when a
// migration filesystem is given, and tears everything down when the test
// finishes. Migrations land inside the sandbox schema because every
// connection of the sandbox DSN resolves unqualified names there first.
func NewSandbox(t *testing.T, migrations fs.FS) *Sandbox {
	t.Helper()
	if !booted {
		t.Fatalf("pgtest not booted: call pgtest.Boot first")
	}

	admin, err := sql.Open("pgx", connString)
	if err != nil {
		t.Fatalf("open admin connection: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := fmt.Sprintf("t_%x", time.Now().UnixNano())
	if _, err := admin.ExecContext(ctx, `CREATE SCHEMA "`+schema+`"`); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	dsn := withSearchPath(connString, schema)
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open sandbox connection: %v", err)
	}

	sbx := &Sandbox{
		DSN:    dsn,
		DB:     db,
		Schema: schema,
		Seed:   time.Now().UnixNano(),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = admin.ExecContext(ctx, `DROP SCHEMA IF EXISTS "`+schema+`" CASCADE`)
		_ = db.Close()
		_ = admin.Close()
	})

	if migrations != nil {
		if err := migrate(db, migrations); err != nil {
			t.Fatalf("migrating sandbox %s: %v", schema, err)
		}
	}
	return sbx
}

func migrate(db *sql.DB, migrations fs.FS) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}

// withSearchPath rewrites base so every connection pins its search_path to
// the sandbox schema, falling back to public.
func withSearchPath(base, schema string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("options", fmt.Sprintf("-csearch_path=%s,public", schema))
	u.RawQuery = q.Encode()
	return u.String()
}
