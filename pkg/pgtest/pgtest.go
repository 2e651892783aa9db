// Package pgtest boots one disposable Postgres container per test binary and
// hands each test an isolated schema sandbox with its own DSN. Query-cell
// integration tests point the notebook's backend DSN at a sandbox, so tests
// can run in parallel without seeing each other's tables.
package pgtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type config struct {
	image    string
	dbName   string
	user     string
	password string
}

type Option func(*config)

func WithImage(i string) Option    { return func(c *config) { c.image = i } }
func WithDatabase(n string) Option { return func(c *config) { c.dbName = n } }
func WithUser(u string) Option     { return func(c *config) { c.user = u } }
func WithPassword(p string) Option { return func(c *config) { c.password = p } }

var (
	bootOnce   sync.Once
	bootErr    error
	booted     bool
	pg         *postgres.PostgresContainer
	connString string
)

// Boot starts the shared container on first call and is a no-op afterwards.
// Call it from TestMain or the first test that needs Postgres.
func Boot(t *testing.T, opts ...Option) {
	t.Helper()
	bootOnce.Do(func() {
		booted = true

		cfg := &config{
			image:    "docker.io/postgres:16-alpine",
			dbName:   "cellbook",
			user:     "postgres",
			password: "pass",
		}
		for _, o := range opts {
			o(cfg)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		bootErr = boot(ctx, cfg)
	})
	if bootErr != nil {
		t.Fatalf("pgtest boot failed: %v", bootErr)
	}
}

func boot(ctx context.Context, c *config) error {
	container, err := postgres.Run(ctx,
		c.image,
		postgres.WithDatabase(c.dbName),
		postgres.WithUsername(c.user),
		postgres.WithPassword(c.password),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return err
	}
	pg = container

	host, err := container.Host(ctx)
	if err != nil {
		return err
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return err
	}
	connString = fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.user, c.password, host, port.Port(), c.dbName,
	)
	return nil
}

// Shutdown terminates the shared container. Call it from TestMain after
// m.Run; it is safe to call when nothing was booted.
func Shutdown() error {
	if pg == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return pg.Terminate(ctx)
}
