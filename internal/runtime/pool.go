package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"cellbook/internal/logutil"
)

const (
	poolMinConns    = 2
	poolMaxConns    = 10
	poolMaxConnIdle = 5 * time.Minute
)

// PoolManager owns the pgx connection pool for the notebook's query backend.
// The pool is built lazily on first query and cached; changing the DSN in
// the notebook settings closes the old pool and builds a fresh one on the
// next query.
type PoolManager struct {
	mu   sync.Mutex
	dsn  string
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewPoolManager(log *zap.Logger) *PoolManager {
	return &PoolManager{log: log.Named("pool")}
}

// Get returns the pool for dsn, creating it if none exists or the DSN
// changed since the last call.
func (m *PoolManager) Get(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pool != nil {
		if m.dsn == dsn {
			return m.pool, nil
		}
		m.log.Info("postgres dsn changed, recycling pool")
		m.pool.Close()
		m.pool = nil
		m.dsn = ""
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid Postgres DSN: %v", err)
	}
	cfg.MinConns = poolMinConns
	cfg.MaxConns = poolMaxConns
	cfg.MaxConnIdleTime = poolMaxConnIdle

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %v", err)
	}

	m.log.Info("postgres pool created", logutil.Values(
		zap.Int32("min_conns", poolMinConns),
		zap.Int32("max_conns", poolMaxConns),
	))
	m.pool = pool
	m.dsn = dsn
	return pool, nil
}

// Close tears down the current pool, if any. Called once at shutdown.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pool != nil {
		m.pool.Close()
		m.pool = nil
		m.dsn = ""
	}
}

// ProbeConnection dials dsn, runs a trivial query, and closes the
// connection. It is deliberately independent of the cached pool so a probe
// against a candidate DSN never disturbs the pool serving query cells.
func ProbeConnection(ctx context.Context, dsn string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	var one int
	if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return err
	}
	return nil
}
