package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"cellbook/internal/logutil"
	"cellbook/internal/reactive"
)

// QueryRunner executes query cells against the notebook's Postgres backend.
// Placeholders are substituted from the binding environment before the text
// is validated and sent, and result sets are capped at rowLimit rows.
type QueryRunner struct {
	pools    *PoolManager
	timeout  time.Duration
	rowLimit int
	log      *zap.Logger
}

func NewQueryRunner(pools *PoolManager, timeout time.Duration, rowLimit int, log *zap.Logger) *QueryRunner {
	return &QueryRunner{pools: pools, timeout: timeout, rowLimit: rowLimit, log: log.Named("query")}
}

func (r *QueryRunner) Execute(ctx context.Context, source string, env *reactive.Environment, dsn string) reactive.QueryResult {
	sql, err := substitute(source, env)
	if err != nil {
		return reactive.QueryResult{Err: err}
	}
	if err := validateQuery(sql); err != nil {
		return reactive.QueryResult{Err: err}
	}

	pool, err := r.pools.Get(ctx, dsn)
	if err != nil {
		return reactive.QueryResult{Err: err}
	}

	queryCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	rows, err := pool.Query(queryCtx, sql)
	if err != nil {
		return reactive.QueryResult{Err: r.describeFailure(queryCtx, err)}
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	collected := make([]map[string]any, 0)
	truncated := false
	for rows.Next() {
		// One probe row past the limit tells us the set was cut without
		// materializing the rest.
		if len(collected) == r.rowLimit {
			truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return reactive.QueryResult{Err: r.describeFailure(queryCtx, err)}
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = normalizeValue(values[i])
		}
		collected = append(collected, row)
	}
	if !truncated {
		if err := rows.Err(); err != nil {
			return reactive.QueryResult{Err: r.describeFailure(queryCtx, err)}
		}
	}

	r.log.Debug("query cell finished", logutil.Values(
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("rows", len(collected)),
		zap.Bool("truncated", truncated),
	))
	return reactive.QueryResult{Rows: collected, RowCount: len(collected), Truncated: truncated}
}

// describeFailure turns a driver error into the text surfaced on the cell.
func (r *QueryRunner) describeFailure(queryCtx context.Context, err error) error {
	if queryCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("Query execution timed out after %s", r.timeout)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("PostgreSQL error: %s", pgErr.Message)
	}
	return fmt.Errorf("query failed: %v", err)
}

// normalizeValue flattens driver-specific scan types into plain values that
// survive JSON encoding: byte slices become strings, uuid arrays become
// their canonical text form.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case [16]byte:
		return uuid.UUID(t).String()
	default:
		return v
	}
}
