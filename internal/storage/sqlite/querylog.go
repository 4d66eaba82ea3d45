package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
)

const defaultSlowQuery = 100 * time.Millisecond

// queryer is satisfied by *queryLogger and *sql.Tx, so helpers run the same
// way inside and outside a transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dbHandle is the interface satisfied by *queryLogger.
// All Store methods use this instead of *sql.DB directly.
type dbHandle interface {
	queryer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

// queryLogger wraps a *sql.DB and logs statements slower than threshold.
// A statement that has started is never cancelled; callers stop by not
// retrying.
type queryLogger struct {
	inner     *sql.DB
	log       zerolog.Logger
	threshold time.Duration
}

func (q *queryLogger) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := q.inner.ExecContext(context.WithoutCancel(ctx), query, args...)
	q.observe(start, query)
	return result, err
}

func (q *queryLogger) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := q.inner.QueryContext(context.WithoutCancel(ctx), query, args...)
	q.observe(start, query)
	return rows, err
}

func (q *queryLogger) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := q.inner.QueryRowContext(context.WithoutCancel(ctx), query, args...)
	q.observe(start, query)
	return row
}

func (q *queryLogger) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return q.inner.BeginTx(context.WithoutCancel(ctx), opts)
}

func (q *queryLogger) Close() error {
	return q.inner.Close()
}

func (q *queryLogger) observe(start time.Time, query string) {
	if q.threshold <= 0 {
		return
	}
	if d := time.Since(start); d >= q.threshold {
		q.log.Warn().
			Dur("duration", d.Round(time.Millisecond)).
			Str("query", truncateQuery(query)).
			Msg("slow query")
	}
}

func truncateQuery(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
