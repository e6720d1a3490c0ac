// Package sqltrace attributes database statements to the unit executing them.
package sqltrace

import (
	"context"
	"database/sql"
	"strings"

	"github.com/xiaot623/testinsights/internal/tracer"
)

// DB wraps a *sql.DB so that every statement run with a unit context records
// a sql event carrying the statement duration and text.
type DB struct {
	db *sql.DB
}

// Wrap instruments db.
func Wrap(db *sql.DB) *DB {
	return &DB{db: db}
}

// Open opens a database and instruments it. In-memory SQLite databases are
// limited to one connection, since each connection would see its own database.
func Open(driverName, dsn string) (*DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	return Wrap(db), nil
}

// Unwrap returns the underlying database.
func (d *DB) Unwrap() *sql.DB {
	return d.db
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// ExecContext executes a statement that returns no rows.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer timeStatement(ctx, query)()
	return d.db.ExecContext(ctx, query, args...)
}

// QueryContext executes a statement that returns rows.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer timeStatement(ctx, query)()
	return d.db.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a statement expected to return at most one row.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	defer timeStatement(ctx, query)()
	return d.db.QueryRowContext(ctx, query, args...)
}

func timeStatement(ctx context.Context, query string) func() {
	return tracer.Time(ctx, tracer.KindSQL, map[string]any{"query": query})
}
