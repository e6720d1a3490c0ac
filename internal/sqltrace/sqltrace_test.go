package sqltrace

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/testinsights/internal/tracer"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestStatementsAreAttributedToUnit(t *testing.T) {
	db := newTestDB(t)
	tr := tracer.New()

	ctx, h := tr.Begin(context.Background())
	h.Record(tracer.KindStart, 0, nil)

	_, err := db.ExecContext(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO widgets (name) VALUES (?)`, "sprocket")
	require.NoError(t, err)

	var name string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT name FROM widgets WHERE id = ?`, 1).Scan(&name))
	assert.Equal(t, "sprocket", name)

	rows, err := db.QueryContext(ctx, `SELECT id FROM widgets`)
	require.NoError(t, err)
	rows.Close()

	history := tr.Finalize(h)
	require.Len(t, history, 5)
	assert.Equal(t, tracer.KindStart, history[0].Kind)

	queries := []string{
		`CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		`INSERT INTO widgets (name) VALUES (?)`,
		`SELECT name FROM widgets WHERE id = ?`,
		`SELECT id FROM widgets`,
	}
	for i, q := range queries {
		ev := history[i+1]
		assert.Equal(t, tracer.KindSQL, ev.Kind)
		assert.Equal(t, q, ev.Detail["query"])
		assert.GreaterOrEqual(t, ev.Value, 0.0)
	}
}

func TestStatementDurationUsesTracerClock(t *testing.T) {
	db := newTestDB(t)
	mock := clock.NewMock()
	tr := tracer.New(tracer.WithClock(mock))

	ctx, h := tr.Begin(context.Background())
	_, err := db.ExecContext(ctx, `SELECT 1`)
	require.NoError(t, err)

	history := tr.Finalize(h)
	require.Len(t, history, 1)
	assert.Equal(t, 0.0, history[0].Value)

	// Advancing the clock has no effect on a recorded event.
	mock.Add(time.Second)
	assert.Equal(t, 0.0, tr.Finalize(h)[0].Value)
}

func TestStatementsOutsideUnitAreNotRecorded(t *testing.T) {
	db := newTestDB(t)
	tr := tracer.New()

	_, err := db.ExecContext(context.Background(), `SELECT 1`)
	require.NoError(t, err)

	_, h := tr.Begin(context.Background())
	assert.Empty(t, tr.Finalize(h))
}

func TestFailedStatementIsStillRecorded(t *testing.T) {
	db := newTestDB(t)
	tr := tracer.New()

	ctx, h := tr.Begin(context.Background())
	_, err := db.ExecContext(ctx, `SELECT * FROM missing_table`)
	assert.Error(t, err)

	history := tr.Finalize(h)
	require.Len(t, history, 1)
	assert.Equal(t, `SELECT * FROM missing_table`, history[0].Detail["query"])
}

func TestConcurrentUnitsKeepTheirStatements(t *testing.T) {
	db := newTestDB(t)
	tr := tracer.New()

	ctxA, a := tr.Begin(context.Background())
	ctxB, b := tr.Begin(context.Background())

	_, err := db.ExecContext(ctxA, `SELECT 'a'`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctxB, `SELECT 'b'`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctxA, `SELECT 'a2'`)
	require.NoError(t, err)

	historyA := tr.Finalize(a)
	historyB := tr.Finalize(b)
	require.Len(t, historyA, 2)
	require.Len(t, historyB, 1)
	assert.Equal(t, `SELECT 'a2'`, historyA[1].Detail["query"])
	assert.Equal(t, `SELECT 'b'`, historyB[0].Detail["query"])
	assert.NotNil(t, db.Unwrap())
}
