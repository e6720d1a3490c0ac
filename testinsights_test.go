package testinsights

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/testinsights/internal/batch"
	"github.com/xiaot623/testinsights/internal/collectortest"
	"github.com/xiaot623/testinsights/internal/config"
	"github.com/xiaot623/testinsights/internal/sqltrace"
	"github.com/xiaot623/testinsights/internal/trace"
	"github.com/xiaot623/testinsights/internal/uploader"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func unitAt(i int, outcome Outcome) *Unit {
	return &Unit{
		ID:               fmt.Sprintf("./spec/widget_spec.rb[1:%d]", i),
		Location:         fmt.Sprintf("./spec/widget_spec.rb:%d", 10+i),
		Description:      fmt.Sprintf("case %d", i),
		GroupDescription: "Widget",
		Outcome:          outcome,
	}
}

func TestRunStreamsAndExportsEveryUnit(t *testing.T) {
	srv := collectortest.New(t, "secret")
	path := filepath.Join(t.TempDir(), "results.json.gz")
	cfg := &config.Config{
		APIToken:          "secret",
		URL:               srv.URL(),
		Filename:          path,
		HandshakeTimeout:  2 * time.Second,
		PushTimeout:       time.Second,
		WriteTimeout:      time.Second,
		PingInterval:      time.Second,
		ReadTimeout:       5 * time.Second,
		ReconnectAttempts: 1,
		ReconnectDelay:    10 * time.Millisecond,
	}

	db, err := sqltrace.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	_, err = db.ExecContext(context.Background(), `CREATE TABLE widgets (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	ctx := context.Background()
	run := New(cfg, WithLogger(quietLogger())).OnRunStart(ctx)
	require.Equal(t, uploader.StateStreaming, run.State())

	const units = 20
	var g errgroup.Group
	for i := 0; i < units; i++ {
		i := i
		g.Go(func() error {
			unitCtx, h := run.OnUnitStart(ctx)
			h.Mark(KindStart, nil)
			if _, err := db.ExecContext(unitCtx, `INSERT INTO widgets (id) VALUES (?)`, i); err != nil {
				return err
			}
			h.Mark(KindEnd, nil)

			unit := unitAt(i, OutcomePassed)
			if i%5 == 0 {
				unit.Outcome = OutcomeFailed
				unit.Failure = NewFailure(&AssertionError{Message: "expected 1, got 2"})
			}
			return run.OnUnitEnd(unitCtx, h, unit)
		})
	}
	require.NoError(t, g.Wait())

	summary, err := run.OnRunEnd(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(units), summary.Total)
	assert.True(t, summary.StreamedAll)

	require.Eventually(t, func() bool { return len(srv.EndOfTransmissions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, srv.Traces(), units)

	doc, err := batch.Read(path)
	require.NoError(t, err)
	require.Len(t, doc.Results, units)

	failed := 0
	for _, tr := range doc.Results {
		assert.Equal(t, "./spec/widget_spec.rb", tr.FileName)
		assert.Equal(t, "Widget", tr.Scope)
		require.Len(t, tr.History, 3)
		assert.Equal(t, KindStart, tr.History[0].Kind)
		assert.Equal(t, KindSQL, tr.History[1].Kind)
		assert.Equal(t, KindEnd, tr.History[2].Kind)
		if tr.Result == trace.ResultFailed {
			failed++
			require.NotNil(t, tr.Failure)
			assert.Equal(t, "expected 1, got 2", *tr.Failure)
		}
	}
	assert.Equal(t, units/5, failed)
}

func TestAsyncEventsAreAttributedToTheirUnit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json.gz")
	mock := clock.NewMock()
	run := New(&config.Config{Filename: path}, WithLogger(quietLogger()), WithClock(mock)).OnRunStart(context.Background())

	ctx, h := run.OnUnitStart(context.Background())
	h.Record(KindStart, 0, nil)
	stop := Time(ctx, "http", map[string]any{"url": "/widgets"})
	h.Record(KindEnd, 0.5, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		mock.Add(250 * time.Millisecond)
		stop()
		run.OnAsyncEvent(ctx, "cache", 0.01, nil)
	}()
	<-done

	require.NoError(t, run.OnUnitEnd(ctx, h, unitAt(1, OutcomePassed)))

	// Events reported after the unit ended are dropped.
	Backfill(ctx, KindSQL, 1, nil)

	_, err := run.OnRunEnd(context.Background())
	require.NoError(t, err)

	doc, err := batch.Read(path)
	require.NoError(t, err)
	require.Len(t, doc.Results, 1)

	history := doc.Results[0].History
	require.Len(t, history, 4)
	assert.Equal(t, []Kind{KindStart, KindEnd, "http", "cache"},
		[]Kind{history[0].Kind, history[1].Kind, history[2].Kind, history[3].Kind})
	assert.Equal(t, 0.25, history[2].Value)
}

func TestUnknownOutcomeDoesNotAbortRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json.gz")
	run := New(&config.Config{Filename: path}, WithLogger(quietLogger())).OnRunStart(context.Background())

	ctx, h := run.OnUnitStart(context.Background())
	err := run.OnUnitEnd(ctx, h, unitAt(1, Outcome(42)))
	assert.ErrorIs(t, err, trace.ErrUnknownOutcome)

	ctx, h = run.OnUnitStart(context.Background())
	require.NoError(t, run.OnUnitEnd(ctx, h, unitAt(2, OutcomeSkipped)))

	summary, err := run.OnRunEnd(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Total)

	doc, err := batch.Read(path)
	require.NoError(t, err)
	require.Len(t, doc.Results, 1)
	assert.Equal(t, trace.ResultSkipped, doc.Results[0].Result)
}

func TestUnconfiguredRunIsNoOp(t *testing.T) {
	run := New(&config.Config{}, WithLogger(quietLogger())).OnRunStart(context.Background())
	assert.Equal(t, uploader.StateDisabled, run.State())

	ctx, h := run.OnUnitStart(context.Background())
	run.OnAsyncEvent(ctx, KindSQL, 0.1, map[string]any{"query": "SELECT 1"})
	require.NoError(t, run.OnUnitEnd(ctx, h, unitAt(1, OutcomePassed)))

	summary, err := run.OnRunEnd(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Artifact)
}

func TestUploadFailureIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "results.json.gz")
	run := New(&config.Config{Filename: path}, WithLogger(quietLogger())).OnRunStart(context.Background())

	ctx, h := run.OnUnitStart(context.Background())
	require.NoError(t, run.OnUnitEnd(ctx, h, unitAt(1, OutcomePassed)))

	_, err := run.OnRunEnd(context.Background())
	assert.True(t, errors.Is(err, uploader.ErrUpload))
}

func TestNewFailureClassifiesErrors(t *testing.T) {
	assert.Equal(t, trace.FailureNone, NewFailure(nil).Kind)
	assert.Equal(t, trace.FailureAssertion, NewFailure(&AssertionError{Message: "nope"}).Kind)

	f := NewFailure(errors.New("boom"))
	assert.Equal(t, trace.FailureError, f.Kind)
	assert.Equal(t, "errors.errorString", f.TypeName)
}

func TestUnitEndingAfterRunEndIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json.gz")
	run := New(&config.Config{Filename: path}, WithLogger(quietLogger())).OnRunStart(context.Background())

	ctx, h := run.OnUnitStart(context.Background())
	h.Mark(KindStart, nil)

	summary, err := run.OnRunEnd(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Total)

	err = run.OnUnitEnd(ctx, h, unitAt(1, OutcomePassed))
	assert.ErrorIs(t, err, uploader.ErrRunFinished)
	assert.Equal(t, 0, run.tracer.Active())
}
