// Package testinsights collects execution traces of test units and delivers
// them to a remote collector while the run executes, with a compressed batch
// artifact as a fallback.
//
// A test engine drives it through hooks:
//
//	reporter := testinsights.New(config.Load())
//	run := reporter.OnRunStart(ctx)
//	// for every unit, possibly concurrently:
//	unitCtx, h := run.OnUnitStart(ctx)
//	// ... execute the unit with unitCtx ...
//	run.OnUnitEnd(unitCtx, h, &testinsights.Unit{...})
//	summary, err := run.OnRunEnd(ctx)
package testinsights

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/testinsights/internal/config"
	"github.com/xiaot623/testinsights/internal/logging"
	"github.com/xiaot623/testinsights/internal/trace"
	"github.com/xiaot623/testinsights/internal/tracer"
	"github.com/xiaot623/testinsights/internal/uploader"
)

type (
	Unit           = trace.Unit
	Inclusion      = trace.Inclusion
	Outcome        = trace.Outcome
	Failure        = trace.Failure
	AssertionError = trace.AssertionError
	Trace          = trace.Trace
	Kind           = tracer.Kind
	Event          = tracer.Event
	Handle         = tracer.Handle
	Summary        = uploader.Summary
	State          = uploader.State
)

const (
	OutcomePassed  = trace.OutcomePassed
	OutcomeFailed  = trace.OutcomeFailed
	OutcomePending = trace.OutcomePending
	OutcomeSkipped = trace.OutcomeSkipped

	KindStart = tracer.KindStart
	KindEnd   = tracer.KindEnd
	KindSQL   = tracer.KindSQL
)

// NewFailure classifies the error a unit failed with.
func NewFailure(err error) Failure {
	return trace.NewFailure(err)
}

// Backfill attributes an event to the unit carried by ctx. It is a no-op
// outside of a unit.
func Backfill(ctx context.Context, kind Kind, value float64, detail map[string]any) {
	tracer.Backfill(ctx, kind, value, detail)
}

// Time starts timing a sub-operation of the unit carried by ctx; calling the
// returned function records its duration.
func Time(ctx context.Context, kind Kind, detail map[string]any) func() {
	return tracer.Time(ctx, kind, detail)
}

// Reporter starts runs for one configuration.
type Reporter struct {
	cfg      *config.Config
	clock    clock.Clock
	logger   logrus.FieldLogger
	log      *logrus.Entry
	upOpts   []uploader.Option
	uploader *uploader.Uploader
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithLogger sets the logger shared by every component.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Reporter) { r.logger = logger }
}

// WithClock sets the clock used for timestamps and backoff.
func WithClock(c clock.Clock) Option {
	return func(r *Reporter) { r.clock = c }
}

// WithUploaderOptions passes options through to the uploader.
func WithUploaderOptions(opts ...uploader.Option) Option {
	return func(r *Reporter) { r.upOpts = append(r.upOpts, opts...) }
}

// New creates a Reporter. Without a logger one is built from cfg.LogLevel.
func New(cfg *config.Config, opts ...Option) *Reporter {
	r := &Reporter{
		cfg:   cfg,
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.New(cfg.LogLevel)
	}
	r.log = logging.Component(r.logger, "insights")

	upOpts := append([]uploader.Option{
		uploader.WithLogger(r.logger),
		uploader.WithClock(r.clock),
	}, r.upOpts...)
	r.uploader = uploader.New(cfg, upOpts...)
	return r
}

// Run is one test run. Its hooks are safe for concurrent use.
type Run struct {
	tracer *tracer.Tracer
	upload *uploader.Run
	log    *logrus.Entry
}

// OnRunStart begins a run, performing the collector handshake when streaming
// is configured.
func (r *Reporter) OnRunStart(ctx context.Context) *Run {
	upload := r.uploader.Start(ctx)
	r.log.WithField("state", upload.State()).Info("run started")

	return &Run{
		tracer: tracer.New(tracer.WithClock(r.clock), tracer.WithLogger(r.logger)),
		upload: upload,
		log:    r.log,
	}
}

// State returns the upload state of the run.
func (run *Run) State() State {
	return run.upload.State()
}

// OnUnitStart begins tracing a unit. The unit must execute with the returned
// context for asynchronous events to be attributed to it.
func (run *Run) OnUnitStart(ctx context.Context) (context.Context, *Handle) {
	return run.tracer.Begin(ctx)
}

// OnAsyncEvent records an event reported by instrumentation for the unit
// carried by ctx.
func (run *Run) OnAsyncEvent(ctx context.Context, kind Kind, value float64, detail map[string]any) {
	run.tracer.Backfill(ctx, kind, value, detail)
}

// OnUnitEnd finalizes the unit's history, assembles its trace and hands it to
// the uploader. Errors are logged and returned but never affect other units.
func (run *Run) OnUnitEnd(ctx context.Context, h *Handle, unit *Unit) error {
	// Enter first so OnRunEnd waits for the unit while its trace is assembled.
	handler, err := run.upload.Enter()
	history := run.tracer.Finalize(h)
	if err != nil {
		run.log.WithError(err).WithField("unit", unit.ID).Warn("failed to record unit trace")
		return fmt.Errorf("failed to complete unit %s: %w", unit.ID, err)
	}

	tr, err := trace.Assemble(unit, history)
	if err != nil {
		handler.Leave()
		run.log.WithError(err).WithField("unit", unit.ID).Warn("dropping unit trace")
		return err
	}

	handler.Complete(ctx, tr)
	return nil
}

// OnRunEnd waits for in-flight units, writes the batch artifact and closes
// the stream.
func (run *Run) OnRunEnd(ctx context.Context) (*Summary, error) {
	if active := run.tracer.Active(); active > 0 {
		run.log.WithField("active", active).Warn("run ended with units still executing")
	}

	summary, err := run.upload.Finish(ctx)
	if err != nil {
		run.log.WithError(err).Error("upload failed")
		return summary, err
	}
	return summary, nil
}
