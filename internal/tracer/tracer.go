package tracer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/testinsights/internal/logging"
)

// Tracer owns the recorders of all units currently executing in a run.
type Tracer struct {
	clock  clock.Clock
	log    *logrus.Entry
	nextID atomic.Uint64

	mu     sync.Mutex
	active map[uint64]*Handle
}

// Handle is the unit-scoped handle returned by Begin.
type Handle struct {
	id       uint64
	tracer   *Tracer
	recorder *Recorder
	started  time.Time

	once    sync.Once
	history []Event
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithClock sets the clock used for relative timestamps and durations.
func WithClock(c clock.Clock) Option {
	return func(t *Tracer) { t.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(t *Tracer) { t.log = logging.Component(logger, "tracer") }
}

// New creates a new Tracer.
func New(opts ...Option) *Tracer {
	t := &Tracer{
		clock:  clock.New(),
		log:    logging.Component(nil, "tracer"),
		active: make(map[uint64]*Handle),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type unitKey struct{}

type unitRef struct {
	tracer *Tracer
	id     uint64
}

// Begin starts tracking a unit and returns a context carrying the association.
// Every backfill made with the returned context, or any context derived from
// it, is attributed to this unit.
func (t *Tracer) Begin(ctx context.Context) (context.Context, *Handle) {
	h := &Handle{
		id:       t.nextID.Add(1),
		tracer:   t,
		recorder: &Recorder{},
		started:  t.clock.Now(),
	}

	t.mu.Lock()
	t.active[h.id] = h
	t.mu.Unlock()

	return context.WithValue(ctx, unitKey{}, unitRef{tracer: t, id: h.id}), h
}

// Finalize stops tracking the unit and returns its immutable history.
// Calling Finalize again returns the same history.
func (t *Tracer) Finalize(h *Handle) []Event {
	h.once.Do(func() {
		t.mu.Lock()
		delete(t.active, h.id)
		t.mu.Unlock()

		h.history = h.recorder.Finalize()
	})
	return h.history
}

// Backfill records an event for the unit carried by ctx if it belongs to this
// tracer. It is a no-op when ctx carries no active unit.
func (t *Tracer) Backfill(ctx context.Context, kind Kind, value float64, detail map[string]any) {
	ref, ok := ctx.Value(unitKey{}).(unitRef)
	if !ok || ref.tracer != t {
		return
	}
	if h := t.lookup(ref.id); h != nil {
		h.Record(kind, value, detail)
	}
}

// Active returns the number of units currently being traced.
func (t *Tracer) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

func (t *Tracer) lookup(id uint64) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[id]
}

// Record appends an event to the unit's history. The detail map is stored as
// is. Events recorded after the unit was finalized are dropped.
func (h *Handle) Record(kind Kind, value float64, detail map[string]any) {
	if !h.recorder.Append(Event{Kind: kind, Value: value, Detail: detail}) {
		h.tracer.log.WithField("kind", kind).Debug("dropping event for finalized unit")
	}
}

// Mark records an event whose value is the time elapsed since Begin, in seconds.
func (h *Handle) Mark(kind Kind, detail map[string]any) {
	h.Record(kind, h.tracer.clock.Since(h.started).Seconds(), detail)
}

// Backfill records an event for whatever unit ctx is associated with.
// Events reported outside of any tracked unit are silently dropped.
func Backfill(ctx context.Context, kind Kind, value float64, detail map[string]any) {
	ref, ok := ctx.Value(unitKey{}).(unitRef)
	if !ok {
		return
	}
	ref.tracer.Backfill(ctx, kind, value, detail)
}

// Time starts timing a sub-operation of the unit carried by ctx. The returned
// function backfills the elapsed duration; it may be called from another
// goroutine as long as the unit has not been finalized yet.
func Time(ctx context.Context, kind Kind, detail map[string]any) func() {
	ref, ok := ctx.Value(unitKey{}).(unitRef)
	if !ok {
		return func() {}
	}
	start := ref.tracer.clock.Now()
	return func() {
		ref.tracer.Backfill(ctx, kind, ref.tracer.clock.Since(start).Seconds(), detail)
	}
}
