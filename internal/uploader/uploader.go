// Package uploader delivers the traces of a run to the collector, streaming
// them while the run executes and exporting a batch artifact when it ends.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/testinsights/internal/batch"
	"github.com/xiaot623/testinsights/internal/collector"
	"github.com/xiaot623/testinsights/internal/config"
	"github.com/xiaot623/testinsights/internal/logging"
	"github.com/xiaot623/testinsights/internal/protocol"
	"github.com/xiaot623/testinsights/internal/session"
	"github.com/xiaot623/testinsights/internal/trace"
)

// State represents where a run is in its upload lifecycle.
type State string

const (
	StateIdle        State = "IDLE"
	StateHandshaking State = "HANDSHAKING"
	StateStreaming   State = "STREAMING"
	StateBatchOnly   State = "BATCH_ONLY"
	StateFinalizing  State = "FINALIZING"
	StateDone        State = "DONE"
	StateDisabled    State = "DISABLED"
)

var (
	// ErrUpload wraps every I/O failure reported when a run is finished.
	ErrUpload = errors.New("upload failed")
	// ErrRunFinished is returned when a run is used after Finish was called.
	ErrRunFinished = errors.New("run already finished")
)

// Contacter performs the registration handshake.
type Contacter interface {
	Contact(ctx context.Context, runKey string) (*protocol.ContactResponse, error)
	Authorization() string
}

// Streamer is a live streaming session.
type Streamer interface {
	Push(ctx context.Context, tr *trace.Trace) (session.PushResult, error)
	Close(ctx context.Context) error
	Reconnects() int64
}

// Opener establishes streaming sessions.
type Opener interface {
	Open(ctx context.Context, cfg session.Config) (Streamer, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, cfg session.Config) (Streamer, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, cfg session.Config) (Streamer, error) {
	return f(ctx, cfg)
}

// Uploader starts runs against one collector configuration.
type Uploader struct {
	cfg       *config.Config
	contacter Contacter
	opener    Opener
	clock     clock.Clock
	logger    logrus.FieldLogger
	log       *logrus.Entry
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithContacter replaces the handshake client.
func WithContacter(c Contacter) Option {
	return func(u *Uploader) { u.contacter = c }
}

// WithOpener replaces the session factory.
func WithOpener(o Opener) Option {
	return func(u *Uploader) { u.opener = o }
}

// WithClock sets the clock handed to streaming sessions.
func WithClock(c clock.Clock) Option {
	return func(u *Uploader) { u.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(u *Uploader) { u.logger = logger }
}

// New creates an Uploader for cfg.
func New(cfg *config.Config, opts ...Option) *Uploader {
	u := &Uploader{
		cfg:   cfg,
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.log = logging.Component(u.logger, "uploader")

	if u.contacter == nil {
		u.contacter = collector.NewClient(cfg.URL, cfg.APIToken, cfg.HandshakeTimeout, u.logger)
	}
	if u.opener == nil {
		u.opener = OpenerFunc(u.openSession)
	}
	return u
}

func (u *Uploader) openSession(ctx context.Context, cfg session.Config) (Streamer, error) {
	s, err := session.Open(ctx, cfg, session.WithClock(u.clock), session.WithLogger(u.logger))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SessionConfig maps the collector configuration and a handshake response
// onto streaming session parameters.
func SessionConfig(cfg *config.Config, resp *protocol.ContactResponse, authorization string) session.Config {
	return session.Config{
		SocketURL:        resp.Cable,
		Channel:          resp.Channel,
		Authorization:    authorization,
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		PushTimeout:      cfg.PushTimeout,
		PingInterval:     cfg.PingInterval,
		ReadTimeout:      cfg.ReadTimeout,
		QueueSize:        cfg.QueueSize,
		MaxMessageSize:   cfg.MaxMessageSize,
		Retry: session.RetryPolicy{
			MaxAttempts:  cfg.ReconnectAttempts,
			InitialDelay: cfg.ReconnectDelay,
			Multiplier:   2,
			MaxDelay:     cfg.ReconnectMaxDelay,
		},
	}
}

// Summary describes what happened to the traces of a finished run.
// Streamed counts traces written to the socket, which the collector does not
// acknowledge. StreamedAll is only set when every trace was written over a
// connection that was never dropped.
type Summary struct {
	Total       int64
	Streamed    int64
	Unconfirmed int64
	Artifact    string
	StreamedAll bool
}

// Run holds the state of a single run. It is safe for concurrent use.
type Run struct {
	uploader *Uploader
	runKey   string
	log      *logrus.Entry

	mu        sync.RWMutex
	state     State
	finishing bool
	inflight  sync.WaitGroup
	stream    Streamer
	buffer    *Buffer

	total       atomic.Int64
	streamed    atomic.Int64
	unconfirmed atomic.Int64
}

// Start begins a run. When a token is configured the collector handshake is
// attempted; any failure leaves the run in batch-only mode. Without a token or
// an artifact path the run is disabled and performs no I/O at all.
func (u *Uploader) Start(ctx context.Context) *Run {
	r := &Run{
		uploader: u,
		state:    StateIdle,
		buffer:   &Buffer{},
	}

	if !u.cfg.Enabled() {
		r.log = u.log
		r.setState(StateDisabled)
		return r
	}

	r.runKey = collector.RunKey(u.cfg.RunKey)
	r.log = u.log.WithField("run_key", r.runKey)

	if !u.cfg.StreamingEnabled() {
		r.setState(StateBatchOnly)
		return r
	}

	r.setState(StateHandshaking)
	stream, err := u.handshake(ctx, r.runKey)
	if err != nil {
		r.log.WithError(err).Warn("streaming disabled for this run")
		r.setState(StateBatchOnly)
		return r
	}

	r.mu.Lock()
	r.stream = stream
	r.mu.Unlock()
	r.setState(StateStreaming)
	return r
}

func (u *Uploader) handshake(ctx context.Context, runKey string) (Streamer, error) {
	resp, err := u.contacter.Contact(ctx, runKey)
	if err != nil {
		return nil, fmt.Errorf("failed to contact collector: %w", err)
	}
	stream, err := u.opener.Open(ctx, SessionConfig(u.cfg, resp, u.contacter.Authorization()))
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	return stream, nil
}

// State returns the current state of the run.
func (r *Run) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// RunKey returns the key the run was registered with.
func (r *Run) RunKey() string {
	return r.runKey
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.log.WithField("state", s).Debug("run state changed")
}

// Handler is an in-flight unit completion. Finish does not read the buffer
// until every handler has completed or left.
type Handler struct {
	run  *Run
	once sync.Once
}

// Enter registers a completion handler. Callers enter before doing any work
// on a finished unit, so that a concurrent Finish waits for them.
func (r *Run) Enter() (*Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.finishing {
		return nil, ErrRunFinished
	}
	r.inflight.Add(1)
	return &Handler{run: r}, nil
}

// Leave releases the handler without handing over a trace. It is safe to
// call more than once.
func (h *Handler) Leave() {
	h.once.Do(h.run.inflight.Done)
}

// Complete hands over the trace and releases the handler.
func (h *Handler) Complete(ctx context.Context, tr *trace.Trace) {
	defer h.Leave()
	h.run.complete(ctx, tr)
}

// Complete hands over the trace of a finished unit. The trace is always
// buffered; when streaming it is also pushed to the collector.
func (r *Run) Complete(ctx context.Context, tr *trace.Trace) error {
	h, err := r.Enter()
	if err != nil {
		return err
	}
	h.Complete(ctx, tr)
	return nil
}

func (r *Run) complete(ctx context.Context, tr *trace.Trace) {
	r.mu.RLock()
	state, stream, buffer := r.state, r.stream, r.buffer
	r.mu.RUnlock()

	r.total.Add(1)
	if state == StateDisabled {
		return
	}

	buffer.Append(tr)

	if state != StateStreaming {
		return
	}

	result, err := stream.Push(ctx, tr)
	switch result {
	case session.PushSent:
		r.streamed.Add(1)
	case session.PushQueued:
		r.unconfirmed.Add(1)
	default:
		r.unconfirmed.Add(1)
		if errors.Is(err, session.ErrSessionDead) {
			r.fallBack(err)
		} else if err != nil {
			r.log.WithError(err).Debug("failed to push trace")
		}
	}
}

// fallBack moves a streaming run to batch-only once its session gave up.
func (r *Run) fallBack(err error) {
	r.mu.Lock()
	changed := r.state == StateStreaming
	if changed {
		r.state = StateBatchOnly
	}
	r.mu.Unlock()

	if changed {
		r.log.WithError(err).Warn("streaming session lost, continuing batch only")
	}
}

// Finish waits for every in-flight completion, then writes the batch artifact
// and closes the streaming session concurrently. Run state is released
// afterwards, so a later run starts clean.
func (r *Run) Finish(ctx context.Context) (*Summary, error) {
	r.mu.Lock()
	if r.finishing {
		r.mu.Unlock()
		return nil, ErrRunFinished
	}
	r.finishing = true
	r.mu.Unlock()

	r.inflight.Wait()

	r.mu.Lock()
	disabled := r.state == StateDisabled
	if !disabled {
		r.state = StateFinalizing
	}
	stream, buffer := r.stream, r.buffer
	r.stream, r.buffer = nil, nil
	r.mu.Unlock()

	summary := &Summary{
		Total:       r.total.Load(),
		Streamed:    r.streamed.Load(),
		Unconfirmed: r.unconfirmed.Load(),
	}
	if disabled {
		return summary, nil
	}

	cfg := r.uploader.cfg
	var g errgroup.Group

	if cfg.BatchEnabled() {
		traces := buffer.Snapshot()
		g.Go(func() error {
			if err := batch.Write(cfg.Filename, &protocol.BatchDocument{Results: traces}); err != nil {
				return err
			}
			summary.Artifact = cfg.Filename
			r.log.WithFields(logrus.Fields{
				"path":   cfg.Filename,
				"traces": len(traces),
			}).Info("batch artifact written")
			return nil
		})
	}

	if stream != nil {
		g.Go(func() error {
			if err := stream.Close(ctx); err != nil {
				r.log.WithError(err).Warn("failed to close streaming session")
			}
			return nil
		})
	}

	err := g.Wait()
	summary.StreamedAll = stream != nil && stream.Reconnects() == 0 && summary.Streamed == summary.Total
	r.setState(StateDone)

	r.log.WithFields(logrus.Fields{
		"total":        summary.Total,
		"streamed":     summary.Streamed,
		"unconfirmed":  summary.Unconfirmed,
		"streamed_all": summary.StreamedAll,
	}).Info("run finished")

	if err != nil {
		return summary, fmt.Errorf("%w: %w", ErrUpload, err)
	}
	return summary, nil
}
