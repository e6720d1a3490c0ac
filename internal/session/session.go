// Package session streams traces to the collector over a persistent websocket.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/testinsights/internal/logging"
	"github.com/xiaot623/testinsights/internal/protocol"
	"github.com/xiaot623/testinsights/internal/trace"
)

// PushResult reports what happened to a pushed trace.
type PushResult int

const (
	// PushFailed means the trace was not and will not be sent.
	PushFailed PushResult = iota
	// PushSent means the trace was written to the connection. The collector
	// does not acknowledge frames, so a connection reset right after the
	// write can still lose it.
	PushSent
	// PushQueued means the trace is waiting in the outbound queue and may still be sent.
	PushQueued
)

func (r PushResult) String() string {
	switch r {
	case PushSent:
		return "sent"
	case PushQueued:
		return "queued"
	default:
		return "failed"
	}
}

var (
	// ErrQueueFull is returned when the outbound queue cannot take another trace.
	ErrQueueFull = errors.New("session queue full")
	// ErrSessionDead is returned once the session gave up reconnecting.
	ErrSessionDead = errors.New("session is dead")
	// ErrSessionClosed is returned after Close was called.
	ErrSessionClosed = errors.New("session closed")
	// ErrSubscriptionRejected is returned when the collector refuses the channel.
	ErrSubscriptionRejected = errors.New("subscription rejected")
)

// Config holds the connection parameters of a session.
type Config struct {
	SocketURL     string
	Channel       string
	Authorization string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PushTimeout      time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	QueueSize        int
	MaxMessageSize   int64

	Retry RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 65536
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy()
	}
	return c
}

// frame is one outbound trace message.
type frame struct {
	data []byte
	done chan error
}

// Session is a live, subscribed connection to the collector. A single writer
// goroutine owns the connection; Push hands frames to it through a bounded queue.
type Session struct {
	cfg        Config
	identifier string
	dialer     *websocket.Dialer
	clock      clock.Clock
	log        *logrus.Entry

	outbound  chan *frame
	closing   chan struct{}
	dead      chan struct{}
	closeOnce  sync.Once
	sent       atomic.Int64
	reconnects atomic.Int64

	mu   sync.Mutex
	conn *websocket.Conn
	err  error
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the clock used for backoff, keepalive and push timeouts.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Session) { s.log = logging.Component(logger, "session") }
}

// Open connects to the collector socket and subscribes to the channel. On any
// failure the connection is released and an error is returned.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:        cfg,
		identifier: protocol.Identifier(cfg.Channel),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		clock:    clock.New(),
		log:      logging.Component(nil, "session"),
		outbound: make(chan *frame, cfg.QueueSize),
		closing:  make(chan struct{}),
		dead:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	s.setConn(conn)

	s.log.WithField("channel", cfg.Channel).Info("streaming session established")

	go s.run(conn)
	return s, nil
}

// Push sends one trace. Only PushSent confirms the trace reached the connection.
func (s *Session) Push(ctx context.Context, tr *trace.Trace) (PushResult, error) {
	data, err := protocol.MessageFrame(s.identifier, protocol.RecordResults{
		Action:  protocol.ActionRecordResults,
		Results: []*trace.Trace{tr},
	})
	if err != nil {
		return PushFailed, err
	}
	f := &frame{data: data, done: make(chan error, 1)}

	select {
	case <-s.dead:
		return PushFailed, s.Err()
	case <-s.closing:
		return PushFailed, ErrSessionClosed
	default:
	}

	select {
	case s.outbound <- f:
	default:
		return PushFailed, ErrQueueFull
	}

	timer := s.clock.Timer(s.cfg.PushTimeout)
	defer timer.Stop()

	select {
	case err := <-f.done:
		return pushResult(err)
	case <-s.dead:
		select {
		case err := <-f.done:
			return pushResult(err)
		default:
			return PushFailed, s.Err()
		}
	case <-timer.C:
		return PushQueued, nil
	case <-ctx.Done():
		return PushQueued, nil
	}
}

func pushResult(err error) (PushResult, error) {
	if err != nil {
		return PushFailed, err
	}
	return PushSent, nil
}

// Close flushes queued traces, announces the end of transmission and releases
// the connection. When ctx expires first the connection is torn down anyway.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })

	select {
	case <-s.dead:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to close session cleanly: %w", ctx.Err())
	}
}

// Dead is closed once the session stopped for good, after Close or after
// reconnecting failed.
func (s *Session) Dead() <-chan struct{} {
	return s.dead
}

// Err returns why the session stopped.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return ErrSessionDead
}

// Sent returns the number of traces written to the collector.
func (s *Session) Sent() int64 {
	return s.sent.Load()
}

// Reconnects returns how often the connection was re-established. Traces
// written just before a drop may not have reached the collector.
func (s *Session) Reconnects() int64 {
	return s.reconnects.Load()
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// connect dials the socket and completes the subscription handshake.
func (s *Session) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", s.cfg.Authorization)

	conn, _, err := s.dialer.DialContext(ctx, s.cfg.SocketURL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial collector socket: %w", err)
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	if err := s.subscribe(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *Session) subscribe(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read subscription handshake: %w", err)
		}

		var msg protocol.ServerFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("invalid handshake frame: %w", err)
		}

		switch msg.Type {
		case protocol.TypeWelcome:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteJSON(protocol.SubscribeFrame(s.identifier)); err != nil {
				return fmt.Errorf("failed to write subscribe: %w", err)
			}
		case protocol.TypeConfirmSubscription:
			if msg.Identifier == s.identifier {
				return nil
			}
		case protocol.TypeRejectSubscription:
			return fmt.Errorf("%w: %w", errPermanent, ErrSubscriptionRejected)
		case protocol.TypeDisconnect:
			return fmt.Errorf("collector disconnected during handshake: %s", msg.Reason)
		}
	}
}

// run owns the connection until the session is closed or declared dead.
func (s *Session) run(conn *websocket.Conn) {
	var reason error
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.err = reason
		s.mu.Unlock()

		s.failQueued(reason)
		close(s.dead)
	}()

	var pending *frame
	for {
		var err error
		pending, err = s.pump(conn, pending)
		conn.Close()
		if err == nil {
			reason = ErrSessionClosed
			s.fail(pending, reason)
			return
		}

		s.log.WithError(err).Warn("collector connection lost")
		conn, err = s.reconnect(err)
		if err != nil {
			if errors.Is(err, ErrSessionClosed) {
				reason = ErrSessionClosed
			} else {
				reason = fmt.Errorf("%w: %w", ErrSessionDead, err)
				s.log.WithError(err).Error("giving up on streaming session")
			}
			s.fail(pending, reason)
			return
		}
		s.reconnects.Add(1)
		s.setConn(conn)
	}
}

// pump writes queued frames and keepalive pings until the connection fails or
// the session is closed. The frame that could not be written is returned so it
// is retried first on the next connection.
func (s *Session) pump(conn *websocket.Conn, pending *frame) (*frame, error) {
	readErr := make(chan error, 1)
	go s.readPump(conn, readErr)

	ticker := s.clock.Ticker(s.cfg.PingInterval)
	defer ticker.Stop()

	if pending != nil {
		if err := s.write(conn, pending.data); err != nil {
			return pending, err
		}
		s.ack(pending)
	}

	for {
		select {
		case f := <-s.outbound:
			if err := s.write(conn, f.data); err != nil {
				return f, err
			}
			s.ack(f)

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil, fmt.Errorf("failed to write ping: %w", err)
			}

		case err := <-readErr:
			return nil, err

		case <-s.closing:
			s.shutdown(conn)
			return nil, nil
		}
	}
}

// readPump reads collector frames and keeps the read deadline moving while the
// collector is alive.
func (s *Session) readPump(conn *websocket.Conn, errc chan<- error) {
	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errc <- fmt.Errorf("failed to read from collector: %w", err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		var msg protocol.ServerFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.WithError(err).Debug("ignoring malformed collector frame")
			continue
		}

		switch msg.Type {
		case protocol.TypeDisconnect:
			if msg.Reconnect != nil && !*msg.Reconnect {
				errc <- fmt.Errorf("%w: collector disconnected: %s", errPermanent, msg.Reason)
				return
			}
			errc <- fmt.Errorf("collector requested reconnect: %s", msg.Reason)
			return
		case protocol.TypeRejectSubscription:
			errc <- fmt.Errorf("%w: %w", errPermanent, ErrSubscriptionRejected)
			return
		}
	}
}

// shutdown drains the queue while the connection is healthy, then announces
// the end of transmission and closes the socket.
func (s *Session) shutdown(conn *websocket.Conn) {
	for drained := false; !drained; {
		select {
		case f := <-s.outbound:
			if err := s.write(conn, f.data); err != nil {
				s.fail(f, err)
				return
			}
			s.ack(f)
		default:
			drained = true
		}
	}

	data, err := protocol.MessageFrame(s.identifier, protocol.EndOfTransmission{
		Action:        protocol.ActionEndOfTransmission,
		ExamplesCount: s.sent.Load(),
	})
	if err == nil {
		if err := s.write(conn, data); err != nil {
			s.log.WithError(err).Warn("failed to send end of transmission")
		}
	}

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(s.cfg.WriteTimeout))
}

// reconnect re-establishes the connection with backoff. It returns
// ErrSessionClosed when the session is closed while waiting.
func (s *Session) reconnect(cause error) (*websocket.Conn, error) {
	lastErr := cause
	for attempt := 1; s.cfg.Retry.ShouldRetry(lastErr, attempt-1); attempt++ {
		select {
		case <-s.clock.After(s.cfg.Retry.NextDelay(attempt)):
		case <-s.closing:
			return nil, ErrSessionClosed
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
		conn, err := s.connect(ctx)
		cancel()
		if err == nil {
			s.log.WithField("attempt", attempt).Info("reconnected to collector")
			return conn, nil
		}

		s.log.WithError(err).WithField("attempt", attempt).Warn("reconnect attempt failed")
		lastErr = err
	}
	return nil, lastErr
}

func (s *Session) write(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *Session) ack(f *frame) {
	s.sent.Add(1)
	f.done <- nil
}

func (s *Session) fail(f *frame, err error) {
	if f != nil {
		f.done <- err
	}
}

func (s *Session) failQueued(err error) {
	for {
		select {
		case f := <-s.outbound:
			s.fail(f, err)
		default:
			return
		}
	}
}
