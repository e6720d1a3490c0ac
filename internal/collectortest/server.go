// Package collectortest provides an in-process fake collector that speaks the
// registration handshake and the streaming socket protocol.
package collectortest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/testinsights/internal/protocol"
	"github.com/xiaot623/testinsights/internal/trace"
)

// ContactPath is the handshake route of the fake collector.
const ContactPath = "/v1/uploads"

// Server is a fake collector.
type Server struct {
	Token string

	echo     *echo.Echo
	http     *httptest.Server
	hub      *hub
	upgrader websocket.Upgrader

	mu                  sync.Mutex
	runKeys             []string
	traces              []*trace.Trace
	endOfTransmissions  []int64
	contactStatus       int
	omitChannel         bool
	rejectSubscriptions bool
	refuseSockets       bool
	pingInterval        time.Duration
}

// New starts a fake collector accepting the given token. It is shut down when
// the test finishes.
func New(t testing.TB, token string) *Server {
	t.Helper()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		Token: token,
		echo:  e,
		hub:   newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	e.POST(ContactPath, s.handleContact)
	e.GET("/cable", s.handleCable)

	s.http = httptest.NewServer(e)
	t.Cleanup(s.Close)
	return s
}

// URL returns the handshake endpoint.
func (s *Server) URL() string {
	return s.http.URL + ContactPath
}

// SocketURL returns the streaming endpoint.
func (s *Server) SocketURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/cable"
}

// Close drops every socket and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.http.Close()
}

// DropConnections closes every live socket without a close frame.
func (s *Server) DropConnections() {
	for _, conn := range s.hub.snapshot() {
		conn.Close()
	}
}

// Disconnect sends a disconnect frame to every live socket.
func (s *Server) Disconnect(reason string, reconnect bool) {
	for _, conn := range s.hub.snapshot() {
		conn.WriteJSON(protocol.ServerFrame{Type: protocol.TypeDisconnect, Reason: reason, Reconnect: &reconnect})
	}
}

// Broadcast writes an arbitrary frame to every live socket.
func (s *Server) Broadcast(frame protocol.ServerFrame) {
	for _, conn := range s.hub.snapshot() {
		conn.WriteJSON(frame)
	}
}

// FailContacts makes the handshake answer with the given status. Zero restores success.
func (s *Server) FailContacts(status int) {
	s.mu.Lock()
	s.contactStatus = status
	s.mu.Unlock()
}

// OmitChannel makes successful handshakes leave out the channel.
func (s *Server) OmitChannel(omit bool) {
	s.mu.Lock()
	s.omitChannel = omit
	s.mu.Unlock()
}

// RejectSubscriptions makes the socket reject channel subscriptions.
func (s *Server) RejectSubscriptions(reject bool) {
	s.mu.Lock()
	s.rejectSubscriptions = reject
	s.mu.Unlock()
}

// RefuseSockets makes socket upgrades fail with 503.
func (s *Server) RefuseSockets(refuse bool) {
	s.mu.Lock()
	s.refuseSockets = refuse
	s.mu.Unlock()
}

// PingEvery makes the collector send protocol pings on new sockets.
func (s *Server) PingEvery(interval time.Duration) {
	s.mu.Lock()
	s.pingInterval = interval
	s.mu.Unlock()
}

// RunKeys returns the run keys of every handshake received.
func (s *Server) RunKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.runKeys...)
}

// Traces returns every trace received over the socket.
func (s *Server) Traces() []*trace.Trace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*trace.Trace(nil), s.traces...)
}

// EndOfTransmissions returns the examples counts announced by closing sessions.
func (s *Server) EndOfTransmissions() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.endOfTransmissions...)
}

// Connections returns the number of live sockets.
func (s *Server) Connections() int {
	return s.hub.count()
}

// Accepted returns the number of sockets accepted so far.
func (s *Server) Accepted() int {
	return s.hub.acceptedCount()
}

func (s *Server) authorized(c echo.Context) bool {
	return c.Request().Header.Get("Authorization") == protocol.AuthorizationHeader(s.Token)
}

// handleContact handles the registration handshake.
func (s *Server) handleContact(c echo.Context) error {
	if !s.authorized(c) {
		return c.JSON(http.StatusUnauthorized, protocol.ErrorResponse{Error: "invalid token"})
	}

	var req protocol.ContactRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: "invalid request body"})
	}

	s.mu.Lock()
	s.runKeys = append(s.runKeys, req.RunKey)
	status := s.contactStatus
	omitChannel := s.omitChannel
	s.mu.Unlock()

	if status != 0 {
		return c.JSON(status, protocol.ErrorResponse{Error: "collector unavailable"})
	}

	resp := protocol.ContactResponse{Cable: s.SocketURL(), Channel: "run-" + uuid.New().String()[:8]}
	if omitChannel {
		resp.Channel = ""
	}
	return c.JSON(http.StatusCreated, resp)
}

// handleCable handles the streaming socket.
func (s *Server) handleCable(c echo.Context) error {
	s.mu.Lock()
	refuse := s.refuseSockets
	pingInterval := s.pingInterval
	s.mu.Unlock()

	if refuse {
		return c.JSON(http.StatusServiceUnavailable, protocol.ErrorResponse{Error: "sockets unavailable"})
	}
	if !s.authorized(c) {
		return c.JSON(http.StatusUnauthorized, protocol.ErrorResponse{Error: "invalid token"})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	conn := s.hub.register(ws)
	conn.WriteJSON(protocol.ServerFrame{Type: protocol.TypeWelcome})

	done := make(chan struct{})
	if pingInterval > 0 {
		go s.pingPump(conn, pingInterval, done)
	}
	go s.readPump(conn, done)

	return nil
}

func (s *Server) pingPump(conn *Connection, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			msg, _ := json.Marshal(now.Unix())
			if err := conn.WriteJSON(protocol.ServerFrame{Type: protocol.TypePing, Message: msg}); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(conn *Connection, done chan<- struct{}) {
	defer func() {
		close(done)
		s.hub.unregister(conn)
		conn.Close()
	}()

	for {
		_, data, err := conn.Conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(conn, data)
	}
}

// handleFrame dispatches client frames.
func (s *Server) handleFrame(conn *Connection, data []byte) {
	var frame protocol.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	switch frame.Command {
	case protocol.CommandSubscribe:
		s.mu.Lock()
		reject := s.rejectSubscriptions
		s.mu.Unlock()

		reply := protocol.TypeConfirmSubscription
		if reject {
			reply = protocol.TypeRejectSubscription
		} else {
			conn.Identifier = frame.Identifier
		}
		conn.WriteJSON(protocol.ServerFrame{Type: reply, Identifier: frame.Identifier})

	case protocol.CommandMessage:
		if frame.Identifier != conn.Identifier {
			return
		}
		s.handleMessage(frame.Data)
	}
}

func (s *Server) handleMessage(data string) {
	var action protocol.ActionData
	if err := json.Unmarshal([]byte(data), &action); err != nil {
		return
	}

	switch action.Action {
	case protocol.ActionRecordResults:
		var msg protocol.RecordResults
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return
		}
		s.mu.Lock()
		s.traces = append(s.traces, msg.Results...)
		s.mu.Unlock()

	case protocol.ActionEndOfTransmission:
		var msg protocol.EndOfTransmission
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return
		}
		s.mu.Lock()
		s.endOfTransmissions = append(s.endOfTransmissions, msg.ExamplesCount)
		s.mu.Unlock()
	}
}
