package collectortest

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection represents a single client socket.
type Connection struct {
	ID         string
	Identifier string
	Conn       *websocket.Conn
	mu         sync.Mutex
}

// WriteJSON writes a frame to the connection with proper locking.
func (c *Connection) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// hub tracks the live sockets of the fake collector.
type hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	accepted    int
}

func newHub() *hub {
	return &hub{connections: make(map[string]*Connection)}
}

func (h *hub) register(ws *websocket.Conn) *Connection {
	conn := &Connection{ID: uuid.New().String(), Conn: ws}
	h.mu.Lock()
	h.connections[conn.ID] = conn
	h.accepted++
	h.mu.Unlock()
	return conn
}

func (h *hub) unregister(conn *Connection) {
	h.mu.Lock()
	delete(h.connections, conn.ID)
	h.mu.Unlock()
}

func (h *hub) snapshot() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	return conns
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *hub) acceptedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.accepted
}
