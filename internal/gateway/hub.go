package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBufferFull is returned when a connection's send buffer is full.
	ErrBufferFull = errors.New("send buffer full")
	// ErrConnectionClosed is returned when sending to an unregistered connection.
	ErrConnectionClosed = errors.New("connection closed")
)

const sendBufferSize = 256

// Connection represents a single WebSocket connection.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
}

// Done is closed once the connection is unregistered.
func (c *Connection) Done() <-chan struct{} { return c.done }

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Hub tracks live stream connections.
type Hub struct {
	connections map[string]*Connection
	mu          sync.RWMutex
	log         logrus.FieldLogger
}

// NewHub creates a new Hub.
func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		connections: make(map[string]*Connection),
		log:         log,
	}
}

// NewConnection wraps ws. It is not tracked until registered.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Register starts tracking conn.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID] = conn
	h.mu.Unlock()
	h.log.WithField("connection_id", conn.ID).Debug("connection registered")
}

// Unregister stops tracking conn and signals its writers. Repeated calls are no-ops.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	_, ok := h.connections[conn.ID]
	delete(h.connections, conn.ID)
	h.mu.Unlock()

	conn.closeOnce.Do(func() { close(conn.done) })
	if ok {
		h.log.WithField("connection_id", conn.ID).Debug("connection unregistered")
	}
}

// SendJSON queues v for conn without blocking.
func (h *Hub) SendJSON(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-conn.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// StreamJSON queues v for conn, waiting for buffer space until the
// connection goes away.
func (h *Hub) StreamJSON(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case conn.Send <- data:
		return nil
	case <-conn.done:
		return ErrConnectionClosed
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// CloseAll sends a going-away close frame to every connection and unregisters it.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		log := h.log.WithField("connection_id", c.ID)
		if err := c.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
			log.WithError(err).Debug("failed to set close deadline")
		}
		if err := c.WriteMessage(websocket.CloseMessage, msg); err != nil {
			log.WithError(err).Debug("failed to send close frame")
		}
		h.Unregister(c)
		if err := c.Close(); err != nil {
			log.WithError(err).Debug("failed to close connection")
		}
	}
}
