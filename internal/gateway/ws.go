package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/fleetd/internal/domain"
)

// ServerOptions tunes the WebSocket transport.
type ServerOptions struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

func (o *ServerOptions) defaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
}

// Server streams sessions over WebSocket.
type Server struct {
	gw       *Gateway
	hub      *Hub
	opts     ServerOptions
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(gw *Gateway, h *Hub, opts ServerOptions, log logrus.FieldLogger) *Server {
	opts.defaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		gw:   gw,
		hub:  h,
		opts: opts,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// client is the per-connection state. It lives exactly as long as the socket.
type client struct {
	conn *Connection

	mu      sync.Mutex
	session *Session
}

func (c *client) current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *client) swap(s *Session) {
	c.mu.Lock()
	old := c.session
	c.session = s
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// HandleStream handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleStream(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.WithError(err).Warn("failed to upgrade websocket")
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)
	ws.SetReadLimit(s.opts.MaxMessageSize)

	cl := &client{conn: conn}
	go s.writePump(conn)
	go s.readPump(cl)
	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(cl *client) {
	conn := cl.conn
	defer func() {
		cl.swap(nil)
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).WithField("connection_id", conn.ID).Debug("websocket read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		s.handleMessage(cl, message)
	}
}

// writePump writes queued messages and keeps the connection alive with pings.
func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.WithError(err).WithField("connection_id", conn.ID).Debug("websocket write failed")
				s.hub.Unregister(conn)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.Unregister(conn)
				return
			}

		case <-conn.Done():
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(cl *client, data []byte) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		s.sendError(cl, ErrorCodeInvalidMessage, "invalid JSON message", false)
		return
	}

	switch base.Type {
	case TypeSubscribe:
		s.handleSubscribe(cl, data)
	case TypeSnapshotRequest:
		s.handleSnapshot(cl)
	case TypePing:
		s.hub.SendJSON(cl.conn, BaseMessage{Type: TypePong, Ts: time.Now().UnixMilli(), SessionID: sessionID(cl.current())})
	default:
		s.sendError(cl, ErrorCodeInvalidMessage, "unknown message type: "+base.Type, false)
	}
}

// handleSubscribe replaces the connection's session.
func (s *Server) handleSubscribe(cl *client, data []byte) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(cl, ErrorCodeInvalidMessage, "invalid subscribe message", false)
		return
	}

	cl.swap(nil)
	session, err := s.gw.Attach(context.Background(), AttachRequest{Topics: msg.Topics, FromSequence: msg.FromSequence})
	if err != nil {
		s.sendDomainError(cl, err)
		return
	}
	cl.swap(session)

	base := BaseMessage{Ts: time.Now().UnixMilli(), SessionID: session.ID()}
	if snap := session.Initial(); snap != nil {
		base.Type = TypeSnapshot
		err = s.hub.StreamJSON(cl.conn, SnapshotMessage{BaseMessage: base, Snapshot: *snap})
	} else {
		base.Type = TypeSubscribed
		err = s.hub.StreamJSON(cl.conn, SubscribedMessage{BaseMessage: base, FromSequence: *msg.FromSequence})
	}
	if err != nil {
		return
	}
	go s.pump(cl, session)
}

// pump forwards session events until the session is replaced, closed or degraded.
func (s *Server) pump(cl *client, session *Session) {
	for ev := range session.Events() {
		if cl.current() != session {
			return
		}
		msg := EventMessage{
			BaseMessage: BaseMessage{Type: TypeEvent, Ts: time.Now().UnixMilli(), SessionID: session.ID()},
			Event:       ev,
		}
		if err := s.hub.StreamJSON(cl.conn, msg); err != nil {
			s.log.WithError(err).WithField("session_id", session.ID()).Debug("failed to write event")
			return
		}
		if session.Degraded() {
			s.log.WithFields(logrus.Fields{
				"session_id": session.ID(),
				"dropped":    session.Dropped(),
			}).Warn("session fell behind, requesting resync")
			err := s.hub.StreamJSON(cl.conn, ResyncRequiredMessage{
				BaseMessage: BaseMessage{Type: TypeResyncRequired, Ts: time.Now().UnixMilli(), SessionID: session.ID()},
				Dropped:     session.Dropped(),
				Reason:      "events were dropped, subscribe again without from_sequence",
			})
			if err != nil {
				s.log.WithError(err).WithField("session_id", session.ID()).Debug("failed to write resync_required")
			}
			cl.mu.Lock()
			if cl.session == session {
				cl.session = nil
			}
			cl.mu.Unlock()
			session.Close()
			return
		}
	}
}

func (s *Server) handleSnapshot(cl *client) {
	session := cl.current()
	if session == nil {
		s.sendError(cl, ErrorCodeSessionRequired, "must subscribe first", false)
		return
	}
	s.hub.StreamJSON(cl.conn, SnapshotMessage{
		BaseMessage: BaseMessage{Type: TypeSnapshot, Ts: time.Now().UnixMilli(), SessionID: session.ID()},
		Snapshot:    session.Snapshot(),
	})
}

func (s *Server) sendDomainError(cl *client, err error) {
	var de *domain.Error
	if errors.As(err, &de) {
		code := de.Code
		if de.Kind == domain.KindSequenceTooOld {
			code = ErrorCodeSequenceTooOld
		}
		s.sendError(cl, code, de.Message, de.Retryable())
		return
	}
	s.log.WithError(err).Error("attach failed")
	s.sendError(cl, ErrorCodeInternalError, err.Error(), true)
}

// sendError sends an error message to a connection.
func (s *Server) sendError(cl *client, code, message string, retryable bool) {
	s.hub.SendJSON(cl.conn, ErrorMessage{
		BaseMessage: BaseMessage{Type: TypeError, Ts: time.Now().UnixMilli(), SessionID: sessionID(cl.current())},
		Code:        code,
		Message:     message,
		Retryable:   retryable,
	})
}

func sessionID(s *Session) string {
	if s == nil {
		return ""
	}
	return s.ID()
}
