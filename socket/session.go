// Package socket manages the long-lived WebSocket connections game worlds
// hold open to the broker. Each connection becomes a Session tracked in a
// Registry keyed by clientId; the newest connection for a clientId wins.
package socket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gamebridge/relaykit/protocol"
	"github.com/gamebridge/relaykit/telemetry"
)

// ErrSessionClosed is returned by Send once the underlying connection has
// been torn down.
var ErrSessionClosed = errors.New("session closed")

// writeWait bounds how long a single frame write may block before the
// connection is considered dead.
const writeWait = 10 * time.Second

// pingPayload is the application data carried by keepalive ping frames.
const pingPayload = "keepalive"

// wsConn is the slice of *websocket.Conn a session needs. Tests substitute
// an in-memory fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Session is one authenticated world connection. Writes are serialized with
// a mutex because gorilla connections allow only one concurrent writer.
type Session struct {
	id          string
	clientID    string
	conn        wsConn
	log         telemetry.Sink
	connectedAt time.Time

	sendMu    sync.Mutex
	lastSeen  atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
	pingStop  chan struct{}

	// onClose runs exactly once when the session dies, from either the read
	// pump or an explicit Close.
	onClose func(*Session)
}

func newSession(clientID string, conn wsConn, log telemetry.Sink, onClose func(*Session)) *Session {
	if log == nil {
		log = telemetry.Nop()
	}
	s := &Session{
		id:          uuid.NewString(),
		clientID:    clientID,
		conn:        conn,
		log:         log,
		connectedAt: time.Now(),
		pingStop:    make(chan struct{}),
		onClose:     onClose,
	}
	s.Touch()
	conn.SetPongHandler(func(string) error {
		s.Touch()
		return nil
	})
	return s
}

// ID returns the session's unique instance id. Two connections from the same
// world get distinct ids, which is how supersession is told apart.
func (s *Session) ID() string { return s.id }

// ClientID returns the world identifier this session authenticated as.
func (s *Session) ClientID() string { return s.clientID }

// ConnectedAt returns when the session was established.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Touch records activity on the connection.
func (s *Session) Touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the most recent inbound frame or pong.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Send encodes the envelope and writes it as a single text frame.
func (s *Session) Send(env protocol.Envelope) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears the session down without a close frame.
func (s *Session) Close() {
	s.shutdown(0, "")
}

// CloseWithCode sends a close frame with the given status code before
// tearing the session down.
func (s *Session) CloseWithCode(code int, reason string) {
	s.shutdown(code, reason)
}

func (s *Session) shutdown(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.pingStop)
		if code != 0 {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		}
		_ = s.conn.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// readPump consumes frames until the connection dies, handing each decoded
// envelope to deliver. Malformed frames are logged and skipped; the
// connection stays up.
func (s *Session) readPump(deliver func(*Session, protocol.Envelope)) {
	defer s.Close()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.log.Info("world connection closed", telemetry.Fields{
					"clientId": s.clientID,
					"reason":   err.Error(),
				})
			}
			return
		}
		s.Touch()

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			s.log.Warn("dropping malformed frame", telemetry.Fields{
				"clientId": s.clientID,
				"error":    err.Error(),
			})
			continue
		}
		deliver(s, env)
	}
}

// pingLoop sends keepalive pings until the session closes. A failed ping
// write kills the session.
func (s *Session) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.conn.WriteControl(websocket.PingMessage, []byte(pingPayload), time.Now().Add(writeWait))
			if err != nil {
				s.log.Info("keepalive ping failed", telemetry.Fields{
					"clientId": s.clientID,
					"error":    err.Error(),
				})
				s.Close()
				return
			}
		case <-s.pingStop:
			return
		}
	}
}
