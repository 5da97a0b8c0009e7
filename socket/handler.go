package socket

import (
	"context"
	"net/http"
	"time"

	"github.com/gobuffalo/buffalo"
	"github.com/gorilla/websocket"

	"github.com/gamebridge/relaykit/pending"
	"github.com/gamebridge/relaykit/protocol"
	"github.com/gamebridge/relaykit/telemetry"
)

// Authorizer validates a world's connect handshake. A false result with a
// nil error means the credentials were simply wrong.
type Authorizer interface {
	ValidateHeadlessSession(ctx context.Context, clientID, token string) (bool, error)
}

// PushFunc receives unsolicited frames, ones that carry no requestId and so
// belong to no in-flight dispatch. May be nil.
type PushFunc func(clientID string, env protocol.Envelope)

// Handler upgrades world connections, authenticates them, and runs their
// read pumps. Replies are routed to the pending table; everything else goes
// to the push sink.
type Handler struct {
	Registry     *Registry
	Pending      *pending.Table
	Auth         Authorizer
	Log          telemetry.Sink
	PingInterval time.Duration
	Push         PushFunc

	upgrader websocket.Upgrader
}

// NewHandler wires a connect handler. PingInterval of zero disables
// keepalive pings.
func NewHandler(reg *Registry, tbl *pending.Table, auth Authorizer, log telemetry.Sink, pingInterval time.Duration) *Handler {
	if log == nil {
		log = telemetry.Nop()
	}
	return &Handler{
		Registry:     reg,
		Pending:      tbl,
		Auth:         auth,
		Log:          log,
		PingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Worlds are headless processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Connect is the Buffalo handler worlds dial. Credentials travel as query
// parameters so the handshake stays a plain GET:
//
//	GET /?id=<clientId>&token=<token>
//
// The connection is upgraded first and then validated, so rejections arrive
// as WebSocket close frames (1008) rather than HTTP errors.
func (h *Handler) Connect(c buffalo.Context) error {
	req := c.Request()
	conn, err := h.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.Log.Warn("websocket upgrade failed", telemetry.Fields{"error": err.Error()})
		return nil
	}

	clientID := req.URL.Query().Get("id")
	token := req.URL.Query().Get("token")
	if clientID == "" || token == "" {
		h.refuse(conn, websocket.ClosePolicyViolation, "missing id or token")
		return nil
	}

	ok, err := h.Auth.ValidateHeadlessSession(req.Context(), clientID, token)
	if err != nil {
		h.Log.Error("handshake validation failed", telemetry.Fields{
			"clientId": clientID,
			"error":    err.Error(),
		})
		h.refuse(conn, websocket.CloseInternalServerErr, "validation unavailable")
		return nil
	}
	if !ok {
		h.Log.Warn("rejected world handshake", telemetry.Fields{"clientId": clientID})
		h.refuse(conn, websocket.ClosePolicyViolation, "invalid credentials")
		return nil
	}

	s := newSession(clientID, conn, h.Log, h.onSessionClose)
	h.Registry.Add(s)
	h.Log.Info("world connected", telemetry.Fields{
		"clientId": clientID,
		"session":  s.ID(),
	})

	if h.PingInterval > 0 {
		go s.pingLoop(h.PingInterval)
	}
	s.readPump(h.deliver)
	return nil
}

// onSessionClose unregisters the session and fails its in-flight requests
// so dispatchers don't wait out the full timeout.
func (h *Handler) onSessionClose(s *Session) {
	superseded := !h.Registry.Remove(s)
	failed := h.Pending.FailSession(s.ID(), pending.ErrSessionLost)
	if failed > 0 {
		h.Log.Info("failed in-flight requests for lost session", telemetry.Fields{
			"clientId": s.ClientID(),
			"session":  s.ID(),
			"count":    failed,
		})
	}
	h.Log.Info("world disconnected", telemetry.Fields{
		"clientId":   s.ClientID(),
		"session":    s.ID(),
		"superseded": superseded,
	})
}

// deliver routes one inbound frame. Frames with a requestId resolve their
// waiter; the rest are world-initiated pushes.
func (h *Handler) deliver(s *Session, env protocol.Envelope) {
	if env.RequestID != "" {
		h.Pending.Complete(env.RequestID, env)
		return
	}
	if h.Push != nil {
		h.Push(s.ClientID(), env)
		return
	}
	h.Log.Debug("ignoring unsolicited frame", telemetry.Fields{
		"clientId": s.ClientID(),
		"type":     env.Type,
	})
}

func (h *Handler) refuse(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
