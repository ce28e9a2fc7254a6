package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/travelers-ai/backend/internal/model"
	"github.com/travelers-ai/backend/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// forwardTimeout bounds one upstream send on behalf of a session.
	forwardTimeout = 10 * time.Second
)

// Close codes sent to downstream sessions that cannot be served.
const (
	CloseEngineUnavailable = 4003
	CloseSessionExists     = 4009
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler serves downstream websocket sessions.
type Handler struct {
	hub    *Hub
	logger zerolog.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *Hub, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: logger.With().Str("component", "ws").Logger(),
	}
}

// HandleConnection upgrades the request and attaches it to the hub as
// sessionID. It returns once the pumps are running.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn, sessionID)
	sess, err := h.hub.Attach(sessionID, client)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, model.ErrSessionExists) {
			code = CloseSessionExists
		}
		closeWith(conn, code, err.Error())
		return err
	}

	go h.writePump(client)
	go h.readPump(client, sess)

	return nil
}

// Refuse upgrades the request only to close it straight away with code.
func (h *Handler) Refuse(w http.ResponseWriter, r *http.Request, code int, reason string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	closeWith(conn, code, reason)
	return nil
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, protocol.Truncate(reason, 120))
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

// readPump forwards frames from the session to the engine.
func (h *Handler) readPump(client *Client, sess *Session) {
	defer func() {
		h.hub.detachSession(sess)
		client.Close()
		client.Conn().Close()
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Warn().Err(err).Str("session_id", sess.ID()).Msg("websocket error")
			}
			break
		}

		req, err := protocol.DecodeRequest(message)
		if err != nil {
			h.logger.Warn().Err(err).Str("session_id", sess.ID()).
				Str("frame", protocol.Truncate(string(message), 200)).
				Msg("dropping downstream frame")
			continue
		}
		if cu, ok := req.(protocol.ContextUpdate); ok {
			if _, err := protocol.ParseScreen(string(cu.Screen)); err != nil {
				h.logger.Debug().Str("screen", string(cu.Screen)).Msg("unknown screen, using home")
				cu.Screen = protocol.ScreenHome
				req = cu
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		// Errors are reported to the session by the hub.
		_ = h.hub.Forward(ctx, sess.ID(), req)
		cancel()
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per message; the browser parses each as JSON.
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SetCheckOrigin sets a custom origin checker for the WebSocket upgrader.
func SetCheckOrigin(fn func(r *http.Request) bool) {
	upgrader.CheckOrigin = fn
}

// AllowOrigins returns an origin checker accepting the listed origins. An
// empty list or "*" accepts everything. Requests without an Origin header
// do not come from a browser and are accepted.
func AllowOrigins(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
