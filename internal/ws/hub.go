package ws

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/travelers-ai/backend/internal/model"
	"github.com/travelers-ai/backend/internal/protocol"
)

// sendBufferSize is the per-client queue depth. A client that falls this far
// behind is closed.
const sendBufferSize = 256

// Sink receives encoded frames for one downstream session. Send must not
// block.
type Sink interface {
	Send(data []byte)
	Close()
}

// Upstream is the engine side of the hub.
type Upstream interface {
	Send(ctx context.Context, req protocol.OutboundRequest) error
	Ready() bool
}

// Client is a websocket connection acting as a Sink.
type Client struct {
	conn   *websocket.Conn
	id     string
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

// NewClient creates a new WebSocket client.
func NewClient(conn *websocket.Conn, id string) *Client {
	return &Client{
		conn: conn,
		id:   id,
		send: make(chan []byte, sendBufferSize),
	}
}

// Send queues a message to be sent to the client.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		// Buffer full, close the client
		c.closeLocked()
	}
}

// Close closes the send queue; the write pump then closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ID returns the session id the client attached with.
func (c *Client) ID() string {
	return c.id
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Session is one attached downstream caller.
type Session struct {
	id           string
	registeredAt time.Time
	sink         Sink
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// RegisteredAt returns when the session attached.
func (s *Session) RegisteredAt() time.Time { return s.registeredAt }

// Hub is the registry of downstream sessions sharing one upstream.
type Hub struct {
	upstream Upstream
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   zerolog.Logger
	now      func() time.Time
}

// NewHub creates a Hub forwarding to up.
func NewHub(up Upstream, logger zerolog.Logger) *Hub {
	return &Hub{
		upstream: up,
		sessions: make(map[string]*Session),
		logger:   logger.With().Str("component", "proxy").Logger(),
		now:      time.Now,
	}
}

// Attach registers a session and sends it the current engine status. It
// fails with model.ErrSessionExists if id is taken.
func (h *Hub) Attach(id string, sink Sink) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionExists, id)
	}

	// Readiness is read under the lock: the store is updated before the
	// broadcast, so the joiner sees either the new value or the live frame.
	status, err := protocol.EncodeEvent(protocol.StatusSnapshot(h.upstream.Ready()))
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}

	s := &Session{id: id, registeredAt: h.now(), sink: sink}
	h.sessions[id] = s
	sink.Send(status)

	h.logger.Info().Str("session_id", id).Int("sessions", len(h.sessions)).Msg("session attached")
	return s, nil
}

// Detach removes a session. Unknown ids are ignored.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	n := len(h.sessions)
	h.mu.Unlock()

	if ok {
		h.logger.Info().Str("session_id", s.id).Int("sessions", n).Msg("session detached")
	}
}

// detachSession removes s only if it is still the session registered under
// its id.
func (h *Hub) detachSession(s *Session) {
	h.mu.Lock()
	cur, ok := h.sessions[s.id]
	if ok && cur == s {
		delete(h.sessions, s.id)
	}
	n := len(h.sessions)
	h.mu.Unlock()

	if ok && cur == s {
		h.logger.Info().Str("session_id", s.id).Int("sessions", n).Msg("session detached")
	}
}

// Broadcast sends ev to every attached session.
func (h *Hub) Broadcast(ev protocol.InboundEvent) {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(ev.Type())).Msg("failed to encode event")
		return
	}

	h.mu.RLock()
	targets := make([]Sink, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s.sink)
	}
	h.mu.RUnlock()

	for _, sink := range targets {
		sink.Send(data)
	}
}

// Forward passes req from session id to the engine. On failure the session
// gets an error frame and the error is returned.
func (h *Hub) Forward(ctx context.Context, id string, req protocol.OutboundRequest) error {
	h.mu.RLock()
	s, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}

	if err := h.upstream.Send(ctx, req); err != nil {
		h.logger.Warn().Err(err).Str("session_id", id).Str("type", string(req.Type())).Msg("forward failed")
		h.reportError(s, "forward_failed", err.Error())
		return err
	}
	return nil
}

func (h *Hub) reportError(s *Session, code, msg string) {
	data, err := protocol.EncodeEvent(protocol.EngineError{Code: code, Message: msg})
	if err != nil {
		return
	}
	s.sink.Send(data)
}

// SessionCount returns the number of attached sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// SessionIDs returns the attached session ids in sorted order.
func (h *Hub) SessionIDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close detaches and closes every session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.sink.Close()
	}
}
