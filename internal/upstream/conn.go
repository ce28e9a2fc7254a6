// Package upstream owns the physical websocket to the engine: raw frame
// send/receive with no business state.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/travelers-ai/backend/internal/logger"
	"github.com/travelers-ai/backend/internal/protocol"
)

// ErrConnClosed is returned by Send and Next once the connection is closed.
var ErrConnClosed = errors.New("upstream connection closed")

// nextID hands out connection ids; unique and increasing for the process.
var nextID atomic.Uint64

// Conn is one physical stream to the engine. A Conn is never reopened: once
// Next reports a transport error the stream is over and a new Conn must be
// dialed.
type Conn struct {
	id        uint64
	createdAt time.Time
	attempt   int

	ws           *websocket.Conn
	codec        *protocol.Codec
	writeSem     chan struct{}
	writeTimeout time.Duration
	transcript   *logger.Transcript
	logger       zerolog.Logger

	closeOnce sync.Once
	closed    atomic.Bool
}

func newConn(ws *websocket.Conn, attempt int, d *Dialer) *Conn {
	id := nextID.Add(1)
	return &Conn{
		id:           id,
		createdAt:    time.Now(),
		attempt:      attempt,
		ws:           ws,
		codec:        d.codec(),
		writeSem:     make(chan struct{}, 1),
		writeTimeout: d.writeTimeout(),
		transcript:   d.Transcript,
		logger:       d.Logger.With().Str("component", "upstream").Uint64("conn_id", id).Logger(),
	}
}

// ID returns the connection id.
func (c *Conn) ID() uint64 { return c.id }

// CreatedAt returns when the connection was established.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// Attempt returns the reconnect attempt that produced this connection
// (0 for an explicit connect).
func (c *Conn) Attempt() int { return c.attempt }

// Send encodes and writes one request. Writes on a connection are serialized;
// callers wait their turn until ctx is done.
func (c *Conn) Send(ctx context.Context, req protocol.OutboundRequest) error {
	data, err := c.codec.Encode(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Type(), err)
	}

	select {
	case c.writeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.writeSem }()

	if c.closed.Load() {
		return ErrConnClosed
	}

	// The write deadline belongs to the socket, not the caller: a failed
	// write leaves the websocket unusable, so it must only fire on a stuck
	// transport.
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))

	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		// Close so Next fails and the owner recovers with a fresh stream.
		c.closeLocked()
		return fmt.Errorf("write %s: %w", req.Type(), err)
	}

	if err := c.transcript.RecordOut(c.id, data); err != nil {
		c.logger.Warn().Err(err).Msg("transcript write failed")
	}
	c.logger.Debug().Str("type", string(req.Type())).Msg("frame sent")
	return nil
}

// Next returns the next inbound event. Frames that fail to decode are logged
// and skipped; only a transport failure ends the sequence, after which every
// call returns an error.
func (c *Conn) Next() (protocol.InboundEvent, error) {
	for {
		if c.closed.Load() {
			return nil, ErrConnClosed
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return nil, ErrConnClosed
			}
			return nil, fmt.Errorf("read: %w", err)
		}

		if err := c.transcript.RecordIn(c.id, data); err != nil {
			c.logger.Warn().Err(err).Msg("transcript write failed")
		}

		ev, err := c.codec.Decode(data)
		if err != nil {
			if protocol.IsProtocolError(err) {
				c.logger.Warn().Err(err).
					Str("frame", protocol.Truncate(string(data), 100)).
					Msg("dropping frame")
				continue
			}
			return nil, err
		}
		return ev, nil
	}
}

// Close closes the underlying socket. Safe to call more than once and
// concurrently with Next, which then returns ErrConnClosed.
func (c *Conn) Close() error {
	return c.close(true)
}

// closeLocked tears the socket down after a failed write. The websocket
// keeps its write error, so no close frame is attempted.
func (c *Conn) closeLocked() {
	c.close(false)
}

func (c *Conn) close(sendFrame bool) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if sendFrame {
			// Best-effort close frame; the socket is torn down regardless.
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		err = c.ws.Close()
	})
	return err
}
