package upstream

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/travelers-ai/backend/internal/logger"
	"github.com/travelers-ai/backend/internal/model"
	"github.com/travelers-ai/backend/internal/protocol"
)

const (
	// DefaultHandshakeTimeout bounds a single connect attempt.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second

	// maxFrameSize caps an inbound frame.
	maxFrameSize = 1 << 20
)

// Dialer opens connections to one engine endpoint.
type Dialer struct {
	// URL is the full endpoint, including the api_key query parameter if any.
	URL string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// Transcript, if set, records every frame of every connection.
	Transcript *logger.Transcript

	// Codec defaults to protocol.NewCodec().
	Codec *protocol.Codec

	Logger zerolog.Logger
}

func (d *Dialer) codec() *protocol.Codec {
	if d.Codec == nil {
		return protocol.NewCodec()
	}
	return d.Codec
}

func (d *Dialer) writeTimeout() time.Duration {
	if d.WriteTimeout <= 0 {
		return DefaultWriteTimeout
	}
	return d.WriteTimeout
}

// Dial opens a new connection. attempt is recorded on the handle for
// diagnostics.
func (d *Dialer) Dial(ctx context.Context, attempt int) (*Conn, error) {
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = DefaultHandshakeTimeout
	}

	wsDialer := websocket.Dialer{
		HandshakeTimeout: handshake,
	}

	ws, resp, err := wsDialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: %v (status %d)", model.ErrConnectFailed, RedactURL(d.URL), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s: %v", model.ErrConnectFailed, RedactURL(d.URL), err)
	}
	ws.SetReadLimit(maxFrameSize)

	return newConn(ws, attempt, d), nil
}

// BuildURL appends apiKey to base as the api_key query parameter.
func BuildURL(base, apiKey string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse engine url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("engine url must be ws:// or wss://, got %q", base)
	}
	if apiKey != "" {
		q := u.Query()
		q.Set("api_key", apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// RedactURL strips the query string so credentials never reach the logs.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
