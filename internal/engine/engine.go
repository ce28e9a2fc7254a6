// Package engine manages the connection to the Omen insight engine and
// exposes it to the rest of the backend as a single service object.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/travelers-ai/backend/internal/logger"
	"github.com/travelers-ai/backend/internal/model"
	"github.com/travelers-ai/backend/internal/protocol"
	"github.com/travelers-ai/backend/internal/state"
	"github.com/travelers-ai/backend/internal/upstream"
)

// Config holds the engine settings.
type Config struct {
	Enabled bool
	URL     string
	APIKey  string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Backoff          Backoff
	AmbientTTL       time.Duration

	// Transcript, if set, records every frame exchanged with the engine.
	Transcript *logger.Transcript
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger zerolog.Logger
	dial   DialFunc
	clock  func() time.Time
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDialFunc replaces the websocket dialer.
func WithDialFunc(fn DialFunc) Option {
	return func(o *options) { o.dial = fn }
}

// WithClock overrides the clock used for state timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Engine is the facade over the supervisor and the state store.
type Engine struct {
	enabled bool
	sup     *Supervisor
	store   *state.Store
	logger  zerolog.Logger
}

// New builds an Engine. The connection is not opened until Connect.
func New(cfg Config, opts ...Option) (*Engine, error) {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger.With().Str("component", "engine").Logger()

	storeOpts := []state.Option{
		state.WithAmbientTTL(cfg.AmbientTTL),
		state.WithLogger(o.logger),
	}
	if o.clock != nil {
		storeOpts = append(storeOpts, state.WithClock(o.clock))
	}
	store := state.NewStore(storeOpts...)

	dial := o.dial
	if dial == nil && cfg.Enabled {
		endpoint, err := upstream.BuildURL(cfg.URL, cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("engine url: %w", err)
		}
		d := &upstream.Dialer{
			URL:              endpoint,
			HandshakeTimeout: cfg.HandshakeTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			Transcript:       cfg.Transcript,
			Logger:           o.logger,
		}
		dial = func(ctx context.Context, attempt int) (Link, error) {
			conn, err := d.Dial(ctx, attempt)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
	if dial == nil {
		dial = func(context.Context, int) (Link, error) {
			return nil, model.ErrEngineDisabled
		}
	}

	return &Engine{
		enabled: cfg.Enabled,
		sup:     NewSupervisor(dial, cfg.Backoff, store, o.logger),
		store:   store,
		logger:  log,
	}, nil
}

// Enabled reports whether the engine integration is switched on.
func (e *Engine) Enabled() bool { return e.enabled }

// Connect opens the link. It returns true if the engine is connected when it
// returns.
func (e *Engine) Connect(ctx context.Context) bool {
	if !e.enabled {
		e.logger.Info().Msg("engine disabled, not connecting")
		return false
	}
	return e.sup.Connect(ctx) == nil
}

// Disconnect closes the link and stops all background work.
func (e *Engine) Disconnect() {
	e.sup.Disconnect()
}

// LinkState returns the supervisor state.
func (e *Engine) LinkState() LinkState { return e.sup.State() }

// Connected reports whether the link is up.
func (e *Engine) Connected() bool { return e.store.Snapshot().Connected }

// Ready reports whether the engine announced its models ready.
func (e *Engine) Ready() bool { return e.store.Snapshot().Ready }

// State returns a snapshot of the aggregated state.
func (e *Engine) State() model.Snapshot { return e.store.Snapshot() }

// PushContext tells the engine what the user is looking at. It returns false
// when not connected or the send fails.
func (e *Engine) PushContext(ctx context.Context, screen protocol.Screen, metadata map[string]any, selectedID, selectedType string) bool {
	err := e.Send(ctx, protocol.ContextUpdate{
		Screen:           screen,
		Metadata:         metadata,
		SelectedItemID:   selectedID,
		SelectedItemType: selectedType,
	})
	if err != nil {
		e.logSendFailure("context update", err)
		return false
	}
	return true
}

// PushPOIContext sends a poi_detail context update built from a POI and the
// trip it is viewed in.
func (e *Engine) PushPOIContext(ctx context.Context, pc model.POIContext) bool {
	return e.PushContext(ctx, protocol.ScreenPOIDetail, pc.Metadata(), pc.POI.ID, "poi")
}

// SendChat starts a chat turn. The chat buffer is reset and marked streaming
// before the message goes out.
func (e *Engine) SendChat(ctx context.Context, text, conversationID string) bool {
	err := e.Send(ctx, protocol.ChatMessage{
		Content:        text,
		ConversationID: conversationID,
	})
	if err != nil {
		e.logSendFailure("chat message", err)
		return false
	}
	return true
}

// AwaitChatCompletion waits up to timeout for the current chat turn to
// finish. It returns the buffer and whether the turn completed. A dropped
// link ends the wait early with a partial response.
func (e *Engine) AwaitChatCompletion(ctx context.Context, timeout time.Duration) (string, bool) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	snap, ok := e.store.WaitFor(ctx, func(s model.Snapshot) bool {
		return !s.Streaming || !s.Connected
	})
	return snap.ChatBuffer, ok && !snap.Streaming && snap.Connected
}

// Send forwards req to the engine. Chat messages go through the same
// buffer bookkeeping as SendChat.
func (e *Engine) Send(ctx context.Context, req protocol.OutboundRequest) error {
	if !e.enabled {
		return model.ErrEngineDisabled
	}
	if !e.store.Snapshot().Connected {
		return model.ErrNotConnected
	}

	_, isChat := req.(protocol.ChatMessage)
	if isChat {
		e.store.BeginChat()
	}
	if err := e.sup.Send(ctx, req); err != nil {
		if isChat {
			e.store.AbortChat()
		}
		return err
	}
	return nil
}

// ClearSidebar removes all sidebar insights.
func (e *Engine) ClearSidebar() { e.store.ClearSidebar() }

// ClearAmbient removes the ambient insight.
func (e *Engine) ClearAmbient() { e.store.ClearAmbient() }

// OnEvent registers fn for every inbound engine event.
func (e *Engine) OnEvent(fn EventListener) (cancel func()) {
	return e.sup.Listen(fn)
}

// Observe registers fn for every state change.
func (e *Engine) Observe(fn state.Observer) (cancel func()) {
	return e.store.Observe(fn)
}

func (e *Engine) logSendFailure(what string, err error) {
	switch {
	case errors.Is(err, model.ErrNotConnected), errors.Is(err, model.ErrEngineDisabled):
		e.logger.Warn().Err(err).Msgf("cannot send %s", what)
	default:
		e.logger.Error().Err(err).Msgf("failed to send %s", what)
	}
}
