// Package protocol implements the engine wire format: one JSON object per
// frame, discriminated by a mandatory "type" field.
package protocol

import (
	"fmt"
	"time"

	"github.com/travelers-ai/backend/internal/model"
)

// MessageType is the frame discriminator.
type MessageType string

const (
	// Outbound (bridge -> engine)
	TypeContextUpdate MessageType = "context_update"
	TypeUserMessage   MessageType = "user_message"

	// Inbound (engine -> bridge)
	TypeEngineStatus    MessageType = "engine_status"
	TypeAssistantOutput MessageType = "assistant_output"
	TypeStreamChunk     MessageType = "stream_chunk"
	TypeError           MessageType = "error"
)

// Screen is the UI screen a context update describes.
type Screen string

const (
	ScreenHome      Screen = "home"
	ScreenExplore   Screen = "explore"
	ScreenPOIDetail Screen = "poi_detail"
	ScreenItinerary Screen = "itinerary"
	ScreenCompare   Screen = "compare"
	ScreenBooking   Screen = "booking"
	ScreenChat      Screen = "chat"
)

// ParseScreen validates s against the known screens.
func ParseScreen(s string) (Screen, error) {
	switch sc := Screen(s); sc {
	case ScreenHome, ScreenExplore, ScreenPOIDetail, ScreenItinerary,
		ScreenCompare, ScreenBooking, ScreenChat:
		return sc, nil
	}
	return "", fmt.Errorf("%w: %q", model.ErrInvalidScreen, s)
}

// OutboundRequest is a frame sent to the engine: ContextUpdate or ChatMessage.
type OutboundRequest interface {
	Type() MessageType
	outbound()
}

// ContextUpdate tells the engine what the user is looking at.
type ContextUpdate struct {
	Screen           Screen
	Metadata         map[string]any
	SelectedItemID   string
	SelectedItemType string
	// Timestamp is overwritten on every encode.
	Timestamp float64
}

func (ContextUpdate) Type() MessageType { return TypeContextUpdate }
func (ContextUpdate) outbound()         {}

// ChatMessage is a user chat turn.
type ChatMessage struct {
	Content        string
	ConversationID string
	// Timestamp is filled in on encode when zero.
	Timestamp float64
}

func (ChatMessage) Type() MessageType { return TypeUserMessage }
func (ChatMessage) outbound()         {}

// InboundEvent is a frame received from the engine.
type InboundEvent interface {
	Type() MessageType
	inbound()
}

// EngineStatus reports model readiness.
type EngineStatus struct {
	FastModelReady        bool `json:"fast_model_ready"`
	QualityModelReady     bool `json:"quality_model_ready"`
	BackgroundCycleActive bool `json:"background_cycle_active"`
}

func (EngineStatus) Type() MessageType { return TypeEngineStatus }
func (EngineStatus) inbound()          {}

// Ready is true only when both models are ready.
func (s EngineStatus) Ready() bool {
	return s.FastModelReady && s.QualityModelReady
}

// StatusSnapshot builds the synthetic status sent to a newly attached session.
func StatusSnapshot(ready bool) EngineStatus {
	return EngineStatus{
		FastModelReady:        ready,
		QualityModelReady:     ready,
		BackgroundCycleActive: true,
	}
}

// AssistantOutput is an insight or chat text produced by the engine.
type AssistantOutput struct {
	Target     model.Target `json:"target"`
	Content    string       `json:"content"`
	Confidence float64      `json:"confidence"`
	LensSource string       `json:"lens_source"`
	Timestamp  float64      `json:"timestamp"`
}

func (AssistantOutput) Type() MessageType { return TypeAssistantOutput }
func (AssistantOutput) inbound()          {}

// Insight converts the output into its immutable domain form.
func (o AssistantOutput) Insight() model.Insight {
	return model.Insight{
		Target:     o.Target,
		Content:    o.Content,
		Confidence: o.Confidence,
		Source:     o.LensSource,
		Timestamp:  FromUnixSeconds(o.Timestamp),
	}
}

// StreamChunk is one piece of a streaming chat response.
type StreamChunk struct {
	Content        string `json:"content"`
	Done           bool   `json:"done"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func (StreamChunk) Type() MessageType { return TypeStreamChunk }
func (StreamChunk) inbound()          {}

// EngineError is an error the engine reported explicitly.
type EngineError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (EngineError) Type() MessageType { return TypeError }
func (EngineError) inbound()          {}

// UnixSeconds converts t to fractional seconds since the epoch.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnixSeconds is the inverse of UnixSeconds.
func FromUnixSeconds(ts float64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ts*float64(time.Second)))
}
