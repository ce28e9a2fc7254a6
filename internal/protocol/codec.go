package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

var (
	// ErrMalformedFrame is returned when a frame is not a JSON object.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrMissingType is returned when a frame has no "type" field.
	ErrMissingType = errors.New("frame missing type")

	// ErrUnknownType is returned for a type this side does not handle.
	ErrUnknownType = errors.New("unknown frame type")

	// ErrInvalidFrame is returned when a known frame carries invalid fields.
	ErrInvalidFrame = errors.New("invalid frame")
)

// IsProtocolError reports whether err means "drop this frame, keep the
// connection".
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrMalformedFrame) ||
		errors.Is(err, ErrMissingType) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrInvalidFrame)
}

type uiState struct {
	Screen           Screen         `json:"screen"`
	Metadata         map[string]any `json:"metadata"`
	SelectedItemID   string         `json:"selected_item_id,omitempty"`
	SelectedItemType string         `json:"selected_item_type,omitempty"`
}

type contextUpdateFrame struct {
	Type      MessageType `json:"type"`
	UIState   uiState     `json:"ui_state"`
	Timestamp float64     `json:"timestamp"`
}

type userMessageFrame struct {
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Timestamp      float64     `json:"timestamp"`
}

type envelope struct {
	Type MessageType `json:"type"`
}

// Codec encodes and decodes frames. The zero value is not usable; use
// NewCodec.
type Codec struct {
	now func() time.Time
}

// NewCodec returns a codec stamping timestamps from the wall clock.
func NewCodec() *Codec {
	return &Codec{now: time.Now}
}

// NewCodecWithClock returns a codec stamping timestamps from now.
func NewCodecWithClock(now func() time.Time) *Codec {
	return &Codec{now: now}
}

var defaultCodec = NewCodec()

// Encode encodes an outbound request with the default codec.
func Encode(req OutboundRequest) ([]byte, error) { return defaultCodec.Encode(req) }

// Decode decodes an inbound event with the default codec.
func Decode(data []byte) (InboundEvent, error) { return defaultCodec.Decode(data) }

// EncodeEvent encodes an inbound event with the default codec.
func EncodeEvent(ev InboundEvent) ([]byte, error) { return defaultCodec.EncodeEvent(ev) }

// DecodeRequest decodes an outbound request with the default codec.
func DecodeRequest(data []byte) (OutboundRequest, error) { return defaultCodec.DecodeRequest(data) }

// Encode serializes req. A ContextUpdate always gets a fresh timestamp; a
// ChatMessage keeps a caller-supplied one.
func (c *Codec) Encode(req OutboundRequest) ([]byte, error) {
	switch r := req.(type) {
	case ContextUpdate:
		if _, err := ParseScreen(string(r.Screen)); err != nil {
			return nil, err
		}
		md := r.Metadata
		if md == nil {
			md = map[string]any{}
		}
		return json.Marshal(contextUpdateFrame{
			Type: TypeContextUpdate,
			UIState: uiState{
				Screen:           r.Screen,
				Metadata:         md,
				SelectedItemID:   r.SelectedItemID,
				SelectedItemType: r.SelectedItemType,
			},
			Timestamp: UnixSeconds(c.now()),
		})
	case ChatMessage:
		ts := r.Timestamp
		if ts == 0 {
			ts = UnixSeconds(c.now())
		}
		return json.Marshal(userMessageFrame{
			Type:           TypeUserMessage,
			Content:        r.Content,
			ConversationID: r.ConversationID,
			Timestamp:      ts,
		})
	case nil:
		return nil, fmt.Errorf("%w: nil request", ErrInvalidFrame)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, req.Type())
	}
}

// Decode parses one engine frame.
func (c *Codec) Decode(data []byte) (InboundEvent, error) {
	typ, err := frameType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeEngineStatus:
		var raw struct {
			Fast    *bool `json:"fast_model_ready"`
			Quality *bool `json:"quality_model_ready"`
			BgCycle bool  `json:"background_cycle_active"`
		}
		if err := unmarshalFields(data, &raw); err != nil {
			return nil, err
		}
		if raw.Fast == nil || raw.Quality == nil {
			return nil, fmt.Errorf("%w: engine_status missing readiness flags", ErrInvalidFrame)
		}
		return EngineStatus{
			FastModelReady:        *raw.Fast,
			QualityModelReady:     *raw.Quality,
			BackgroundCycleActive: raw.BgCycle,
		}, nil

	case TypeAssistantOutput:
		var out AssistantOutput
		if err := unmarshalFields(data, &out); err != nil {
			return nil, err
		}
		if !out.Target.Valid() {
			return nil, fmt.Errorf("%w: assistant_output target %q", ErrInvalidFrame, out.Target)
		}
		if out.Confidence < 0 || out.Confidence > 1 {
			return nil, fmt.Errorf("%w: confidence %v out of range", ErrInvalidFrame, out.Confidence)
		}
		return out, nil

	case TypeStreamChunk:
		var chunk StreamChunk
		if err := unmarshalFields(data, &chunk); err != nil {
			return nil, err
		}
		return chunk, nil

	case TypeError:
		var e EngineError
		if err := unmarshalFields(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
}

// EncodeEvent serializes an engine event for a downstream session.
func (c *Codec) EncodeEvent(ev InboundEvent) ([]byte, error) {
	var body any
	switch e := ev.(type) {
	case EngineStatus:
		body = struct {
			Type MessageType `json:"type"`
			EngineStatus
		}{TypeEngineStatus, e}
	case AssistantOutput:
		body = struct {
			Type MessageType `json:"type"`
			AssistantOutput
		}{TypeAssistantOutput, e}
	case StreamChunk:
		body = struct {
			Type MessageType `json:"type"`
			StreamChunk
		}{TypeStreamChunk, e}
	case EngineError:
		body = struct {
			Type MessageType `json:"type"`
			EngineError
		}{TypeError, e}
	case nil:
		return nil, fmt.Errorf("%w: nil event", ErrInvalidFrame)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, ev.Type())
	}
	return json.Marshal(body)
}

// DecodeRequest parses a frame sent by a downstream session. The screen of a
// context update is returned as given; callers decide how to treat unknown
// screens.
func (c *Codec) DecodeRequest(data []byte) (OutboundRequest, error) {
	typ, err := frameType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeContextUpdate:
		var f struct {
			UIState uiState `json:"ui_state"`
		}
		if err := unmarshalFields(data, &f); err != nil {
			return nil, err
		}
		return ContextUpdate{
			Screen:           f.UIState.Screen,
			Metadata:         f.UIState.Metadata,
			SelectedItemID:   f.UIState.SelectedItemID,
			SelectedItemType: f.UIState.SelectedItemType,
		}, nil

	case TypeUserMessage:
		var f userMessageFrame
		if err := unmarshalFields(data, &f); err != nil {
			return nil, err
		}
		return ChatMessage{
			Content:        f.Content,
			ConversationID: f.ConversationID,
			Timestamp:      f.Timestamp,
		}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
}

func frameType(data []byte) (MessageType, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

func unmarshalFields(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}

// Truncate shortens s to at most n bytes plus "...", never splitting a
// UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
