// Package logger records engine traffic as a JSON-lines transcript.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Direction of a recorded frame relative to this process.
const (
	DirectionIn  = "i"
	DirectionOut = "o"
)

// TranscriptHeader is the first line of a transcript.
type TranscriptHeader struct {
	Version   int    `json:"version"`
	Endpoint  string `json:"endpoint"`
	Timestamp int64  `json:"timestamp"`
}

// TranscriptEvent is a single recorded frame.
// Format: [time_offset, direction, connection_id, frame]
type TranscriptEvent struct {
	TimeOffset   float64
	Direction    string
	ConnectionID uint64
	Frame        string
}

// MarshalJSON implements custom JSON marshaling for TranscriptEvent.
func (e TranscriptEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.TimeOffset, e.Direction, e.ConnectionID, e.Frame})
}

// UnmarshalJSON implements custom JSON unmarshaling for TranscriptEvent.
func (e *TranscriptEvent) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 4 {
		return fmt.Errorf("invalid event format: expected 4 elements, got %d", len(arr))
	}

	timeOffset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("invalid time offset type")
	}
	e.TimeOffset = timeOffset

	direction, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("invalid direction")
	}
	e.Direction = direction

	connID, ok := arr[2].(float64)
	if !ok {
		return fmt.Errorf("invalid connection id")
	}
	e.ConnectionID = uint64(connID)

	frame, ok := arr[3].(string)
	if !ok {
		return fmt.Errorf("invalid frame type")
	}
	e.Frame = frame

	return nil
}

// Transcript appends every frame exchanged with the engine to a writer.
// A nil *Transcript records nothing, so callers need no guard.
type Transcript struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	mu        sync.Mutex
}

// OpenTranscript opens (or creates) filePath for appending and writes a header.
func OpenTranscript(filePath, endpoint string) (*Transcript, error) {
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}

	t := &Transcript{
		writer:    file,
		file:      file,
		startTime: time.Now(),
	}
	if err := t.writeHeader(endpoint); err != nil {
		file.Close()
		return nil, err
	}
	return t, nil
}

// NewTranscriptWithWriter creates a Transcript that writes to w.
// This is useful for testing.
func NewTranscriptWithWriter(w io.Writer, endpoint string) (*Transcript, error) {
	t := &Transcript{
		writer:    w,
		startTime: time.Now(),
	}
	if err := t.writeHeader(endpoint); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transcript) writeHeader(endpoint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.Marshal(TranscriptHeader{
		Version:   1,
		Endpoint:  endpoint,
		Timestamp: t.startTime.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	if _, err := t.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// RecordIn records a frame received from the engine.
func (t *Transcript) RecordIn(connID uint64, frame []byte) error {
	return t.record(DirectionIn, connID, frame)
}

// RecordOut records a frame sent to the engine.
func (t *Transcript) RecordOut(connID uint64, frame []byte) error {
	return t.record(DirectionOut, connID, frame)
}

func (t *Transcript) record(direction string, connID uint64, frame []byte) error {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.Marshal(TranscriptEvent{
		TimeOffset:   time.Since(t.startTime).Seconds(),
		Direction:    direction,
		ConnectionID: connID,
		Frame:        string(frame),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := t.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close closes the transcript file if this Transcript owns it.
func (t *Transcript) Close() error {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		return t.file.Close()
	}
	return nil
}
