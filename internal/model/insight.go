package model

import (
	"time"
)

// Target is where the engine wants an output displayed.
type Target string

const (
	TargetSidebar Target = "sidebar"
	TargetAmbient Target = "ambient"
	TargetChat    Target = "chat"
)

// Valid reports whether t is one of the known targets.
func (t Target) Valid() bool {
	switch t {
	case TargetSidebar, TargetAmbient, TargetChat:
		return true
	}
	return false
}

// Insight is a single advisory produced by the engine. Values are never
// mutated after construction.
type Insight struct {
	Target     Target    `json:"target"`
	Content    string    `json:"content"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"lens_source"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorRecord is the last error the engine reported over the stream.
type ErrorRecord struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Snapshot is a point-in-time copy of the aggregated engine state.
// It shares no memory with the store it was taken from.
type Snapshot struct {
	Connected       bool         `json:"is_connected"`
	Ready           bool         `json:"is_ready"`
	Unreachable     bool         `json:"unreachable"`
	SidebarInsights []Insight    `json:"sidebar_insights"`
	AmbientInsight  *Insight     `json:"ambient_message,omitempty"`
	ChatBuffer      string       `json:"chat_response"`
	Streaming       bool         `json:"is_streaming"`
	LastError       *ErrorRecord `json:"last_error,omitempty"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.SidebarInsights != nil {
		out.SidebarInsights = make([]Insight, len(s.SidebarInsights))
		copy(out.SidebarInsights, s.SidebarInsights)
	}
	if s.AmbientInsight != nil {
		a := *s.AmbientInsight
		out.AmbientInsight = &a
	}
	if s.LastError != nil {
		e := *s.LastError
		out.LastError = &e
	}
	return out
}
