package render

import (
	"time"

	"github.com/MarcoPoloResearchLab/possel-client/internal/chat"
)

const (
	EventBufferCreated = "buffer-created"
	EventBufferUpdated = "buffer-updated"
	EventLineAppended  = "line-appended"
)

// AnchorKind describes where a buffer entry sits in the navigation list.
type AnchorKind string

const (
	// AnchorTopLevel places a system buffer as a top-level navigation entry.
	AnchorTopLevel AnchorKind = "top-level"
	// AnchorAfter places a normal buffer immediately after its system buffer's entry.
	AnchorAfter AnchorKind = "after"
)

// Anchor locates a buffer entry in the navigation list.
type Anchor struct {
	Kind     AnchorKind    `json:"kind"`
	After    chat.BufferID `json:"after,omitempty"`
	Position int           `json:"position"`
}

// Event is a materialized-entity notification handed to sinks.
type Event struct {
	Type      string      `json:"type"`
	Buffer    chat.Buffer `json:"buffer"`
	Line      *chat.Line  `json:"line,omitempty"`
	User      *chat.User  `json:"user,omitempty"`
	Anchor    *Anchor     `json:"anchor,omitempty"`
	Active    bool        `json:"active,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Sink consumes render events. Emit is called from a single goroutine in render order.
type Sink interface {
	Emit(event Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(event Event) {
	f(event)
}

// Multi fans each event out to every sink in order.
func Multi(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	return SinkFunc(func(event Event) {
		for _, sink := range filtered {
			sink.Emit(event)
		}
	})
}

var Discard Sink = SinkFunc(func(Event) {})
