// Package llm provides the streaming chat client family. Every back-end
// implements one contract; a factory selects the adapter from settings.
package llm

import (
	"context"
	"time"
)

// EventKind discriminates stream events.
type EventKind string

const (
	// EventToken is a content token delta
	EventToken EventKind = "token"
	// EventReasoning is a structured reasoning delta, where the back-end
	// exposes one
	EventReasoning EventKind = "reasoning"
	// EventError is a terminal failure; the stream closes after it
	EventError EventKind = "error"
	// EventDone marks normal end of stream
	EventDone EventKind = "done"
)

// Event is one element of the lazy output sequence.
type Event struct {
	Kind EventKind `json:"kind"`
	Text string    `json:"text,omitempty"`
}

// Message is one turn of the request conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries everything a back-end needs for one streamed completion.
type Request struct {
	Messages       []Message
	Model          string
	Temperature    float64
	MaxTokens      int
	EnableThinking bool
}

// StreamIdleTimeout bounds the wait for the next event from a back-end.
const StreamIdleTimeout = 120 * time.Second

// Streamer is the common streaming contract. The returned channel is closed
// after a terminal EventError or EventDone; cancelling ctx stops the
// producer within a bounded time.
type Streamer interface {
	StreamChat(ctx context.Context, req Request) (<-chan Event, error)
}

// ModelLister enumerates the models a provider endpoint offers.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}
