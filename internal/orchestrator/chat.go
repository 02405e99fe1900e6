// Package orchestrator composes system prompt, retrieved context and history
// into an LLM request and streams a heterogeneous event sequence back.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nikira-studio/lifequery/internal/llm"
	"github.com/nikira-studio/lifequery/internal/logging"
	"github.com/nikira-studio/lifequery/internal/retrieval"
	"github.com/nikira-studio/lifequery/internal/store"
	"github.com/nikira-studio/lifequery/pkg/types"
)

// EventType discriminates chat stream events.
type EventType string

const (
	// EventDebug carries the exact outgoing request, once, up front
	EventDebug EventType = "debug"
	// EventToken is a streamed content delta
	EventToken EventType = "token"
	// EventReasoning is a structured reasoning delta
	EventReasoning EventType = "reasoning"
	// EventCitations carries the sources, once, after the last token
	EventCitations EventType = "citations"
	// EventDone terminates the stream
	EventDone EventType = "done"
)

// Event is one element of the chat output stream.
type Event struct {
	Type      EventType        `json:"type"`
	Content   string           `json:"content,omitempty"`
	Debug     *DebugInfo       `json:"debug,omitempty"`
	Citations []types.Citation `json:"citations,omitempty"`
}

// DebugInfo mirrors what is about to be sent to the back-end.
type DebugInfo struct {
	Messages    []llm.Message     `json:"messages"`
	Variables   map[string]string `json:"variables"`
	Provider    string            `json:"provider"`
	Model       string            `json:"model"`
	RAGEnabled  bool              `json:"rag_enabled"`
	ContextUsed bool              `json:"context_used"`
}

// Orchestrator fans chat requests out to the configured back-end.
type Orchestrator struct {
	store     *store.Store
	retriever *retrieval.Engine
	newStream func(llm.Config) (llm.Streamer, error)
	logger    logging.Logger
}

// New creates a chat orchestrator. The factory indirection keeps back-end
// construction replaceable in tests.
func New(st *store.Store, retriever *retrieval.Engine) *Orchestrator {
	return &Orchestrator{
		store:     st,
		retriever: retriever,
		newStream: llm.New,
		logger:    logging.Default().WithComponent("orchestrator"),
	}
}

// Chat runs one streamed completion over the conversation history. The
// returned channel emits exactly one debug event first, then tokens and
// reasoning, then citations (unless the back-end failed), then done, and is
// closed. If the settings cannot be read, it emits only an error token and
// done. Cancelling ctx stops the back-end and still yields done.
func (o *Orchestrator) Chat(ctx context.Context, history []types.ChatMessage) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)
		o.run(ctx, history, events)
	}()
	return events
}

func (o *Orchestrator) run(ctx context.Context, history []types.ChatMessage, events chan<- Event) {
	// done must be the last event on every path, cancellation included. The
	// timeout guards against a consumer that stopped draining.
	defer func() {
		select {
		case events <- Event{Type: EventDone}:
		case <-time.After(time.Second):
		}
	}()

	settings, err := o.store.Snapshot(ctx)
	if err != nil {
		o.send(ctx, events, Event{Type: EventToken, Content: fmt.Sprintf("[Error: %v]", err)})
		return
	}

	query := lastUserMessage(history)

	var citations []types.Citation
	contextText := ""
	if settings.RAGEnabled && query != "" {
		result := o.retriever.Retrieve(ctx, query, settings)
		contextText = result.ContextText
		citations = result.Citations
	}

	variables := map[string]string{
		"user_name":    settings.UserName,
		"current_date": time.Now().UTC().Format("2006-01-02"),
	}
	system := settings.SystemPrompt
	system = strings.ReplaceAll(system, "{context_text}", contextText)
	system = strings.ReplaceAll(system, "{user_name}", variables["user_name"])
	system = strings.ReplaceAll(system, "{current_date}", variables["current_date"])

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{Role: "system", Content: system})
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	if !o.send(ctx, events, Event{Type: EventDebug, Debug: &DebugInfo{
		Messages:    messages,
		Variables:   variables,
		Provider:    settings.LLMProvider,
		Model:       settings.LLMModel,
		RAGEnabled:  settings.RAGEnabled,
		ContextUsed: contextText != "",
	}}) {
		return
	}

	streamer, err := o.newStream(llm.Config{
		Provider: llm.Provider(settings.LLMProvider),
		BaseURL:  settings.LLMBaseURL,
		APIKey:   settings.LLMAPIKey,
		Model:    settings.LLMModel,
	})
	if err != nil {
		o.send(ctx, events, Event{Type: EventToken, Content: fmt.Sprintf("[Error: %v]", err)})
		return
	}

	upstream, err := streamer.StreamChat(ctx, llm.Request{
		Messages:       messages,
		Model:          settings.LLMModel,
		Temperature:    settings.Temperature,
		MaxTokens:      settings.MaxTokens,
		EnableThinking: settings.EnableThinking,
	})
	if err != nil {
		o.send(ctx, events, Event{Type: EventToken, Content: fmt.Sprintf("[Error: %v]", err)})
		return
	}

	failed := false
	for ev := range upstream {
		switch ev.Kind {
		case llm.EventToken:
			if !o.send(ctx, events, Event{Type: EventToken, Content: ev.Text}) {
				return
			}
		case llm.EventReasoning:
			if !o.send(ctx, events, Event{Type: EventReasoning, Content: ev.Text}) {
				return
			}
		case llm.EventError:
			o.logger.Error("Back-end stream failed", "error", ev.Text)
			o.send(ctx, events, Event{Type: EventToken, Content: fmt.Sprintf("[Error: %s]", ev.Text)})
			failed = true
		case llm.EventDone:
		}
	}

	if failed || ctx.Err() != nil {
		return
	}
	o.send(ctx, events, Event{Type: EventCitations, Citations: citations})
}

func (o *Orchestrator) send(ctx context.Context, events chan<- Event, e Event) bool {
	select {
	case events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func lastUserMessage(history []types.ChatMessage) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return history[i].Content
		}
	}
	return ""
}
