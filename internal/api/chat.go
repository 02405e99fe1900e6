package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nikira-studio/lifequery/internal/errors"
	"github.com/nikira-studio/lifequery/internal/orchestrator"
	"github.com/nikira-studio/lifequery/pkg/types"
)

type chatRequest struct {
	Messages []types.ChatMessage `json:"messages"`
}

func (cr *chatRequest) validate() error {
	if len(cr.Messages) == 0 {
		return errors.Validation("messages are required")
	}
	for _, m := range cr.Messages {
		switch m.Role {
		case "user", "assistant", "system":
		default:
			return errors.Validation(fmt.Sprintf("unknown role: %s", m.Role))
		}
	}
	return nil
}

// handleChat streams the orchestrator's event sequence as SSE.
func (r *Router) handleChat(w http.ResponseWriter, req *http.Request) {
	var body chatRequest
	if err := decodeJSON(req, &body); err != nil {
		errors.WriteError(w, err)
		return
	}
	if err := body.validate(); err != nil {
		errors.WriteError(w, err)
		return
	}

	sse, err := newSSE(w)
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	for ev := range r.deps.Orchestrator.Chat(req.Context(), body.Messages) {
		switch ev.Type {
		case orchestrator.EventDebug:
			_ = sse.send(map[string]interface{}{"type": "debug", "debug": ev.Debug})
		case orchestrator.EventToken:
			_ = sse.send(map[string]interface{}{"type": "token", "content": ev.Content})
		case orchestrator.EventReasoning:
			_ = sse.send(map[string]interface{}{"type": "reasoning", "content": ev.Content})
		case orchestrator.EventCitations:
			citations := ev.Citations
			if citations == nil {
				citations = []types.Citation{}
			}
			_ = sse.send(map[string]interface{}{"type": "citations", "citations": citations})
		case orchestrator.EventDone:
			// terminal sentinel follows below
		}
	}
	sse.done()
}

type completionsRequest struct {
	Model    string              `json:"model"`
	Messages []types.ChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

// handleCompletions is the OpenAI-compatible surface over the same
// orchestrator path, translating between the external schema and the
// internal event stream.
func (r *Router) handleCompletions(w http.ResponseWriter, req *http.Request) {
	var body completionsRequest
	if err := decodeJSON(req, &body); err != nil {
		errors.WriteError(w, err)
		return
	}
	if len(body.Messages) == 0 {
		errors.WriteError(w, errors.Validation("messages are required"))
		return
	}

	id := "chatcmpl-" + uuid.New().String()
	created := time.Now().Unix()
	model := body.Model

	events := r.deps.Orchestrator.Chat(req.Context(), body.Messages)

	if body.Stream {
		sse, err := newSSE(w)
		if err != nil {
			errors.WriteError(w, err)
			return
		}
		for ev := range events {
			switch ev.Type {
			case orchestrator.EventToken:
				_ = sse.send(completionChunk(id, model, created, map[string]interface{}{"content": ev.Content}, ""))
			case orchestrator.EventReasoning:
				_ = sse.send(completionChunk(id, model, created, map[string]interface{}{"reasoning_content": ev.Content}, ""))
			case orchestrator.EventDebug, orchestrator.EventCitations:
				// not part of the compatible schema
			case orchestrator.EventDone:
				_ = sse.send(completionChunk(id, model, created, map[string]interface{}{}, "stop"))
			}
		}
		sse.done()
		return
	}

	var content strings.Builder
	var citations []types.Citation
	for ev := range events {
		switch ev.Type {
		case orchestrator.EventToken:
			content.WriteString(ev.Content)
		case orchestrator.EventCitations:
			citations = ev.Citations
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"object":  "chat.completion",
		"created": created,
		"model":   model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content.String()},
			"finish_reason": "stop",
		}},
		"x_citations": citations,
	})
}

func completionChunk(id, model string, created int64, delta map[string]interface{}, finish string) map[string]interface{} {
	choice := map[string]interface{}{
		"index": 0,
		"delta": delta,
	}
	if finish != "" {
		choice["finish_reason"] = finish
	}
	return map[string]interface{}{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]interface{}{choice},
	}
}
