package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nikira-studio/lifequery/internal/logging"
)

// OllamaClient is the native adapter for Ollama's /api/chat. It speaks the
// NDJSON protocol directly because the message-level "thinking" field is
// dropped by the OpenAI-compatible schema.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     logging.Logger
}

// NewOllamaClient builds a native Ollama client.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		model:      model,
		httpClient: &http.Client{},
		logger:     logging.Default().WithComponent("llm.ollama"),
	}
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []Message              `json:"messages"`
	Stream   bool                   `json:"stream"`
	Think    bool                   `json:"think,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatChunk struct {
	Message struct {
		Role     string `json:"role"`
		Content  string `json:"content"`
		Thinking string `json:"thinking"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// StreamChat implements Streamer.
func (c *OllamaClient) StreamChat(ctx context.Context, req Request) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	body := ollamaChatRequest{
		Model:    model,
		Messages: req.Messages,
		Stream:   true,
		Think:    req.EnableThinking,
		Options: map[string]interface{}{
			"temperature": req.Temperature,
		},
	}
	if req.MaxTokens > 0 {
		body.Options["num_predict"] = req.MaxTokens
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("ollama chat: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		// Closing the body unblocks a Scan stuck on a silent connection.
		idle := time.AfterFunc(StreamIdleTimeout, func() { _ = resp.Body.Close() })
		defer idle.Stop()

		for scanner.Scan() {
			idle.Reset(StreamIdleTimeout)

			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var chunk ollamaChatChunk
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				// Skip malformed lines rather than aborting the stream
				continue
			}
			if chunk.Error != "" {
				c.emit(ctx, events, Event{Kind: EventError, Text: chunk.Error})
				return
			}
			if chunk.Message.Thinking != "" {
				if !c.emit(ctx, events, Event{Kind: EventReasoning, Text: chunk.Message.Thinking}) {
					return
				}
			}
			if chunk.Message.Content != "" {
				if !c.emit(ctx, events, Event{Kind: EventToken, Text: chunk.Message.Content}) {
					return
				}
			}
			if chunk.Done {
				c.emit(ctx, events, Event{Kind: EventDone})
				return
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("Ollama stream failed", "error", err)
			c.emit(ctx, events, Event{Kind: EventError, Text: err.Error()})
			return
		}
		c.emit(ctx, events, Event{Kind: EventDone})
	}()
	return events, nil
}

func (c *OllamaClient) emit(ctx context.Context, events chan<- Event, e Event) bool {
	select {
	case events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// ListModels enumerates locally available models via /api/tags.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama tags: status %d", resp.StatusCode)
	}
	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		out = append(out, m.Name)
	}
	return out, nil
}
