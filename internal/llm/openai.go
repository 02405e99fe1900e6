package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nikira-studio/lifequery/internal/logging"
)

// OpenAICompatClient streams completions from any OpenAI-compatible chat
// endpoint, parametric on base URL and API key. It covers OpenAI itself plus
// OpenRouter, Groq, DeepSeek and self-hosted compatible servers.
type OpenAICompatClient struct {
	client *openai.Client
	model  string
	logger logging.Logger
}

// NewOpenAICompatClient builds a client for the given endpoint.
func NewOpenAICompatClient(baseURL, apiKey, model string) *OpenAICompatClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompatClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logging.Default().WithComponent("llm.openai"),
	}
}

// StreamChat implements Streamer.
func (c *OpenAICompatClient) StreamChat(ctx context.Context, req Request) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer func() { _ = stream.Close() }()

		for {
			recvDone := make(chan struct{})
			var resp openai.ChatCompletionStreamResponse
			var recvErr error
			go func() {
				resp, recvErr = stream.Recv()
				close(recvDone)
			}()

			select {
			case <-ctx.Done():
				// stream.Close unblocks the pending Recv
				return
			case <-time.After(StreamIdleTimeout):
				c.emit(ctx, events, Event{Kind: EventError, Text: "stream idle timeout"})
				return
			case <-recvDone:
			}

			if recvErr != nil {
				if errors.Is(recvErr, io.EOF) {
					c.emit(ctx, events, Event{Kind: EventDone})
					return
				}
				if errors.Is(recvErr, context.Canceled) {
					return
				}
				c.logger.Error("Stream receive failed", "error", recvErr)
				c.emit(ctx, events, Event{Kind: EventError, Text: errorText(recvErr)})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.ReasoningContent != "" {
				if !c.emit(ctx, events, Event{Kind: EventReasoning, Text: delta.ReasoningContent}) {
					return
				}
			}
			if delta.Content != "" {
				if !c.emit(ctx, events, Event{Kind: EventToken, Text: delta.Content}) {
					return
				}
			}
		}
	}()
	return events, nil
}

func (c *OpenAICompatClient) emit(ctx context.Context, events chan<- Event, e Event) bool {
	select {
	case events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// ListModels enumerates the models the endpoint offers.
func (c *OpenAICompatClient) ListModels(ctx context.Context) ([]string, error) {
	list, err := c.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		out = append(out, m.ID)
	}
	return out, nil
}

func errorText(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("upstream returned %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
	}
	return err.Error()
}
