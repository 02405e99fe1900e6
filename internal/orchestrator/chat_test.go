package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikira-studio/lifequery/internal/llm"
	"github.com/nikira-studio/lifequery/internal/retrieval"
	"github.com/nikira-studio/lifequery/internal/store"
	"github.com/nikira-studio/lifequery/pkg/types"
)

type scriptedStreamer struct {
	events  []llm.Event
	gotReq  llm.Request
	openErr error
}

func (s *scriptedStreamer) StreamChat(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	s.gotReq = req
	if s.openErr != nil {
		return nil, s.openErr
	}
	out := make(chan llm.Event)
	go func() {
		defer close(out)
		for _, e := range s.events {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}
func (stubEmbedder) Dimension() int       { return 1 }
func (stubEmbedder) Model() string        { return "stub" }
func (stubEmbedder) Reset(_, _, _ string) {}

type stubSearcher struct {
	records []*types.VectorRecord
}

func (s *stubSearcher) Query(_ context.Context, _ []float32, _ int, _ []int64) ([]*types.VectorRecord, error) {
	return s.records, nil
}

func newTestOrchestrator(t *testing.T, streamer *scriptedStreamer, records []*types.VectorRecord) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	retriever := retrieval.New(st, &stubSearcher{records: records}, stubEmbedder{})
	o := New(st, retriever)
	o.newStream = func(llm.Config) (llm.Streamer, error) { return streamer, nil }
	return o, st
}

func collect(events <-chan Event) []Event {
	var out []Event
	for e := range events {
		out = append(out, e)
	}
	return out
}

func history(content string) []types.ChatMessage {
	return []types.ChatMessage{{Role: "user", Content: content}}
}

func TestChat_EventOrdering(t *testing.T) {
	streamer := &scriptedStreamer{events: []llm.Event{
		{Kind: llm.EventToken, Text: "Hello"},
		{Kind: llm.EventToken, Text: " world"},
		{Kind: llm.EventDone},
	}}
	o, _ := newTestOrchestrator(t, streamer, nil)

	events := collect(o.Chat(context.Background(), history("hi")))
	require.NotEmpty(t, events)
	assert.Equal(t, EventDebug, events[0].Type, "debug precedes all tokens")

	var kinds []EventType
	for _, e := range events {
		kinds = append(kinds, e.Type)
	}
	assert.Equal(t, []EventType{EventDebug, EventToken, EventToken, EventCitations, EventDone}, kinds)
}

func TestChat_DebugCarriesResolvedPrompt(t *testing.T) {
	streamer := &scriptedStreamer{events: []llm.Event{{Kind: llm.EventDone}}}
	o, st := newTestOrchestrator(t, streamer, nil)
	ctx := context.Background()
	require.NoError(t, st.WriteSetting(ctx, "user_name", "Dana"))

	events := collect(o.Chat(ctx, history("hi")))
	require.NotEmpty(t, events)
	debug := events[0].Debug
	require.NotNil(t, debug)
	assert.Equal(t, "Dana", debug.Variables["user_name"])
	require.NotEmpty(t, debug.Messages)
	assert.Equal(t, "system", debug.Messages[0].Role)
	assert.Contains(t, debug.Messages[0].Content, "Dana", "placeholder substituted")
	assert.NotContains(t, debug.Messages[0].Content, "{user_name}")
	assert.NotContains(t, debug.Messages[0].Content, "{context_text}")
}

func TestChat_CitationsFromRetrieval(t *testing.T) {
	streamer := &scriptedStreamer{events: []llm.Event{
		{Kind: llm.EventToken, Text: "answer"},
		{Kind: llm.EventDone},
	}}
	records := []*types.VectorRecord{{
		ChunkID: "c1", ChatID: 1, ChatName: "Alice", StartTS: 100, EndTS: 200, Text: "context", Excerpt: "context",
	}}
	o, st := newTestOrchestrator(t, streamer, records)
	ctx := context.Background()
	require.NoError(t, st.UpsertChat(ctx, &types.Chat{ID: 1, Title: "Alice", Type: types.ChatTypePrivate, Included: true}))

	events := collect(o.Chat(ctx, history("what did alice say")))
	var citations []types.Citation
	for _, e := range events {
		if e.Type == EventCitations {
			citations = e.Citations
		}
	}
	require.Len(t, citations, 1)
	assert.Equal(t, "c1", citations[0].ChunkID)

	// The retrieved context reached the system prompt
	assert.Contains(t, events[0].Debug.Messages[0].Content, "context")
	assert.True(t, events[0].Debug.ContextUsed)
}

func TestChat_RAGDisabledSkipsRetrieval(t *testing.T) {
	streamer := &scriptedStreamer{events: []llm.Event{{Kind: llm.EventDone}}}
	records := []*types.VectorRecord{{ChunkID: "c1", ChatID: 1, Text: "context"}}
	o, st := newTestOrchestrator(t, streamer, records)
	ctx := context.Background()
	require.NoError(t, st.UpsertChat(ctx, &types.Chat{ID: 1, Title: "Alice", Type: types.ChatTypePrivate, Included: true}))
	require.NoError(t, st.WriteSetting(ctx, "rag_enabled", "false"))

	events := collect(o.Chat(ctx, history("hi")))
	for _, e := range events {
		if e.Type == EventCitations {
			assert.Empty(t, e.Citations)
		}
	}
	assert.False(t, events[0].Debug.ContextUsed)
}

func TestChat_BackendErrorEmitsErrorTokenNoCitations(t *testing.T) {
	streamer := &scriptedStreamer{events: []llm.Event{
		{Kind: llm.EventError, Text: "upstream returned 401: bad key"},
	}}
	o, _ := newTestOrchestrator(t, streamer, nil)

	events := collect(o.Chat(context.Background(), history("hi")))
	var kinds []EventType
	errorToken := ""
	for _, e := range events {
		kinds = append(kinds, e.Type)
		if e.Type == EventToken {
			errorToken = e.Content
		}
	}
	assert.Equal(t, []EventType{EventDebug, EventToken, EventDone}, kinds, "no citations after a failure")
	assert.Contains(t, errorToken, "[Error: ")
	assert.Contains(t, errorToken, "401")
}

func TestChat_FactoryErrorSurfacesAsErrorToken(t *testing.T) {
	o, _ := newTestOrchestrator(t, &scriptedStreamer{}, nil)
	o.newStream = func(llm.Config) (llm.Streamer, error) {
		return nil, assert.AnError
	}

	events := collect(o.Chat(context.Background(), history("hi")))
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, EventToken, events[1].Type)
	assert.Contains(t, events[1].Content, "[Error: ")
	assert.Equal(t, EventDone, events[len(events)-1].Type)
}

func TestChat_ReasoningEventsForwarded(t *testing.T) {
	streamer := &scriptedStreamer{events: []llm.Event{
		{Kind: llm.EventReasoning, Text: "thinking..."},
		{Kind: llm.EventToken, Text: "answer"},
		{Kind: llm.EventDone},
	}}
	o, _ := newTestOrchestrator(t, streamer, nil)

	events := collect(o.Chat(context.Background(), history("hi")))
	var kinds []EventType
	for _, e := range events {
		kinds = append(kinds, e.Type)
	}
	assert.Equal(t, []EventType{EventDebug, EventReasoning, EventToken, EventCitations, EventDone}, kinds)
}

func TestChat_RequestCarriesSettings(t *testing.T) {
	streamer := &scriptedStreamer{events: []llm.Event{{Kind: llm.EventDone}}}
	o, st := newTestOrchestrator(t, streamer, nil)
	ctx := context.Background()
	require.NoError(t, st.WriteSetting(ctx, "temperature", "0.3"))
	require.NoError(t, st.WriteSetting(ctx, "max_tokens", "128"))
	require.NoError(t, st.WriteSetting(ctx, "enable_thinking", "true"))

	collect(o.Chat(ctx, history("hi")))
	assert.InDelta(t, 0.3, streamer.gotReq.Temperature, 0.001)
	assert.Equal(t, 128, streamer.gotReq.MaxTokens)
	assert.True(t, streamer.gotReq.EnableThinking)
}
