package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikira-studio/lifequery/internal/orchestrator"
	"github.com/nikira-studio/lifequery/internal/store"
	"github.com/nikira-studio/lifequery/pkg/types"
)

type fakeVectors struct {
	deleted []string
}

func (f *fakeVectors) Delete(_ context.Context, chunkIDs []string) error {
	f.deleted = append(f.deleted, chunkIDs...)
	return nil
}

type fakeOrchestrator struct {
	events []orchestrator.Event
}

func (f *fakeOrchestrator) Chat(ctx context.Context, _ []types.ChatMessage) <-chan orchestrator.Event {
	out := make(chan orchestrator.Event)
	go func() {
		defer close(out)
		for _, e := range f.events {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func newTestRouter(t *testing.T, orch ChatStreamer) (*Router, *store.Store, *fakeVectors) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vectors := &fakeVectors{}
	r := NewRouter(Deps{
		Store:        st,
		Vectors:      vectors,
		Orchestrator: orch,
		Version:      "test",
	})
	return r, st, vectors
}

func TestHealth(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestSettings_RoundTripAndSentinel(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	body := `{"user_name": "Dana", "rag_top_k": 7, "rag_enabled": false, "llm_api_key": "sk-secret"}`
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/settings", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Dana", got["user_name"])
	assert.Equal(t, "7", got["rag_top_k"])
	assert.Equal(t, "false", got["rag_enabled"])
	assert.Equal(t, "****", got["llm_api_key"], "secret masked in response")

	// Posting the sentinel back keeps the stored secret
	rec = httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/settings",
		strings.NewReader(`{"llm_api_key": "****"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSettings_UnknownKeyRejected(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/settings",
		strings.NewReader(`{"nope": 1}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuth_BearerRequiredWhenKeySet(t *testing.T) {
	r, st, _ := newTestRouter(t, nil)
	require.NoError(t, st.WriteSetting(context.Background(), "api_key", "topsecret"))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	rec = httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open
	rec = httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChats_UpdateAndDelete(t *testing.T) {
	r, st, vectors := newTestRouter(t, nil)
	ctx := context.Background()

	_, _, err := st.InsertMessages(ctx, []types.Message{
		{ChatID: 1, MessageID: 1, Timestamp: 100, Text: "hi"},
	})
	require.NoError(t, err)
	chunk := types.NewChunk(1, "hi", types.ChunkMetadata{ChatName: "a", StartTS: 100, EndTS: 100})
	_, err = st.InsertChunks(ctx, []*types.Chunk{chunk})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/chats/1",
		strings.NewReader(`{"included": false}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	chats, err := st.ListChats(ctx)
	require.NoError(t, err)
	assert.False(t, chats[0].Included)

	rec = httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/chats/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{chunk.ID}, vectors.deleted, "vectors evicted on delete")

	rec = httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/chats/999",
		strings.NewReader(`{"included": true}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func sseEvents(t *testing.T, body string) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, frame := range strings.Split(body, "\r\n\r\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		require.True(t, strings.HasPrefix(frame, "data: "), "frame %q", frame)
		payload := strings.TrimPrefix(frame, "data: ")
		if payload == "[DONE]" {
			out = append(out, map[string]interface{}{"type": "[DONE]"})
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(payload), &m))
		out = append(out, m)
	}
	return out
}

func TestChat_SSEStream(t *testing.T) {
	orch := &fakeOrchestrator{events: []orchestrator.Event{
		{Type: orchestrator.EventDebug, Debug: &orchestrator.DebugInfo{Model: "m"}},
		{Type: orchestrator.EventToken, Content: "Hel"},
		{Type: orchestrator.EventToken, Content: "lo"},
		{Type: orchestrator.EventCitations, Citations: []types.Citation{{ChunkID: "c1"}}},
		{Type: orchestrator.EventDone},
	}}
	r, _, _ := newTestRouter(t, orch)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat",
		strings.NewReader(`{"messages": [{"role": "user", "content": "hi"}]}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	events := sseEvents(t, rec.Body.String())
	require.Len(t, events, 5)
	assert.Equal(t, "debug", events[0]["type"])
	assert.Equal(t, "token", events[1]["type"])
	assert.Equal(t, "Hel", events[1]["content"])
	assert.Equal(t, "citations", events[3]["type"])
	assert.Equal(t, "[DONE]", events[4]["type"])
}

func TestChat_ValidatesRequest(t *testing.T) {
	r, _, _ := newTestRouter(t, &fakeOrchestrator{})

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat",
		strings.NewReader(`{"messages": []}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat",
		strings.NewReader(`{"messages": [{"role": "wizard", "content": "x"}]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompletions_Streaming(t *testing.T) {
	orch := &fakeOrchestrator{events: []orchestrator.Event{
		{Type: orchestrator.EventDebug, Debug: &orchestrator.DebugInfo{}},
		{Type: orchestrator.EventToken, Content: "Hi"},
		{Type: orchestrator.EventDone},
	}}
	r, _, _ := newTestRouter(t, orch)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model": "m", "stream": true, "messages": [{"role": "user", "content": "hi"}]}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	events := sseEvents(t, rec.Body.String())
	require.Len(t, events, 3, "debug is not part of the compatible schema")
	assert.Equal(t, "chat.completion.chunk", events[0]["object"])
	choice := events[0]["choices"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "Hi", choice["delta"].(map[string]interface{})["content"])
	final := events[1]["choices"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "stop", final["finish_reason"])
	assert.Equal(t, "[DONE]", events[2]["type"])
}

func TestCompletions_NonStreamingWithCitations(t *testing.T) {
	orch := &fakeOrchestrator{events: []orchestrator.Event{
		{Type: orchestrator.EventToken, Content: "Hello "},
		{Type: orchestrator.EventToken, Content: "world"},
		{Type: orchestrator.EventCitations, Citations: []types.Citation{{ChunkID: "c1", ChatName: "Alice"}}},
		{Type: orchestrator.EventDone},
	}}
	r, _, _ := newTestRouter(t, orch)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model": "m", "messages": [{"role": "user", "content": "hi"}]}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		XCitations []types.Citation `json:"x_citations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello world", resp.Choices[0].Message.Content)
	require.Len(t, resp.XCitations, 1)
	assert.Equal(t, "c1", resp.XCitations[0].ChunkID)
}

func TestProviders(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/providers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ollama")
	assert.Contains(t, rec.Body.String(), "openai")
}

func TestStatsEndpoints(t *testing.T) {
	r, st, _ := newTestRouter(t, nil)
	_, _, err := st.InsertMessages(context.Background(), []types.Message{
		{ChatID: 1, MessageID: 1, Timestamp: 100, Text: "hi"},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"message_count":1`)

	rec = httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pending-stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pending_messages":1`)
}

func TestSyncLogs(t *testing.T) {
	r, st, _ := newTestRouter(t, nil)
	id, err := st.AppendLog(context.Background(), types.OperationImport)
	require.NoError(t, err)
	require.NoError(t, st.UpdateLog(context.Background(), id, types.StatusSuccess, types.Counts{MessagesAdded: 9}, ""))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync/logs?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"import"`)
	assert.Contains(t, rec.Body.String(), `"messages_added":9`)
}
