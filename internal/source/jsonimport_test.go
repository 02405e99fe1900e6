package source

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikira-studio/lifequery/pkg/types"
)

func TestNewJSONSource_ValidExport(t *testing.T) {
	raw := `{"chats": [
		{"id": 2, "title": "Group", "type": "group", "messages": [
			{"id": 5, "timestamp": 300, "sender": "carol", "text": "late"},
			{"id": 4, "timestamp": 100, "sender": "carol", "text": "early"}
		]},
		{"id": 1, "title": "Alice", "type": "private", "messages": [
			{"id": 1, "timestamp": 200, "sender": "alice", "text": "hi"}
		]}
	]}`
	src, err := NewJSONSource(strings.NewReader(raw))
	require.NoError(t, err)

	chats, err := src.Chats(context.Background())
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, types.ChatTypeGroup, chats[0].Type)
	assert.True(t, chats[0].Included)

	var all []types.Message
	for {
		batch, err := src.Next(context.Background(), 2)
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
	}
	require.Len(t, all, 3)
	// Per-chat chronological order
	assert.Equal(t, int64(1), all[0].ChatID)
	assert.Equal(t, int64(100), all[1].Timestamp)
	assert.Equal(t, int64(300), all[2].Timestamp)
}

func TestNewJSONSource_Invalid(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"no chats":        `{"chats": []}`,
		"chat without id": `{"chats": [{"title": "x", "messages": []}]}`,
		"message without id": `{"chats": [{"id": 1, "messages": [
			{"timestamp": 1, "text": "x"}]}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewJSONSource(strings.NewReader(raw))
			assert.Error(t, err)
		})
	}
}

func TestJSONSource_UnknownChatTypeDefaultsToPrivate(t *testing.T) {
	raw := `{"chats": [{"id": 1, "title": "x", "type": "supergroup", "messages": [
		{"id": 1, "timestamp": 1, "text": "hello"}]}]}`
	src, err := NewJSONSource(strings.NewReader(raw))
	require.NoError(t, err)
	chats, _ := src.Chats(context.Background())
	assert.Equal(t, types.ChatTypePrivate, chats[0].Type)
}
