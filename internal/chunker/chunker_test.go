package chunker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikira-studio/lifequery/pkg/types"
)

func msg(id, ts int64, sender, text string) types.Message {
	return types.Message{ChatID: 1, MessageID: id, Timestamp: ts, Sender: sender, Text: text}
}

func defaultOpts() Options {
	return Options{TargetTokens: 50, MaxTokens: 100, OverlapTokens: 10, ChatName: "Alice"}
}

func TestSplit_SingleChunk(t *testing.T) {
	msgs := []types.Message{
		msg(1, 0, "alice", "hi"),
		msg(2, 60, "bob", "how are you"),
	}
	result := Split(msgs, defaultOpts())

	require.Len(t, result.Chunks, 1)
	c := result.Chunks[0]
	assert.Equal(t, int64(1), c.ChatID)
	assert.Equal(t, int64(0), c.Metadata.StartTS)
	assert.Equal(t, int64(60), c.Metadata.EndTS)
	assert.Equal(t, []string{"alice", "bob"}, c.Metadata.Participants)
	assert.Equal(t, "Alice", c.Metadata.ChatName)
	assert.NotEmpty(t, c.ContentHash)
	assert.Equal(t, types.ChunkVersion, c.Version)
}

func TestSplit_GapBreak(t *testing.T) {
	fiveHours := int64(5 * 3600)
	msgs := []types.Message{
		msg(1, 0, "alice", "hi"),
		msg(2, fiveHours, "alice", "back again"),
	}
	result := Split(msgs, defaultOpts())

	require.Len(t, result.Chunks, 2)
	assert.Equal(t, int64(0), result.Chunks[0].Metadata.StartTS)
	assert.Equal(t, fiveHours, result.Chunks[1].Metadata.StartTS)
}

func TestSplit_GapBreakExactBoundary(t *testing.T) {
	fourHours := int64(4 * 3600)
	msgs := []types.Message{
		msg(1, 0, "alice", "hi"),
		msg(2, fourHours, "alice", "later"),
	}
	result := Split(msgs, defaultOpts())

	// Exactly GapBreak counts as exceeding
	require.Len(t, result.Chunks, 2)
}

func TestSplit_GapJoinRequiresTargetSize(t *testing.T) {
	// 30 minute gap, chunk far below target: stays joined
	msgs := []types.Message{
		msg(1, 0, "alice", "hi"),
		msg(2, 1800, "alice", "still here"),
	}
	result := Split(msgs, defaultOpts())
	require.Len(t, result.Chunks, 1)
}

func TestSplit_GapJoinSealsWhenTargetReached(t *testing.T) {
	long := ""
	for i := 0; i < 60; i++ {
		long += "word "
	}
	msgs := []types.Message{
		msg(1, 0, "alice", long), // ~78 tokens, above target of 50
		msg(2, 1801, "alice", "new topic"),
	}
	result := Split(msgs, defaultOpts())
	require.Len(t, result.Chunks, 2)
}

func TestSplit_MaxTokensSealsWithOverlap(t *testing.T) {
	long := ""
	for i := 0; i < 70; i++ {
		long += "word "
	}
	msgs := []types.Message{
		msg(1, 0, "alice", long),
		msg(2, 60, "alice", long),
	}
	result := Split(msgs, defaultOpts())

	require.Len(t, result.Chunks, 2)
	assert.Equal(t, 1, result.MessagesSplit)
	// The second chunk starts with the trailing words of the first
	assert.Contains(t, result.Chunks[1].Text, "word word")
}

func TestSplit_EmptyMessagesSkipped(t *testing.T) {
	msgs := []types.Message{
		msg(1, 0, "alice", "hello"),
		msg(2, 10, "alice", "   "),
		msg(3, 20, "alice", ""),
		msg(4, 30, "alice", "world"),
	}
	result := Split(msgs, defaultOpts())

	require.Len(t, result.Chunks, 1)
	assert.Equal(t, 2, result.EmptySkipped)
}

func TestSplit_NoiseFilterCaseInsensitive(t *testing.T) {
	opts := defaultOpts()
	opts.NoiseKeywords = []string{"joined the group"}
	msgs := []types.Message{
		msg(1, 0, "alice", "hello"),
		msg(2, 10, "", "Bob JOINED THE GROUP"),
		msg(3, 20, "alice", "welcome"),
	}
	result := Split(msgs, opts)

	require.Len(t, result.Chunks, 1)
	assert.Equal(t, 1, result.NoiseDropped)
	assert.NotContains(t, result.Chunks[0].Text, "JOINED")
}

func TestSplit_Deterministic(t *testing.T) {
	msgs := []types.Message{
		msg(1, 0, "alice", "the quick brown fox"),
		msg(2, 120, "bob", "jumps over the lazy dog"),
		msg(3, 90000, "alice", "a new day begins"),
	}
	first := Split(msgs, defaultOpts())
	second := Split(msgs, defaultOpts())

	require.Equal(t, len(first.Chunks), len(second.Chunks))
	for i := range first.Chunks {
		// IDs differ but the content-hash multiset is identical
		assert.Equal(t, first.Chunks[i].ContentHash, second.Chunks[i].ContentHash)
		assert.NotEqual(t, first.Chunks[i].ID, second.Chunks[i].ID)
	}
}

func TestSplit_Empty(t *testing.T) {
	result := Split(nil, defaultOpts())
	assert.Empty(t, result.Chunks)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 0, EstimateTokens("   "))
	assert.Equal(t, 2, EstimateTokens("hello"))    // ceil(1 * 1.3)
	assert.Equal(t, 3, EstimateTokens("hi there")) // ceil(2 * 1.3)
	assert.Equal(t, 13, EstimateTokens("a b c d e f g h i j")) // ceil(10 * 1.3)
}
