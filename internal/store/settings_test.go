package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings_DefaultsFromSchema(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	settings, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ollama", settings.LLMProvider)
	assert.Equal(t, 20, settings.RAGTopK)
	assert.Equal(t, 4000, settings.ContextTokenCap)
	assert.InDelta(t, 0.7, settings.Temperature, 0.001)
	assert.True(t, settings.RAGEnabled)
	assert.Empty(t, settings.NoiseKeywords)
}

func TestSettings_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteSetting(ctx, "user_name", "Dana"))
	require.NoError(t, s.WriteSetting(ctx, "rag_top_k", "5"))
	require.NoError(t, s.WriteSetting(ctx, "rag_enabled", "false"))
	require.NoError(t, s.WriteSetting(ctx, "temperature", "0.2"))
	require.NoError(t, s.WriteSetting(ctx, "noise_keywords", "joined, left , pinned a message"))

	settings, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Dana", settings.UserName)
	assert.Equal(t, 5, settings.RAGTopK)
	assert.False(t, settings.RAGEnabled)
	assert.InDelta(t, 0.2, settings.Temperature, 0.001)
	assert.Equal(t, []string{"joined", "left", "pinned a message"}, settings.NoiseKeywords)
}

func TestSettings_TypeCoercionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.WriteSetting(ctx, "rag_top_k", "not a number"))
	assert.Error(t, s.WriteSetting(ctx, "temperature", "warm"))
	assert.Error(t, s.WriteSetting(ctx, "rag_enabled", "maybe"))
	assert.Error(t, s.WriteSetting(ctx, "no_such_key", "x"))
}

func TestSettings_SensitiveMasking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteSetting(ctx, "llm_api_key", "sk-secret"))

	all, err := s.AllSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, SecretSentinel, all["llm_api_key"], "sensitive value is masked on the wire")

	// In-memory snapshot keeps plaintext
	settings, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", settings.LLMAPIKey)

	// Writing the sentinel back preserves the stored secret
	require.NoError(t, s.WriteSetting(ctx, "llm_api_key", SecretSentinel))
	settings, err = s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", settings.LLMAPIKey)
}

func TestSettings_EmptySensitiveNotMasked(t *testing.T) {
	s := newTestStore(t)
	all, err := s.AllSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", all["api_key"], "unset secret stays empty, not sentinel")
}

func TestSettings_ReadSingle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.ReadSetting(ctx, "embedding_model")
	require.NoError(t, err)
	assert.Equal(t, "nomic-embed-text", v)

	_, err = s.ReadSetting(ctx, "bogus")
	assert.Error(t, err)
}
