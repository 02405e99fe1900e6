// Package embeddings provides the embedding client that maps text to
// fixed-dimension vectors via an OpenAI-compatible endpoint.
package embeddings

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	apperrors "github.com/nikira-studio/lifequery/internal/errors"
	"github.com/nikira-studio/lifequery/internal/logging"
	"github.com/nikira-studio/lifequery/internal/retry"
)

const (
	batchTimeout = 30 * time.Second
	maxCacheSize = 2000
)

// Client generates embeddings for texts.
type Client interface {
	// Embed maps texts to vectors; len(result) == len(texts) and all vectors
	// share one dimension.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector dimension, 0 when not yet known.
	Dimension() int

	// Model returns the configured model name.
	Model() string

	// Reset invalidates the cached client after a URL/model/key change.
	Reset(baseURL, model, apiKey string)
}

// OpenAIClient implements Client against any OpenAI-compatible embeddings
// endpoint (OpenAI, Ollama, LM Studio, vLLM).
type OpenAIClient struct {
	mu      sync.RWMutex
	client  *openai.Client
	baseURL string
	model   string
	apiKey  string
	dim     int

	cacheMu sync.RWMutex
	cache   map[[32]byte][]float32

	logger logging.Logger
}

// NewOpenAIClient creates a lazily-connecting embedding client.
func NewOpenAIClient(baseURL, model, apiKey string) *OpenAIClient {
	return &OpenAIClient{
		baseURL: baseURL,
		model:   model,
		apiKey:  apiKey,
		cache:   make(map[[32]byte][]float32),
		logger:  logging.Default().WithComponent("embeddings"),
	}
}

// Reset replaces the endpoint configuration. When any value differs from the
// current one, it also drops the cached client and the embedding cache; an
// unchanged configuration keeps both. Vectors from a different model must
// never be mixed with stored ones, so callers reindex after changing the model.
func (c *OpenAIClient) Reset(baseURL, model, apiKey string) {
	c.mu.Lock()
	changed := c.baseURL != baseURL || c.model != model || c.apiKey != apiKey
	c.baseURL = baseURL
	c.model = model
	c.apiKey = apiKey
	if changed {
		c.client = nil
		c.dim = 0
	}
	c.mu.Unlock()

	if changed {
		c.cacheMu.Lock()
		c.cache = make(map[[32]byte][]float32)
		c.cacheMu.Unlock()
	}
}

func (c *OpenAIClient) getClient() (*openai.Client, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseURL == "" {
		return nil, "", apperrors.Config("embedding endpoint is not configured")
	}
	if c.model == "" {
		return nil, "", apperrors.Config("embedding model is not configured")
	}
	if c.client == nil {
		cfg := openai.DefaultConfig(c.apiKey)
		cfg.BaseURL = c.baseURL
		c.client = openai.NewClientWithConfig(cfg)
	}
	return c.client, c.model, nil
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// Dimension returns the vector dimension observed from the endpoint.
func (c *OpenAIClient) Dimension() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dim
}

// Embed maps texts to vectors with position-stable results. A batch is
// attempted up to 3 times in total, with exponential backoff between
// attempts after transient endpoint failures.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("texts cannot be empty")
	}

	results := make([][]float32, len(texts))
	uncached := make([]string, 0, len(texts))
	uncachedIdx := make([]int, 0, len(texts))
	for i, text := range texts {
		if v := c.fromCache(text); v != nil {
			results[i] = v
			continue
		}
		uncached = append(uncached, text)
		uncachedIdx = append(uncachedIdx, i)
	}
	if len(uncached) == 0 {
		return results, nil
	}

	client, model, err := c.getClient()
	if err != nil {
		return nil, err
	}

	var resp openai.EmbeddingResponse
	err = retry.RetryWithConfig(ctx, retry.ExponentialBackoff(3), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, batchTimeout)
		defer cancel()
		var callErr error
		resp, callErr = client.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
			Input: uncached,
			Model: openai.EmbeddingModel(model),
		})
		if callErr != nil {
			return classify(callErr)
		}
		return nil
	})
	if err != nil {
		return nil, surface(err)
	}

	if len(resp.Data) != len(uncached) {
		return nil, apperrors.Upstream(
			fmt.Sprintf("embedding count mismatch: sent %d texts, got %d vectors", len(uncached), len(resp.Data)), nil)
	}

	dim := 0
	for i, data := range resp.Data {
		vec := data.Embedding
		if dim == 0 {
			dim = len(vec)
		} else if len(vec) != dim {
			return nil, apperrors.Upstream("embedding dimensions are not uniform", nil)
		}
		results[uncachedIdx[i]] = vec
		c.toCache(uncached[i], vec)
	}

	c.mu.Lock()
	if c.dim == 0 {
		c.dim = dim
	}
	c.mu.Unlock()

	c.logger.Debug("Embedded batch", "texts", len(uncached), "dimension", dim)
	return results, nil
}

// classify wraps an endpoint error for the retrier: rate limits, server
// errors and network failures are temporary; everything else is permanent.
func classify(err error) error {
	if status, ok := httpStatus(err); ok {
		if status == 429 || status >= 500 {
			return &retry.TemporaryError{Err: err}
		}
		return &retry.PermanentError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &retry.TemporaryError{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &retry.TemporaryError{Err: err}
	}
	return &retry.PermanentError{Err: err}
}

// httpStatus extracts the HTTP status from either error shape the SDK
// returns (parsed API error or raw request error).
func httpStatus(err error) (int, bool) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode, true
	}
	return 0, false
}

// surface converts a final retry outcome into the error taxonomy.
func surface(err error) error {
	if status, ok := httpStatus(err); ok {
		switch status {
		case 401, 403:
			return apperrors.Wrap(apperrors.ErrorCodeConfig, "embedding endpoint rejected credentials", err)
		case 404:
			return apperrors.Wrap(apperrors.ErrorCodeConfig, "embedding model not found", err)
		}
	}
	var tmp *retry.TemporaryError
	if errors.As(err, &tmp) {
		return apperrors.Transient("embedding endpoint unavailable", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperrors.Upstream("embedding request failed", err)
}

func cacheKey(text string) [32]byte {
	return sha256.Sum256([]byte(text))
}

func (c *OpenAIClient) fromCache(text string) []float32 {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	if vec, ok := c.cache[cacheKey(text)]; ok {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out
	}
	return nil
}

func (c *OpenAIClient) toCache(text string, vec []float32) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if len(c.cache) >= maxCacheSize {
		// Evict an arbitrary half of the cache; a proper LRU is not worth the
		// bookkeeping for a single-user workload.
		n := 0
		for k := range c.cache {
			delete(c.cache, k)
			n++
			if n >= maxCacheSize/2 {
				break
			}
		}
	}
	stored := make([]float32, len(vec))
	copy(stored, vec)
	c.cache[cacheKey(text)] = stored
}
