package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nikira-studio/lifequery/internal/errors"
)

// Provider identifies a chat back-end.
type Provider string

const (
	// ProviderOllama uses the native Ollama protocol
	ProviderOllama Provider = "ollama"
	// ProviderOpenAI uses api.openai.com
	ProviderOpenAI Provider = "openai"
	// ProviderOpenRouter uses openrouter.ai
	ProviderOpenRouter Provider = "openrouter"
	// ProviderGroq uses api.groq.com
	ProviderGroq Provider = "groq"
	// ProviderDeepSeek uses api.deepseek.com
	ProviderDeepSeek Provider = "deepseek"
	// ProviderCustom is any OpenAI-compatible server at a user-supplied URL
	ProviderCustom Provider = "custom"
)

// Providers lists the selectable back-ends in display order.
func Providers() []Provider {
	return []Provider{ProviderOllama, ProviderOpenAI, ProviderOpenRouter, ProviderGroq, ProviderDeepSeek, ProviderCustom}
}

// defaultBaseURLs maps providers to their canonical endpoints.
var defaultBaseURLs = map[Provider]string{
	ProviderOpenAI:     "https://api.openai.com/v1",
	ProviderOpenRouter: "https://openrouter.ai/api/v1",
	ProviderGroq:       "https://api.groq.com/openai/v1",
	ProviderDeepSeek:   "https://api.deepseek.com/v1",
}

var versionSegment = regexp.MustCompile(`/v\d+(beta)?/?$`)

// NormalizeBaseURL trims the URL and appends /v1 when no version segment is
// present. Ollama URLs are left untouched because its native API is not
// versioned that way.
func NormalizeBaseURL(provider Provider, raw string) string {
	url := strings.TrimSuffix(strings.TrimSpace(raw), "/")
	if url == "" {
		return defaultBaseURLs[provider]
	}
	if provider == ProviderOllama {
		return url
	}
	if !versionSegment.MatchString(url) {
		url += "/v1"
	}
	return url
}

// Config selects and parameterizes an adapter.
type Config struct {
	Provider Provider
	BaseURL  string
	APIKey   string
	Model    string
}

// New builds the Streamer for the configured provider.
func New(cfg Config) (Streamer, error) {
	if cfg.Model == "" {
		return nil, errors.Config("llm model is not configured")
	}
	switch cfg.Provider {
	case ProviderOllama:
		url := NormalizeBaseURL(ProviderOllama, cfg.BaseURL)
		if url == "" {
			url = "http://localhost:11434"
		}
		return NewOllamaClient(url, cfg.Model), nil
	case ProviderOpenAI, ProviderOpenRouter, ProviderGroq, ProviderDeepSeek:
		if cfg.APIKey == "" {
			return nil, errors.Config(fmt.Sprintf("%s requires an API key", cfg.Provider))
		}
		return NewOpenAICompatClient(NormalizeBaseURL(cfg.Provider, cfg.BaseURL), cfg.APIKey, cfg.Model), nil
	case ProviderCustom:
		if cfg.BaseURL == "" {
			return nil, errors.Config("custom provider requires a base URL")
		}
		return NewOpenAICompatClient(NormalizeBaseURL(cfg.Provider, cfg.BaseURL), cfg.APIKey, cfg.Model), nil
	default:
		return nil, errors.Config(fmt.Sprintf("unknown llm provider: %s", cfg.Provider))
	}
}

// NewLister builds a model lister for the provider, used by the /models
// endpoint.
func NewLister(cfg Config) (ModelLister, error) {
	switch cfg.Provider {
	case ProviderOllama:
		url := NormalizeBaseURL(ProviderOllama, cfg.BaseURL)
		if url == "" {
			url = "http://localhost:11434"
		}
		return NewOllamaClient(url, ""), nil
	case ProviderOpenAI, ProviderOpenRouter, ProviderGroq, ProviderDeepSeek, ProviderCustom:
		return NewOpenAICompatClient(NormalizeBaseURL(cfg.Provider, cfg.BaseURL), cfg.APIKey, ""), nil
	default:
		return nil, errors.Config(fmt.Sprintf("unknown llm provider: %s", cfg.Provider))
	}
}

// ListModels lists models for the provider endpoint.
func ListModels(ctx context.Context, cfg Config) ([]string, error) {
	lister, err := NewLister(cfg)
	if err != nil {
		return nil, err
	}
	return lister.ListModels(ctx)
}
