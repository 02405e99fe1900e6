package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/nikira-studio/lifequery/internal/errors"
	"github.com/nikira-studio/lifequery/internal/llm"
)

func (r *Router) handleGetSettings(w http.ResponseWriter, req *http.Request) {
	settings, err := r.deps.Store.AllSettings(req.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handlePostSettings applies a partial update. Values arrive as JSON
// scalars; each is rendered to its canonical string form before the typed
// write. Sentinel writes to sensitive keys are discarded by the store.
func (r *Router) handlePostSettings(w http.ResponseWriter, req *http.Request) {
	var patch map[string]interface{}
	if err := decodeJSON(req, &patch); err != nil {
		errors.WriteError(w, err)
		return
	}
	for key, raw := range patch {
		value, err := renderScalar(raw)
		if err != nil {
			errors.WriteError(w, errors.Validation(fmt.Sprintf("setting %s: %v", key, err)))
			return
		}
		if err := r.deps.Store.WriteSetting(req.Context(), key, value); err != nil {
			errors.WriteError(w, err)
			return
		}
	}
	settings, err := r.deps.Store.AllSettings(req.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func renderScalar(raw interface{}) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), nil
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", raw)
	}
}

func (r *Router) handleProviders(w http.ResponseWriter, _ *http.Request) {
	providers := llm.Providers()
	out := make([]map[string]string, 0, len(providers))
	for _, p := range providers {
		out = append(out, map[string]string{"id": string(p)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": out})
}

func (r *Router) handleModels(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	provider := llm.Provider(q.Get("provider"))

	settings, err := r.snapshot(req.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	baseURL := q.Get("url")
	apiKey := q.Get("api_key")
	if provider == "" {
		provider = llm.Provider(settings.LLMProvider)
	}
	if baseURL == "" {
		baseURL = settings.LLMBaseURL
	}
	if apiKey == "" || apiKey == "****" {
		apiKey = settings.LLMAPIKey
	}

	models, err := llm.ListModels(req.Context(), llm.Config{
		Provider: provider,
		BaseURL:  baseURL,
		APIKey:   apiKey,
	})
	if err != nil {
		errors.WriteError(w, errors.Upstream("failed to list models", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": models})
}
