// Package api hosts the HTTP and event-stream surface, translating requests
// into operations on the core components.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nikira-studio/lifequery/internal/errors"
	"github.com/nikira-studio/lifequery/internal/ingest"
	"github.com/nikira-studio/lifequery/internal/logging"
	"github.com/nikira-studio/lifequery/internal/orchestrator"
	"github.com/nikira-studio/lifequery/internal/source"
	"github.com/nikira-studio/lifequery/internal/store"
	"github.com/nikira-studio/lifequery/internal/tasks"
	"github.com/nikira-studio/lifequery/pkg/types"
)

// VectorDeleter evicts vectors when chats are deleted.
type VectorDeleter interface {
	Delete(ctx context.Context, chunkIDs []string) error
}

// ChatStreamer is the orchestrator surface the gateway streams from.
type ChatStreamer interface {
	Chat(ctx context.Context, history []types.ChatMessage) <-chan orchestrator.Event
}

// Deps aggregates everything the gateway fronts.
type Deps struct {
	Store        *store.Store
	Vectors      VectorDeleter
	Pipeline     *ingest.Pipeline
	Orchestrator ChatStreamer
	Tasks        *tasks.Manager
	Connector    func(settings *store.Settings) source.Connector
	Version      string
}

// Router is the gateway.
type Router struct {
	deps   Deps
	mux    *chi.Mux
	logger logging.Logger
}

// NewRouter builds the router with middleware and routes.
func NewRouter(deps Deps) *Router {
	r := &Router{
		deps:   deps,
		mux:    chi.NewRouter(),
		logger: logging.Default().WithComponent("api"),
	}
	r.setupMiddleware()
	r.setupRoutes()
	return r
}

// Handler returns the HTTP handler.
func (r *Router) Handler() http.Handler { return r.mux }

func (r *Router) setupMiddleware() {
	r.mux.Use(chimiddleware.Recoverer)
	r.mux.Use(chimiddleware.RequestID)
	r.mux.Use(chimiddleware.RealIP)
	r.mux.Use(r.authMiddleware)
}

// authMiddleware enforces Bearer auth when the api_key setting is non-empty.
// Health stays open for container probes.
func (r *Router) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/health" {
			next.ServeHTTP(w, req)
			return
		}
		settings, err := r.deps.Store.Snapshot(req.Context())
		if err != nil {
			errors.WriteError(w, err)
			return
		}
		if settings.APIKey != "" {
			header := req.Header.Get("Authorization")
			token := strings.TrimPrefix(header, "Bearer ")
			if header == token || token != settings.APIKey {
				errors.New(errors.ErrorCodeUnauthorized, "missing or invalid bearer token").WriteHTTP(w)
				return
			}
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Router) setupRoutes() {
	r.mux.Get("/health", r.handleHealth)

	r.mux.Get("/settings", r.handleGetSettings)
	r.mux.Post("/settings", r.handlePostSettings)

	r.mux.Get("/providers", r.handleProviders)
	r.mux.Get("/models", r.handleModels)

	r.mux.Get("/telegram/status", r.handleTelegramStatus)
	r.mux.Post("/telegram/auth/start", r.handleTelegramAuthStart)
	r.mux.Post("/telegram/auth/verify", r.handleTelegramAuthVerify)
	r.mux.Post("/telegram/disconnect", r.handleTelegramDisconnect)

	r.mux.Get("/stats", r.handleStats)
	r.mux.Get("/pending-stats", r.handlePendingStats)

	r.mux.Post("/sync", r.handleSync)
	r.mux.Post("/sync/cancel", r.handleSyncCancel)
	r.mux.Get("/sync/logs", r.handleSyncLogs)
	r.mux.Post("/import", r.handleImport)
	r.mux.Post("/import/path", r.handleImportPath)
	r.mux.Post("/reindex", r.handleReindex)
	r.mux.Post("/process", r.handleProcess)

	r.mux.Get("/chats", r.handleListChats)
	r.mux.Put("/chats/{id}", r.handleUpdateChat)
	r.mux.Delete("/chats/{id}", r.handleDeleteChat)
	r.mux.Post("/chats/sync", r.handleSyncChats)

	r.mux.Post("/chat", r.handleChat)
	r.mux.Post("/v1/chat/completions", r.handleCompletions)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": r.deps.Version,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(req *http.Request, v interface{}) error {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return errors.Validation("invalid JSON body: " + err.Error())
	}
	return nil
}

// snapshot loads the settings with a short timeout independent of the
// request stream lifetime.
func (r *Router) snapshot(ctx context.Context) (*store.Settings, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.deps.Store.Snapshot(ctx)
}
