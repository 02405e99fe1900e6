package api

import (
	"database/sql"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nikira-studio/lifequery/internal/errors"
)

func (r *Router) handleListChats(w http.ResponseWriter, req *http.Request) {
	chats, err := r.deps.Store.ListChats(req.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chats": chats})
}

func (r *Router) handleUpdateChat(w http.ResponseWriter, req *http.Request) {
	chatID, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil {
		errors.WriteError(w, errors.Validation("invalid chat id"))
		return
	}
	var body struct {
		Included *bool `json:"included"`
	}
	if err := decodeJSON(req, &body); err != nil {
		errors.WriteError(w, err)
		return
	}
	if body.Included == nil {
		errors.WriteError(w, errors.Validation("included is required"))
		return
	}
	if err := r.deps.Store.SetIncluded(req.Context(), chatID, *body.Included); err != nil {
		if err == sql.ErrNoRows {
			errors.WriteError(w, errors.NotFound("chat not found"))
			return
		}
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": chatID, "included": *body.Included})
}

// handleDeleteChat removes the chat's rows and evicts its vectors. The store
// is authoritative: the row delete commits first and vector eviction follows
// from the returned chunk IDs.
func (r *Router) handleDeleteChat(w http.ResponseWriter, req *http.Request) {
	chatID, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil {
		errors.WriteError(w, errors.Validation("invalid chat id"))
		return
	}
	result, err := r.deps.Store.DeleteChat(req.Context(), chatID)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	if len(result.ChunkIDs) > 0 {
		if err := r.deps.Vectors.Delete(req.Context(), result.ChunkIDs); err != nil {
			r.logger.Error("Failed to evict vectors for deleted chat", "chat_id", chatID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSyncChats refreshes chat metadata from the connector without
// fetching messages.
func (r *Router) handleSyncChats(w http.ResponseWriter, req *http.Request) {
	settings, err := r.snapshot(req.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	src, err := r.deps.Connector(settings).Open(req.Context(), 0)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	chats, err := src.Chats(req.Context())
	if err != nil {
		errors.WriteError(w, errors.Upstream("failed to list chats", err))
		return
	}
	for i := range chats {
		if err := r.deps.Store.UpsertChat(req.Context(), &chats[i]); err != nil {
			errors.WriteError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"chats_synced": len(chats)})
}
