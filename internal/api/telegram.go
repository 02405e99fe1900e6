package api

import (
	"net/http"

	"github.com/nikira-studio/lifequery/internal/errors"
)

// The telegram endpoints delegate to the external message bridge; LifeQuery
// stores no provider credentials beyond relaying the auth flow.

func (r *Router) handleTelegramStatus(w http.ResponseWriter, req *http.Request) {
	settings, err := r.snapshot(req.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	status, err := r.deps.Connector(settings).Status(req.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handleTelegramAuthStart(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Phone string `json:"phone"`
	}
	if err := decodeJSON(req, &body); err != nil {
		errors.WriteError(w, err)
		return
	}
	settings, err := r.snapshot(req.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	if err := r.deps.Connector(settings).AuthStart(req.Context(), body.Phone); err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"started": true})
}

func (r *Router) handleTelegramAuthVerify(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Code     string `json:"code"`
		Password string `json:"password"`
	}
	if err := decodeJSON(req, &body); err != nil {
		errors.WriteError(w, err)
		return
	}
	settings, err := r.snapshot(req.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	if err := r.deps.Connector(settings).AuthVerify(req.Context(), body.Code, body.Password); err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (r *Router) handleTelegramDisconnect(w http.ResponseWriter, req *http.Request) {
	settings, err := r.snapshot(req.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	if err := r.deps.Connector(settings).Disconnect(req.Context()); err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"disconnected": true})
}
