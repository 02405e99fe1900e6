package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nikira-studio/lifequery/internal/errors"
)

// sseWriter frames server-sent events. Every event line is
// "data: <json>\r\n\r\n" and the stream ends with "data: [DONE]\r\n\r\n".
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSE(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New(errors.ErrorCodeInvariant, "response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Disables buffering in upstream reverse proxies
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, f: f}, nil
}

func (s *sseWriter) send(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\r\n\r\n", payload); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseWriter) done() {
	_, _ = fmt.Fprint(s.w, "data: [DONE]\r\n\r\n")
	s.f.Flush()
}
