package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nikira-studio/lifequery/internal/errors"
	"github.com/nikira-studio/lifequery/internal/source"
	"github.com/nikira-studio/lifequery/internal/tasks"
	"github.com/nikira-studio/lifequery/pkg/types"
)

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.deps.Store.Stats(req.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handlePendingStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.deps.Store.PendingStats(req.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleSyncLogs(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	entries, err := r.deps.Store.TailLog(req.Context(), limit)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": entries})
}

func (r *Router) handleSyncCancel(w http.ResponseWriter, _ *http.Request) {
	cancelled := r.deps.Tasks.Cancel(types.OperationSync)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// handleSync pulls new messages from the live connector and pushes them
// through the pipeline, streaming progress as SSE.
func (r *Router) handleSync(w http.ResponseWriter, req *http.Request) {
	settings, err := r.snapshot(req.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	connector := r.deps.Connector(settings)

	r.runOperation(w, types.OperationSync, func(ctx context.Context, progress chan<- types.Progress) (types.Counts, error) {
		afterTS, err := r.deps.Store.MaxMessageTimestamp(ctx)
		if err != nil {
			return types.Counts{}, err
		}
		src, err := connector.Open(ctx, afterTS)
		if err != nil {
			return types.Counts{}, err
		}
		return r.deps.Pipeline.Run(ctx, src, settings, progress)
	})
}

// handleImport ingests a JSON export streamed in the request body. The body
// is decoded and validated before the task starts so a malformed file is a
// plain 400, not a failed operation.
func (r *Router) handleImport(w http.ResponseWriter, req *http.Request) {
	src, err := source.NewJSONSource(req.Body)
	if err != nil {
		errors.WriteError(w, errors.Validation(err.Error()))
		return
	}
	r.startImport(w, req, src)
}

func (r *Router) handleImportPath(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(req, &body); err != nil {
		errors.WriteError(w, err)
		return
	}
	if body.Path == "" {
		errors.WriteError(w, errors.Validation("path is required"))
		return
	}
	src, err := source.NewJSONSourceFromPath(body.Path)
	if err != nil {
		errors.WriteError(w, errors.Validation(err.Error()))
		return
	}
	r.startImport(w, req, src)
}

func (r *Router) startImport(w http.ResponseWriter, req *http.Request, src source.Source) {
	settings, err := r.snapshot(req.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	r.runOperation(w, types.OperationImport, func(ctx context.Context, progress chan<- types.Progress) (types.Counts, error) {
		return r.deps.Pipeline.Run(ctx, src, settings, progress)
	})
}

func (r *Router) handleReindex(w http.ResponseWriter, req *http.Request) {
	settings, err := r.snapshot(req.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	r.runOperation(w, types.OperationReindex, func(ctx context.Context, progress chan<- types.Progress) (types.Counts, error) {
		return r.deps.Pipeline.Reindex(ctx, settings, progress)
	})
}

func (r *Router) handleProcess(w http.ResponseWriter, req *http.Request) {
	settings, err := r.snapshot(req.Context())
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	r.runOperation(w, types.OperationProcess, func(ctx context.Context, progress chan<- types.Progress) (types.Counts, error) {
		counts := types.Counts{}
		err := r.deps.Pipeline.Process(ctx, settings, progress, &counts)
		return counts, err
	})
}

// runOperation starts a single-flight task and streams its progress over
// SSE, ending with a terminal done event carrying status and counters.
// Closing the HTTP connection does not cancel the task; committed work and
// the operation log survive the subscriber.
func (r *Router) runOperation(w http.ResponseWriter, op types.Operation, run tasks.RunFunc) {
	task, err := r.deps.Tasks.Start(op, run)
	if err != nil {
		errors.WriteError(w, err)
		return
	}

	sse, err := newSSE(w)
	if err != nil {
		errors.WriteError(w, err)
		return
	}
	for p := range task.Progress {
		_ = sse.send(map[string]string{
			"type":    "progress",
			"stage":   p.Stage,
			"message": p.Message,
		})
	}
	<-task.Done

	status, counts, runErr := task.Result()
	done := map[string]interface{}{
		"type":               "done",
		"status":             status,
		"messages_fetched":   counts.MessagesFetched,
		"messages_added":     counts.MessagesAdded,
		"messages_duplicate": counts.MessagesDuplicate,
		"messages_dropped":   counts.MessagesDropped,
		"chunks_created":     counts.ChunksCreated,
		"chunks_embedded":    counts.ChunksEmbedded,
	}
	if runErr != nil {
		done["error"] = runErr.Error()
	}
	_ = sse.send(done)
	sse.done()
}
