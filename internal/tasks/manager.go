// Package tasks runs sync, import, reindex and process as cancellable
// single-flight background operations with progress and an operation log.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/nikira-studio/lifequery/internal/errors"
	"github.com/nikira-studio/lifequery/internal/logging"
	"github.com/nikira-studio/lifequery/internal/store"
	"github.com/nikira-studio/lifequery/pkg/types"
)

// RunFunc is the body of a background operation. It reports progress on the
// given channel and returns the accumulated counts.
type RunFunc func(ctx context.Context, progress chan<- types.Progress) (types.Counts, error)

// Task is one running (or finished) operation.
type Task struct {
	Operation types.Operation
	LogID     int64

	// Progress delivers events to a single subscriber. Events nobody reads
	// in time are dropped; there is no replay. The channel closes when the
	// task finishes.
	Progress <-chan types.Progress

	// Done closes after the log entry is finalized.
	Done <-chan struct{}

	cancel context.CancelFunc

	mu     sync.Mutex
	counts types.Counts
	status types.OperationStatus
	err    error
}

// Result returns the terminal status, counts and error. Valid after Done.
func (t *Task) Result() (types.OperationStatus, types.Counts, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.counts, t.err
}

// Cancel signals the task to stop. Committed work is preserved.
func (t *Task) Cancel() { t.cancel() }

// Manager enforces at most one running task per operation kind.
type Manager struct {
	store   *store.Store
	mu      sync.Mutex
	running map[types.Operation]*Task
	logger  logging.Logger
}

// NewManager creates a task manager.
func NewManager(st *store.Store) *Manager {
	return &Manager{
		store:   st,
		running: make(map[types.Operation]*Task),
		logger:  logging.Default().WithComponent("tasks"),
	}
}

// Start launches a task for the given kind. A second start while one is
// running is rejected with a Conflict.
func (m *Manager) Start(op types.Operation, run RunFunc) (*Task, error) {
	if !op.Valid() {
		return nil, apperrors.Validation(fmt.Sprintf("unknown operation: %s", op))
	}

	m.mu.Lock()
	if _, busy := m.running[op]; busy {
		m.mu.Unlock()
		return nil, apperrors.Conflict(fmt.Sprintf("%s is already running", op))
	}

	ctx, cancel := context.WithCancel(context.Background())
	progress := make(chan types.Progress, 64)
	done := make(chan struct{})
	task := &Task{
		Operation: op,
		Progress:  progress,
		Done:      done,
		cancel:    cancel,
		status:    types.StatusRunning,
	}
	m.running[op] = task
	m.mu.Unlock()

	logID, err := m.store.AppendLog(ctx, op)
	if err != nil {
		m.finish(task)
		cancel()
		close(progress)
		close(done)
		return nil, fmt.Errorf("failed to open log entry: %w", err)
	}
	task.LogID = logID

	go func() {
		defer close(done)
		defer cancel()

		// Drop events nobody reads so a slow subscriber cannot stall a run.
		buffered := make(chan types.Progress, 64)
		forwarderDone := make(chan struct{})
		go func() {
			defer close(progress)
			defer close(forwarderDone)
			for p := range buffered {
				select {
				case progress <- p:
				default:
				}
			}
		}()

		counts, runErr := run(ctx, buffered)
		close(buffered)
		<-forwarderDone

		status := types.StatusSuccess
		detail := ""
		switch {
		case runErr == nil:
		case errors.Is(runErr, context.Canceled):
			status = types.StatusCancelled
			runErr = nil
		default:
			status = types.StatusError
			detail = runErr.Error()
		}

		task.mu.Lock()
		task.counts = counts
		task.status = status
		task.err = runErr
		task.mu.Unlock()

		logCtx, logCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer logCancel()
		if err := m.store.UpdateLog(logCtx, logID, status, counts, detail); err != nil {
			m.logger.Error("Failed to finalize log entry", "id", logID, "error", err)
		}

		m.finish(task)
		m.logger.Info("Task finished", "operation", string(op), "status", string(status),
			"messages_added", counts.MessagesAdded, "chunks_created", counts.ChunksCreated,
			"chunks_embedded", counts.ChunksEmbedded)
	}()

	return task, nil
}

func (m *Manager) finish(task *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running[task.Operation] == task {
		delete(m.running, task.Operation)
	}
}

// Cancel stops the running task of the given kind, if any.
func (m *Manager) Cancel(op types.Operation) bool {
	m.mu.Lock()
	task, ok := m.running[op]
	m.mu.Unlock()
	if !ok {
		return false
	}
	task.Cancel()
	return true
}

// Running reports whether a task of the given kind is in flight.
func (m *Manager) Running(op types.Operation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[op]
	return ok
}
