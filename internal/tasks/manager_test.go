package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/nikira-studio/lifequery/internal/errors"
	"github.com/nikira-studio/lifequery/internal/store"
	"github.com/nikira-studio/lifequery/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(st), st
}

func TestStart_RunsAndLogs(t *testing.T) {
	m, st := newTestManager(t)

	task, err := m.Start(types.OperationSync, func(_ context.Context, progress chan<- types.Progress) (types.Counts, error) {
		progress <- types.Progress{Stage: "fetch", Message: "working"}
		return types.Counts{MessagesAdded: 3}, nil
	})
	require.NoError(t, err)

	var progressEvents []types.Progress
	for p := range task.Progress {
		progressEvents = append(progressEvents, p)
	}
	<-task.Done

	status, counts, runErr := task.Result()
	assert.Equal(t, types.StatusSuccess, status)
	assert.Equal(t, 3, counts.MessagesAdded)
	assert.NoError(t, runErr)
	require.NotEmpty(t, progressEvents)
	assert.Equal(t, "fetch", progressEvents[0].Stage)

	entries, err := st.TailLog(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.OperationSync, entries[0].Operation)
	assert.Equal(t, types.StatusSuccess, entries[0].Status)
	assert.Equal(t, 3, entries[0].Counts.MessagesAdded)
}

func TestStart_SingleFlightConflict(t *testing.T) {
	m, _ := newTestManager(t)

	release := make(chan struct{})
	first, err := m.Start(types.OperationSync, func(ctx context.Context, _ chan<- types.Progress) (types.Counts, error) {
		<-release
		return types.Counts{}, nil
	})
	require.NoError(t, err)

	_, err = m.Start(types.OperationSync, func(_ context.Context, _ chan<- types.Progress) (types.Counts, error) {
		return types.Counts{}, nil
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	// A different kind is admitted concurrently
	other, err := m.Start(types.OperationReindex, func(_ context.Context, _ chan<- types.Progress) (types.Counts, error) {
		return types.Counts{}, nil
	})
	require.NoError(t, err)
	<-other.Done

	close(release)
	<-first.Done

	// After completion the kind is free again
	second, err := m.Start(types.OperationSync, func(_ context.Context, _ chan<- types.Progress) (types.Counts, error) {
		return types.Counts{}, nil
	})
	require.NoError(t, err)
	<-second.Done
}

func TestCancel_PreservesCommittedCounts(t *testing.T) {
	m, st := newTestManager(t)

	started := make(chan struct{})
	task, err := m.Start(types.OperationSync, func(ctx context.Context, _ chan<- types.Progress) (types.Counts, error) {
		close(started)
		counts := types.Counts{MessagesAdded: 100}
		<-ctx.Done()
		return counts, ctx.Err()
	})
	require.NoError(t, err)

	<-started
	assert.True(t, m.Cancel(types.OperationSync))
	<-task.Done

	status, counts, runErr := task.Result()
	assert.Equal(t, types.StatusCancelled, status)
	assert.Equal(t, 100, counts.MessagesAdded)
	assert.NoError(t, runErr, "cancellation is terminal but not an error")

	entries, err := st.TailLog(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.StatusCancelled, entries[0].Status)
	assert.Equal(t, 100, entries[0].Counts.MessagesAdded)
}

func TestStart_ErrorRecordsDetail(t *testing.T) {
	m, st := newTestManager(t)

	task, err := m.Start(types.OperationImport, func(_ context.Context, _ chan<- types.Progress) (types.Counts, error) {
		return types.Counts{}, errors.New("embedder exploded")
	})
	require.NoError(t, err)
	<-task.Done

	status, _, runErr := task.Result()
	assert.Equal(t, types.StatusError, status)
	assert.EqualError(t, runErr, "embedder exploded")

	entries, err := st.TailLog(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.StatusError, entries[0].Status)
	assert.Contains(t, entries[0].Detail, "embedder exploded")
}

func TestCancel_NoTaskRunning(t *testing.T) {
	m, _ := newTestManager(t)
	assert.False(t, m.Cancel(types.OperationSync))
}

func TestStart_InvalidOperation(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Start(types.Operation("bogus"), func(_ context.Context, _ chan<- types.Progress) (types.Counts, error) {
		return types.Counts{}, nil
	})
	assert.Error(t, err)
}

func TestTask_SlowSubscriberDoesNotBlockRun(t *testing.T) {
	m, _ := newTestManager(t)

	task, err := m.Start(types.OperationProcess, func(_ context.Context, progress chan<- types.Progress) (types.Counts, error) {
		for i := 0; i < 500; i++ {
			progress <- types.Progress{Stage: "embed", Message: "tick"}
		}
		return types.Counts{}, nil
	})
	require.NoError(t, err)

	// Nobody drains Progress; the run must still finish promptly.
	select {
	case <-task.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("task blocked on an absent subscriber")
	}
}
