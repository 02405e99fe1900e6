package tasks

import (
	"context"
	"time"

	apperrors "github.com/nikira-studio/lifequery/internal/errors"
	"github.com/nikira-studio/lifequery/internal/logging"
	"github.com/nikira-studio/lifequery/internal/store"
	"github.com/nikira-studio/lifequery/pkg/types"
)

// AutoSync periodically enqueues a sync task when auto_sync_interval is
// positive. A tick while a sync is already running is a no-op.
type AutoSync struct {
	store   *store.Store
	manager *Manager
	start   func() error
	logger  logging.Logger
}

// NewAutoSync creates the timer component. start launches one sync run via
// the manager and returns its admission error, if any.
func NewAutoSync(st *store.Store, manager *Manager, start func() error) *AutoSync {
	return &AutoSync{
		store:   st,
		manager: manager,
		start:   start,
		logger:  logging.Default().WithComponent("autosync"),
	}
}

// Run blocks until ctx is cancelled, re-reading the interval setting each
// minute so changes apply without a restart.
func (a *AutoSync) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	var lastRun time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		settings, err := a.store.Snapshot(ctx)
		if err != nil {
			a.logger.Error("Failed to read settings", "error", err)
			continue
		}
		interval := time.Duration(settings.AutoSyncInterval) * time.Minute
		if interval <= 0 {
			continue
		}
		if time.Since(lastRun) < interval {
			continue
		}
		if a.manager.Running(types.OperationSync) {
			continue
		}

		lastRun = time.Now()
		if err := a.start(); err != nil && !apperrors.IsConflict(err) {
			a.logger.Error("Auto sync failed to start", "error", err)
		}
	}
}
