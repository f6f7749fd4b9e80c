package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/readmit-labs/readmit-go/internal/config"
	"github.com/readmit-labs/readmit-go/internal/platform/env"
	"github.com/readmit-labs/readmit-go/internal/service/promotion"
	"github.com/readmit-labs/readmit-go/internal/service/snapshots"
)

func envBool(logger *slog.Logger, key string, def bool) (bool, error) {
	value, err := env.Bool(key, def)
	if err != nil {
		logger.Error("invalid env", "key", key, "error", err)
	}
	return value, err
}

func envDuration(logger *slog.Logger, key string, def time.Duration) (time.Duration, error) {
	value, err := env.Duration(key, def)
	if err != nil {
		logger.Error("invalid env", "key", key, "error", err)
	}
	return value, err
}

// startWatcher wires the dataset arrival trigger: an fsnotify watch on the
// dataset file, debounced, plus a polling ticker that catches events the
// notifier misses (network mounts, replaced directories). Both paths converge
// on the same ingest-then-trigger flow; re-ingesting unchanged bytes is a
// no-op, so spurious fires are harmless.
func startWatcher(ctx context.Context, logger *slog.Logger, pipeline config.Pipeline, snapshotSvc *snapshots.Service, controller *promotion.Controller) {
	enabled, err := envBool(logger, "READMIT_WATCH_ENABLED", true)
	if err != nil {
		return
	}
	if !enabled {
		logger.Info("dataset watcher disabled")
		return
	}
	debounce, err := envDuration(logger, "READMIT_WATCH_DEBOUNCE", 2*time.Second)
	if err != nil {
		return
	}
	poll, err := envDuration(logger, "READMIT_WATCH_POLL_INTERVAL", 5*time.Minute)
	if err != nil {
		return
	}

	path := filepath.Clean(pipeline.Dataset.Path)
	fire := func(ctx context.Context) {
		ingestAndTrigger(ctx, logger, path, pipeline.ModelName, snapshotSvc, controller)
	}

	go watchLoop(ctx, logger, path, debounce, poll, fire)
	logger.Info("dataset watcher started", "path", path, "debounce", debounce.String(), "poll_interval", poll.String())
}

func watchLoop(ctx context.Context, logger *slog.Logger, path string, debounce, poll time.Duration, fire func(context.Context)) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("dataset watcher init failed", "error", err)
		watcher = nil
	} else {
		// Watch the parent directory: editors and atomic writers replace the
		// file rather than writing it in place.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			logger.Warn("dataset watch unavailable, polling only", "path", path, "error", err)
			_ = watcher.Close()
			watcher = nil
		}
	}
	if watcher != nil {
		defer func() { _ = watcher.Close() }()
	}

	pending := time.NewTimer(debounce)
	if !pending.Stop() {
		<-pending.C
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var watchErrs chan error
	if watcher != nil {
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending.Reset(debounce)
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			logger.Warn("dataset watch error", "error", err)
		case <-pending.C:
			fire(ctx)
		case <-ticker.C:
			fire(ctx)
		}
	}
}

func ingestAndTrigger(ctx context.Context, logger *slog.Logger, path, modelName string, snapshotSvc *snapshots.Service, controller *promotion.Controller) {
	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("dataset open failed", "path", path, "error", err)
		}
		return
	}
	defer func() { _ = file.Close() }()

	snapshot, created, err := snapshotSvc.Ingest(ctx, modelName, path, file, "watcher")
	if err != nil {
		logger.Warn("dataset ingest failed", "path", path, "error", err)
		return
	}
	if created {
		logger.Info("watcher ingested snapshot",
			"snapshot_id", snapshot.ID,
			"content_sha256", snapshot.ContentSHA256,
		)
	}

	outcome, err := controller.Execute(ctx, promotion.TriggerRequest{Trigger: "watcher"})
	if err != nil {
		if errors.Is(err, promotion.ErrRunActive) {
			logger.Info("watcher trigger deferred, run active")
			return
		}
		logger.Warn("watcher trigger failed", "error", err)
		return
	}
	logger.Info("watcher trigger finished",
		"run_id", outcome.RunID,
		"status", string(outcome.Status),
		"reason", outcome.Reason,
	)
}
