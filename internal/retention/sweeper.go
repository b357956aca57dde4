// Package retention garbage-collects build artifacts and task records once
// their retention window has passed. The sweeper runs on a fixed interval
// and additionally reacts to each terminal task transition, so worst-case
// artifact lifetime is bounded by the window plus one build, not by the
// periodic schedule alone.
package retention

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/phrazzld/forge-api/internal/domain"
	"github.com/phrazzld/forge-api/internal/events"
	"github.com/phrazzld/forge-api/internal/store"
)

// SweeperConfig holds configuration for the retention sweeper.
type SweeperConfig struct {
	// RetentionWindow is how long terminal records and untracked files are
	// kept. Entries older than this are eligible for deletion.
	RetentionWindow time.Duration

	// SweepInterval is the period of the wall-clock sweep loop.
	// If zero, defaults to 5 minutes.
	SweepInterval time.Duration

	// ArtifactDirs are the locations scanned for stale entries: the
	// build-output directory and the upload-staging directory.
	ArtifactDirs []string
}

// Sweeper deletes expired task records and stale filesystem entries.
//
// Safety rule: an artifact whose file name maps back to a task that is
// still active is never deleted, no matter how old the file is. Entries
// that cannot be mapped to any known task (orphans from crashed processes)
// fall back to pure age-based deletion.
type Sweeper struct {
	store  store.TaskStore
	config SweeperConfig
	logger *slog.Logger

	kick chan struct{}

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewSweeper creates a new Sweeper.
func NewSweeper(taskStore store.TaskStore, config SweeperConfig, logger *slog.Logger) *Sweeper {
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Sweeper{
		store:      taskStore,
		config:     config,
		logger:     logger.With("component", "retention_sweeper"),
		kick:       make(chan struct{}, 1),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("retention sweeper started",
		"retention_window", s.config.RetentionWindow,
		"sweep_interval", s.config.SweepInterval,
		"artifact_dirs", s.config.ArtifactDirs)
}

// Stop shuts the sweeper down and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.cancelFunc()
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

// Kick requests an immediate sweep pass without waiting for the ticker.
func (s *Sweeper) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
		// A pass is already scheduled.
	}
}

// HandleEvent implements events.EventHandler. A terminal transition
// triggers a reactive sweep so an expired predecessor's artifacts do not
// linger until the next periodic pass.
func (s *Sweeper) HandleEvent(ctx context.Context, event *events.TaskLifecycleEvent) error {
	if event.Terminal() {
		s.Kick()
	}
	return nil
}

// run is the sweep loop.
func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.kick:
		case <-ticker.C:
		}

		s.SweepOnce(s.ctx)
	}
}

// SweepOnce performs one full garbage-collection pass. Failures on
// individual records or filesystem entries are logged and skipped; they
// never abort the rest of the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	s.sweepRecords(ctx, now)

	for _, dir := range s.config.ArtifactDirs {
		s.sweepDir(ctx, dir, now)
	}
}

// sweepRecords deletes terminal records whose retention deadline passed,
// together with the artifact files they produced.
func (s *Sweeper) sweepRecords(ctx context.Context, now time.Time) {
	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		s.logger.Error("failed to list expired tasks", "error", err)
		return
	}

	for _, rec := range expired {
		logger := s.logger.With("task_id", rec.Spec.ID)

		if rec.Result != nil && rec.Result.ArtifactPath != "" {
			if err := os.Remove(rec.Result.ArtifactPath); err != nil && !os.IsNotExist(err) {
				// Keep the record so the next pass retries the artifact.
				logger.Warn("failed to delete expired artifact",
					"artifact_path", rec.Result.ArtifactPath,
					"error", err)
				continue
			}
		}

		if err := s.store.Delete(ctx, rec.Spec.ID); err != nil {
			logger.Warn("failed to delete expired task record", "error", err)
			continue
		}
		logger.Info("deleted expired task", "state", rec.State)
	}
}

// sweepDir removes stale entries from one artifact directory.
func (s *Sweeper) sweepDir(ctx context.Context, dir string, now time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read artifact directory", "dir", dir, "error", err)
		}
		return
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("failed to stat entry, skipping", "path", path, "error", err)
			continue
		}
		age := now.Sub(info.ModTime())

		if !s.shouldDelete(ctx, entry.Name(), age, now) {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("failed to delete entry, skipping", "path", path, "error", err)
			continue
		}
		s.logger.Info("deleted stale entry", "path", path, "age", age)
	}
}

// shouldDelete decides whether one directory entry is safe to remove.
func (s *Sweeper) shouldDelete(ctx context.Context, name string, age time.Duration, now time.Time) bool {
	taskID, ok := domain.ParseArtifactFileName(name)
	if !ok {
		// Not task-scoped: orphan from a crashed process or foreign file.
		// Pure age-based deletion is the fallback.
		return age > s.config.RetentionWindow
	}

	rec, err := s.store.Get(ctx, taskID)
	if err != nil {
		if store.IsNotFoundError(err) {
			// The owning record is already gone; treat like an orphan.
			return age > s.config.RetentionWindow
		}
		s.logger.Warn("failed to look up task for entry, skipping",
			"task_id", taskID, "error", err)
		return false
	}

	switch {
	case rec.State == domain.TaskStateActive:
		// Never delete out from under a running build.
		return false
	case rec.State.Terminal() && rec.ExpiresAt != nil:
		return !rec.ExpiresAt.After(now)
	default:
		// Pending tasks own no artifacts yet; anything bearing their ID is
		// leftover from an earlier process. Let age decide.
		return age > s.config.RetentionWindow
	}
}
