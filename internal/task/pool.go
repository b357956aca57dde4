package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/phrazzld/forge-api/internal/domain"
	"github.com/phrazzld/forge-api/internal/events"
	"github.com/phrazzld/forge-api/internal/redact"
	"github.com/phrazzld/forge-api/internal/store"
)

// BuildPoolConfig holds configuration for the build pool.
type BuildPoolConfig struct {
	// Concurrency caps how many builds run at once. Read once at startup.
	Concurrency int

	// RetentionWindow is how long terminal records and their artifacts are
	// kept before the sweeper may delete them.
	RetentionWindow time.Duration

	// HeartbeatInterval is how long a builder may stay silent before the
	// pool synthesizes an intermediate progress value for pollers.
	// If zero, heartbeat synthesis is disabled.
	HeartbeatInterval time.Duration

	// PollInterval is the dispatcher's fallback wake-up period. Normally
	// the pool is woken explicitly on submit and on build completion; the
	// ticker only covers externally enqueued work (e.g. another process
	// sharing the store). If zero, defaults to 1 second.
	PollInterval time.Duration
}

// DefaultBuildPoolConfig returns a BuildPoolConfig with reasonable defaults.
func DefaultBuildPoolConfig() BuildPoolConfig {
	return BuildPoolConfig{
		Concurrency:       2,
		RetentionWindow:   30 * time.Minute,
		HeartbeatInterval: 15 * time.Second,
		PollInterval:      time.Second,
	}
}

// BuildPool manages the concurrency-bounded execution of pending build
// tasks. A single dispatch goroutine claims the oldest pending task from
// the store whenever a worker slot is free, then runs the Builder in its
// own goroutine. The pool is the only writer of task state after enqueue.
type BuildPool struct {
	store   store.TaskStore
	builder Builder
	emitter events.EventEmitter
	config  BuildPoolConfig
	logger  *slog.Logger

	slots *semaphore.Weighted
	wake  chan struct{}

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewBuildPool creates a new BuildPool. The emitter may be nil when no
// component needs lifecycle notifications (e.g. in tests).
func NewBuildPool(
	taskStore store.TaskStore,
	builder Builder,
	emitter events.EventEmitter,
	config BuildPoolConfig,
	logger *slog.Logger,
) *BuildPool {
	if config.Concurrency <= 0 {
		logger.Warn("invalid concurrency specified, using default",
			"specified", config.Concurrency,
			"default", 1)
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &BuildPool{
		store:      taskStore,
		builder:    builder,
		emitter:    emitter,
		config:     config,
		logger:     logger,
		slots:      semaphore.NewWeighted(int64(config.Concurrency)),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start launches the dispatch loop.
func (p *BuildPool) Start() error {
	p.wg.Add(1)
	go p.dispatch()
	p.logger.Info("build pool started", "concurrency", p.config.Concurrency)
	return nil
}

// Stop shuts the pool down and waits for in-flight builds to finish.
// Builds receive the pool context's cancellation, but a builder driving a
// non-interruptible toolchain may legitimately run to completion first.
func (p *BuildPool) Stop() {
	p.cancelFunc()
	p.wg.Wait()
	p.logger.Info("build pool stopped")
}

// Notify wakes the dispatcher. Callers invoke it after enqueueing so a
// newly pending task is claimed without waiting for the poll ticker.
func (p *BuildPool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
		// A wake-up is already pending; the dispatcher drains the whole
		// queue each pass, so one signal is enough.
	}
}

// dispatch claims pending tasks whenever worker slots are free.
func (p *BuildPool) dispatch() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}

		p.claimAvailable()
	}
}

// claimAvailable starts builds until either no slot or no pending task is left.
func (p *BuildPool) claimAvailable() {
	for {
		if !p.slots.TryAcquire(1) {
			return
		}

		rec, err := p.store.ClaimNextPending(p.ctx)
		if err != nil {
			p.slots.Release(1)
			if p.ctx.Err() == nil {
				p.logger.Error("failed to claim pending task", "error", err)
			}
			return
		}
		if rec == nil {
			p.slots.Release(1)
			return
		}

		p.wg.Add(1)
		go p.runBuild(rec)
	}
}

// runBuild executes the Builder for one claimed task and records the
// terminal outcome. Exactly one Builder invocation happens per task ID;
// there is no retry path.
func (p *BuildPool) runBuild(rec *domain.TaskRecord) {
	defer p.wg.Done()
	defer p.slots.Release(1)
	// The freed slot may allow the next pending task to start.
	defer p.Notify()

	spec := rec.Spec
	logger := p.logger.With(
		"task_id", spec.ID,
		"task_kind", spec.Kind,
	)
	logger.Info("starting build", "name", spec.Name)

	tracker := newProgressTracker(time.Now())
	sink := p.progressSink(spec.ID, tracker)

	if p.config.HeartbeatInterval > 0 {
		stopHeartbeat := p.startHeartbeat(spec.ID, tracker, logger)
		defer stopHeartbeat()
	}

	result, err := p.invokeBuilder(spec, sink)

	finishedAt := time.Now().UTC()
	expiresAt := finishedAt.Add(p.config.RetentionWindow)

	// Terminal results are recorded with a background context so a build
	// that finishes during shutdown is never lost.
	recordCtx := context.Background()

	if err == nil && result.Success {
		if cErr := p.store.Complete(recordCtx, spec.ID, result.ArtifactPath, finishedAt, expiresAt); cErr != nil {
			logger.Error("failed to record build completion", "error", cErr)
			return
		}
		logger.Info("build completed",
			"artifact_path", result.ArtifactPath,
			"expires_at", expiresAt)
		p.emit(spec.ID, domain.TaskStateCompleted)
		return
	}

	// Builder failure, builder error, and builder panic all normalize to
	// the same failed outcome so the slot is never left stuck in active.
	errorMsg := result.Error
	if err != nil {
		errorMsg = redact.Error(err)
	}
	if errorMsg == "" {
		errorMsg = "build failed"
	}

	if fErr := p.store.Fail(recordCtx, spec.ID, errorMsg, finishedAt, expiresAt); fErr != nil {
		logger.Error("failed to record build failure", "error", fErr)
		return
	}
	logger.Error("build failed", "error", errorMsg)
	p.emit(spec.ID, domain.TaskStateFailed)
}

// invokeBuilder calls the external Builder, converting a panic into an
// ordinary error at this boundary.
func (p *BuildPool) invokeBuilder(spec domain.TaskSpec, sink ProgressSink) (result domain.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = domain.Result{}
			err = fmt.Errorf("builder panicked: %v", r)
		}
	}()
	return p.builder.Build(p.ctx, spec, sink)
}

// progressSink returns the sink handed to the Builder for one task. Each
// report passes through the monotone ratchet and is written to the store
// immediately, with no buffering. The tracker's write lock covers both
// steps: if ratchet and persist were separate critical sections, a slow
// earlier write could land after a newer one and a poller would see the
// percent go backwards.
func (p *BuildPool) progressSink(taskID string, tracker *progressTracker) ProgressSink {
	return func(message string, percent float64) {
		tracker.writeMu.Lock()
		defer tracker.writeMu.Unlock()

		msg, pct := tracker.Report(message, percent, time.Now())
		if err := p.store.UpdateProgress(context.Background(), taskID, msg, pct); err != nil {
			p.logger.Warn("failed to persist progress update",
				"task_id", taskID,
				"error", err)
		}
	}
}

// startHeartbeat launches the goroutine that synthesizes progress when the
// builder stays silent, and returns a function that stops it.
func (p *BuildPool) startHeartbeat(taskID string, tracker *progressTracker, logger *slog.Logger) func() {
	done := make(chan struct{})
	var once sync.Once

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				tracker.writeMu.Lock()
				msg, pct, ok := tracker.Synthesize(time.Now(), p.config.HeartbeatInterval)
				if !ok {
					tracker.writeMu.Unlock()
					continue
				}
				logger.Debug("synthesized heartbeat progress", "percent", pct)
				if err := p.store.UpdateProgress(context.Background(), taskID, msg, pct); err != nil {
					logger.Warn("failed to persist heartbeat progress", "error", err)
				}
				tracker.writeMu.Unlock()
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

// emit publishes a lifecycle event if an emitter is configured.
func (p *BuildPool) emit(taskID string, state domain.TaskState) {
	if p.emitter == nil {
		return
	}
	event := events.NewTaskLifecycleEvent(taskID, state)
	if err := p.emitter.EmitEvent(context.Background(), event); err != nil {
		p.logger.Warn("failed to emit lifecycle event",
			"task_id", taskID,
			"state", state,
			"error", err)
	}
}
