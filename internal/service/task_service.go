package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/forge-api/internal/domain"
	"github.com/phrazzld/forge-api/internal/store"
)

// PoolNotifier wakes the worker pool after a submission so a newly pending
// task is picked up without waiting for the dispatcher's poll ticker.
type PoolNotifier interface {
	Notify()
}

// TaskStatus is the composed read model returned to status pollers. Queue
// position fields are only meaningful while the task is pending; the result
// and expiry only exist once it is terminal.
type TaskStatus struct {
	State         domain.TaskState `json:"state"`
	Progress      *domain.Progress `json:"progress,omitempty"`
	Result        *domain.Result   `json:"result,omitempty"`
	QueuePosition *int             `json:"queue_position,omitempty"`
	QueueTotal    *int             `json:"queue_total,omitempty"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
}

// TaskService provides the submission, status, and cancellation operations
// exposed to the delivery layer.
type TaskService interface {
	// Submit enqueues a build task. Submission is idempotent on spec.ID:
	// resubmitting an existing ID returns the existing record (existed=true)
	// and never schedules a second execution.
	Submit(ctx context.Context, spec domain.TaskSpec) (record *domain.TaskRecord, existed bool, err error)

	// Status returns the composed status for a task.
	Status(ctx context.Context, id string) (*domain.TaskRecord, *TaskStatus, error)

	// Cancel removes a task that has not started building. It returns
	// ErrTaskActive for in-flight builds; there is no mechanism to interrupt
	// an active builder, because the toolchains it drives are not safely
	// interruptible.
	Cancel(ctx context.Context, id string) error
}

// taskService is the standard implementation of TaskService.
type taskService struct {
	store       store.TaskStore
	pool        PoolNotifier
	artifactDir string
	logger      *slog.Logger
}

// NewTaskService creates a new TaskService. artifactDir is the default
// output directory applied to specs that do not name one.
func NewTaskService(taskStore store.TaskStore, pool PoolNotifier, artifactDir string, logger *slog.Logger) (TaskService, error) {
	if taskStore == nil {
		return nil, errors.New("task store cannot be nil")
	}
	if pool == nil {
		return nil, errors.New("pool notifier cannot be nil")
	}
	if artifactDir == "" {
		return nil, errors.New("artifact directory cannot be empty")
	}
	return &taskService{
		store:       taskStore,
		pool:        pool,
		artifactDir: artifactDir,
		logger:      logger.With("component", "task_service"),
	}, nil
}

// Submit validates and enqueues a task spec, then wakes the pool.
func (s *taskService) Submit(ctx context.Context, spec domain.TaskSpec) (*domain.TaskRecord, bool, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}
	if spec.OutputDir == "" {
		spec.OutputDir = s.artifactDir
	}
	if err := spec.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	rec, existed, err := s.store.Enqueue(ctx, spec)
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue task: %w", err)
	}

	if existed {
		s.logger.Debug("duplicate submission, returning existing record",
			"task_id", spec.ID,
			"state", rec.State)
		return rec, true, nil
	}

	s.logger.Info("task submitted",
		"task_id", spec.ID,
		"task_kind", spec.Kind,
		"name", spec.Name)
	s.pool.Notify()
	return rec, false, nil
}

// Status composes queue position and lifecycle state for pollers. It is a
// pure read: it never blocks on a running build.
func (s *taskService) Status(ctx context.Context, id string) (*domain.TaskRecord, *TaskStatus, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil, nil, ErrTaskNotFound
		}
		return nil, nil, fmt.Errorf("failed to get task: %w", err)
	}

	status := &TaskStatus{State: rec.State}

	if rec.State.Terminal() {
		status.Result = rec.Result
		status.ExpiresAt = rec.ExpiresAt
	} else {
		progress := rec.Progress
		status.Progress = &progress
	}

	if rec.State == domain.TaskStatePending {
		pos, err := s.store.QueuePosition(ctx, id)
		if err != nil && !store.IsNotFoundError(err) {
			return nil, nil, fmt.Errorf("failed to get queue position: %w", err)
		}
		// The task may have been claimed between the two reads; a missing
		// position just means it is no longer pending.
		if pos != nil {
			status.QueuePosition = &pos.Position
			status.QueueTotal = &pos.Total
		}
	}

	return rec, status, nil
}

// Cancel removes a non-active task.
func (s *taskService) Cancel(ctx context.Context, id string) error {
	err := s.store.Remove(ctx, id)
	switch {
	case err == nil:
		s.logger.Info("task cancelled", "task_id", id)
		return nil
	case store.IsNotFoundError(err):
		return ErrTaskNotFound
	case errors.Is(err, store.ErrTaskActive):
		s.logger.Debug("cancellation rejected, task is active", "task_id", id)
		return ErrTaskActive
	default:
		return fmt.Errorf("failed to cancel task: %w", err)
	}
}
