package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/forge-api/internal/domain"
)

// TaskLifecycleEvent records a task's transition into a new state. The
// worker pool emits one when a build reaches a terminal state; today the
// only subscriber is the retention sweeper, which kicks off a sweep.
type TaskLifecycleEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// TaskID identifies the task that transitioned
	TaskID string `json:"task_id"`

	// State is the state the task transitioned into
	State domain.TaskState `json:"state"`

	// OccurredAt is the timestamp when the transition happened
	OccurredAt time.Time `json:"occurred_at"`
}

// Terminal reports whether the event marks the end of a task's execution.
func (e *TaskLifecycleEvent) Terminal() bool {
	return e.State.Terminal()
}

// NewTaskLifecycleEvent creates a lifecycle event for the given task and state.
func NewTaskLifecycleEvent(taskID string, state domain.TaskState) *TaskLifecycleEvent {
	return &TaskLifecycleEvent{
		ID:         uuid.New(),
		TaskID:     taskID,
		State:      state,
		OccurredAt: time.Now().UTC(),
	}
}

// EventHandler defines an interface for components that can handle events.
// Handlers are responsible for processing events and taking appropriate actions.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *TaskLifecycleEvent) error
}

// EventEmitter defines an interface for components that can emit events.
// This allows services to publish events without direct knowledge of handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	// Returns an error if the event cannot be emitted.
	EmitEvent(ctx context.Context, event *TaskLifecycleEvent) error
}
