package store

import (
	"context"
	"time"

	"github.com/phrazzld/forge-api/internal/domain"
)

// QueuePosition describes where a pending task sits in the FIFO queue.
// Position is the 1-based rank among all pending tasks ordered by enqueue
// time; Total is the number of pending tasks.
type QueuePosition struct {
	Position int `json:"position"`
	Total    int `json:"total"`
}

// TaskStore defines the persistence interface for build task records.
//
// Implementations must make every state transition atomic per task ID
// (compare-and-swap on the current state) so that concurrent workers,
// pollers, and the sweeper never observe or produce a non-monotone
// transition. All operations are expected to be fast relative to build
// execution; callers never wait on a running build to read or write
// records.
type TaskStore interface {
	// Enqueue creates a pending record for the given spec, or returns the
	// existing record unchanged if one already exists for spec.ID. The
	// returned bool reports whether the record already existed. Resubmission
	// never schedules a second execution.
	Enqueue(ctx context.Context, spec domain.TaskSpec) (*domain.TaskRecord, bool, error)

	// Get retrieves the record for the given task ID.
	// Returns ErrTaskNotFound if no record exists.
	Get(ctx context.Context, id string) (*domain.TaskRecord, error)

	// Remove deletes the record for the given task ID if its state is
	// pending, completed, or failed. Returns ErrTaskActive without side
	// effects if the task is currently active, and ErrTaskNotFound if no
	// record exists.
	Remove(ctx context.Context, id string) error

	// QueuePosition returns the 1-based FIFO rank of a pending task and the
	// pending total. Returns (nil, nil) if the task exists but is not
	// pending, and ErrTaskNotFound if no record exists.
	QueuePosition(ctx context.Context, id string) (*QueuePosition, error)

	// ClaimNextPending atomically transitions the oldest pending task to
	// active, stamping StartedAt, and returns it. Returns (nil, nil) when
	// no pending task exists.
	ClaimNextPending(ctx context.Context) (*domain.TaskRecord, error)

	// UpdateProgress overwrites the progress of an active task. Progress for
	// tasks that are no longer active is silently dropped; late writes from
	// a finished builder must not resurrect a terminal record.
	UpdateProgress(ctx context.Context, id string, message string, percent float64) error

	// Complete transitions an active task to completed, recording the
	// artifact path and stamping FinishedAt and ExpiresAt.
	// Returns ErrInvalidTransition if the task is not active.
	Complete(ctx context.Context, id, artifactPath string, finishedAt, expiresAt time.Time) error

	// Fail transitions an active task to failed, recording the error message
	// and stamping FinishedAt and ExpiresAt.
	// Returns ErrInvalidTransition if the task is not active.
	Fail(ctx context.Context, id, errorMsg string, finishedAt, expiresAt time.Time) error

	// ListExpired returns terminal records whose ExpiresAt is at or before
	// the given time. Active and pending records are never returned.
	ListExpired(ctx context.Context, now time.Time) ([]*domain.TaskRecord, error)

	// Delete removes a record regardless of terminal state. It is reserved
	// for the retention sweeper; it still refuses to delete active records.
	Delete(ctx context.Context, id string) error

	// CountByState returns the number of records currently in the given state.
	CountByState(ctx context.Context, state domain.TaskState) (int, error)
}
