// Package memory provides in-memory store implementations. The memory task
// store backs single-process deployments that opt out of Postgres, and is
// the store used throughout unit tests. It implements the same atomic
// per-task state transitions as the Postgres store, guarded by a mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/forge-api/internal/domain"
	"github.com/phrazzld/forge-api/internal/store"
)

// TaskStore is a mutex-guarded map implementation of store.TaskStore.
type TaskStore struct {
	mu      sync.RWMutex
	records map[string]*domain.TaskRecord
}

// NewTaskStore creates an empty in-memory task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		records: make(map[string]*domain.TaskRecord),
	}
}

// Enqueue creates a pending record for the spec, or returns the existing
// record unchanged when the ID has been seen before.
func (s *TaskStore) Enqueue(ctx context.Context, spec domain.TaskSpec) (*domain.TaskRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[spec.ID]; ok {
		return copyRecord(existing), true, nil
	}

	rec, err := domain.NewTaskRecord(spec, time.Now())
	if err != nil {
		return nil, false, err
	}
	s.records[spec.ID] = rec
	return copyRecord(rec), false, nil
}

// Get retrieves the record for the given task ID.
func (s *TaskStore) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return copyRecord(rec), nil
}

// Remove deletes a non-active record. Active records are protected so an
// in-flight build is never cancelled out from under its worker.
func (s *TaskStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if rec.State == domain.TaskStateActive {
		return store.ErrTaskActive
	}
	delete(s.records, id)
	return nil
}

// QueuePosition computes the 1-based FIFO rank of a pending task.
func (s *TaskStore) QueuePosition(ctx context.Context, id string) (*store.QueuePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	if rec.State != domain.TaskStatePending {
		return nil, nil
	}

	position := 1
	total := 0
	for _, other := range s.records {
		if other.State != domain.TaskStatePending {
			continue
		}
		total++
		if queuedBefore(other, rec) {
			position++
		}
	}
	return &store.QueuePosition{Position: position, Total: total}, nil
}

// ClaimNextPending flips the oldest pending record to active.
func (s *TaskStore) ClaimNextPending(ctx context.Context) (*domain.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *domain.TaskRecord
	for _, rec := range s.records {
		if rec.State != domain.TaskStatePending {
			continue
		}
		if oldest == nil || queuedBefore(rec, oldest) {
			oldest = rec
		}
	}
	if oldest == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	oldest.State = domain.TaskStateActive
	oldest.StartedAt = &now
	return copyRecord(oldest), nil
}

// UpdateProgress overwrites the progress of an active task. Writes for
// tasks in any other state are dropped without error.
func (s *TaskStore) UpdateProgress(ctx context.Context, id string, message string, percent float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if rec.State != domain.TaskStateActive {
		return nil
	}
	rec.Progress = domain.Progress{Message: message, Percent: percent}
	return nil
}

// Complete transitions an active task to completed.
func (s *TaskStore) Complete(ctx context.Context, id, artifactPath string, finishedAt, expiresAt time.Time) error {
	return s.finish(id, domain.TaskStateCompleted, &domain.Result{
		Success:      true,
		ArtifactPath: artifactPath,
	}, finishedAt, expiresAt)
}

// Fail transitions an active task to failed.
func (s *TaskStore) Fail(ctx context.Context, id, errorMsg string, finishedAt, expiresAt time.Time) error {
	return s.finish(id, domain.TaskStateFailed, &domain.Result{
		Success: false,
		Error:   errorMsg,
	}, finishedAt, expiresAt)
}

// finish applies a terminal transition, enforcing that the record is active.
func (s *TaskStore) finish(id string, state domain.TaskState, result *domain.Result, finishedAt, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if !rec.CanTransitionTo(state) {
		return store.ErrInvalidTransition
	}

	finished := finishedAt.UTC()
	expires := expiresAt.UTC()
	rec.State = state
	rec.Result = result
	rec.FinishedAt = &finished
	rec.ExpiresAt = &expires
	return nil
}

// ListExpired returns terminal records whose retention deadline has passed,
// oldest deadline first.
func (s *TaskStore) ListExpired(ctx context.Context, now time.Time) ([]*domain.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []*domain.TaskRecord
	for _, rec := range s.records {
		if !rec.State.Terminal() || rec.ExpiresAt == nil {
			continue
		}
		if !rec.ExpiresAt.After(now) {
			expired = append(expired, copyRecord(rec))
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(*expired[j].ExpiresAt)
	})
	return expired, nil
}

// Delete removes a record. Active records are still protected.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if rec.State == domain.TaskStateActive {
		return store.ErrTaskActive
	}
	delete(s.records, id)
	return nil
}

// CountByState returns the number of records in the given state.
func (s *TaskStore) CountByState(ctx context.Context, state domain.TaskState) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, rec := range s.records {
		if rec.State == state {
			count++
		}
	}
	return count, nil
}

// queuedBefore orders records by enqueue time, breaking ties on ID so the
// FIFO order is total and stable.
func queuedBefore(a, b *domain.TaskRecord) bool {
	if a.QueuedAt.Equal(b.QueuedAt) {
		return a.Spec.ID < b.Spec.ID
	}
	return a.QueuedAt.Before(b.QueuedAt)
}

// copyRecord returns a deep copy so callers never share mutable state with
// the store's own records.
func copyRecord(rec *domain.TaskRecord) *domain.TaskRecord {
	out := *rec
	if rec.Result != nil {
		res := *rec.Result
		out.Result = &res
	}
	if rec.StartedAt != nil {
		t := *rec.StartedAt
		out.StartedAt = &t
	}
	if rec.FinishedAt != nil {
		t := *rec.FinishedAt
		out.FinishedAt = &t
	}
	if rec.ExpiresAt != nil {
		t := *rec.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}
