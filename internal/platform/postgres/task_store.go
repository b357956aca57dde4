package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/forge-api/internal/domain"
	"github.com/phrazzld/forge-api/internal/store"
)

// taskColumns is the column list shared by every query that scans a full
// task record.
const taskColumns = `id, name, kind, input_ref, output_dir, created_at,
	state, progress_message, progress_percent,
	result_success, artifact_path, error_message,
	queued_at, started_at, finished_at, expires_at`

// PostgresTaskStore implements the store.TaskStore interface using
// PostgreSQL. State transitions are expressed as conditional UPDATEs
// (compare-and-swap on the state column) so they stay atomic even with
// several pool processes sharing one database.
type PostgresTaskStore struct {
	db store.DBTX
}

// NewPostgresTaskStore creates a new PostgresTaskStore.
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{db: db}
}

// WithTx returns a store that runs all statements on the given transaction.
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) *PostgresTaskStore {
	return &PostgresTaskStore{db: tx}
}

// Enqueue inserts a pending record for the spec, or returns the existing
// record unchanged when the ID has been seen before. The insert and the
// follow-up read run in one transaction so a concurrent sweep cannot make
// a freshly inserted record unreadable.
func (s *PostgresTaskStore) Enqueue(ctx context.Context, spec domain.TaskSpec) (*domain.TaskRecord, bool, error) {
	if err := spec.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	if db, ok := s.db.(*sql.DB); ok {
		var rec *domain.TaskRecord
		var existed bool
		err := store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			var txErr error
			rec, existed, txErr = s.WithTx(tx).enqueue(ctx, spec)
			return txErr
		})
		return rec, existed, err
	}

	// Already inside a caller-managed transaction.
	return s.enqueue(ctx, spec)
}

func (s *PostgresTaskStore) enqueue(ctx context.Context, spec domain.TaskSpec) (*domain.TaskRecord, bool, error) {
	insert := `
		INSERT INTO build_tasks
			(id, name, kind, input_ref, output_dir, created_at, state, queued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, insert,
		spec.ID,
		spec.Name,
		spec.Kind,
		spec.InputRef,
		spec.OutputDir,
		spec.CreatedAt.UTC(),
		domain.TaskStatePending,
		time.Now().UTC(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue task: %w", MapError(err))
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	rec, err := s.Get(ctx, spec.ID)
	if err != nil {
		return nil, false, err
	}
	return rec, inserted == 0, nil
}

// Get retrieves the record for the given task ID.
func (s *PostgresTaskStore) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM build_tasks WHERE id = $1`

	rec, err := scanTaskRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}
	return rec, nil
}

// Remove deletes a non-active record.
func (s *PostgresTaskStore) Remove(ctx context.Context, id string) error {
	return s.deleteNonActive(ctx, id)
}

// QueuePosition computes the 1-based FIFO rank of a pending task among all
// pending tasks, ordered by enqueue time with the ID as tiebreaker.
func (s *PostgresTaskStore) QueuePosition(ctx context.Context, id string) (*store.QueuePosition, error) {
	query := `
		SELECT t.state,
			(SELECT COUNT(*) FROM build_tasks p
				WHERE p.state = 'pending'
				AND (p.queued_at, p.id) < (t.queued_at, t.id)) + 1,
			(SELECT COUNT(*) FROM build_tasks WHERE state = 'pending')
		FROM build_tasks t
		WHERE t.id = $1
	`

	var state domain.TaskState
	var position, total int
	err := s.db.QueryRowContext(ctx, query, id).Scan(&state, &position, &total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get queue position: %w", MapError(err))
	}
	if state != domain.TaskStatePending {
		return nil, nil
	}
	return &store.QueuePosition{Position: position, Total: total}, nil
}

// ClaimNextPending flips the oldest pending record to active. SKIP LOCKED
// keeps concurrent claimers from ever handing the same task to two workers.
func (s *PostgresTaskStore) ClaimNextPending(ctx context.Context) (*domain.TaskRecord, error) {
	query := `
		UPDATE build_tasks
		SET state = 'active', started_at = $1
		WHERE id = (
			SELECT id FROM build_tasks
			WHERE state = 'pending'
			ORDER BY queued_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns

	rec, err := scanTaskRecord(s.db.QueryRowContext(ctx, query, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim pending task: %w", MapError(err))
	}
	return rec, nil
}

// UpdateProgress overwrites the progress of an active task. Late writes for
// tasks that already reached a terminal state are dropped.
func (s *PostgresTaskStore) UpdateProgress(ctx context.Context, id string, message string, percent float64) error {
	query := `
		UPDATE build_tasks
		SET progress_message = $2, progress_percent = $3
		WHERE id = $1 AND state = 'active'
	`
	res, err := s.db.ExecContext(ctx, query, id, message, percent)
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", MapError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return s.mapMissedUpdate(ctx, id, nil)
	}
	return nil
}

// Complete transitions an active task to completed.
func (s *PostgresTaskStore) Complete(ctx context.Context, id, artifactPath string, finishedAt, expiresAt time.Time) error {
	query := `
		UPDATE build_tasks
		SET state = 'completed', result_success = TRUE, artifact_path = $2,
			finished_at = $3, expires_at = $4
		WHERE id = $1 AND state = 'active'
	`
	return s.execTransition(ctx, id, query, artifactPath, finishedAt.UTC(), expiresAt.UTC())
}

// Fail transitions an active task to failed.
func (s *PostgresTaskStore) Fail(ctx context.Context, id, errorMsg string, finishedAt, expiresAt time.Time) error {
	query := `
		UPDATE build_tasks
		SET state = 'failed', result_success = FALSE, error_message = $2,
			finished_at = $3, expires_at = $4
		WHERE id = $1 AND state = 'active'
	`
	return s.execTransition(ctx, id, query, errorMsg, finishedAt.UTC(), expiresAt.UTC())
}

// ListExpired returns terminal records whose retention deadline has passed.
func (s *PostgresTaskStore) ListExpired(ctx context.Context, now time.Time) ([]*domain.TaskRecord, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM build_tasks
		WHERE state IN ('completed', 'failed') AND expires_at <= $1
		ORDER BY expires_at
	`
	rows, err := s.db.QueryContext(ctx, query, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var records []*domain.TaskRecord
	for rows.Next() {
		rec, err := scanTaskRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired task: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired tasks: %w", err)
	}
	return records, nil
}

// Delete removes a record. Active records are still protected.
func (s *PostgresTaskStore) Delete(ctx context.Context, id string) error {
	return s.deleteNonActive(ctx, id)
}

// CountByState returns the number of records in the given state.
func (s *PostgresTaskStore) CountByState(ctx context.Context, state domain.TaskState) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM build_tasks WHERE state = $1`, state).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", MapError(err))
	}
	return count, nil
}

// deleteNonActive deletes a record unless it is active.
func (s *PostgresTaskStore) deleteNonActive(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM build_tasks WHERE id = $1 AND state <> 'active'`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", MapError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return s.mapMissedUpdate(ctx, id, store.ErrTaskActive)
	}
	return nil
}

// execTransition runs a conditional terminal-transition UPDATE and maps a
// zero-row result to the right sentinel error.
func (s *PostgresTaskStore) execTransition(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update task state: %w", MapError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return s.mapMissedUpdate(ctx, id, store.ErrInvalidTransition)
	}
	return nil
}

// mapMissedUpdate distinguishes "row absent" from "row present but in the
// wrong state" after a conditional write touched zero rows. whenPresent may
// be nil for operations that silently drop writes in the wrong state.
func (s *PostgresTaskStore) mapMissedUpdate(ctx context.Context, id string, whenPresent error) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM build_tasks WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check task existence: %w", MapError(err))
	}
	if !exists {
		return store.ErrTaskNotFound
	}
	return whenPresent
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTaskRecord maps one database row onto a domain.TaskRecord.
func scanTaskRecord(row rowScanner) (*domain.TaskRecord, error) {
	var rec domain.TaskRecord
	var resultSuccess sql.NullBool
	var artifactPath, errorMsg sql.NullString
	var startedAt, finishedAt, expiresAt sql.NullTime

	err := row.Scan(
		&rec.Spec.ID,
		&rec.Spec.Name,
		&rec.Spec.Kind,
		&rec.Spec.InputRef,
		&rec.Spec.OutputDir,
		&rec.Spec.CreatedAt,
		&rec.State,
		&rec.Progress.Message,
		&rec.Progress.Percent,
		&resultSuccess,
		&artifactPath,
		&errorMsg,
		&rec.QueuedAt,
		&startedAt,
		&finishedAt,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}

	if resultSuccess.Valid {
		rec.Result = &domain.Result{
			Success:      resultSuccess.Bool,
			ArtifactPath: artifactPath.String,
			Error:        errorMsg.String,
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	return &rec, nil
}
