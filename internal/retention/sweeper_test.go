package retention

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/forge-api/internal/domain"
	"github.com/phrazzld/forge-api/internal/events"
	"github.com/phrazzld/forge-api/internal/platform/memory"
	"github.com/phrazzld/forge-api/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sweepSpec(id, outputDir string) domain.TaskSpec {
	return domain.TaskSpec{
		ID:        id,
		Name:      "app",
		Kind:      domain.BuildKindWeb,
		InputRef:  "/uploads/" + id + ".tar",
		OutputDir: outputDir,
		CreatedAt: time.Now().UTC(),
	}
}

// finishTask drives a task to completion with the given artifact and expiry.
func finishTask(t *testing.T, s store.TaskStore, id, artifactPath string, expiresAt time.Time) {
	t.Helper()
	ctx := context.Background()
	_, _, err := s.Enqueue(ctx, sweepSpec(id, filepath.Dir(artifactPath)))
	require.NoError(t, err)
	claimed, err := s.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.Equal(t, id, claimed.Spec.ID)
	require.NoError(t, s.Complete(ctx, id, artifactPath, time.Now().UTC(), expiresAt))
}

func writeFile(t *testing.T, path string, modTime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	if !modTime.IsZero() {
		require.NoError(t, os.Chtimes(path, modTime, modTime))
	}
}

func newTestSweeper(s store.TaskStore, dirs ...string) *Sweeper {
	return NewSweeper(s, SweeperConfig{
		RetentionWindow: time.Hour,
		SweepInterval:   time.Minute,
		ArtifactDirs:    dirs,
	}, testLogger())
}

func TestSweepDeletesExpiredRecordsAndArtifacts(t *testing.T) {
	dir := t.TempDir()
	s := memory.NewTaskStore()
	ctx := context.Background()

	expiredPath := filepath.Join(dir, domain.ArtifactFileName("app", "task-old", "tgz"))
	writeFile(t, expiredPath, time.Time{})
	finishTask(t, s, "task-old", expiredPath, time.Now().Add(-time.Minute))

	freshPath := filepath.Join(dir, domain.ArtifactFileName("app", "task-new", "tgz"))
	writeFile(t, freshPath, time.Time{})
	finishTask(t, s, "task-new", freshPath, time.Now().Add(time.Hour))

	sweeper := newTestSweeper(s, dir)
	sweeper.SweepOnce(ctx)

	// Expired: both record and artifact are gone.
	_, err := s.Get(ctx, "task-old")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
	assert.NoFileExists(t, expiredPath)

	// Fresh: untouched.
	_, err = s.Get(ctx, "task-new")
	assert.NoError(t, err)
	assert.FileExists(t, freshPath)
}

func TestSweepNeverDeletesActiveArtifacts(t *testing.T) {
	dir := t.TempDir()
	s := memory.NewTaskStore()
	ctx := context.Background()

	_, _, err := s.Enqueue(ctx, sweepSpec("task-a", dir))
	require.NoError(t, err)
	_, err = s.ClaimNextPending(ctx)
	require.NoError(t, err)

	// An ancient partial output belonging to the active task.
	path := filepath.Join(dir, domain.ArtifactFileName("app", "task-a", "tgz"))
	writeFile(t, path, time.Now().Add(-48*time.Hour))

	sweeper := newTestSweeper(s, dir)
	sweeper.SweepOnce(ctx)

	assert.FileExists(t, path, "an active task's artifact must never be deleted")
}

func TestSweepDeletesOrphansByAge(t *testing.T) {
	dir := t.TempDir()
	s := memory.NewTaskStore()

	// Orphan with no parseable task ID, older than the window.
	oldOrphan := filepath.Join(dir, "leftover.tmp")
	writeFile(t, oldOrphan, time.Now().Add(-2*time.Hour))

	// Orphan younger than the window.
	newOrphan := filepath.Join(dir, "recent.tmp")
	writeFile(t, newOrphan, time.Time{})

	// Entry naming a task the store no longer knows, older than the window.
	unknownTask := filepath.Join(dir, domain.ArtifactFileName("app", "task-gone", "tgz"))
	writeFile(t, unknownTask, time.Now().Add(-2*time.Hour))

	sweeper := newTestSweeper(s, dir)
	sweeper.SweepOnce(context.Background())

	assert.NoFileExists(t, oldOrphan)
	assert.NoFileExists(t, unknownTask)
	assert.FileExists(t, newOrphan)
}

func TestSweepCoversStagingDirectory(t *testing.T) {
	artifactDir := t.TempDir()
	stagingDir := t.TempDir()
	s := memory.NewTaskStore()
	ctx := context.Background()

	expiredArtifact := filepath.Join(artifactDir, domain.ArtifactFileName("app", "task-old", "tgz"))
	writeFile(t, expiredArtifact, time.Time{})
	finishTask(t, s, "task-old", expiredArtifact, time.Now().Add(-time.Minute))

	// Uploaded bundles carry no task-scoped name; age decides.
	staleUpload := filepath.Join(stagingDir, "bundle-1.tar")
	writeFile(t, staleUpload, time.Now().Add(-2*time.Hour))
	freshUpload := filepath.Join(stagingDir, "bundle-2.tar")
	writeFile(t, freshUpload, time.Time{})

	sweeper := newTestSweeper(s, artifactDir, stagingDir)
	sweeper.SweepOnce(ctx)

	assert.NoFileExists(t, expiredArtifact)
	assert.NoFileExists(t, staleUpload, "staged uploads past the retention window are collected")
	assert.FileExists(t, freshUpload)
}

func TestSweepSkipsEntriesOfPendingTasks(t *testing.T) {
	dir := t.TempDir()
	s := memory.NewTaskStore()
	ctx := context.Background()

	_, _, err := s.Enqueue(ctx, sweepSpec("task-a", dir))
	require.NoError(t, err)

	// A young leftover bearing a pending task's ID stays.
	path := filepath.Join(dir, domain.ArtifactFileName("app", "task-a", "tgz"))
	writeFile(t, path, time.Time{})

	sweeper := newTestSweeper(s, dir)
	sweeper.SweepOnce(ctx)

	assert.FileExists(t, path)

	// Once older than the window it is treated as stale.
	writeFile(t, path, time.Now().Add(-2*time.Hour))
	sweeper.SweepOnce(ctx)
	assert.NoFileExists(t, path)
}

func TestSweepToleratesPerEntryFailures(t *testing.T) {
	dir := t.TempDir()
	s := memory.NewTaskStore()
	ctx := context.Background()

	// A record whose artifact path cannot be removed (a non-empty directory
	// stands in for an undeletable file; os.Remove fails on it).
	blocked := filepath.Join(dir, "blocked")
	require.NoError(t, os.MkdirAll(filepath.Join(blocked, "inner"), 0o755))
	finishTask(t, s, "task-blocked", blocked, time.Now().Add(-time.Minute))

	expiredPath := filepath.Join(dir, domain.ArtifactFileName("app", "task-old", "tgz"))
	writeFile(t, expiredPath, time.Time{})
	finishTask(t, s, "task-old", expiredPath, time.Now().Add(-time.Minute))

	sweeper := newTestSweeper(s)
	sweeper.SweepOnce(ctx)

	// The failing entry is retained for retry and the rest of the pass
	// still completes.
	_, err := s.Get(ctx, "task-blocked")
	assert.NoError(t, err, "record is kept so the artifact delete can be retried")
	_, err = s.Get(ctx, "task-old")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestSweepHandlesMissingArtifactFile(t *testing.T) {
	s := memory.NewTaskStore()
	ctx := context.Background()

	// Artifact already gone; the record should still be cleaned up.
	finishTask(t, s, "task-a", filepath.Join(t.TempDir(), "missing.tgz"), time.Now().Add(-time.Minute))

	sweeper := newTestSweeper(s)
	sweeper.SweepOnce(ctx)

	_, err := s.Get(ctx, "task-a")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestHandleEventKicksOnTerminalStates(t *testing.T) {
	s := memory.NewTaskStore()
	sweeper := newTestSweeper(s)

	require.NoError(t, sweeper.HandleEvent(context.Background(),
		events.NewTaskLifecycleEvent("task-a", domain.TaskStateCompleted)))

	select {
	case <-sweeper.kick:
	default:
		t.Fatal("terminal event should schedule a sweep")
	}

	require.NoError(t, sweeper.HandleEvent(context.Background(),
		events.NewTaskLifecycleEvent("task-b", domain.TaskStateActive)))

	select {
	case <-sweeper.kick:
		t.Fatal("non-terminal event must not schedule a sweep")
	default:
	}
}

func TestReactiveSweepThroughEmitter(t *testing.T) {
	dir := t.TempDir()
	s := memory.NewTaskStore()
	ctx := context.Background()

	expiredPath := filepath.Join(dir, domain.ArtifactFileName("app", "task-old", "tgz"))
	writeFile(t, expiredPath, time.Time{})
	finishTask(t, s, "task-old", expiredPath, time.Now().Add(-time.Minute))

	sweeper := NewSweeper(s, SweeperConfig{
		RetentionWindow: time.Hour,
		SweepInterval:   time.Hour, // too long for the ticker to matter
		ArtifactDirs:    []string{dir},
	}, testLogger())
	sweeper.Start()
	defer sweeper.Stop()

	emitter := events.NewInMemoryEventEmitter(testLogger())
	emitter.RegisterHandler(sweeper)

	// A terminal event for an unrelated task triggers the pass that
	// collects the expired predecessor.
	require.NoError(t, emitter.EmitEvent(ctx,
		events.NewTaskLifecycleEvent("task-other", domain.TaskStateFailed)))

	require.Eventually(t, func() bool {
		_, err := s.Get(ctx, "task-old")
		return store.IsNotFoundError(err)
	}, 5*time.Second, 5*time.Millisecond)
	assert.NoFileExists(t, expiredPath)
}
