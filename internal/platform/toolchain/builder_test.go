package toolchain

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/forge-api/internal/domain"
	"github.com/phrazzld/forge-api/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func builderSpec(t *testing.T, id string) domain.TaskSpec {
	t.Helper()

	inputDir := t.TempDir()
	input := filepath.Join(inputDir, "bundle.tar")
	require.NoError(t, os.WriteFile(input, []byte("bundle"), 0o644))

	return domain.TaskSpec{
		ID:        id,
		Name:      "my-app",
		Kind:      domain.BuildKindWeb,
		InputRef:  input,
		OutputDir: t.TempDir(),
		CreatedAt: time.Now().UTC(),
	}
}

func shBuilder(t *testing.T, script string) *Builder {
	t.Helper()
	b, err := NewBuilder(Config{
		Commands: map[domain.BuildKind][]string{
			domain.BuildKindWeb: {"sh", "-c", script},
		},
	}, testLogger())
	require.NoError(t, err)
	return b
}

// progressRecorder is a thread-safe ProgressSink for assertions.
type progressRecorder struct {
	mu       sync.Mutex
	messages []string
	percents []float64
}

func (r *progressRecorder) sink() task.ProgressSink {
	return func(message string, percent float64) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.messages = append(r.messages, message)
		r.percents = append(r.percents, percent)
	}
}

func TestNewBuilderValidatesConfig(t *testing.T) {
	_, err := NewBuilder(Config{}, testLogger())
	assert.Error(t, err)

	_, err = NewBuilder(Config{
		Commands: map[domain.BuildKind][]string{domain.BuildKindWeb: {}},
	}, testLogger())
	assert.Error(t, err)

	_, err = NewBuilder(DefaultConfig(), testLogger())
	assert.NoError(t, err)
}

func TestBuildProducesArtifactAndRelaysProgress(t *testing.T) {
	builder := shBuilder(t, `
		printf 'PROGRESS 25 unpacking\n'
		printf 'PROGRESS 80 packaging\n'
		cp {input} {output}
	`)
	spec := builderSpec(t, "task-1")
	rec := &progressRecorder{}

	result, err := builder.Build(context.Background(), spec, rec.sink())
	require.NoError(t, err)
	assert.True(t, result.Success)

	wantPath := filepath.Join(spec.OutputDir, "my-app--task-1.tgz")
	assert.Equal(t, wantPath, result.ArtifactPath)
	assert.FileExists(t, wantPath)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"unpacking", "packaging"}, rec.messages)
	assert.Equal(t, []float64{25, 80}, rec.percents)
}

func TestBuildIgnoresUnparseableOutput(t *testing.T) {
	builder := shBuilder(t, `
		echo some ordinary log line
		printf 'PROGRESS notanumber oops\n'
		printf 'PROGRESS 50\n'
		cp {input} {output}
	`)
	spec := builderSpec(t, "task-1")
	rec := &progressRecorder{}

	result, err := builder.Build(context.Background(), spec, rec.sink())
	require.NoError(t, err)
	assert.True(t, result.Success)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.percents, 1)
	assert.Equal(t, 50.0, rec.percents[0])
	assert.Equal(t, "", rec.messages[0], "progress line without a message")
}

func TestBuildReportsToolchainFailure(t *testing.T) {
	builder := shBuilder(t, `echo "disk full" >&2; exit 3`)
	spec := builderSpec(t, "task-1")

	result, err := builder.Build(context.Background(), spec, func(string, float64) {})
	require.NoError(t, err, "a failing toolchain is a build failure, not a builder error")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "exit status 3")
	assert.Contains(t, result.Error, "disk full")
}

func TestBuildDetectsMissingArtifact(t *testing.T) {
	builder := shBuilder(t, `true`)
	spec := builderSpec(t, "task-1")

	result, err := builder.Build(context.Background(), spec, func(string, float64) {})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "produced no artifact")
}

func TestBuildUnknownKind(t *testing.T) {
	builder := shBuilder(t, `true`)
	spec := builderSpec(t, "task-1")
	spec.Kind = domain.BuildKindAndroid

	_, err := builder.Build(context.Background(), spec, func(string, float64) {})
	assert.Error(t, err)
}

func TestBuildHonorsContextCancellation(t *testing.T) {
	builder := shBuilder(t, `sleep 30; cp {input} {output}`)
	spec := builderSpec(t, "task-1")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := builder.Build(ctx, spec, func(string, float64) {})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Less(t, time.Since(start), 10*time.Second, "cancellation must interrupt the toolchain")
}

func TestExpandTemplate(t *testing.T) {
	spec := domain.TaskSpec{ID: "task-1", InputRef: "/in/bundle.tar"}

	argv := expandTemplate(
		[]string{"pack", "--from={input}", "--to={output}", "--tag={task_id}"},
		spec, "/out/app.tgz")

	assert.Equal(t, []string{"pack", "--from=/in/bundle.tar", "--to=/out/app.tgz", "--tag=task-1"}, argv)
}
