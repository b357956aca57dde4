package task

import (
	"context"

	"github.com/phrazzld/forge-api/internal/domain"
)

// ProgressSink receives progress reports from a running builder. The pool
// applies each report to the task record immediately, so a concurrent
// poller sees it on its next read. Implementations provided by the pool
// are safe to call from the builder's own goroutines.
type ProgressSink func(message string, percent float64)

// Builder performs the actual artifact-producing work for one task. It is
// an external collaborator: the pool only depends on this contract.
//
// Build must be safely invocable concurrently for distinct task IDs. A
// returned error, a Result with Success=false, and a panic all normalize
// to the same failed outcome; the pool guarantees that a misbehaving
// builder can never leave its worker slot stuck.
type Builder interface {
	Build(ctx context.Context, spec domain.TaskSpec, sink ProgressSink) (domain.Result, error)
}

// BuilderFunc adapts a plain function to the Builder interface.
type BuilderFunc func(ctx context.Context, spec domain.TaskSpec, sink ProgressSink) (domain.Result, error)

// Build implements Builder.
func (f BuilderFunc) Build(ctx context.Context, spec domain.TaskSpec, sink ProgressSink) (domain.Result, error) {
	return f(ctx, spec, sink)
}
