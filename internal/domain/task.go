package domain

import (
	"errors"
	"strings"
	"time"
)

// TaskState represents the lifecycle state of a build task.
type TaskState string

// Possible task state values. Transitions are monotone:
// pending -> active -> completed | failed. A task never returns
// to an earlier state.
const (
	TaskStatePending   TaskState = "pending"
	TaskStateActive    TaskState = "active"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
)

// Terminal reports whether the state is a final one.
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed
}

// BuildKind identifies the build variant requested for a task.
type BuildKind string

// Supported build variants and the artifact extension each produces.
const (
	BuildKindWeb     BuildKind = "web"
	BuildKindAndroid BuildKind = "android"
	BuildKindDesktop BuildKind = "desktop"
)

// ArtifactExt returns the file extension produced by this build kind.
func (k BuildKind) ArtifactExt() string {
	switch k {
	case BuildKindAndroid:
		return "apk"
	case BuildKindDesktop:
		return "zip"
	default:
		return "tgz"
	}
}

// Common validation errors for TaskSpec
var (
	ErrEmptyTaskID        = errors.New("task ID cannot be empty")
	ErrInvalidTaskID      = errors.New("task ID contains invalid characters")
	ErrEmptyTaskName      = errors.New("task name cannot be empty")
	ErrInvalidBuildKind   = errors.New("invalid build kind")
	ErrEmptyInputRef      = errors.New("task input reference cannot be empty")
	ErrEmptyOutputDir     = errors.New("task output directory cannot be empty")
	ErrInvalidTaskState   = errors.New("invalid task state")
	ErrStateNotMonotone   = errors.New("task state transition is not monotone")
	ErrProgressOutOfRange = errors.New("progress percent must be between 0 and 100")
)

// TaskSpec is the immutable input describing one build task. The ID is
// caller-supplied and globally unique; it doubles as the idempotency key
// and as the filesystem-namespacing token embedded in artifact names.
type TaskSpec struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      BuildKind `json:"kind"`
	InputRef  string    `json:"input_ref"`
	OutputDir string    `json:"output_dir"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks if the TaskSpec has valid data.
// Returns an error if any field fails validation.
func (s TaskSpec) Validate() error {
	if s.ID == "" {
		return ErrEmptyTaskID
	}
	if !isValidTaskID(s.ID) {
		return ErrInvalidTaskID
	}
	if s.Name == "" {
		return ErrEmptyTaskName
	}
	if !isValidBuildKind(s.Kind) {
		return ErrInvalidBuildKind
	}
	if s.InputRef == "" {
		return ErrEmptyInputRef
	}
	if s.OutputDir == "" {
		return ErrEmptyOutputDir
	}
	return nil
}

// Progress is the latest progress report for a task. Only the most recent
// value matters; readers never see Percent decrease once reported.
type Progress struct {
	Message string  `json:"message"`
	Percent float64 `json:"percent"`
}

// Result records the terminal outcome of a build.
type Result struct {
	Success      bool   `json:"success"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	Error        string `json:"error,omitempty"`
}

// TaskRecord is the mutable record tracked for each submitted task.
// Exactly one record exists per task ID. After enqueue, only the worker
// pool mutates state, progress, and result.
type TaskRecord struct {
	Spec       TaskSpec   `json:"spec"`
	State      TaskState  `json:"state"`
	Progress   Progress   `json:"progress"`
	Result     *Result    `json:"result,omitempty"`
	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// NewTaskRecord creates a pending TaskRecord for the given spec.
// Returns an error if the spec fails validation.
func NewTaskRecord(spec TaskSpec, queuedAt time.Time) (*TaskRecord, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &TaskRecord{
		Spec:     spec,
		State:    TaskStatePending,
		QueuedAt: queuedAt.UTC(),
	}, nil
}

// CanTransitionTo reports whether moving from the record's current state
// to next respects the monotone state machine.
func (r *TaskRecord) CanTransitionTo(next TaskState) bool {
	switch r.State {
	case TaskStatePending:
		return next == TaskStateActive
	case TaskStateActive:
		return next == TaskStateCompleted || next == TaskStateFailed
	default:
		return false
	}
}

// isValidTaskID restricts IDs to characters that are safe inside file names.
// A double dash is reserved as the artifact name separator, so IDs must not
// contain one or the sweeper could not map artifacts back to their task.
func isValidTaskID(id string) bool {
	if len(id) > 128 {
		return false
	}
	if strings.Contains(id, "--") {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

// isValidBuildKind checks if the given kind is a supported BuildKind.
func isValidBuildKind(kind BuildKind) bool {
	switch kind {
	case BuildKindWeb, BuildKindAndroid, BuildKindDesktop:
		return true
	default:
		return false
	}
}
