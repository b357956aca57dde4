package api

import (
	"time"

	"github.com/phrazzld/forge-api/internal/domain"
	"github.com/phrazzld/forge-api/internal/service"
)

// Common request/response structures

// SubmitBuildRequest defines the payload for the build submission endpoint.
// ID is the caller-chosen idempotency key; resubmitting the same ID returns
// the existing build instead of scheduling a second one. When omitted the
// server assigns one, so the caller forgoes idempotent resubmission.
type SubmitBuildRequest struct {
	ID       string `json:"id,omitempty" validate:"omitempty,max=128"`
	Name     string `json:"name"      validate:"required,max=200"`
	Kind     string `json:"kind"      validate:"required,oneof=web android desktop"`
	InputRef string `json:"input_ref" validate:"required"`
}

// BuildResponse defines the response for submission and status endpoints.
type BuildResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`

	// Progress is present while the build is pending or active.
	Progress *ProgressResponse `json:"progress,omitempty"`

	// Queue fields are present only while the build is pending.
	QueuePosition *int `json:"queue_position,omitempty"`
	QueueTotal    *int `json:"queue_total,omitempty"`

	// Result fields are present only once the build is terminal.
	Result    *ResultResponse `json:"result,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// ProgressResponse reports how far along an active build is.
type ProgressResponse struct {
	Message string  `json:"message"`
	Percent float64 `json:"percent"`
}

// ResultResponse reports the outcome of a finished build.
type ResultResponse struct {
	Success      bool   `json:"success"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	Error        string `json:"error,omitempty"`
}

// buildToResponse assembles the wire representation from the stored record
// and the composed status.
func buildToResponse(rec *domain.TaskRecord, status *service.TaskStatus) BuildResponse {
	resp := BuildResponse{
		ID:        rec.Spec.ID,
		Name:      rec.Spec.Name,
		Kind:      string(rec.Spec.Kind),
		State:     string(status.State),
		CreatedAt: rec.Spec.CreatedAt,
	}

	if status.Progress != nil {
		resp.Progress = &ProgressResponse{
			Message: status.Progress.Message,
			Percent: status.Progress.Percent,
		}
	}
	resp.QueuePosition = status.QueuePosition
	resp.QueueTotal = status.QueueTotal

	if status.Result != nil {
		resp.Result = &ResultResponse{
			Success:      status.Result.Success,
			ArtifactPath: status.Result.ArtifactPath,
			Error:        status.Result.Error,
		}
	}
	resp.ExpiresAt = status.ExpiresAt

	return resp
}
