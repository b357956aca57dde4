package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/forge-api/internal/api/shared"
	"github.com/phrazzld/forge-api/internal/domain"
	"github.com/phrazzld/forge-api/internal/service"
)

// BuildHandler handles build-related HTTP requests
type BuildHandler struct {
	taskService service.TaskService
}

// NewBuildHandler creates a new BuildHandler
func NewBuildHandler(taskService service.TaskService) *BuildHandler {
	return &BuildHandler{
		taskService: taskService,
	}
}

// SubmitBuild handles POST /api/builds requests. Submission is idempotent:
// a new build returns 202 Accepted, a resubmitted ID returns 200 OK with the
// current state of the existing build.
func (h *BuildHandler) SubmitBuild(w http.ResponseWriter, r *http.Request) {
	var req SubmitBuildRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	spec := domain.TaskSpec{
		ID:       req.ID,
		Name:     req.Name,
		Kind:     domain.BuildKind(req.Kind),
		InputRef: req.InputRef,
	}

	rec, existed, err := h.taskService.Submit(r.Context(), spec)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	rec, status, err := h.taskService.Status(r.Context(), rec.Spec.ID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	httpStatus := http.StatusAccepted
	if existed {
		httpStatus = http.StatusOK
	}

	slog.Debug("build submission handled",
		"build_id", rec.Spec.ID,
		"existed", existed,
		"state", rec.State)

	shared.RespondWithJSON(w, r, httpStatus, buildToResponse(rec, status))
}

// GetBuild handles GET /api/builds/{id} requests.
func (h *BuildHandler) GetBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Build ID is required")
		return
	}

	rec, status, err := h.taskService.Status(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, buildToResponse(rec, status))
}

// CancelBuild handles DELETE /api/builds/{id} requests. Only builds that
// have not started can be cancelled; an active build yields 409 Conflict.
func (h *BuildHandler) CancelBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Build ID is required")
		return
	}

	if err := h.taskService.Cancel(r.Context(), id); err != nil {
		var opts []shared.ResponseOption
		if errors.Is(err, service.ErrTaskActive) {
			// A client trying to cancel a running build is an operational
			// signal worth surfacing above DEBUG.
			opts = append(opts, shared.WithElevatedLogLevel())
		}
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err, opts...)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
