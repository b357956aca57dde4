package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/forge-api/internal/api"
	"github.com/phrazzld/forge-api/internal/domain"
	"github.com/phrazzld/forge-api/internal/platform/memory"
	"github.com/phrazzld/forge-api/internal/service"
)

type noopNotifier struct{}

func (noopNotifier) Notify() {}

func newTestServer(t *testing.T) (*httptest.Server, *memory.TaskStore) {
	t.Helper()

	s := memory.NewTaskStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := service.NewTaskService(s, noopNotifier{}, "/artifacts", logger)
	require.NoError(t, err)

	handler := api.NewBuildHandler(svc)

	r := chi.NewRouter()
	r.Post("/api/builds", handler.SubmitBuild)
	r.Get("/api/builds/{id}", handler.GetBuild)
	r.Delete("/api/builds/{id}", handler.CancelBuild)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, s
}

func submitBody(id string) []byte {
	body, _ := json.Marshal(map[string]string{
		"id":        id,
		"name":      "my-app",
		"kind":      "web",
		"input_ref": "/uploads/bundle.tar",
	})
	return body
}

func postBuild(t *testing.T, server *httptest.Server, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(server.URL+"/api/builds", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBuild(t *testing.T, resp *http.Response) api.BuildResponse {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out api.BuildResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitBuild(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postBuild(t, server, submitBody("task-1"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	build := decodeBuild(t, resp)
	assert.Equal(t, "task-1", build.ID)
	assert.Equal(t, "my-app", build.Name)
	assert.Equal(t, "web", build.Kind)
	assert.Equal(t, "pending", build.State)
	require.NotNil(t, build.QueuePosition)
	assert.Equal(t, 1, *build.QueuePosition)
	assert.Nil(t, build.Result)
}

func TestSubmitBuildDuplicateReturnsOK(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postBuild(t, server, submitBody("task-1"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postBuild(t, server, submitBody("task-1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	build := decodeBuild(t, resp)
	assert.Equal(t, "task-1", build.ID)
	assert.Equal(t, "pending", build.State)
}

func TestSubmitBuildValidation(t *testing.T) {
	server, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"missing id", `{"name":"a","kind":"web","input_ref":"/x"}`},
		{"unknown kind", `{"id":"t1","name":"a","kind":"ios","input_ref":"/x"}`},
		{"missing input ref", `{"id":"t1","name":"a","kind":"web"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := postBuild(t, server, []byte(tc.body))
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestSubmitBuildRejectsInvalidTaskID(t *testing.T) {
	server, _ := newTestServer(t)

	// Passes request-shape validation but fails domain validation.
	resp := postBuild(t, server, submitBody("bad--id"))
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetBuild(t *testing.T) {
	server, s := newTestServer(t)
	ctx := context.Background()

	resp := postBuild(t, server, submitBody("task-1"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	t.Run("pending", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/api/builds/task-1")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		build := decodeBuild(t, resp)
		assert.Equal(t, "pending", build.State)
		require.NotNil(t, build.QueuePosition)
	})

	t.Run("active with progress", func(t *testing.T) {
		_, err := s.ClaimNextPending(ctx)
		require.NoError(t, err)
		require.NoError(t, s.UpdateProgress(ctx, "task-1", "compiling", 40))

		resp, err := http.Get(server.URL + "/api/builds/task-1")
		require.NoError(t, err)
		build := decodeBuild(t, resp)
		assert.Equal(t, "active", build.State)
		require.NotNil(t, build.Progress)
		assert.Equal(t, 40.0, build.Progress.Percent)
		assert.Nil(t, build.QueuePosition)
	})

	t.Run("completed with result", func(t *testing.T) {
		require.NoError(t, s.Complete(ctx, "task-1",
			"/artifacts/my-app--task-1.tgz", time.Now().UTC(), time.Now().UTC().Add(time.Hour)))

		resp, err := http.Get(server.URL + "/api/builds/task-1")
		require.NoError(t, err)
		build := decodeBuild(t, resp)
		assert.Equal(t, "completed", build.State)
		require.NotNil(t, build.Result)
		assert.True(t, build.Result.Success)
		assert.Equal(t, "/artifacts/my-app--task-1.tgz", build.Result.ArtifactPath)
		require.NotNil(t, build.ExpiresAt)
		assert.Nil(t, build.Progress)
	})

	t.Run("not found", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/api/builds/no-such-task")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func deleteBuild(t *testing.T, server *httptest.Server, id string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/builds/%s", server.URL, id), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestCancelBuild(t *testing.T) {
	server, s := newTestServer(t)
	ctx := context.Background()

	t.Run("pending build is cancelled", func(t *testing.T) {
		resp := postBuild(t, server, submitBody("task-1"))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		_ = resp.Body.Close()

		resp = deleteBuild(t, server, "task-1")
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		_, err := s.Get(ctx, "task-1")
		assert.Error(t, err)
	})

	t.Run("active build conflicts", func(t *testing.T) {
		resp := postBuild(t, server, submitBody("task-2"))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		_ = resp.Body.Close()

		_, err := s.ClaimNextPending(ctx)
		require.NoError(t, err)

		resp = deleteBuild(t, server, "task-2")
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)

		rec, err := s.Get(ctx, "task-2")
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStateActive, rec.State)
	})

	t.Run("unknown build", func(t *testing.T) {
		resp := deleteBuild(t, server, "no-such-task")
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
