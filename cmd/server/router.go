package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/forge-api/internal/api"
	apiMiddleware "github.com/phrazzld/forge-api/internal/api/middleware"
)

// setupRouter creates and configures the application router with all routes
// and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	// Apply standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware)

	buildHandler := api.NewBuildHandler(app.taskService)

	r.Route("/api", func(r chi.Router) {
		r.Post("/builds", buildHandler.SubmitBuild)
		r.Get("/builds/{id}", buildHandler.GetBuild)
		r.Delete("/builds/{id}", buildHandler.CancelBuild)
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, err := w.Write([]byte("OK"))
		if err != nil {
			app.logger.Error("Failed to write health check response", "error", err)
		}
	})

	return r
}
