package service

import "errors"

// Common service errors - sentinel errors used across service implementations.
// Callers check for these with errors.Is(); the API layer maps them to HTTP
// status codes.
var (
	// ErrTaskNotFound indicates the requested task ID has no record.
	// API layer should map this to HTTP 404 Not Found.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskActive indicates a cancellation was attempted on a task that is
	// currently building. In-flight builds are never interrupted, so this is
	// an expected rejection, not a system error.
	// API layer should map this to HTTP 409 Conflict.
	ErrTaskActive = errors.New("task is currently active")

	// ErrInvalidSpec indicates the submitted task spec failed validation.
	// API layer should map this to HTTP 400 Bad Request.
	ErrInvalidSpec = errors.New("invalid task spec")
)
