// Package service contains the application-specific use cases and business
// logic. It orchestrates interactions between domain objects and the task
// store (defined in internal/store) to fulfill application features.
//
// The service layer depends on domain entities and store interfaces, but
// never on specific infrastructure implementations. Services receive their
// dependencies through constructor injection; the API layer maps the
// sentinel errors they return to HTTP status codes.
package service
