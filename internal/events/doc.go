// Package events provides a lightweight in-process event system used to
// decouple the worker pool from components that react to task lifecycle
// changes, such as the retention sweeper. Emitters publish events without
// direct knowledge of the registered handlers.
package events
