// Package task manages build job scheduling, execution, and lifecycle.
// It provides the concurrency-bounded worker pool that claims pending
// tasks from the store in FIFO order, drives the external Builder for
// each one, and relays progress so that long-running builds never block
// HTTP request handling or status polling.
package task
