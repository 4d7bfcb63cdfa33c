// Package store defines the persistence interface and shared errors for
// tenants, purposes, tasks, and dependency edges.
package store

import "errors"

var (
	// ErrNotFound is returned when a referenced tenant, purpose, or task does
	// not exist. Surfaced to callers, never silently ignored.
	ErrNotFound = errors.New("not found")

	// ErrDanglingEdge is returned when a dependency edge references a task
	// that does not exist. Rejected at creation time.
	ErrDanglingEdge = errors.New("dependency references unknown task")
)
