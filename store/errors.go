// Package store persists the fleet: catalog printers, user printers,
// models, print jobs and notifications.
package store

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrJobUnavailable is returned when a job transition lost a race:
	// the job is no longer in the status the transition requires.
	ErrJobUnavailable = errors.New("job no longer available")
)
