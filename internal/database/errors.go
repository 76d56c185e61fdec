package database

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when no job has the requested id.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFinalized is returned when updating a job that is already ready or error.
	ErrJobFinalized = errors.New("job already in a terminal state")
	// ErrInvalidTransition is returned for updates the job state machine does not allow.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// MetadataStoreFailure reports that a store operation kept failing after
// every retry.
type MetadataStoreFailure struct {
	Op       string
	Attempts int
	Err      error
}

func (e *MetadataStoreFailure) Error() string {
	return fmt.Sprintf("metadata store %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *MetadataStoreFailure) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err will not go away by retrying. Context
// errors are left to Retry, which checks the caller's context.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrJobFinalized) ||
		errors.Is(err, ErrInvalidTransition)
}
