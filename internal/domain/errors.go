package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by repositories and services. The HTTP boundary
// maps each to a status code and app code; storage errors pass through
// unwrapped into the 500 path.
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrImageNotFound  = errors.New("image not found for job")
	ErrKeyNotFound    = errors.New("key not found")
	ErrEngineNotFound = errors.New("engine not found")

	// ErrForbidden covers role and ownership mismatches.
	ErrForbidden = errors.New("api key forbidden for job")

	// ErrNotInProcessing rejects lease operations on jobs that are not in
	// PROCESSING, typically because the sweeper reclaimed the lease.
	ErrNotInProcessing = errors.New("job not in processing state")

	// ErrJobNotNew rejects artifact uploads once the job left NEW.
	ErrJobNotNew = errors.New("job not in new state")

	// ErrInvalidState is the generic illegal-transition rejection.
	ErrInvalidState = errors.New("job state does not permit the operation")

	ErrUncancellable = errors.New("job can no longer be cancelled")

	ErrAltoNotRequired     = errors.New("job does not require alto xml")
	ErrPageNotRequired     = errors.New("job does not require page xml")
	ErrMetaJSONNotRequired = errors.New("job does not require metadata")

	// ErrResultMissing blocks completion while no result archive exists.
	ErrResultMissing = errors.New("result archive has not been uploaded")
	// ErrResultNotReady gates result download before the job is DONE.
	ErrResultNotReady = errors.New("result is not ready yet")
	// ErrResultGone is returned for results of cancelled, failed, or errored jobs.
	ErrResultGone = errors.New("result is gone")

	// ErrNoFields rejects a progress update that carries nothing.
	ErrNoFields = errors.New("update carries no fields")

	ErrLabelExists    = errors.New("key label already exists")
	ErrEngineInactive = errors.New("engine is not active")

	ErrInvalidInput = errors.New("invalid input")
)

// StateConflictError wraps a conflict sentinel together with the job's
// current state so the boundary can report it in the error details.
type StateConflictError struct {
	Sentinel error
	State    ProcessingState
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%v (current state %s)", e.Sentinel, e.State)
}

func (e *StateConflictError) Unwrap() error { return e.Sentinel }

// StateConflict builds a StateConflictError for the given sentinel.
func StateConflict(sentinel error, state ProcessingState) error {
	return &StateConflictError{Sentinel: sentinel, State: state}
}
