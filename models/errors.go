package models

import "errors"

// Error taxonomy surfaced by the management API and the execution engine.
// Lifecycle and validation errors propagate synchronously to API callers;
// execution-time failures are recorded on the enrollment history instead.
var (
	// ErrInvalidState - operation not allowed in the current lifecycle state
	ErrInvalidState = errors.New("operation not allowed in current state")

	// ErrEmptySequence - activation requires at least one step
	ErrEmptySequence = errors.New("sequence has no steps")

	// ErrNoEnrollments - activation requires at least one enrollment
	ErrNoEnrollments = errors.New("sequence has no enrollments")

	// ErrNotFound - unknown sequence/step/enrollment id
	ErrNotFound = errors.New("record not found")

	// ErrDeliveryFailure - send rejected or timed out; terminal for the enrollment
	ErrDeliveryFailure = errors.New("delivery failure")

	// ErrActionFailure - action step side effect failed; logged, non-fatal
	ErrActionFailure = errors.New("action failure")

	// ErrDuplicateEvent - engagement event already ingested; silently deduped
	ErrDuplicateEvent = errors.New("duplicate engagement event")
)
