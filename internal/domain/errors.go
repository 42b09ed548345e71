package domain

import "errors"

// Rejection and failure taxonomy. Callers branch on these with
// errors.Is; wrapped variants carry record context.
var (
	// ErrDuplicate marks a record whose dedup_key was already accepted.
	ErrDuplicate = errors.New("duplicate record")

	// ErrOrphanEvent marks an event older than the maximum session
	// lifetime with no matching open session.
	ErrOrphanEvent = errors.New("orphan event")

	// ErrLateEvent marks an event for a session whose grace window has
	// already expired. The event is counted and permanently excluded.
	ErrLateEvent = errors.New("late event")

	// ErrMalformed marks a record that could not be parsed or fails
	// basic validation. Never retried.
	ErrMalformed = errors.New("malformed record")

	// ErrUnknownDimension marks a lookup miss in the dimension cache.
	ErrUnknownDimension = errors.New("unknown dimension")

	// ErrNotFound marks a rollup read for a key the engine has never
	// materialized.
	ErrNotFound = errors.New("rollup not found")

	// ErrStorage wraps durable-storage failures surfaced to callers of
	// the query facade; results are never silently partial.
	ErrStorage = errors.New("storage unavailable")
)
