package session

import "errors"

// Error taxonomy, in the order the service recognizes them (spec §7).
var (
	// ErrNotFound means the natural key does not match a non-deleted session.
	ErrNotFound = errors.New("session: not found")
	// ErrAlreadyExists means create collided with an existing non-deleted session.
	ErrAlreadyExists = errors.New("session: already exists")
	// ErrStale means the caller's snapshot is older than the stored row.
	ErrStale = errors.New("session: stale snapshot")
	// ErrVersionConflict means the OCC witness did not match after a
	// conditional update, or the target version row went missing.
	ErrVersionConflict = errors.New("session: version conflict")
	// ErrBackendIO wraps a transport or DDL failure from the adapter.
	ErrBackendIO = errors.New("session: backend io error")
	// ErrCorruption means state JSON could not be decoded and the backend
	// in use chose to fail loudly rather than recover silently.
	ErrCorruption = errors.New("session: corrupted state")
)
