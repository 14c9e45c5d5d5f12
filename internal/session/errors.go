package session

import "errors"

// Error kinds surfaced by the manager. The HTTP layer translates them to
// status codes with errors.Is.
var (
	// ErrForbidden is returned when the caller does not own the child,
	// streaming is disabled for the child, or a parent lacks watch access.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound is returned for unknown children, streams, or sessions.
	ErrNotFound = errors.New("not found")
	// ErrSessionAlreadyActive is returned when a live session is confirmed
	// both locally and upstream.
	ErrSessionAlreadyActive = errors.New("session already active")
	// ErrInvalidParams is returned for malformed or missing input.
	ErrInvalidParams = errors.New("invalid parameters")
)
