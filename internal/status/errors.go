package status

import "errors"

// Common status store errors.
var (
	// ErrAlreadyInitialized indicates the status area for a run already exists.
	ErrAlreadyInitialized = errors.New("status area already initialized")

	// ErrNotFound indicates no record file exists for the worker.
	ErrNotFound = errors.New("status record not found")

	// ErrCorrupt indicates the record file is unreadable and no good
	// value has ever been observed for the worker.
	ErrCorrupt = errors.New("status record unreadable")

	// ErrInvalidTransition indicates a write would move a record
	// backward, for example error over completed.
	ErrInvalidTransition = errors.New("invalid status transition")
)
