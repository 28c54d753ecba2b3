package orchestrator

import "errors"

var (
	// ErrRunNotFound means no run directory exists for the given ID.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinished means the run already has a recorded outcome.
	ErrRunFinished = errors.New("run already finished")
)
