package store

import "errors"

var (
	// ErrNotFound is returned when a job, task or image does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTaskClaimed is returned when a claim is refused because another
	// worker holds a fresh lease on the task.
	ErrTaskClaimed = errors.New("task claimed by another worker")

	// ErrJobTerminal is returned when an operation requires a live job but
	// the job is already in a terminal state.
	ErrJobTerminal = errors.New("job is in a terminal state")
)
