package scheduler

import "errors"

var (
	// ErrUnknownExecutor surfaces at run time: executor existence is not
	// checked when a task is scheduled, only when it becomes due.
	ErrUnknownExecutor = errors.New("scheduler: no executor registered under this name")

	// ErrRunTimeout marks a run whose executor exceeded its time budget.
	ErrRunTimeout = errors.New("scheduler: run exceeded its timeout")
)
