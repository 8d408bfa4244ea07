// Package scheduler is the orchestrator of the task-scheduling subsystem.
//
// It validates and persists new schedules, keeps an in-memory mirror of the
// store, polls for due schedules, invokes registered executors under a
// per-run timeout, and appends every attempt to the run history. One
// schedule's failure never affects the rest of a poll pass.
package scheduler
