package store

import (
	"context"
	"errors"
	"time"

	"schedkit/internal/schedule"
)

var ErrNotFound = errors.New("store: not found")

// Config selects and configures a backend.
//
// Driver values:
//   - "memory": map-backed store, for tests and ephemeral hosts
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Filter narrows ListSchedules. Nil/zero fields match everything.
type Filter struct {
	Enabled *bool
	Type    schedule.Type
}

func (f Filter) matches(s *schedule.Schedule) bool {
	if f.Enabled != nil && s.Enabled != *f.Enabled {
		return false
	}
	if f.Type != "" && s.Config.Type != f.Type {
		return false
	}
	return true
}

// Patch is a field-level partial update. Nil fields are left untouched;
// last-write-wins, no optimistic-concurrency token (single-writer contract).
//
// NextRun is applied only when SetNextRun is true, so a nil NextRun can
// clear the column.
type Patch struct {
	Enabled    *bool
	LastRun    *time.Time
	NextRun    *time.Time
	SetNextRun bool
	RunCount   *int
}

// Stats aggregates schedule counts and run outcomes across the store.
type Stats struct {
	Schedules int
	Enabled   int
	ByType    map[schedule.Type]int

	Runs        int
	Completed   int
	Failed      int
	SuccessRate float64 // completed / (completed + failed); 0 with no finished runs
}

// Store is the durable persistence contract for schedules and their
// append-only run history.
//
// Single-writer: only the owning scheduler process is assumed to mutate a
// given store instance.
type Store interface {
	AddSchedule(ctx context.Context, s *schedule.Schedule) error
	GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error)
	ListSchedules(ctx context.Context, f Filter) ([]*schedule.Schedule, error)
	UpdateSchedule(ctx context.Context, id string, p Patch) error
	// DeleteSchedule removes the schedule and cascades to its run history.
	DeleteSchedule(ctx context.Context, id string) error

	// Due returns enabled schedules with next_run <= now, ascending by
	// next_run.
	Due(ctx context.Context, now time.Time) ([]*schedule.Schedule, error)

	AppendRun(ctx context.Context, e *schedule.RunEntry) error
	ListRuns(ctx context.Context, scheduleID string) ([]*schedule.RunEntry, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}
