package schedule

import (
	"time"
)

// Type discriminates how a schedule derives its next run time.
type Type string

const (
	TypeCron     Type = "cron"
	TypeInterval Type = "interval"
	TypeOneTime  Type = "one_time"
	TypeDaily    Type = "daily"
	TypeWeekly   Type = "weekly"
)

// Valid reports whether t is a known schedule type.
func (t Type) Valid() bool {
	switch t {
	case TypeCron, TypeInterval, TypeOneTime, TypeDaily, TypeWeekly:
		return true
	}
	return false
}

// Config carries the type tag plus only the fields relevant to that type.
//
// Persisted wire shape: {type, cron?, interval?, run_at?, time?, weekday?,
// timezone, max_runs?} with interval in whole seconds.
type Config struct {
	Type      Type
	Cron      string
	Interval  time.Duration
	RunAt     time.Time
	TimeOfDay string // "HH:MM"
	Weekday   *int   // 0=Sunday, weekly only
	MaxRuns   int    // 0 = unbounded
	Timezone  string // IANA label; "" = process local
}

// Location resolves the configured time zone, defaulting to process local.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// TaskSpec identifies what to run. Executor is a logical name resolved
// against the scheduler's executor registry at run time.
type TaskSpec struct {
	Name        string
	Description string
	Executor    string
	Params      map[string]any
	Priority    string        // high | normal | low
	Timeout     time.Duration // 0 = unbounded
}

// PriorityRank orders priorities for a due batch: high before normal before
// low. Unknown strings rank as normal.
func PriorityRank(p string) int {
	switch p {
	case "high":
		return 0
	case "low":
		return 2
	default:
		return 1
	}
}

// Schedule binds a TaskSpec to a Config plus mutable run state.
//
// Invariants:
//   - Enabled == false implies NextRun == nil.
//   - RunCount never decreases.
//   - A one-time schedule is disabled immediately after its single run.
//   - Once MaxRuns > 0 and RunCount >= MaxRuns, the schedule is disabled.
type Schedule struct {
	ID        string            `json:"id"`
	Task      TaskSpec          `json:"task"`
	Config    Config            `json:"config"`
	Enabled   bool              `json:"enabled"`
	LastRun   *time.Time        `json:"last_run,omitempty"`
	NextRun   *time.Time        `json:"next_run,omitempty"`
	RunCount  int               `json:"run_count"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Due reports whether the schedule should run at now.
func (s *Schedule) Due(now time.Time) bool {
	return s.Enabled && s.NextRun != nil && !s.NextRun.After(now)
}

// Clone returns a deep copy so callers can hand snapshots out of the
// scheduler's registry without aliasing mutable state.
func (s *Schedule) Clone() *Schedule {
	cp := *s
	if s.LastRun != nil {
		t := *s.LastRun
		cp.LastRun = &t
	}
	if s.NextRun != nil {
		t := *s.NextRun
		cp.NextRun = &t
	}
	if s.Config.Weekday != nil {
		w := *s.Config.Weekday
		cp.Config.Weekday = &w
	}
	if s.Task.Params != nil {
		p := make(map[string]any, len(s.Task.Params))
		for k, v := range s.Task.Params {
			p[k] = v
		}
		cp.Task.Params = p
	}
	if s.Metadata != nil {
		m := make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			m[k] = v
		}
		cp.Metadata = m
	}
	return &cp
}

// RunStatus is the outcome state of a single execution attempt.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunEntry is one record in a schedule's append-only run history.
// Deleting the owning schedule deletes its entries.
type RunEntry struct {
	ID          string     `json:"id"`
	ScheduleID  string     `json:"schedule_id"`
	TaskID      string     `json:"task_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Status      RunStatus  `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}
