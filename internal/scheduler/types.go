package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"schedkit/internal/eventbus"
	"schedkit/internal/schedule"
	"schedkit/internal/store"
	logx "schedkit/pkg/logx"
)

// Executor is a registered task body. It should honor ctx cancellation; the
// scheduler marks a run failed on timeout but cannot force the executor's
// work to stop.
type Executor func(ctx context.Context, spec schedule.TaskSpec) (any, error)

// Config controls the scheduler service.
type Config struct {
	PollInterval   time.Duration // due-task poll cadence (default 1s)
	DefaultTimeout time.Duration // per-run budget when the TaskSpec has none; 0 = unbounded
}

// Service owns the in-memory schedule registry, the executor registry, and
// the due-task poll loop. The store is the authoritative source: every
// mutation is persisted first and mirrored in memory only on success.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	st  store.Store

	schedules map[string]*schedule.Schedule
	order     []string // registry iteration order (insertion)
	executors map[string]Executor

	stopCh   chan struct{}
	stopDone chan struct{}

	// Throttles repeated per-run failure warnings so a hot broken schedule
	// doesn't flood the log. Failures are always recorded in run history.
	failWarn *rate.Limiter
}

// RunEvent is the bus payload for run lifecycle events.
type RunEvent struct {
	RunID      string        `json:"run_id"`
	ScheduleID string        `json:"schedule_id"`
	Task       string        `json:"task"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// ScheduleInfo is a diagnostic view of one registry entry.
type ScheduleInfo struct {
	ID       string
	Name     string
	Type     schedule.Type
	Enabled  bool
	NextRun  *time.Time
	LastRun  *time.Time
	RunCount int
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running   bool
	Schedules []ScheduleInfo
	Executors []string
}
