package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"schedkit/internal/eventbus"
	"schedkit/internal/schedule"
	"schedkit/internal/store"
	logx "schedkit/pkg/logx"
)

// CheckDueTasks runs one poll iteration: every enabled schedule whose
// next_run has passed is executed, its outcome recorded, and its run state
// recomputed and persisted. Returns the number of schedules executed.
//
// A failure on one schedule is caught, logged, and recorded; it never aborts
// the remaining iteration.
func (s *Service) CheckDueTasks(ctx context.Context) (int, error) {
	now := time.Now()

	s.mu.Lock()
	var due []*schedule.Schedule
	for _, id := range s.order {
		sc := s.schedules[id]
		if sc != nil && sc.Due(now) {
			due = append(due, sc.Clone())
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return 0, nil
	}

	// Simultaneously-due schedules execute in priority order (high before
	// normal before low), then by how overdue they are.
	sort.SliceStable(due, func(i, j int) bool {
		pi, pj := schedule.PriorityRank(due[i].Task.Priority), schedule.PriorityRank(due[j].Task.Priority)
		if pi != pj {
			return pi < pj
		}
		return due[i].NextRun.Before(*due[j].NextRun)
	})

	for _, sc := range due {
		s.runOne(ctx, sc)
	}
	return len(due), nil
}

// runOne executes a single due schedule end to end.
func (s *Service) runOne(ctx context.Context, sc *schedule.Schedule) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic while running schedule",
				logx.String("id", sc.ID), logx.Any("panic", r))
		}
	}()

	now := time.Now()
	runID := uuid.NewString()
	taskID := uuid.NewString()

	s.mu.Lock()
	fn := s.executors[sc.Task.Executor]
	timeout := sc.Task.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.mu.Unlock()

	s.publish(eventbus.TypeRunStarted, RunEvent{
		RunID: runID, ScheduleID: sc.ID, Task: sc.Task.Name, Started: now,
	})

	var result any
	var runErr error
	if fn == nil {
		runErr = fmt.Errorf("%w: %q", ErrUnknownExecutor, sc.Task.Executor)
	} else {
		result, runErr = s.invoke(ctx, fn, sc.Task, timeout)
	}
	completed := time.Now()
	dur := completed.Sub(now)

	entry := &schedule.RunEntry{
		ID:          runID,
		ScheduleID:  sc.ID,
		TaskID:      taskID,
		StartedAt:   now,
		CompletedAt: &completed,
	}
	if runErr != nil {
		entry.Status = schedule.RunFailed
		entry.Error = runErr.Error()
	} else {
		entry.Status = schedule.RunCompleted
		entry.Result = resultString(result)
	}

	if err := s.st.AppendRun(ctx, entry); err != nil {
		s.log.Error("failed to record run", logx.String("id", sc.ID), logx.Err(err))
	}

	if runErr != nil {
		if s.failWarn.Allow() {
			s.log.Warn("task run failed",
				logx.String("id", sc.ID),
				logx.String("task", sc.Task.Name),
				logx.Duration("dur", dur),
				logx.Err(runErr),
			)
		}
		s.publish(eventbus.TypeRunFailed, RunEvent{
			RunID: runID, ScheduleID: sc.ID, Task: sc.Task.Name,
			Started: now, Duration: dur, Error: runErr.Error(),
		})
	} else {
		s.log.Debug("task run completed",
			logx.String("id", sc.ID), logx.String("task", sc.Task.Name), logx.Duration("dur", dur))
		s.publish(eventbus.TypeRunCompleted, RunEvent{
			RunID: runID, ScheduleID: sc.ID, Task: sc.Task.Name, Started: now, Duration: dur,
		})
	}

	s.advance(ctx, sc, now)
}

// advance updates last_run/run_count and either disables the schedule or
// computes its next occurrence, persisting before mirroring in memory.
//
// It operates on a clone taken before the executor ran, so the live entry is
// re-checked first: a cancel that landed while the run was in flight must
// stick. The patch therefore never writes enabled back to true and only
// touches next_run for a schedule that is still enabled (or being disabled
// here, which clears it).
func (s *Service) advance(ctx context.Context, sc *schedule.Schedule, ranAt time.Time) {
	runCount := sc.RunCount + 1
	disable := false
	var next *time.Time

	switch {
	case sc.Config.MaxRuns > 0 && runCount >= sc.Config.MaxRuns:
		disable = true
	case sc.Config.Type == schedule.TypeOneTime:
		disable = true
	default:
		n, err := sc.Config.NextRun(ranAt)
		if err != nil {
			// A recurring schedule whose next occurrence cannot be computed
			// can only misfire forever; disable it instead.
			s.log.Error("cannot compute next run, disabling schedule",
				logx.String("id", sc.ID), logx.Err(err))
			disable = true
		} else {
			next = &n
		}
	}

	s.mu.Lock()
	live := s.schedules[sc.ID]
	stillEnabled := live != nil && live.Enabled
	s.mu.Unlock()

	patch := store.Patch{LastRun: &ranAt, RunCount: &runCount}
	switch {
	case disable:
		f := false
		patch.Enabled = &f
		patch.SetNextRun = true // clears next_run
		next = nil
	case stillEnabled:
		patch.NextRun = next
		patch.SetNextRun = true
	default:
		// Cancelled while the run was in flight: record the run, leave
		// enabled and next_run as the cancel wrote them.
		next = nil
	}

	if err := s.st.UpdateSchedule(ctx, sc.ID, patch); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Deleted mid-run; nothing to mirror.
			return
		}
		s.log.Error("failed to persist run state", logx.String("id", sc.ID), logx.Err(err))
		return
	}

	s.mu.Lock()
	if live := s.schedules[sc.ID]; live != nil {
		if disable {
			live.Enabled = false
		}
		if live.Enabled {
			live.NextRun = next
		} else {
			live.NextRun = nil
		}
		t := ranAt
		live.LastRun = &t
		live.RunCount = runCount
		live.UpdatedAt = time.Now()
	}
	s.mu.Unlock()

	if disable {
		s.log.Info("schedule disabled",
			logx.String("id", sc.ID),
			logx.String("task", sc.Task.Name),
			logx.Int("run_count", runCount),
		)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleDisabled, Time: time.Now(), Data: RunEvent{
				ScheduleID: sc.ID, Task: sc.Task.Name,
			}})
		}
	}
}

// invoke runs fn under the per-run budget. On timeout the run is marked
// failed and the scheduler moves on; stopping the underlying work is the
// executor's responsibility (it receives the cancelled ctx).
func (s *Service) invoke(ctx context.Context, fn Executor, spec schedule.TaskSpec, timeout time.Duration) (any, error) {
	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		res, err := fn(runCtx, spec)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrRunTimeout, timeout)
		}
		return nil, runCtx.Err()
	}
}

// resultString renders an executor result for the run history. Best-effort:
// JSON when possible, fmt fallback otherwise.
func resultString(v any) string {
	if v == nil {
		return ""
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}
