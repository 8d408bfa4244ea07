package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"schedkit/internal/schedule"
	"schedkit/internal/store"
	logx "schedkit/pkg/logx"
)

// RegisterExecutor associates a logical name with a task body. Registering
// the same name again replaces the previous executor.
func (s *Service) RegisterExecutor(name string, fn Executor) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("executor name is required")
	}
	if fn == nil {
		return fmt.Errorf("executor %q: fn is nil", name)
	}
	s.mu.Lock()
	s.executors[name] = fn
	s.mu.Unlock()
	return nil
}

// ScheduleTask validates the config, computes the initial next run, persists
// the schedule, and adds it to the registry. The executor name is NOT
// resolved here; an unknown executor surfaces as a failed run when the
// schedule first comes due.
func (s *Service) ScheduleTask(ctx context.Context, spec schedule.TaskSpec, cfg schedule.Config) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", &schedule.ValidationError{Field: "task.name", Reason: "required"}
	}
	if strings.TrimSpace(spec.Executor) == "" {
		return "", &schedule.ValidationError{Field: "task.executor", Reason: "required"}
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	now := time.Now()
	next, err := cfg.NextRun(now)
	if err != nil {
		return "", err
	}

	sc := &schedule.Schedule{
		ID:        uuid.NewString(),
		Task:      spec,
		Config:    cfg,
		Enabled:   true,
		NextRun:   &next,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Store first; the registry mirrors only successfully persisted state.
	if err := s.st.AddSchedule(ctx, sc); err != nil {
		return "", fmt.Errorf("persist schedule: %w", err)
	}

	s.mu.Lock()
	s.schedules[sc.ID] = sc.Clone()
	s.order = append(s.order, sc.ID)
	s.mu.Unlock()

	s.log.Info("task scheduled",
		logx.String("id", sc.ID),
		logx.String("task", spec.Name),
		logx.String("type", string(cfg.Type)),
		logx.Time("next_run", next),
	)
	return sc.ID, nil
}

// CancelSchedule disables the schedule and clears its next run. It reports
// true iff the schedule exists; cancelling an already-disabled schedule is a
// no-op success.
func (s *Service) CancelSchedule(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	_, ok := s.schedules[id]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	disabled := false
	err := s.st.UpdateSchedule(ctx, id, store.Patch{Enabled: &disabled, SetNextRun: true})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	s.mu.Lock()
	if sc := s.schedules[id]; sc != nil {
		sc.Enabled = false
		sc.NextRun = nil
		sc.UpdatedAt = time.Now()
	}
	s.mu.Unlock()

	s.log.Info("schedule cancelled", logx.String("id", id))
	return true, nil
}

// DeleteSchedule removes the schedule from memory and store, cascading the
// deletion of its run history. Reports false if the schedule does not exist.
func (s *Service) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	err := s.st.DeleteSchedule(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// Still drop any stale registry entry.
		s.forget(id)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.forget(id)
	s.log.Info("schedule deleted", logx.String("id", id))
	return true, nil
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	if _, ok := s.schedules[id]; ok {
		delete(s.schedules, id)
		for i, sid := range s.order {
			if sid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
}

// GetSchedule returns a copy of one registry entry, or nil if unknown.
func (s *Service) GetSchedule(id string) *schedule.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc := s.schedules[id]; sc != nil {
		return sc.Clone()
	}
	return nil
}

// Schedules returns copies of all registry entries in insertion order.
func (s *Service) Schedules() []*schedule.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*schedule.Schedule, 0, len(s.order))
	for _, id := range s.order {
		if sc := s.schedules[id]; sc != nil {
			out = append(out, sc.Clone())
		}
	}
	return out
}

// RunHistory lists the recorded execution attempts for one schedule.
func (s *Service) RunHistory(ctx context.Context, scheduleID string) ([]*schedule.RunEntry, error) {
	return s.st.ListRuns(ctx, scheduleID)
}

// Stats returns the store's aggregate view.
func (s *Service) Stats(ctx context.Context) (store.Stats, error) {
	return s.st.Stats(ctx)
}

// Snapshot is a diagnostics view of the registry and executor names.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Running: s.stopCh != nil}
	for _, id := range s.order {
		sc := s.schedules[id]
		if sc == nil {
			continue
		}
		info := ScheduleInfo{
			ID:       sc.ID,
			Name:     sc.Task.Name,
			Type:     sc.Config.Type,
			Enabled:  sc.Enabled,
			RunCount: sc.RunCount,
		}
		if sc.NextRun != nil {
			t := *sc.NextRun
			info.NextRun = &t
		}
		if sc.LastRun != nil {
			t := *sc.LastRun
			info.LastRun = &t
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	for name := range s.executors {
		snap.Executors = append(snap.Executors, name)
	}
	sort.Strings(snap.Executors)
	return snap
}
