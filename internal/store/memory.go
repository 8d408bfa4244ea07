package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"schedkit/internal/schedule"
)

// memoryStore is a map-backed Store. It honors the same contract as the
// sqlite backend (clone-on-read/write, run cascade on delete) so tests and
// ephemeral hosts can swap it in without behavior drift.
type memoryStore struct {
	mu        sync.Mutex
	schedules map[string]*schedule.Schedule
	order     []string // insertion order, stands in for created_at ordering
	runs      map[string][]*schedule.RunEntry
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		schedules: map[string]*schedule.Schedule{},
		runs:      map[string][]*schedule.RunEntry{},
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) AddSchedule(_ context.Context, s *schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.schedules[s.ID]; !exists {
		m.order = append(m.order, s.ID)
	}
	m.schedules[s.ID] = s.Clone()
	return nil
}

func (m *memoryStore) GetSchedule(_ context.Context, id string) (*schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *memoryStore) ListSchedules(_ context.Context, f Filter) ([]*schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schedule.Schedule
	for _, id := range m.order {
		s, ok := m.schedules[id]
		if !ok {
			continue
		}
		if f.matches(s) {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *memoryStore) UpdateSchedule(_ context.Context, id string, p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return ErrNotFound
	}
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.LastRun != nil {
		t := *p.LastRun
		s.LastRun = &t
	}
	if p.SetNextRun {
		if p.NextRun != nil {
			t := *p.NextRun
			s.NextRun = &t
		} else {
			s.NextRun = nil
		}
	}
	if p.RunCount != nil {
		s.RunCount = *p.RunCount
	}
	s.UpdatedAt = time.Now()
	return nil
}

func (m *memoryStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(m.schedules, id)
	delete(m.runs, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memoryStore) Due(_ context.Context, now time.Time) ([]*schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schedule.Schedule
	for _, id := range m.order {
		s, ok := m.schedules[id]
		if !ok {
			continue
		}
		if s.Due(now) {
			out = append(out, s.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].NextRun.Before(*out[j].NextRun)
	})
	return out, nil
}

func (m *memoryStore) AppendRun(_ context.Context, e *schedule.RunEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	if cp.CompletedAt != nil {
		t := *cp.CompletedAt
		cp.CompletedAt = &t
	}
	m.runs[e.ScheduleID] = append(m.runs[e.ScheduleID], &cp)
	return nil
}

func (m *memoryStore) ListRuns(_ context.Context, scheduleID string) ([]*schedule.RunEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.runs[scheduleID]
	out := make([]*schedule.RunEntry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		if cp.CompletedAt != nil {
			t := *cp.CompletedAt
			cp.CompletedAt = &t
		}
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{ByType: map[schedule.Type]int{}}
	for _, s := range m.schedules {
		st.Schedules++
		st.ByType[s.Config.Type]++
		if s.Enabled {
			st.Enabled++
		}
	}
	for _, entries := range m.runs {
		for _, e := range entries {
			st.Runs++
			switch e.Status {
			case schedule.RunCompleted:
				st.Completed++
			case schedule.RunFailed:
				st.Failed++
			}
		}
	}
	if finished := st.Completed + st.Failed; finished > 0 {
		st.SuccessRate = float64(st.Completed) / float64(finished)
	}
	return st, nil
}
