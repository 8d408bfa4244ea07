package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"schedkit/internal/eventbus"
	"schedkit/internal/schedule"
	"schedkit/internal/store"
	logx "schedkit/pkg/logx"
)

func newTestService(t *testing.T) (*Service, store.Store, eventbus.Bus) {
	t.Helper()
	st := store.NewMemory()
	bus := eventbus.New()
	svc := New(Config{PollInterval: 10 * time.Millisecond, DefaultTimeout: 5 * time.Second}, st, logx.Nop(), bus)
	return svc, st, bus
}

func pastOneTime() schedule.Config {
	return schedule.Config{Type: schedule.TypeOneTime, RunAt: time.Now().Add(-time.Minute)}
}

func spec(name, executor string) schedule.TaskSpec {
	return schedule.TaskSpec{Name: name, Executor: executor}
}

func TestScheduleTaskValidates(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.ScheduleTask(ctx, spec("", "noop"), pastOneTime()); err == nil {
		t.Fatal("expected error for empty task name")
	}
	if _, err := svc.ScheduleTask(ctx, spec("job", ""), pastOneTime()); err == nil {
		t.Fatal("expected error for empty executor")
	}
	var ve *schedule.ValidationError
	if _, err := svc.ScheduleTask(ctx, spec("job", "noop"), schedule.Config{Type: "hourly"}); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for bad type, got %v", err)
	}
}

func TestScheduleTaskPersistsFirst(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.ScheduleTask(ctx, spec("job", "noop"), schedule.Config{Type: schedule.TypeInterval, Interval: time.Hour})
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}

	persisted, err := st.GetSchedule(ctx, id)
	if err != nil {
		t.Fatalf("store lookup: %v", err)
	}
	if !persisted.Enabled || persisted.NextRun == nil {
		t.Fatalf("persisted state wrong: enabled=%v next=%v", persisted.Enabled, persisted.NextRun)
	}
	mirrored := svc.GetSchedule(id)
	if mirrored == nil || mirrored.Task.Name != "job" {
		t.Fatalf("registry mirror missing: %+v", mirrored)
	}
}

func TestOneTimeRunsOnceAndDisables(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	var calls int
	if err := svc.RegisterExecutor("count", func(ctx context.Context, sp schedule.TaskSpec) (any, error) {
		calls++
		return "done", nil
	}); err != nil {
		t.Fatalf("RegisterExecutor: %v", err)
	}

	id, err := svc.ScheduleTask(ctx, spec("job", "count"), pastOneTime())
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.CheckDueTasks(ctx); err != nil {
			t.Fatalf("CheckDueTasks: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("executor calls = %d, want 1", calls)
	}

	got, err := st.GetSchedule(ctx, id)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.Enabled || got.NextRun != nil || got.RunCount != 1 {
		t.Fatalf("post-run state: enabled=%v next=%v count=%d", got.Enabled, got.NextRun, got.RunCount)
	}
	if got.LastRun == nil {
		t.Fatal("LastRun not recorded")
	}

	runs, err := st.ListRuns(ctx, id)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != schedule.RunCompleted || runs[0].Result != `"done"` {
		t.Fatalf("run history: %+v", runs)
	}
}

func TestMaxRunsDisables(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	var calls int
	_ = svc.RegisterExecutor("count", func(ctx context.Context, sp schedule.TaskSpec) (any, error) {
		calls++
		return nil, nil
	})

	id, err := svc.ScheduleTask(ctx, spec("job", "count"), schedule.Config{
		Type: schedule.TypeInterval, Interval: time.Millisecond, MaxRuns: 3,
	})
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls < 3 && time.Now().Before(deadline) {
		if _, err := svc.CheckDueTasks(ctx); err != nil {
			t.Fatalf("CheckDueTasks: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	// Further polls must not run it again.
	time.Sleep(5 * time.Millisecond)
	if _, err := svc.CheckDueTasks(ctx); err != nil {
		t.Fatalf("CheckDueTasks: %v", err)
	}

	if calls != 3 {
		t.Fatalf("executor calls = %d, want 3", calls)
	}
	got, err := st.GetSchedule(ctx, id)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.Enabled || got.RunCount != 3 {
		t.Fatalf("post-run state: enabled=%v count=%d", got.Enabled, got.RunCount)
	}
}

func TestMaxRunsDisablesEveryType(t *testing.T) {
	t.Parallel()
	monday := 1
	tests := []struct {
		name string
		cfg  schedule.Config
	}{
		{name: "cron", cfg: schedule.Config{Type: schedule.TypeCron, Cron: "*/5 * * * *", MaxRuns: 3, Timezone: "UTC"}},
		{name: "daily", cfg: schedule.Config{Type: schedule.TypeDaily, TimeOfDay: "09:00", MaxRuns: 3}},
		{name: "weekly", cfg: schedule.Config{Type: schedule.TypeWeekly, TimeOfDay: "09:00", Weekday: &monday, MaxRuns: 3}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := store.NewMemory()
			ctx := context.Background()

			// Seed the schedule one run short of its cap and already due, so
			// a single poll crosses the limit.
			next := time.Now().Add(-time.Minute)
			seed := &schedule.Schedule{
				ID:        "capped",
				Task:      schedule.TaskSpec{Name: "job", Executor: "count"},
				Config:    tc.cfg,
				Enabled:   true,
				NextRun:   &next,
				RunCount:  2,
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}
			if err := st.AddSchedule(ctx, seed); err != nil {
				t.Fatalf("seed store: %v", err)
			}

			svc := New(Config{}, st, logx.Nop(), nil)
			var calls int
			_ = svc.RegisterExecutor("count", func(ctx context.Context, sp schedule.TaskSpec) (any, error) {
				calls++
				return nil, nil
			})
			if err := svc.Initialize(ctx); err != nil {
				t.Fatalf("Initialize: %v", err)
			}

			for i := 0; i < 2; i++ {
				if _, err := svc.CheckDueTasks(ctx); err != nil {
					t.Fatalf("CheckDueTasks: %v", err)
				}
			}
			if calls != 1 {
				t.Fatalf("executor calls = %d, want 1", calls)
			}
			got, err := st.GetSchedule(ctx, "capped")
			if err != nil {
				t.Fatalf("GetSchedule: %v", err)
			}
			if got.Enabled || got.NextRun != nil || got.RunCount != 3 {
				t.Fatalf("post-run state: enabled=%v next=%v count=%d", got.Enabled, got.NextRun, got.RunCount)
			}
		})
	}
}

func TestFailingExecutorIsolated(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	var goodRan bool
	_ = svc.RegisterExecutor("bad", func(ctx context.Context, sp schedule.TaskSpec) (any, error) {
		return nil, fmt.Errorf("boom")
	})
	_ = svc.RegisterExecutor("good", func(ctx context.Context, sp schedule.TaskSpec) (any, error) {
		goodRan = true
		return nil, nil
	})

	badID, err := svc.ScheduleTask(ctx, schedule.TaskSpec{Name: "bad", Executor: "bad", Priority: "high"}, pastOneTime())
	if err != nil {
		t.Fatalf("ScheduleTask bad: %v", err)
	}
	if _, err := svc.ScheduleTask(ctx, spec("good", "good"), pastOneTime()); err != nil {
		t.Fatalf("ScheduleTask good: %v", err)
	}

	n, err := svc.CheckDueTasks(ctx)
	if err != nil {
		t.Fatalf("CheckDueTasks: %v", err)
	}
	if n != 2 {
		t.Fatalf("ran %d schedules, want 2", n)
	}
	if !goodRan {
		t.Fatal("failure on one schedule blocked the other")
	}

	runs, err := st.ListRuns(ctx, badID)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != schedule.RunFailed || !strings.Contains(runs[0].Error, "boom") {
		t.Fatalf("failed run not recorded: %+v", runs)
	}
}

func TestPanickingExecutorRecordedAsFailed(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	_ = svc.RegisterExecutor("panic", func(ctx context.Context, sp schedule.TaskSpec) (any, error) {
		panic("kaboom")
	})
	id, err := svc.ScheduleTask(ctx, spec("job", "panic"), pastOneTime())
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	if _, err := svc.CheckDueTasks(ctx); err != nil {
		t.Fatalf("CheckDueTasks: %v", err)
	}

	runs, err := st.ListRuns(ctx, id)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != schedule.RunFailed || !strings.Contains(runs[0].Error, "kaboom") {
		t.Fatalf("panic not recorded: %+v", runs)
	}
}

func TestTimeoutFailsRun(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	_ = svc.RegisterExecutor("slow", func(ctx context.Context, sp schedule.TaskSpec) (any, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	id, err := svc.ScheduleTask(ctx, schedule.TaskSpec{
		Name: "slow", Executor: "slow", Timeout: 20 * time.Millisecond,
	}, pastOneTime())
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	if _, err := svc.CheckDueTasks(ctx); err != nil {
		t.Fatalf("CheckDueTasks: %v", err)
	}

	runs, err := st.ListRuns(ctx, id)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != schedule.RunFailed {
		t.Fatalf("timeout run: %+v", runs)
	}
	if !strings.Contains(runs[0].Error, ErrRunTimeout.Error()) {
		t.Fatalf("error %q does not mention timeout", runs[0].Error)
	}
}

func TestUnknownExecutorFailsAtRunTime(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	// Scheduling succeeds even though nothing named "ghost" is registered.
	id, err := svc.ScheduleTask(ctx, spec("job", "ghost"), pastOneTime())
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	if _, err := svc.CheckDueTasks(ctx); err != nil {
		t.Fatalf("CheckDueTasks: %v", err)
	}

	runs, err := st.ListRuns(ctx, id)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != schedule.RunFailed {
		t.Fatalf("run history: %+v", runs)
	}
	if !strings.Contains(runs[0].Error, ErrUnknownExecutor.Error()) {
		t.Fatalf("error %q does not mention unknown executor", runs[0].Error)
	}
}

func TestPriorityOrdersDueBatch(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var mu sync.Mutex
	var ran []string
	record := func(ctx context.Context, sp schedule.TaskSpec) (any, error) {
		mu.Lock()
		ran = append(ran, sp.Name)
		mu.Unlock()
		return nil, nil
	}
	_ = svc.RegisterExecutor("record", record)

	for _, tc := range []struct{ name, priority string }{
		{"low-job", "low"},
		{"high-job", "high"},
		{"normal-job", "normal"},
	} {
		_, err := svc.ScheduleTask(ctx, schedule.TaskSpec{
			Name: tc.name, Executor: "record", Priority: tc.priority,
		}, pastOneTime())
		if err != nil {
			t.Fatalf("ScheduleTask %s: %v", tc.name, err)
		}
	}

	if _, err := svc.CheckDueTasks(ctx); err != nil {
		t.Fatalf("CheckDueTasks: %v", err)
	}
	want := []string{"high-job", "normal-job", "low-job"}
	if len(ran) != 3 || ran[0] != want[0] || ran[1] != want[1] || ran[2] != want[2] {
		t.Fatalf("execution order = %v, want %v", ran, want)
	}
}

func TestCancelSchedule(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.ScheduleTask(ctx, spec("job", "noop"), schedule.Config{Type: schedule.TypeInterval, Interval: time.Hour})
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}

	ok, err := svc.CancelSchedule(ctx, id)
	if err != nil || !ok {
		t.Fatalf("CancelSchedule = %v, %v", ok, err)
	}
	got, err := st.GetSchedule(ctx, id)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.Enabled || got.NextRun != nil {
		t.Fatalf("cancel did not persist: enabled=%v next=%v", got.Enabled, got.NextRun)
	}

	// Cancelling again is a no-op success; unknown IDs report false.
	if ok, err := svc.CancelSchedule(ctx, id); err != nil || !ok {
		t.Fatalf("second cancel = %v, %v", ok, err)
	}
	if ok, err := svc.CancelSchedule(ctx, "missing"); err != nil || ok {
		t.Fatalf("cancel missing = %v, %v", ok, err)
	}
}

func TestCancelDuringRunIsNotReverted(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	_ = svc.RegisterExecutor("slow", func(ctx context.Context, sp schedule.TaskSpec) (any, error) {
		close(started)
		<-release
		return nil, nil
	})

	// Recurring schedule so run completion would normally write a fresh
	// next_run.
	id, err := svc.ScheduleTask(ctx, spec("job", "slow"), schedule.Config{
		Type: schedule.TypeInterval, Interval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	polled := make(chan struct{})
	go func() {
		_, _ = svc.CheckDueTasks(ctx)
		close(polled)
	}()

	<-started
	ok, err := svc.CancelSchedule(ctx, id)
	if err != nil || !ok {
		t.Fatalf("CancelSchedule mid-run = %v, %v", ok, err)
	}
	close(release)

	select {
	case <-polled:
	case <-time.After(2 * time.Second):
		t.Fatal("CheckDueTasks did not return")
	}

	got, err := st.GetSchedule(ctx, id)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.Enabled || got.NextRun != nil {
		t.Fatalf("run completion undid the cancel: enabled=%v next=%v", got.Enabled, got.NextRun)
	}
	if got.RunCount != 1 || got.LastRun == nil {
		t.Fatalf("run not recorded: count=%d last=%v", got.RunCount, got.LastRun)
	}
	mirrored := svc.GetSchedule(id)
	if mirrored == nil || mirrored.Enabled || mirrored.NextRun != nil {
		t.Fatalf("registry out of sync: %+v", mirrored)
	}

	// The cancelled schedule must not come due again.
	if _, err := svc.CheckDueTasks(ctx); err != nil {
		t.Fatalf("CheckDueTasks: %v", err)
	}
	if got, _ := st.GetSchedule(ctx, id); got.RunCount != 1 {
		t.Fatalf("cancelled schedule ran again: count=%d", got.RunCount)
	}
}

func TestDeleteSchedule(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.ScheduleTask(ctx, spec("job", "noop"), schedule.Config{Type: schedule.TypeInterval, Interval: time.Hour})
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}

	ok, err := svc.DeleteSchedule(ctx, id)
	if err != nil || !ok {
		t.Fatalf("DeleteSchedule = %v, %v", ok, err)
	}
	if svc.GetSchedule(id) != nil {
		t.Fatal("registry still holds deleted schedule")
	}
	if _, err := st.GetSchedule(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("store still holds deleted schedule: %v", err)
	}
	if ok, err := svc.DeleteSchedule(ctx, id); err != nil || ok {
		t.Fatalf("second delete = %v, %v", ok, err)
	}
}

func TestInitializeLoadsFromStore(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	ctx := context.Background()

	next := time.Now().Add(-time.Minute)
	seed := &schedule.Schedule{
		ID:        "seeded",
		Task:      schedule.TaskSpec{Name: "restored", Executor: "count"},
		Config:    schedule.Config{Type: schedule.TypeOneTime, RunAt: next},
		Enabled:   true,
		NextRun:   &next,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := st.AddSchedule(ctx, seed); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	svc := New(Config{}, st, logx.Nop(), nil)
	var calls int
	_ = svc.RegisterExecutor("count", func(ctx context.Context, sp schedule.TaskSpec) (any, error) {
		calls++
		return nil, nil
	})
	if err := svc.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if svc.GetSchedule("seeded") == nil {
		t.Fatal("seeded schedule not loaded")
	}
	if _, err := svc.CheckDueTasks(ctx); err != nil {
		t.Fatalf("CheckDueTasks: %v", err)
	}
	if calls != 1 {
		t.Fatalf("restored schedule ran %d times, want 1", calls)
	}
}

func TestRunEventsPublished(t *testing.T) {
	t.Parallel()
	svc, _, bus := newTestService(t)
	ctx := context.Background()

	events, cancel := bus.Subscribe(16)
	defer cancel()

	_ = svc.RegisterExecutor("ok", func(ctx context.Context, sp schedule.TaskSpec) (any, error) {
		return nil, nil
	})
	if _, err := svc.ScheduleTask(ctx, spec("job", "ok"), pastOneTime()); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	if _, err := svc.CheckDueTasks(ctx); err != nil {
		t.Fatalf("CheckDueTasks: %v", err)
	}

	seen := map[string]bool{}
	timeout := time.After(time.Second)
	for len(seen) < 3 {
		select {
		case ev := <-events:
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("timed out waiting for events, saw %v", seen)
		}
	}
	for _, typ := range []string{eventbus.TypeRunStarted, eventbus.TypeRunCompleted, eventbus.TypeScheduleDisabled} {
		if !seen[typ] {
			t.Fatalf("missing event %q, saw %v", typ, seen)
		}
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	svc.Start(ctx)
	svc.Start(ctx) // second start is a no-op
	if !svc.Snapshot().Running {
		t.Fatal("service not running after Start")
	}

	done := make(chan struct{})
	go func() {
		svc.Stop(ctx)
		svc.Stop(ctx) // second stop is a no-op
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if svc.Snapshot().Running {
		t.Fatal("service still running after Stop")
	}
}
