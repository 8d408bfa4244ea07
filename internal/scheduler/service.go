package scheduler

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"schedkit/internal/eventbus"
	"schedkit/internal/schedule"
	"schedkit/internal/store"
	logx "schedkit/pkg/logx"
)

func New(cfg Config, st store.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		st:        st,
		schedules: map[string]*schedule.Schedule{},
		executors: map[string]Executor{},
		failWarn:  rate.NewLimiter(rate.Every(5*time.Second), 3),
	}
}

// Initialize loads every persisted schedule into the in-memory registry.
// Records the store cannot decode are skipped there (logged), so a corrupt
// row never aborts startup.
func (s *Service) Initialize(ctx context.Context) error {
	scs, err := s.st.ListSchedules(ctx, store.Filter{})
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, sc := range scs {
		if _, ok := s.schedules[sc.ID]; !ok {
			s.order = append(s.order, sc.ID)
		}
		s.schedules[sc.ID] = sc
	}
	n := len(s.schedules)
	s.mu.Unlock()

	s.log.Info("scheduler initialized", logx.Int("schedules", n))
	return nil
}

// Start launches the due-task poll loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})
	stopCh, stopDone := s.stopCh, s.stopDone
	interval := s.cfg.PollInterval
	s.mu.Unlock()

	go s.loop(ctx, stopCh, stopDone, interval)
	s.log.Info("scheduler started", logx.Duration("poll", interval))
}

// Stop prevents the next poll iteration from starting; cancellation is
// cooperative, so an iteration already in progress (including in-flight
// executions and their timeouts) finishes first.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	stopCh, stopDone := s.stopCh, s.stopDone
	s.stopCh = nil
	s.stopDone = nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)

	select {
	case <-stopDone:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}, stopDone chan<- struct{}, interval time.Duration) {
	defer close(stopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		if n, err := s.CheckDueTasks(ctx); err != nil {
			s.log.Error("due-task poll failed", logx.Err(err))
		} else if n > 0 {
			s.log.Debug("poll pass executed tasks", logx.Int("ran", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-time.After(interval):
		}
	}
}

func (s *Service) publish(typ string, ev RunEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
