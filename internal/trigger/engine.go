package trigger

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"schedkit/internal/eventbus"
	logx "schedkit/pkg/logx"
)

// Config controls the trigger engine.
type Config struct {
	PollInterval time.Duration // default 1s
}

// Engine independently polls a heterogeneous set of triggers and fires their
// callbacks. It has no dependency on the task scheduler.
type Engine struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	triggers map[string]Trigger
	order    []string

	stopCh   chan struct{}
	stopDone chan struct{}
}

// FiredEvent is the bus payload published for each firing.
type FiredEvent struct {
	TriggerID string `json:"trigger_id"`
	Error     string `json:"error,omitempty"`
}

func NewEngine(cfg Config, log logx.Logger, bus eventbus.Bus) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		triggers: map[string]Trigger{},
	}
}

// Register adds a trigger. IDs must be unique within the engine.
func (e *Engine) Register(t Trigger) error {
	id := t.ID()
	if id == "" {
		return fmt.Errorf("trigger id is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.triggers[id]; exists {
		return fmt.Errorf("trigger %q already registered", id)
	}
	e.triggers[id] = t
	e.order = append(e.order, id)
	return nil
}

// Unregister removes a trigger, closing it if it owns resources (e.g. a
// file watcher). Reports whether the trigger was registered.
func (e *Engine) Unregister(id string) bool {
	e.mu.Lock()
	t, ok := e.triggers[id]
	if ok {
		delete(e.triggers, id)
		for i, tid := range e.order {
			if tid == id {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
	}
	e.mu.Unlock()

	if !ok {
		return false
	}
	if c, isCloser := t.(io.Closer); isCloser {
		if err := c.Close(); err != nil {
			e.log.Warn("trigger close failed", logx.String("trigger", id), logx.Err(err))
		}
	}
	return true
}

// CheckTriggers runs one poll pass over all registered triggers and returns
// the IDs that fired. A panic or callback error in one trigger is isolated:
// it is logged and does not block the others.
func (e *Engine) CheckTriggers(ctx context.Context) []string {
	now := time.Now()

	e.mu.Lock()
	batch := make([]Trigger, 0, len(e.order))
	for _, id := range e.order {
		if t := e.triggers[id]; t != nil {
			batch = append(batch, t)
		}
	}
	e.mu.Unlock()

	var fired []string
	for _, t := range batch {
		if e.checkOne(ctx, t, now) {
			fired = append(fired, t.ID())
		}
	}
	return fired
}

func (e *Engine) checkOne(ctx context.Context, t Trigger, now time.Time) (didFire bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("trigger panicked", logx.String("trigger", t.ID()), logx.Any("panic", r))
			didFire = false
		}
	}()

	if !t.Check(now) {
		return false
	}

	err := t.Fire(ctx)
	ev := FiredEvent{TriggerID: t.ID()}
	if err != nil {
		ev.Error = err.Error()
		e.log.Warn("trigger callback failed", logx.String("trigger", t.ID()), logx.Err(err))
	} else {
		e.log.Debug("trigger fired", logx.String("trigger", t.ID()))
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerFired, Time: now, Data: ev})
	}
	return true
}

// Start launches the poll loop. Idempotent.
func (e *Engine) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.stopCh != nil {
		e.mu.Unlock()
		return
	}
	e.stopCh = make(chan struct{})
	e.stopDone = make(chan struct{})
	stopCh, stopDone := e.stopCh, e.stopDone
	interval := e.cfg.PollInterval
	e.mu.Unlock()

	go e.loop(ctx, stopCh, stopDone, interval)
	e.log.Info("trigger engine started", logx.Duration("poll", interval))
}

// Stop prevents the next poll pass from starting; a pass already in
// progress finishes first.
func (e *Engine) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	stopCh, stopDone := e.stopCh, e.stopDone
	e.stopCh = nil
	e.stopDone = nil
	e.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)

	select {
	case <-stopDone:
		e.log.Info("trigger engine stopped")
	case <-ctx.Done():
		e.log.Warn("trigger engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (e *Engine) loop(ctx context.Context, stopCh <-chan struct{}, stopDone chan<- struct{}, interval time.Duration) {
	defer close(stopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		e.CheckTriggers(ctx)

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-time.After(interval):
		}
	}
}
