package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "schedkit/pkg/logx"
)

// Callback runs when a trigger fires.
type Callback func(ctx context.Context) error

// Trigger is an independently polled condition. The engine calls Check and,
// when it reports true, Fire.
//
// Check must be non-blocking and free of externally visible side effects;
// internal firing-state bookkeeping (edge memory, pending events) is fine.
type Trigger interface {
	ID() string
	Check(now time.Time) bool
	// Fire invokes the callback, then updates the trigger's firing state.
	Fire(ctx context.Context) error
}

// ---- TimeTrigger ----

// TimeTrigger fires exactly once, the first time a check observes the
// configured instant has passed.
type TimeTrigger struct {
	id string
	at time.Time
	cb Callback

	mu    sync.Mutex
	fired bool
}

func NewTimeTrigger(id string, at time.Time, cb Callback) *TimeTrigger {
	return &TimeTrigger{id: id, at: at, cb: cb}
}

func (t *TimeTrigger) ID() string { return t.id }

func (t *TimeTrigger) Check(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.fired && !now.Before(t.at)
}

func (t *TimeTrigger) Fire(ctx context.Context) error {
	err := t.cb(ctx)
	t.mu.Lock()
	t.fired = true
	t.mu.Unlock()
	return err
}

// ---- IntervalTrigger ----

// IntervalTrigger fires when the configured interval has elapsed since the
// last firing. Before the first firing the elapsed time is measured as
// infinite, so the very first check fires.
type IntervalTrigger struct {
	id    string
	every time.Duration
	cb    Callback

	mu        sync.Mutex
	lastFired time.Time
}

func NewIntervalTrigger(id string, every time.Duration, cb Callback) *IntervalTrigger {
	return &IntervalTrigger{id: id, every: every, cb: cb}
}

func (t *IntervalTrigger) ID() string { return t.id }

func (t *IntervalTrigger) Check(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastFired.IsZero() || now.Sub(t.lastFired) >= t.every
}

func (t *IntervalTrigger) Fire(ctx context.Context) error {
	err := t.cb(ctx)
	t.mu.Lock()
	t.lastFired = time.Now()
	t.mu.Unlock()
	return err
}

// ---- ConditionTrigger ----

// Predicate evaluates the watched condition. A predicate error is logged and
// treated as a non-firing check; it does not disturb the edge memory.
type Predicate func() (bool, error)

// ConditionTrigger fires only on a false-to-true edge of its predicate:
// never on sustained true, never on false.
type ConditionTrigger struct {
	id   string
	pred Predicate
	cb   Callback
	log  logx.Logger

	mu   sync.Mutex
	last bool
}

func NewConditionTrigger(id string, pred Predicate, cb Callback, log logx.Logger) *ConditionTrigger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ConditionTrigger{id: id, pred: pred, cb: cb, log: log}
}

func (t *ConditionTrigger) ID() string { return t.id }

func (t *ConditionTrigger) Check(now time.Time) bool {
	_ = now

	cur, err := t.evaluate()
	if err != nil {
		t.log.Warn("condition predicate failed", logx.String("trigger", t.id), logx.Err(err))
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	edge := cur && !t.last
	t.last = cur
	return edge
}

func (t *ConditionTrigger) evaluate() (v bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = false, fmt.Errorf("predicate panic: %v", r)
		}
	}()
	return t.pred()
}

func (t *ConditionTrigger) Fire(ctx context.Context) error {
	return t.cb(ctx)
}
