package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "schedkit/pkg/logx"
)

// FileEvent is one observed filesystem change.
type FileEvent struct {
	Path string
	Op   string // create | write | remove | rename | chmod
	At   time.Time
}

// FileTrigger fires when filesystem events (create/modify/delete/rename)
// are observed under the watched path. A background fsnotify reader
// accumulates events; Check reports whether any are pending and Fire hands
// the batch to the callback, then clears it.
type FileTrigger struct {
	id  string
	cb  Callback
	log logx.Logger

	w      *fsnotify.Watcher
	doneCh chan struct{}

	mu      sync.Mutex
	pending []FileEvent
	firing  []FileEvent // batch drained for the in-flight Fire
	closed  bool
}

// NewFileTrigger starts watching path immediately. Callers must Close the
// trigger (Engine.Unregister does this) to release the watcher.
func NewFileTrigger(id, path string, cb Callback, log logx.Logger) (*FileTrigger, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, err
	}

	t := &FileTrigger{id: id, cb: cb, log: log, w: w, doneCh: make(chan struct{})}
	go t.watch()
	return t, nil
}

func (t *FileTrigger) watch() {
	defer close(t.doneCh)
	for {
		select {
		case ev, ok := <-t.w.Events:
			if !ok {
				return
			}
			t.mu.Lock()
			t.pending = append(t.pending, FileEvent{Path: ev.Name, Op: opString(ev.Op), At: time.Now()})
			t.mu.Unlock()
		case err, ok := <-t.w.Errors:
			if !ok {
				return
			}
			t.log.Warn("file watcher error", logx.String("trigger", t.id), logx.Err(err))
		}
	}
}

func (t *FileTrigger) ID() string { return t.id }

func (t *FileTrigger) Check(now time.Time) bool {
	_ = now
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

// Fire drains the pending batch first, then invokes the callback on it.
// Events the watcher appends while the callback runs land in pending and
// survive for the next check.
func (t *FileTrigger) Fire(ctx context.Context) error {
	t.mu.Lock()
	t.firing = t.pending
	t.pending = nil
	t.mu.Unlock()

	err := t.cb(ctx)

	t.mu.Lock()
	t.firing = nil
	t.mu.Unlock()
	return err
}

// Pending returns a copy of the events the next firing will consume; during
// a Fire that is the drained batch, so the callback sees what it fired on.
func (t *FileTrigger) Pending() []FileEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	src := t.pending
	if t.firing != nil {
		src = t.firing
	}
	out := make([]FileEvent, len(src))
	copy(out, src)
	return out
}

// Close stops the watcher goroutine. Safe to call more than once.
func (t *FileTrigger) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.w.Close()
	<-t.doneCh
	return err
}

func opString(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	default:
		return op.String()
	}
}
