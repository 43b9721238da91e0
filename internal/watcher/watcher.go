// Package watcher reports changes under the local sync root so a long-running sync can react to
// edits instead of waiting for the next interval.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	eventBufferSize        = 64
	defaultDebounceTimeout = 250 * time.Millisecond
)

// Event is a debounced change to one path, relative to the watched root in slash form.
type Event struct {
	Path string
	Op   notify.Event
}

// FilterFunc returns true for relative paths whose events should be dropped.
type FilterFunc func(rel string) bool

type Watcher struct {
	root      string
	rawEvents chan notify.EventInfo
	events    chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once

	pending  map[string]notify.Event
	timers   map[string]*time.Timer
	mu       sync.Mutex
	debounce time.Duration

	filter FilterFunc
}

func New(root string) *Watcher {
	return &Watcher{
		root:     root,
		done:     make(chan struct{}),
		pending:  make(map[string]notify.Event),
		timers:   make(map[string]*time.Timer),
		debounce: defaultDebounceTimeout,
	}
}

// SetDebounce sets how long a path must stay quiet before its event is delivered.
// CAD applications save in bursts of writes, renames and temp files.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// FilterPaths must be called before Start.
func (w *Watcher) FilterPaths(fn FilterFunc) {
	w.filter = fn
}

func (w *Watcher) Start(ctx context.Context) error {
	w.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	w.events = make(chan Event, eventBufferSize)

	if err := notify.Watch(filepath.Join(w.root, "..."), w.rawEvents, notify.All); err != nil {
		return err
	}
	slog.Info("watcher start", "dir", w.root)

	w.wg.Add(1)
	go w.filterEvents(ctx)
	return nil
}

// Stop ends watching and cancels pending events. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.rawEvents != nil {
			notify.Stop(w.rawEvents)
		}
		w.wg.Wait()

		w.mu.Lock()
		for _, t := range w.timers {
			t.Stop()
		}
		clear(w.timers)
		clear(w.pending)
		w.mu.Unlock()
		slog.Debug("watcher stopped", "dir", w.root)
	})
}

// Events delivers debounced changes. It is nil before Start.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Drain discards every event already delivered.
func (w *Watcher) Drain() int {
	if w.events == nil {
		return 0
	}
	n := 0
	for {
		select {
		case _, ok := <-w.events:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Settle waits out one debounce interval so events for the latest writes are delivered, then
// drains them.
func (w *Watcher) Settle(ctx context.Context) int {
	t := time.NewTimer(2 * w.debounce)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return 0
	case <-t.C:
	}
	return w.Drain()
}

func (w *Watcher) filterEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ei, ok := <-w.rawEvents:
			if !ok {
				return
			}
			rel, ok := w.relative(ei.Path())
			if !ok {
				continue
			}
			if w.filter != nil && w.filter(rel) {
				continue
			}
			w.debounceEvent(rel, ei.Event())
		}
	}
}

func (w *Watcher) relative(abs string) (string, bool) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// debounceEvent keeps the latest op per path and restarts its timer.
func (w *Watcher) debounceEvent(rel string, op notify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[rel]; ok {
		t.Stop()
	}
	w.pending[rel] = op
	w.timers[rel] = time.AfterFunc(w.debounce, func() {
		w.flush(rel)
	})
}

func (w *Watcher) flush(rel string) {
	w.mu.Lock()
	op, ok := w.pending[rel]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.pending, rel)
	delete(w.timers, rel)
	w.mu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}

	w.send(Event{Path: rel, Op: op})
	if op&(notify.Create|notify.Rename) != 0 {
		w.scanNewDir(rel)
	}
}

func (w *Watcher) send(ev Event) {
	select {
	case w.events <- ev:
		slog.Debug("watcher", "event", ev.Op, "path", ev.Path)
	default:
		slog.Warn("watcher dropped", "reason", "channel full", "path", ev.Path)
	}
}

// scanNewDir reports files already inside a directory that was just created or moved in. The
// recursive watch on a new directory is added asynchronously, so writes that land before it
// would be missed.
func (w *Watcher) scanNewDir(rel string) {
	dir := filepath.Join(w.root, filepath.FromSlash(rel))
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return
	}
	filepath.WalkDir(dir, func(abs string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		child, ok := w.relative(abs)
		if !ok || (w.filter != nil && w.filter(child)) {
			return nil
		}
		w.send(Event{Path: child, Op: notify.Create})
		return nil
	})
}
