package sync

import (
	"sync"
	"time"
)

const (
	progressMin             = 0.0
	progressMax             = 100.0
	progressEventBufferSize = 64
)

// Operation labels a progress event.
type Operation string

const (
	OpScanning     Operation = "scanning"
	OpTransferring Operation = "transferring"
	OpVerifying    Operation = "verifying"
	OpDeleting     Operation = "deleting"
	OpCompleted    Operation = "completed"
)

// ProgressEvent is one step of a run. Within a run Processed and Percent never decrease.
type ProgressEvent struct {
	RunID     string    `json:"runId"`
	Operation Operation `json:"operation"`
	Path      string    `json:"path,omitempty"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Percent   float64   `json:"percent"`
	Time      time.Time `json:"time"`
}

// progressHub fans events out to subscribers. Slow subscribers miss events instead of stalling the run.
type progressHub struct {
	mu   sync.RWMutex
	subs []chan *ProgressEvent
}

func (h *progressHub) subscribe() <-chan *ProgressEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan *ProgressEvent, progressEventBufferSize)
	h.subs = append(h.subs, ch)
	return ch
}

func (h *progressHub) unsubscribe(ch <-chan *ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, sub := range h.subs {
		if sub == ch {
			close(sub)
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			return
		}
	}
}

func (h *progressHub) broadcast(ev *ProgressEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		select {
		case sub <- ev:
		default:
			// subscriber is behind, drop
		}
	}
}

// runProgress serializes the events of one run so their order matches their counters.
type runProgress struct {
	hub       *progressHub
	runID     string
	mu        sync.Mutex
	processed int
	total     int
}

func newRunProgress(hub *progressHub, runID string) *runProgress {
	return &runProgress{hub: hub, runID: runID}
}

func (p *runProgress) setTotal(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if total > p.total {
		p.total = total
	}
}

// step reports work on path without advancing the counter.
func (p *runProgress) step(op Operation, path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitLocked(op, path)
}

// done advances the counter for a finished path.
func (p *runProgress) done(op Operation, path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.processed < p.total {
		p.processed++
	}
	p.emitLocked(op, path)
}

func (p *runProgress) complete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed = p.total
	p.emitLocked(OpCompleted, "")
}

func (p *runProgress) emitLocked(op Operation, path string) {
	if p.hub == nil {
		return
	}
	pct := progressMin
	switch {
	case op == OpCompleted:
		pct = progressMax
	case p.total > 0:
		pct = float64(p.processed) / float64(p.total) * progressMax
	}
	p.hub.broadcast(&ProgressEvent{
		RunID:     p.runID,
		Operation: op,
		Path:      path,
		Processed: p.processed,
		Total:     p.total,
		Percent:   pct,
		Time:      time.Now(),
	})
}
