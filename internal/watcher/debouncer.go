package watcher

import (
	"sync"
	"time"
)

// Debouncer collapses a burst of file events into one flush once the burst
// has been quiet for window. Only the latest event per path is kept.
type Debouncer struct {
	window  time.Duration
	pending map[string]FileEvent
	mu      sync.Mutex
	timer   *time.Timer
	onFlush func([]FileEvent)
	stopped bool
}

func NewDebouncer(window time.Duration, onFlush func([]FileEvent)) *Debouncer {
	return &Debouncer{
		window:  window,
		pending: make(map[string]FileEvent),
		onFlush: onFlush,
	}
}

func (d *Debouncer) Add(event FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.pending[event.Path] = event
	if d.timer != nil {
		d.timer.Reset(d.window)
		return
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	if d.stopped || len(d.pending) == 0 {
		d.timer = nil
		d.mu.Unlock()
		return
	}

	events := make([]FileEvent, 0, len(d.pending))
	for _, event := range d.pending {
		events = append(events, event)
	}
	d.pending = make(map[string]FileEvent)
	d.timer = nil
	d.mu.Unlock()

	if d.onFlush != nil {
		d.onFlush(events)
	}
}

// Stop drops pending events. No flush starts after it returns.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = make(map[string]FileEvent)
}
