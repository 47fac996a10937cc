package filewatch

import (
	"sync"
	"time"
)

// debouncer coalesces rapid file events on the same path into a single
// output event per window.
type debouncer struct {
	window time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	output  chan string
	stopped bool
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{
		window: window,
		timers: make(map[string]*time.Timer),
		output: make(chan string, 256),
	}
}

func (d *debouncer) trigger(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if timer, ok := d.timers[path]; ok {
		timer.Reset(d.window)
		return
	}
	d.timers[path] = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		delete(d.timers, path)
		d.mu.Unlock()
		d.output <- path
	})
}

func (d *debouncer) Output() <-chan string {
	return d.output
}

func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	for path, timer := range d.timers {
		timer.Stop()
		delete(d.timers, path)
	}
	close(d.output)
}
