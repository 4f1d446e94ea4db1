package telemetry

import (
	"sync"

	"latencyregulator/internal/regulator"
)

// DefaultWindow is the number of samples a plot keeps by default.
const DefaultWindow = 200

// Window keeps the most recent samples in a fixed-size ring. It is a regulator.Sink
// and is safe for concurrent use.
type Window struct {
	mu    sync.Mutex
	buf   []regulator.Sample
	next  int
	count int
}

// NewWindow returns a window holding up to size samples.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Window{buf: make([]regulator.Sample, size)}
}

// Publish appends s, evicting the oldest sample when full.
func (w *Window) Publish(s regulator.Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf[w.next] = s
	w.next = (w.next + 1) % len(w.buf)
	if w.count < len(w.buf) {
		w.count++
	}
}

// Snapshot returns the retained samples, oldest first.
func (w *Window) Snapshot() []regulator.Sample {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]regulator.Sample, 0, w.count)
	start := (w.next - w.count + len(w.buf)) % len(w.buf)
	for i := 0; i < w.count; i++ {
		out = append(out, w.buf[(start+i)%len(w.buf)])
	}
	return out
}

// Len returns the number of retained samples.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Size returns the window capacity.
func (w *Window) Size() int { return len(w.buf) }
