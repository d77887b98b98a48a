// Package window implements the fixed-capacity rolling aggregate and the
// edge-triggered comparator that sits on top of it.
package window

import "fmt"

// RollingWindow is a fixed-capacity ring buffer of samples with an
// incrementally maintained mean. Once full, every push evicts exactly one
// oldest sample. Not safe for concurrent use; callers serialise per key.
type RollingWindow struct {
	samples []float64
	head    int
	count   int
	sum     float64
}

// New allocates a window of the given capacity.
func New(capacity int) *RollingWindow {
	if capacity <= 0 {
		panic(fmt.Sprintf("window: capacity must be positive, got %d", capacity))
	}
	return &RollingWindow{samples: make([]float64, capacity)}
}

// Seed initialises the window from a historical backfill batch, values
// ordered oldest first. When the batch exceeds capacity only the most
// recent capacity samples are kept.
func (w *RollingWindow) Seed(values []float64) {
	w.head = 0
	w.count = 0
	w.sum = 0
	if len(values) > len(w.samples) {
		values = values[len(values)-len(w.samples):]
	}
	for _, v := range values {
		w.Push(v)
	}
}

// Push appends a sample, evicting the oldest when full, and returns the
// new mean.
func (w *RollingWindow) Push(v float64) float64 {
	if w.count == len(w.samples) {
		w.sum -= w.samples[w.head]
	} else {
		w.count++
	}
	w.samples[w.head] = v
	w.sum += v
	w.head = (w.head + 1) % len(w.samples)
	return w.Mean()
}

// Mean returns the arithmetic mean of the live contents, zero when empty.
func (w *RollingWindow) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

// Len returns the current filled count.
func (w *RollingWindow) Len() int { return w.count }

// Cap returns the fixed capacity.
func (w *RollingWindow) Cap() int { return len(w.samples) }

// Full reports whether the window has reached capacity.
func (w *RollingWindow) Full() bool { return w.count == len(w.samples) }
