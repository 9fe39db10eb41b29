package mcphost

import (
	"slices"
	"sync"
)

// rollingWindow keeps the last N call latencies and outcomes of one tool.
// All methods are safe for concurrent use.
type rollingWindow struct {
	mu      sync.Mutex
	samples []int64 // latency ring buffer, ms
	failed  []bool  // outcome per slot, parallel to samples
	pos     int     // next write position
	count   int     // total samples written, may exceed size
	size    int
}

// newRollingWindow creates a window of the given capacity. A size of 0 or
// less defaults to [defaultWindowSize].
func newRollingWindow(size int) *rollingWindow {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &rollingWindow{
		samples: make([]int64, size),
		failed:  make([]bool, size),
		size:    size,
	}
}

// Record adds a measurement, overwriting the oldest once the buffer is full.
func (w *rollingWindow) Record(latencyMs int64, isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.pos] = latencyMs
	w.failed[w.pos] = isError
	w.pos = (w.pos + 1) % w.size
	w.count++
}

func (w *rollingWindow) windowLen() int {
	return min(w.count, w.size)
}

// sorted returns a sorted copy of the windowed samples. Slot order does not
// matter once sorted, so the filled prefix (or the whole ring) is copied.
func (w *rollingWindow) sorted() []int64 {
	cp := slices.Clone(w.samples[:w.windowLen()])
	slices.Sort(cp)
	return cp
}

// P50 returns the median latency in ms, or 0 without measurements.
func (w *rollingWindow) P50() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sorted()
	if len(s) == 0 {
		return 0
	}
	return s[len(s)/2]
}

// P99 returns the 99th-percentile latency in ms, or 0 without measurements.
func (w *rollingWindow) P99() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sorted()
	if len(s) == 0 {
		return 0
	}
	return s[int(float64(len(s)-1)*0.99)]
}

// ErrorRate returns the fraction of windowed calls that failed (0.0–1.0).
func (w *rollingWindow) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.windowLen()
	if n == 0 {
		return 0
	}
	errs := 0
	for _, f := range w.failed[:n] {
		if f {
			errs++
		}
	}
	return float64(errs) / float64(n)
}

// Count returns the total number of calls recorded, including those that
// have left the window.
func (w *rollingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
