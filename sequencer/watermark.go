package sequencer

import (
	"sync"
	"time"
)

// Watermark tracks which entries have already been considered. Entries created
// at or before After are never posted. After only moves forward, and only when
// the queue drains, so an out-of-order entry within a batch is not skipped.
type Watermark struct {
	after  time.Time
	latest time.Time
	mu     sync.Mutex
}

// NewWatermark starts the watermark at start.
func NewWatermark(start time.Time) *Watermark {
	return &Watermark{after: start, latest: start}
}

// After returns the current watermark.
func (w *Watermark) After() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.after
}

// Latest returns the newest creation time seen since start.
func (w *Watermark) Latest() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest
}

// Stale reports whether t is at or before the watermark.
func (w *Watermark) Stale(t time.Time) bool {
	return !t.After(w.After())
}

// Observe records that an entry created at t is being processed.
func (w *Watermark) Observe(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.After(w.latest) {
		w.latest = t
	}
}

// Advance moves the watermark up to the latest observed time. It reports the
// resulting watermark and whether it moved.
func (w *Watermark) Advance() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.latest.After(w.after) {
		w.after = w.latest
		return w.after, true
	}
	return w.after, false
}
