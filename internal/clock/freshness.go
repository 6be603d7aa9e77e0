// Package clock implements the monotone freshness clock described in
// the data model: a 64-bit millisecond counter that never goes
// backwards, advanced by bounded deltas from the wall clock so that
// outbound events can be stamped in a way external clients can use to
// detect staleness independently of wall-clock jumps (NTP step, DST,
// manual time changes).
package clock

import (
	"sync"
	"time"
)

// maxDelta bounds a single advance so a wall-clock jump forward (e.g. a
// large NTP correction) cannot make freshness leap arbitrarily far
// ahead of the events it stamps.
const maxDelta = 24 * time.Hour

// Freshness is a monotone millisecond counter. Zero value is not ready
// for use; construct with NewFreshness.
type Freshness struct {
	mu       sync.Mutex
	lastWall time.Time
	value    int64
	now      func() time.Time
}

// NewFreshness creates a Freshness clock seeded at the current wall time.
func NewFreshness() *Freshness {
	return newFreshnessWithClock(time.Now)
}

func newFreshnessWithClock(now func() time.Time) *Freshness {
	f := &Freshness{now: now}
	f.lastWall = now()
	f.value = f.lastWall.UnixMilli()
	return f
}

// Update advances the clock and returns the new value. Per the
// invariant in §8, successive calls never return a decreasing value:
// a wall-clock regression (or jump) contributes zero delta; a forward
// jump contributes at most maxDelta.
func (f *Freshness) Update() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	delta := now.Sub(f.lastWall)
	if delta < 0 {
		delta = 0
	} else if delta > maxDelta {
		delta = maxDelta
	}
	f.value += delta.Milliseconds()
	f.lastWall = now
	return f.value
}

// Value returns the current value without advancing the clock.
func (f *Freshness) Value() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}
