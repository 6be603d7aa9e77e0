package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFreshnessMonotoneForward(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := base
	f := newFreshnessWithClock(func() time.Time { return cur })

	v0 := f.Update()
	cur = cur.Add(5 * time.Second)
	v1 := f.Update()
	assert.Greater(t, v1, v0)
}

func TestFreshnessClampsBackwardJump(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := base
	f := newFreshnessWithClock(func() time.Time { return cur })

	v0 := f.Update()
	cur = cur.Add(-10 * time.Minute) // wall clock stepped backward
	v1 := f.Update()
	assert.GreaterOrEqual(t, v1, v0)
}

func TestFreshnessClampsForwardJump(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := base
	f := newFreshnessWithClock(func() time.Time { return cur })

	v0 := f.Update()
	cur = cur.Add(72 * time.Hour) // huge forward jump, e.g. NTP step
	v1 := f.Update()
	assert.Equal(t, maxDelta.Milliseconds(), v1-v0)
}
