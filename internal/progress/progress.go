// Package progress rate-limits progress samples for transfers and hashing.
package progress

import (
	"math"
	"time"
)

// DefaultInterval is the minimum spacing between two emitted samples.
const DefaultInterval = 200 * time.Millisecond

// Throttle decides which progress samples are worth emitting. The first sample
// after each interval passes, and a sample with done == total always passes.
// A Throttle is not safe for concurrent use; each transfer owns one.
type Throttle struct {
	last     time.Time
	now      func() time.Time
	interval time.Duration
}

// NewThrottle returns a throttle with the given interval; zero or negative uses DefaultInterval.
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttle{interval: interval, now: time.Now}
}

// Allow reports whether a sample at done of total bytes should be emitted.
// A total of zero or less means the size is unknown.
func (t *Throttle) Allow(done, total int64) bool {
	now := t.now()
	if total > 0 && done == total {
		t.last = now
		return true
	}
	if t.last.IsZero() || now.Sub(t.last) >= t.interval {
		t.last = now
		return true
	}
	return false
}

// Percent returns round(100*done/total, 1), or nil when total is unknown.
func Percent(done, total int64) *float64 {
	if total <= 0 {
		return nil
	}
	p := math.Round(1000*float64(done)/float64(total)) / 10
	return &p
}

// Total returns a pointer to total, or nil when it is unknown.
func Total(total int64) *int64 {
	if total <= 0 {
		return nil
	}
	return &total
}
