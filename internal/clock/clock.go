// Package clock implements the Logical Clock (spec.md §4.1, C1): a
// mode-based skew estimator that produces a watermark immune to a handful
// of malicious or outlier mtimes. Ground: original_source's
// fustor_core/clock/logical_clock.py, adapted to the teacher's
// mutex-guarded-struct idiom (internal/circuit/breaker.go).
package clock

import (
	"sync"
	"time"
)

const bufferCapacity = 10000

// TimeSource abstracts wall-clock reads so tests can inject a fake time
// without sleeping, the same pattern the teacher uses to unit-test the
// circuit breaker's timeout transitions.
type TimeSource func() time.Time

// Clock is a thread-safe logical clock. The zero value is not usable; build
// one with New.
type Clock struct {
	mu  sync.Mutex
	now TimeSource

	buffer    []int64 // ring buffer of skew samples, oldest first
	head      int     // next write index once buffer is full
	histogram map[int64]int

	cachedSkew int64
	haveSkew   bool
	dirty      bool
}

// New creates a Clock using time.Now as its physical reference.
func New() *Clock {
	return NewWithTimeSource(time.Now)
}

// NewWithTimeSource creates a Clock using a custom time source (tests only).
func NewWithTimeSource(ts TimeSource) *Clock {
	return &Clock{
		now:       ts,
		histogram: make(map[int64]int),
	}
}

// Update samples the skew between the current physical time and
// observedMTime (when sampling is permitted) and returns the resulting
// watermark. Only REALTIME events should pass canSampleSkew=true; SNAPSHOT
// and AUDIT events pass false so cold historical files never pull the
// watermark backward (spec.md §4.1).
func (c *Clock) Update(observedMTime *float64, canSampleSkew bool) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if observedMTime == nil {
		return c.watermarkLocked()
	}

	if canSampleSkew {
		reference := c.now()
		diff := int64(reference.Sub(secondsToTime(*observedMTime)).Seconds())
		c.appendSampleLocked(diff)
	}
	return c.watermarkLocked()
}

func secondsToTime(seconds float64) time.Time {
	return time.Unix(0, int64(seconds*float64(time.Second)))
}

func (c *Clock) appendSampleLocked(diff int64) {
	if len(c.buffer) == bufferCapacity {
		old := c.buffer[c.head]
		c.histogram[old]--
		if c.histogram[old] <= 0 {
			delete(c.histogram, old)
		}
		c.buffer[c.head] = diff
		c.head = (c.head + 1) % bufferCapacity
	} else {
		c.buffer = append(c.buffer, diff)
	}
	c.histogram[diff]++
	c.dirty = true
}

// modeLocked returns the skew with the highest sample count, tie-broken by
// the smallest skew value (spec.md §4.1: "prefers lower apparent latency").
func (c *Clock) modeLocked() (int64, bool) {
	if !c.dirty && c.haveSkew {
		return c.cachedSkew, true
	}
	if len(c.histogram) == 0 {
		c.haveSkew = false
		c.dirty = false
		return 0, false
	}

	var maxCount int
	for _, count := range c.histogram {
		if count > maxCount {
			maxCount = count
		}
	}

	best := int64(0)
	first := true
	for skew, count := range c.histogram {
		if count != maxCount {
			continue
		}
		if first || skew < best {
			best = skew
			first = false
		}
	}

	c.cachedSkew = best
	c.haveSkew = true
	c.dirty = false
	return best, true
}

func (c *Clock) watermarkLocked() time.Time {
	if skew, ok := c.modeLocked(); ok {
		return c.now().Add(-time.Duration(skew) * time.Second)
	}
	return c.now()
}

// Now returns the current watermark: physical_now() if no samples yet,
// otherwise physical_now() - mode(histogram).
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermarkLocked()
}

// Skew returns the current mode skew in seconds, or 0 before the first
// sample.
func (c *Clock) Skew() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	skew, ok := c.modeLocked()
	if !ok {
		return 0
	}
	return skew
}

// SampleCount returns how many skew samples are currently held.
func (c *Clock) SampleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Reset clears the sample buffer and histogram.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = nil
	c.head = 0
	c.histogram = make(map[int64]int)
	c.haveSkew = false
	c.dirty = false
}
