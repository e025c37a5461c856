package agentpipe

import (
	"sync"
	"time"
)

// ErrorCounter tracks one error category's consecutive-failure count and
// derives an exponential backoff duration from it, per spec.md §4.6:
// "Backoff is per-counter with exponential policy (error_retry_interval x
// backoff_multiplier^n, capped at max_backoff_seconds). Threshold breach
// emits a warning once and keeps running." Grounded on the formula in the
// teacher's pkg/retry/retry.go, restructured as persistent per-category
// state rather than a single retry-loop invocation, since control_loop and
// data_supervisor are long-lived, not one-shot calls.
type ErrorCounter struct {
	mu sync.Mutex

	initialInterval   time.Duration
	multiplier        float64
	maxBackoff        time.Duration
	maxConsecutive    int
	consecutiveErrors int
	warnedThreshold   bool

	onThresholdBreach func(consecutive int)
}

// NewErrorCounter creates a counter with the given policy parameters.
func NewErrorCounter(initialInterval time.Duration, multiplier float64, maxBackoff time.Duration, maxConsecutive int) *ErrorCounter {
	return &ErrorCounter{
		initialInterval: initialInterval,
		multiplier:      multiplier,
		maxBackoff:      maxBackoff,
		maxConsecutive:  maxConsecutive,
	}
}

// OnWarn registers a callback invoked exactly once when max_consecutive_errors
// is first breached (spec.md §4.6: "emits a warning once").
func (c *ErrorCounter) OnWarn(fn func(consecutive int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onThresholdBreach = fn
}

// RecordFailure increments the consecutive-error count and returns the
// backoff duration to wait before the next attempt.
func (c *ErrorCounter) RecordFailure() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveErrors++
	if c.consecutiveErrors >= c.maxConsecutive && !c.warnedThreshold {
		c.warnedThreshold = true
		if c.onThresholdBreach != nil {
			c.onThresholdBreach(c.consecutiveErrors)
		}
	}

	backoff := float64(c.initialInterval)
	for i := 1; i < c.consecutiveErrors; i++ {
		backoff *= c.multiplier
		if time.Duration(backoff) >= c.maxBackoff {
			backoff = float64(c.maxBackoff)
			break
		}
	}
	if time.Duration(backoff) > c.maxBackoff {
		backoff = float64(c.maxBackoff)
	}
	return time.Duration(backoff)
}

// RecordSuccess resets the counter, re-arming the once-only warning.
func (c *ErrorCounter) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveErrors = 0
	c.warnedThreshold = false
}

// Consecutive returns the current consecutive-failure count.
func (c *ErrorCounter) Consecutive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveErrors
}
