package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Backoff tracks consecutive downstream failures independently of local
// admission control. Each failure doubles the delay up to a ceiling; a
// success resets it.
type Backoff struct {
	mu       sync.Mutex
	min      time.Duration
	max      time.Duration
	current  time.Duration
	failures int
}

func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return &Backoff{min: min, max: max, current: min}
}

// ReportFailure records a failure and returns the delay now in effect.
func (b *Backoff) ReportFailure() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures > 0 {
		b.current *= 2
		if b.current > b.max {
			b.current = b.max
		}
	}
	b.failures++
	return b.current
}

// ReportSuccess resets the tracker to its minimum.
func (b *Backoff) ReportSuccess() {
	b.mu.Lock()
	b.current = b.min
	b.failures = 0
	b.mu.Unlock()
}

// Delay is the pause callers should honor before the next call, zero when
// the last call succeeded.
func (b *Backoff) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures == 0 {
		return 0
	}
	return b.current
}

// Failures is the number of consecutive failures reported.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Wait sleeps for Delay or until ctx ends.
func (b *Backoff) Wait(ctx context.Context) error {
	d := b.Delay()
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
