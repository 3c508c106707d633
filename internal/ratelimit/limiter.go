// Package ratelimit bounds the rate of outbound calls to the extraction service.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket with capacity N refilled at N tokens per second.
//
// Callers that cannot take a token immediately are served in arrival order:
// every Acquire reserves the next free slot under the bucket's lock, so a
// later caller is never admitted before an earlier one.
type Limiter struct {
	bucket   *rate.Limiter
	capacity int
	waiting  atomic.Int64
	observe  func(time.Duration)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWaitObserver registers a callback receiving the time each Acquire spent queued.
func WithWaitObserver(fn func(time.Duration)) Option {
	return func(l *Limiter) {
		l.observe = fn
	}
}

// NewLimiter creates a full bucket admitting perSecond calls per second.
func NewLimiter(perSecond int, opts ...Option) *Limiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	l := &Limiter{
		bucket:   rate.NewLimiter(rate.Limit(perSecond), perSecond),
		capacity: perSecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks until one admission slot is available. It only fails when
// ctx ends first, in which case the reserved slot is returned to the bucket.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	l.waiting.Add(1)
	defer l.waiting.Add(-1)

	if err := l.bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit acquire: %w", err)
	}
	if l.observe != nil {
		l.observe(time.Since(start))
	}
	return nil
}

// TryAcquire takes a token if one is available right now.
func (l *Limiter) TryAcquire() bool {
	return l.bucket.Allow()
}

// Available reports the current token count, possibly fractional.
func (l *Limiter) Available() float64 {
	return l.bucket.Tokens()
}

// Capacity is the maximum number of tokens the bucket holds.
func (l *Limiter) Capacity() int {
	return l.capacity
}

// Waiting is the number of callers currently queued in Acquire.
func (l *Limiter) Waiting() int {
	return int(l.waiting.Load())
}
