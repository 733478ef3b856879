// Package ratelimit provides admission control for operations against external
// services, most importantly the REST endpoints of trading venues, which ban
// clients that trip their abuse detection.
//
// Two limiter implementations are available behind a shared interface:
//
//  1. A sliding-window limiter that admits at most N operations within any
//     trailing window of duration T. This is the limiter venue REST gates use:
//     unlike a fixed-bucket reset it can never admit a burst of 2N across a
//     window boundary.
//
//  2. A token-bucket limiter backed by Uber's rate limiter, which spaces
//     operations evenly. Useful where smooth pacing matters more than a hard
//     per-window cap.
//
// A single limiter instance is intended to be shared by every caller hitting
// the same venue; both implementations are safe for concurrent use without
// external locking.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/ratelimit"
)

// Rate represents a rate limit configuration: Limit operations are permitted
// within each Interval.
type Rate struct {
	// Limit specifies the maximum number of operations allowed within the interval.
	Limit int

	// Interval defines the time duration over which the limit applies.
	// Common intervals include time.Second and time.Minute.
	Interval time.Duration
}

// RateLimiter defines the interface for rate limiting functionality.
// Implementations control the pace of operations by forcing callers to wait
// when necessary to comply with the configured rate.
type RateLimiter interface {
	// Wait blocks until the operation is admitted or the context is cancelled.
	//
	// It returns nil once admission is granted, or a context-related error if
	// ctx is cancelled first. A cancelled wait does not consume an admission
	// slot and leaves the limiter's internal state unaffected.
	Wait(ctx context.Context) error

	// SetLimit updates the rate limiting configuration. It returns an error
	// if the provided rate has a non-positive limit or interval.
	SetLimit(limit Rate) error
}

// slidingWindowLimiter admits at most rate.Limit operations within any rolling
// window of rate.Interval. It records the timestamp of each grant in a queue;
// a Wait that finds the window full sleeps until the oldest grant ages out
// and then retries. Wake order is FIFO-ish via mutex fairness; no caller can
// be starved indefinitely because every sleeping caller is waiting on a grant
// that is guaranteed to expire.
type slidingWindowLimiter struct {
	mu     sync.Mutex
	rate   Rate
	grants []time.Time

	// now is swappable for tests
	now func() time.Time
}

// NewSlidingWindowLimiter creates a rate limiter enforcing a hard cap of
// rate.Limit admissions per rolling rate.Interval.
//
// Example usage:
//
//	gate := ratelimit.NewSlidingWindowLimiter(ratelimit.Rate{
//		Limit:    20,
//		Interval: time.Second,
//	})
//
//	if err := gate.Wait(ctx); err != nil {
//		return err // caller's deadline expired while waiting
//	}
//	// proceed with the REST call
func NewSlidingWindowLimiter(rate Rate) RateLimiter {
	if rate.Limit <= 0 {
		rate.Limit = 1
	}
	if rate.Interval <= 0 {
		rate.Interval = time.Second
	}
	return &slidingWindowLimiter{
		rate:   rate,
		grants: make([]time.Time, 0, rate.Limit),
		now:    time.Now,
	}
}

// Wait implements the RateLimiter interface.
func (l *slidingWindowLimiter) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rate limit wait cancelled: %w", err)
		}

		l.mu.Lock()
		now := l.now()
		l.prune(now)

		if len(l.grants) < l.rate.Limit {
			l.grants = append(l.grants, now)
			l.mu.Unlock()
			return nil
		}

		// Window is full. The earliest recorded grant bounds how long we must
		// wait before one slot frees up.
		wait := l.rate.Interval - now.Sub(l.grants[0])
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// SetLimit implements the RateLimiter interface.
func (l *slidingWindowLimiter) SetLimit(rate Rate) error {
	if rate.Limit <= 0 || rate.Interval <= 0 {
		return fmt.Errorf("invalid rate limit: %+v", rate)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = rate
	return nil
}

// prune drops grants that have aged out of the trailing window.
// Caller must hold l.mu.
func (l *slidingWindowLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.rate.Interval)
	idx := 0
	for idx < len(l.grants) && !l.grants[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.grants = append(l.grants[:0], l.grants[idx:]...)
	}
}

// uberLimiter implements RateLimiter using Uber's token bucket rate limiter.
type uberLimiter struct {
	mu      sync.Mutex
	limiter ratelimit.Limiter
	rate    Rate
}

// NewTokenBucketLimiter creates a rate limiter using Uber's token bucket
// implementation. The provided rate is converted to operations per second as
// required by the underlying limiter, so 120 per minute becomes 2 per second.
func NewTokenBucketLimiter(rate Rate) RateLimiter {
	return &uberLimiter{
		limiter: ratelimit.New(toRPS(rate)),
		rate:    rate,
	}
}

// toRPS converts a Rate to whole operations per second, with a floor of one.
func toRPS(rate Rate) int {
	rps := int(float64(rate.Limit) / rate.Interval.Seconds())
	if rps < 1 {
		rps = 1
	}
	return rps
}

// Wait implements the RateLimiter interface.
func (l *uberLimiter) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait cancelled: %w", ctx.Err())
	default:
		l.mu.Lock()
		limiter := l.limiter
		l.mu.Unlock()
		limiter.Take()
		return nil
	}
}

// SetLimit implements the RateLimiter interface.
func (l *uberLimiter) SetLimit(rate Rate) error {
	if rate.Limit <= 0 || rate.Interval <= 0 {
		return fmt.Errorf("invalid rate limit: %+v", rate)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiter = ratelimit.New(toRPS(rate))
	l.rate = rate
	return nil
}
