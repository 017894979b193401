// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry provides the bounded exponential backoff policy shared by the
// connection manager and the table sync engines.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy describes a bounded retry loop with exponential backoff.
type Policy struct {
	MaxAttempts int           // total attempts including the first one (<=0 means 1)
	BaseDelay   time.Duration // delay before the second attempt; doubles afterwards
	MaxDelay    time.Duration // upper bound for a single delay (0 = unbounded)
	Jitter      float64       // fraction of the delay randomized in both directions, 0..1

	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns 3 attempts starting at 500ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      0.2,
	}
}

// Delay returns the backoff to wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		j := p.Jitter
		if j > 1 {
			j = 1
		}
		spread := float64(d) * j
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	return d
}

// Do runs fn until it succeeds, the error is not retryable, attempts are
// exhausted or ctx is done. A nil retryable treats every error as retryable.
// The last error from fn is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, retryable func(error) bool) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return errors.Join(lastErr, err)
			}
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr, delay)
		}
		if err := SleepWithContext(ctx, delay); err != nil {
			return errors.Join(lastErr, err)
		}
	}
	return lastErr
}

// SleepWithContext sleeps for d or until ctx is done.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
