package faultcore

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy is the exponential-backoff-with-jitter policy applied per
// operation name. Defaults mirror the original system's hand-rolled
// RetryConfig: 3 attempts, 1s base delay, 60s cap, base 2.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	// Jitter is the symmetric fraction (e.g. 0.1 for ±10%) applied to the
	// computed delay. Zero disables jitter.
	Jitter float64
}

// DefaultRetryPolicy matches the source's RetryConfig defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2,
		Jitter:          0.1,
	}
}

// delay returns the sleep duration before attempt i (0-based, i.e. the
// wait before the (i+1)-th attempt): the exponential delay is capped at
// MaxDelay, then jitter is added (so the result can exceed MaxDelay by up
// to the Jitter fraction), and the result is clamped at 0.
func (p RetryPolicy) delay(i int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	expBase := p.ExponentialBase
	if expBase <= 0 {
		expBase = 2
	}
	raw := float64(base) * pow(expBase, i)
	maxDelay := float64(p.MaxDelay)
	if maxDelay <= 0 {
		maxDelay = float64(60 * time.Second)
	}
	if raw > maxDelay {
		raw = maxDelay
	}
	if p.Jitter > 0 {
		spread := raw * p.Jitter
		raw += (rand.Float64()*2 - 1) * spread
	}
	if raw < 0 {
		raw = 0
	}
	return time.Duration(raw)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// sleep honors ctx cancellation during the backoff wait.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return Cancelled("retry backoff interrupted: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
