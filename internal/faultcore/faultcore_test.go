package faultcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelayCapsAtMaxDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 3 * time.Second, ExponentialBase: 2}
	d := p.delay(10) // would be enormous uncapped
	assert.LessOrEqual(t, d, 3*time.Second+3*time.Second/10) // allow jitter headroom
}

func TestExecuteRetriesDependencyErrorsUntilSuccess(t *testing.T) {
	calls := 0
	retry := DefaultRetryPolicy()
	retry.BaseDelay = time.Millisecond
	retry.MaxDelay = 2 * time.Millisecond
	result, err := Execute(context.Background(), "test-op", &retry, nil, func(ctx context.Context) (any, error) {
		calls++
		if calls < 2 {
			return nil, Dependency("transient failure")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, calls)
}

func TestExecuteDoesNotRetryValidationErrors(t *testing.T) {
	calls := 0
	retry := DefaultRetryPolicy()
	_, err := Execute(context.Background(), "test-op", &retry, nil, func(ctx context.Context) (any, error) {
		calls++
		return nil, Validation("bad input")
	})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, 1, calls)
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 2, TimeoutSeconds: 60, SuccessThreshold: 1}
	b := NewCircuitBreaker("llm:test", cfg)

	require.NoError(t, b.checkState())
	b.recordFailure()
	require.NoError(t, b.checkState())
	b.recordFailure()

	err := b.checkState()
	require.Error(t, err)
	assert.Equal(t, KindCircuitOpen, KindOf(err))
}

func TestCircuitBreakerHalfOpenClosesAfterSuccesses(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 1, TimeoutSeconds: 0, SuccessThreshold: 2}
	b := NewCircuitBreaker("llm:test", cfg)
	b.recordFailure() // -> open

	// TimeoutSeconds is 0 so the very next checkState transitions to half-open.
	require.NoError(t, b.checkState())
	snap := b.Snapshot()
	assert.Equal(t, "half_open", string(snap.State))

	b.recordSuccess()
	b.recordSuccess()
	snap = b.Snapshot()
	assert.Equal(t, "closed", string(snap.State))
}

func TestRegistryReusesBreakerByName(t *testing.T) {
	r := NewRegistry(DefaultCircuitBreakerConfig())
	a := r.Get("llm:gemini-1.5")
	b := r.Get("llm:gemini-1.5")
	assert.Same(t, a, b)
}

func TestExecuteRespectsContextCancellationDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	retry := DefaultRetryPolicy()
	retry.BaseDelay = time.Second
	_, err := Execute(ctx, "test-op", &retry, nil, func(ctx context.Context) (any, error) {
		return nil, Dependency("always fails")
	})
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
}
