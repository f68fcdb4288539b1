package faultcore

import (
	"context"

	"github.com/manifold/orchestrator/internal/observability"
)

// Op is the unit of work Execute wraps: a single attempt at the protected
// call.
type Op func(ctx context.Context) (any, error)

// Execute runs op under an optional retry policy and/or circuit breaker.
// Either may be nil to opt out of that primitive. Breaker state is checked
// before every attempt (including retries), matching the source's
// composition of retry-around-breaker rather than breaker-around-retry: a
// breaker that opens mid-retry stops the loop immediately instead of
// continuing to sleep-and-retry against a known-bad dependency.
func Execute(ctx context.Context, name string, retry *RetryPolicy, breaker *CircuitBreaker, op Op) (any, error) {
	log := observability.LoggerWithTrace(ctx)
	attempts := 1
	if retry != nil && retry.MaxAttempts > 0 {
		attempts = retry.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if breaker != nil {
			if err := breaker.checkState(); err != nil {
				log.Warn().Str("op", name).Int("attempt", attempt+1).Err(err).Msg("circuit_open")
				return nil, err
			}
		}

		result, err := op(ctx)
		if err == nil {
			if breaker != nil {
				breaker.recordSuccess()
			}
			return result, nil
		}

		lastErr = err
		if breaker != nil {
			breaker.recordFailure()
		}
		log.Warn().Str("op", name).Int("attempt", attempt+1).Err(err).Msg("op_failed")

		if !Retryable(err) {
			return nil, err
		}
		if attempt == attempts-1 {
			break
		}
		if retry != nil {
			if sleepErr := sleep(ctx, retry.delay(attempt)); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}
	return nil, lastErr
}
