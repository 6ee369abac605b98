// Package resilience provides retry with transient-error classification
// for outbound HTTP calls.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy controls retry behavior for a single logical operation.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first
	// try. A value of 1 means no retries.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Subsequent
	// delays double, capped at MaxBackoff. Zero means retry immediately.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default: 10s.
	MaxBackoff time.Duration

	// ShouldRetry decides whether an error is worth another attempt.
	// If nil, IsTransient is used.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with the attempt number
	// just failed (1-based) and its error.
	OnRetry func(attempt int, err error)
}

// Do runs fn up to p.MaxAttempts times, returning the first successful
// value. Non-retryable errors and context cancellation stop the loop
// immediately; the last error is returned once the budget is spent.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !shouldRetry(err) {
			return zero, lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		if delay := backoff(attempt, p); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, lastErr
			case <-timer.C:
			}
		}
	}
	return zero, lastErr
}

// backoff returns the sleep before the retry following the given
// attempt, with ±25% jitter so concurrent consumers don't sync up.
func backoff(attempt int, p Policy) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	delay := float64(p.InitialBackoff) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	delay += (rand.Float64() - 0.5) * 0.5 * delay
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry at Warn.
func RetryLogger(service string, fields ...zap.Field) func(int, error) {
	return func(attempt int, err error) {
		all := append([]zap.Field{
			zap.String("service", service),
			zap.Int("attempt", attempt),
			zap.Error(err),
		}, fields...)
		zap.L().Warn("retrying after transient failure", all...)
	}
}
