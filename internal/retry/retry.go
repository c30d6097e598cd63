// Package retry computes backoff delays and drives bounded retry loops.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rendis/spiral/pkg/schema"
)

// IsRetryable classifies whether an error should be retried.
// Timeouts and handler failures retry; cancellation, validation and
// configuration errors never do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var se *schema.SpiralError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}

	// Deadline exceeded here is the action's own timeout, not the run's.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Untyped handler errors are transient until the policy says otherwise.
	return true
}

// NextDelay returns the wait before retry number attempt (1-based).
//
//	fixed:       base
//	linear:      base * attempt
//	exponential: base * 2^(attempt-1)
//
// Every strategy is clamped to MaxDelay when set.
func NextDelay(attempt int, policy *schema.RetryPolicy) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}
	base, err := time.ParseDuration(policy.Delay)
	if err != nil || base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	var maxDelay time.Duration
	if policy.MaxDelay != "" {
		if d, parseErr := time.ParseDuration(policy.MaxDelay); parseErr == nil && d > 0 {
			maxDelay = d
		}
	}

	var delay time.Duration
	switch policy.Strategy {
	case schema.RetryExponential:
		delay = base
		for i := 1; i < attempt; i++ {
			if maxDelay > 0 && delay >= maxDelay {
				break
			}
			// Saturate instead of overflowing on very large attempt counts.
			if delay > time.Duration(1<<62)/2 {
				delay = time.Duration(1 << 62)
				break
			}
			delay *= 2
		}
	case schema.RetryLinear:
		delay = base * time.Duration(attempt)
	default: // fixed, constant or empty
		delay = base
	}

	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// MaxAttempts returns the policy's attempt budget. Default 1 means no retry.
func MaxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.MaxAttempts < 1 {
		return 1
	}
	return policy.MaxAttempts
}

// Wait sleeps for delay or returns early with the context error.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
