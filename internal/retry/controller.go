package retry

import (
	"context"
	"time"

	"github.com/rendis/spiral/pkg/schema"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Controller runs an operation under a retry policy.
type Controller struct {
	defaultPolicy *schema.RetryPolicy
	sleep         SleepFunc
}

// NewController creates a controller. defaultPolicy applies to operations
// without their own policy; a nil sleep uses Wait.
func NewController(defaultPolicy *schema.RetryPolicy, sleep SleepFunc) *Controller {
	if sleep == nil {
		sleep = Wait
	}
	return &Controller{defaultPolicy: defaultPolicy, sleep: sleep}
}

// Effective returns policy, or the controller default when policy is nil.
func (c *Controller) Effective(policy *schema.RetryPolicy) *schema.RetryPolicy {
	if policy != nil {
		return policy
	}
	return c.defaultPolicy
}

// RetryHook observes a failed attempt that is about to be retried.
type RetryHook func(attempt int, delay time.Duration, err error)

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. The last error is returned unchanged together
// with the number of attempts made.
func (c *Controller) Do(ctx context.Context, policy *schema.RetryPolicy, fn func(ctx context.Context, attempt int) error, onRetry RetryHook) (int, error) {
	policy = c.Effective(policy)
	maxAttempts := MaxAttempts(policy)

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if attempt == maxAttempts || !IsRetryable(err) {
			return attempt, err
		}

		delay := NextDelay(attempt, policy)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
		if waitErr := c.sleep(ctx, delay); waitErr != nil {
			return attempt, err
		}
	}
	return maxAttempts, err
}
