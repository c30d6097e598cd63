package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/spiral/pkg/schema"
)

func TestIsRetryable_Nil(t *testing.T) {
	assert.False(t, IsRetryable(nil))
}

func TestIsRetryable_ContextCanceled(t *testing.T) {
	assert.False(t, IsRetryable(context.Canceled))
}

func TestIsRetryable_ContextDeadlineExceeded(t *testing.T) {
	assert.True(t, IsRetryable(context.DeadlineExceeded))
}

func TestIsRetryable_SpiralErrorCodes(t *testing.T) {
	retryable := []string{schema.ErrCodeActionTimeout, schema.ErrCodeActionFailure, schema.ErrCodeStore}
	for _, code := range retryable {
		assert.True(t, IsRetryable(schema.NewError(code, "x")), code)
	}

	nonRetryable := []string{
		schema.ErrCodeValidation,
		schema.ErrCodeConfiguration,
		schema.ErrCodeRateLimited,
		schema.ErrCodeCancelled,
		schema.ErrCodeNotFound,
		schema.ErrCodeNonRetryable,
		schema.ErrCodeInterpolation,
	}
	for _, code := range nonRetryable {
		assert.False(t, IsRetryable(schema.NewError(code, "x")), code)
	}
}

func TestIsRetryable_PlainErrorDefaultsToRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("something went wrong")))
}

func TestNextDelay_Fixed(t *testing.T) {
	p := &schema.RetryPolicy{Strategy: schema.RetryFixed, Delay: "200ms"}
	for attempt := 1; attempt <= 6; attempt++ {
		assert.Equal(t, 200*time.Millisecond, NextDelay(attempt, p))
	}
}

func TestNextDelay_Linear(t *testing.T) {
	p := &schema.RetryPolicy{Strategy: schema.RetryLinear, Delay: "100ms"}
	assert.Equal(t, 100*time.Millisecond, NextDelay(1, p))
	assert.Equal(t, 200*time.Millisecond, NextDelay(2, p))
	assert.Equal(t, 500*time.Millisecond, NextDelay(5, p))
}

func TestNextDelay_Exponential(t *testing.T) {
	p := &schema.RetryPolicy{Strategy: schema.RetryExponential, Delay: "100ms"}
	assert.Equal(t, 100*time.Millisecond, NextDelay(1, p))
	assert.Equal(t, 200*time.Millisecond, NextDelay(2, p))
	assert.Equal(t, 400*time.Millisecond, NextDelay(3, p))
	assert.Equal(t, 800*time.Millisecond, NextDelay(4, p))
}

func TestNextDelay_MonotonicAndCapped(t *testing.T) {
	for _, strategy := range []string{schema.RetryFixed, schema.RetryLinear, schema.RetryExponential} {
		p := &schema.RetryPolicy{Strategy: strategy, Delay: "50ms", MaxDelay: "1s"}
		prev := time.Duration(0)
		for attempt := 1; attempt <= 100; attempt++ {
			d := NextDelay(attempt, p)
			assert.GreaterOrEqual(t, d, prev, "%s attempt %d", strategy, attempt)
			assert.LessOrEqual(t, d, time.Second, "%s attempt %d", strategy, attempt)
			if strategy == schema.RetryFixed {
				assert.Equal(t, 50*time.Millisecond, d)
			}
			prev = d
		}
	}
}

func TestNextDelay_ExponentialWithoutCapDoesNotOverflow(t *testing.T) {
	p := &schema.RetryPolicy{Strategy: schema.RetryExponential, Delay: "1s"}
	assert.Greater(t, NextDelay(200, p), time.Duration(0))
}

func TestNextDelay_NoDelayOrInvalid(t *testing.T) {
	assert.Equal(t, time.Duration(0), NextDelay(1, nil))
	assert.Equal(t, time.Duration(0), NextDelay(1, &schema.RetryPolicy{Strategy: schema.RetryLinear}))
	assert.Equal(t, time.Duration(0), NextDelay(1, &schema.RetryPolicy{Delay: "soon"}))
}

func TestMaxAttempts(t *testing.T) {
	assert.Equal(t, 1, MaxAttempts(nil))
	assert.Equal(t, 1, MaxAttempts(&schema.RetryPolicy{}))
	assert.Equal(t, 4, MaxAttempts(&schema.RetryPolicy{MaxAttempts: 4}))
}

func TestWait_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Wait(ctx, time.Hour), context.Canceled)
}

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestController_RetriesUntilExhausted(t *testing.T) {
	sleeper := &recordingSleeper{}
	c := NewController(nil, sleeper.Sleep)
	policy := &schema.RetryPolicy{MaxAttempts: 3, Strategy: schema.RetryExponential, Delay: "10ms"}

	calls := 0
	attempts, err := c.Do(context.Background(), policy, func(context.Context, int) error {
		calls++
		return schema.NewError(schema.ErrCodeActionFailure, "boom")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, sleeper.delays)
}

func TestController_StopsOnSuccess(t *testing.T) {
	sleeper := &recordingSleeper{}
	c := NewController(nil, sleeper.Sleep)
	policy := &schema.RetryPolicy{MaxAttempts: 5, Delay: "1ms"}

	attempts, err := c.Do(context.Background(), policy, func(_ context.Context, attempt int) error {
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Len(t, sleeper.delays, 1)
}

func TestController_NonRetryableStopsImmediately(t *testing.T) {
	c := NewController(nil, (&recordingSleeper{}).Sleep)
	calls := 0
	_, err := c.Do(context.Background(), &schema.RetryPolicy{MaxAttempts: 5}, func(context.Context, int) error {
		calls++
		return schema.NewError(schema.ErrCodeValidation, "bad")
	}, nil)

	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Equal(t, 1, calls)
}

func TestController_DefaultPolicyApplies(t *testing.T) {
	c := NewController(&schema.RetryPolicy{MaxAttempts: 2}, (&recordingSleeper{}).Sleep)
	calls := 0
	_, _ = c.Do(context.Background(), nil, func(context.Context, int) error {
		calls++
		return errors.New("fail")
	}, nil)
	assert.Equal(t, 2, calls)
}

func TestController_RetryHookObservesAttempts(t *testing.T) {
	c := NewController(nil, (&recordingSleeper{}).Sleep)
	var seen []int
	_, _ = c.Do(context.Background(), &schema.RetryPolicy{MaxAttempts: 3, Strategy: schema.RetryLinear, Delay: "5ms"},
		func(context.Context, int) error { return errors.New("fail") },
		func(attempt int, delay time.Duration, err error) {
			seen = append(seen, attempt)
			assert.Equal(t, time.Duration(attempt)*5*time.Millisecond, delay)
		})
	assert.Equal(t, []int{1, 2}, seen)
}
