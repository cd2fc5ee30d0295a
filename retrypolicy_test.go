package fluxline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedJitterPolicy returns a policy whose jitter source is pinned, so delays
// are deterministic in assertions.
func fixedJitterPolicy(t *testing.T, jitterSample float64, opts ...RetryPolicyOption) *RetryPolicy {
	t.Helper()
	policy, err := NewRetryPolicy(opts...)
	require.NoError(t, err)
	policy.rand = func() float64 { return jitterSample }
	return policy
}

func TestNewRetryPolicyValidation(t *testing.T) {
	t.Run("defaults validate", func(t *testing.T) {
		policy, err := NewRetryPolicy()
		require.NoError(t, err)
		assert.Equal(t, defaultMaxAttempts, policy.MaxAttempts)
	})

	t.Run("max attempts below one rejected", func(t *testing.T) {
		_, err := NewRetryPolicy(WithMaxAttempts(0))
		require.ErrorIs(t, err, ErrRetryPolicy)
	})

	t.Run("non-positive base rejected", func(t *testing.T) {
		_, err := NewRetryPolicy(WithBackoffBase(0))
		require.ErrorIs(t, err, ErrRetryPolicy)
	})

	t.Run("jitter out of range rejected", func(t *testing.T) {
		_, err := NewRetryPolicy(WithJitterFraction(1))
		require.ErrorIs(t, err, ErrRetryPolicy)
		_, err = NewRetryPolicy(WithJitterFraction(-0.1))
		require.ErrorIs(t, err, ErrRetryPolicy)
	})

	t.Run("every class has a rule", func(t *testing.T) {
		policy, err := NewRetryPolicy()
		require.NoError(t, err)
		for _, class := range errorClasses {
			_, ok := policy.rules[class]
			assert.True(t, ok, "class %s has no rule", class)
		}
	})
}

func TestDecidePerClass(t *testing.T) {
	// jitter sample 0.5 makes the jitter multiplier exactly 1.
	policy := fixedJitterPolicy(t, 0.5, WithMaxAttempts(3), WithBackoffBase(time.Second))

	t.Run("transient retries with exponential backoff", func(t *testing.T) {
		first := policy.Decide(ClassTransient, 1, 0, StepRetryOverride{})
		require.True(t, first.Retry)
		assert.Equal(t, time.Second, first.Delay)

		second := policy.Decide(ClassTransient, 2, 0, StepRetryOverride{})
		require.True(t, second.Retry)
		assert.Equal(t, 2*time.Second, second.Delay)
	})

	t.Run("retryable and dependency_failed behave like transient", func(t *testing.T) {
		for _, class := range []ErrorClass{ClassRetryable, ClassDependencyFailed} {
			decision := policy.Decide(class, 1, 0, StepRetryOverride{})
			require.True(t, decision.Retry, "class %s", class)
			assert.Equal(t, time.Second, decision.Delay, "class %s", class)
		}
	})

	t.Run("rate_limited honors the hint", func(t *testing.T) {
		decision := policy.Decide(ClassRateLimited, 1, 42*time.Second, StepRetryOverride{})
		require.True(t, decision.Retry)
		assert.Equal(t, 42*time.Second, decision.Delay)
	})

	t.Run("rate_limited hint is clamped", func(t *testing.T) {
		decision := policy.Decide(ClassRateLimited, 1, time.Hour, StepRetryOverride{})
		require.True(t, decision.Retry)
		assert.Equal(t, defaultRetryAfterCap, decision.Delay)
	})

	t.Run("rate_limited without hint falls back to backoff", func(t *testing.T) {
		decision := policy.Decide(ClassRateLimited, 2, 0, StepRetryOverride{})
		require.True(t, decision.Retry)
		assert.Equal(t, 2*time.Second, decision.Delay)
	})

	t.Run("non_retryable never retries", func(t *testing.T) {
		decision := policy.Decide(ClassNonRetryable, 1, 0, StepRetryOverride{})
		require.False(t, decision.Retry)
		assert.Equal(t, ReasonNonRetryable, decision.Reason)
	})

	t.Run("compensation_required never retries and keeps its reason", func(t *testing.T) {
		decision := policy.Decide(ClassCompensationRequired, 1, 0, StepRetryOverride{})
		require.False(t, decision.Retry)
		assert.Equal(t, ReasonCompensationRequired, decision.Reason)
	})

	t.Run("unknown class fails closed", func(t *testing.T) {
		decision := policy.Decide(ErrorClass("MADE_UP"), 1, 0, StepRetryOverride{})
		require.False(t, decision.Retry)
		assert.Equal(t, ReasonNonRetryable, decision.Reason)
	})
}

func TestDecideAttemptBudget(t *testing.T) {
	policy := fixedJitterPolicy(t, 0.5, WithMaxAttempts(3))

	t.Run("last allowed attempt dead-letters", func(t *testing.T) {
		decision := policy.Decide(ClassTransient, 3, 0, StepRetryOverride{})
		require.False(t, decision.Retry)
		assert.Equal(t, ReasonMaxAttemptsExceeded, decision.Reason)
	})

	t.Run("step override lowers the budget", func(t *testing.T) {
		decision := policy.Decide(ClassTransient, 2, 0, StepRetryOverride{MaxAttempts: 2})
		require.False(t, decision.Retry)
		assert.Equal(t, ReasonMaxAttemptsExceeded, decision.Reason)
	})

	t.Run("step override raises the budget", func(t *testing.T) {
		decision := policy.Decide(ClassTransient, 3, 0, StepRetryOverride{MaxAttempts: 10})
		assert.True(t, decision.Retry)
	})

	t.Run("exhaustion also applies to rate_limited hints", func(t *testing.T) {
		decision := policy.Decide(ClassRateLimited, 3, time.Minute, StepRetryOverride{})
		require.False(t, decision.Retry)
		assert.Equal(t, ReasonMaxAttemptsExceeded, decision.Reason)
	})
}

func TestBackoffBounds(t *testing.T) {
	t.Run("delay is capped", func(t *testing.T) {
		policy := fixedJitterPolicy(t, 0.5,
			WithMaxAttempts(50), WithBackoffBase(time.Second), WithBackoffCap(10*time.Second))
		decision := policy.Decide(ClassTransient, 20, 0, StepRetryOverride{})
		require.True(t, decision.Retry)
		assert.Equal(t, 10*time.Second, decision.Delay)
	})

	t.Run("jitter stays inside the configured fraction", func(t *testing.T) {
		policy, err := NewRetryPolicy(
			WithMaxAttempts(10), WithBackoffBase(time.Second), WithJitterFraction(0.2))
		require.NoError(t, err)

		for i := 0; i < 100; i++ {
			decision := policy.Decide(ClassTransient, 1, 0, StepRetryOverride{})
			require.True(t, decision.Retry)
			assert.GreaterOrEqual(t, decision.Delay, 800*time.Millisecond)
			assert.LessOrEqual(t, decision.Delay, 1200*time.Millisecond)
		}
	})

	t.Run("zero jitter is deterministic", func(t *testing.T) {
		policy, err := NewRetryPolicy(WithBackoffBase(time.Second), WithJitterFraction(0))
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			assert.Equal(t, 4*time.Second, policy.backoff(3))
		}
	})
}
