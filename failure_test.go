package fluxline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Run("structured failure keeps its class", func(t *testing.T) {
		for _, class := range errorClasses {
			err := NewFailure(class, "code", "boom")
			assert.Equal(t, class, Classify(err))
		}
	})

	t.Run("wrapped failure is found through the chain", func(t *testing.T) {
		inner := NewFailure(ClassRateLimited, "rate_limit", "slow down")
		wrapped := fmt.Errorf("calling payment api: %w", inner)
		assert.Equal(t, ClassRateLimited, Classify(wrapped))
	})

	t.Run("deadline expiry is transient", func(t *testing.T) {
		assert.Equal(t, ClassTransient, Classify(context.DeadlineExceeded))
		assert.Equal(t, ClassTransient, Classify(fmt.Errorf("step: %w", context.DeadlineExceeded)))
	})

	t.Run("unstructured errors fail closed", func(t *testing.T) {
		assert.Equal(t, ClassNonRetryable, Classify(errors.New("something odd")))
	})

	t.Run("invalid class on a failure falls through", func(t *testing.T) {
		err := &Failure{Class: ErrorClass("MADE_UP"), Message: "nope"}
		assert.Equal(t, ClassNonRetryable, Classify(err))
	})
}

func TestAsFailure(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, AsFailure(nil))
	})

	t.Run("failure passes through untouched", func(t *testing.T) {
		original := NewFailure(ClassRetryable, "insufficient_funds", "balance too low").WithRetryAfter(0)
		got := AsFailure(original)
		require.Same(t, original, got)
	})

	t.Run("plain error becomes non-retryable", func(t *testing.T) {
		cause := errors.New("nil pointer somewhere")
		got := AsFailure(cause)
		require.NotNil(t, got)
		assert.Equal(t, ClassNonRetryable, got.Class)
		assert.Equal(t, "unclassified", got.Code)
		assert.True(t, errors.Is(got, cause))
	})

	t.Run("deadline expiry becomes a transient timeout", func(t *testing.T) {
		got := AsFailure(context.DeadlineExceeded)
		require.NotNil(t, got)
		assert.Equal(t, ClassTransient, got.Class)
		assert.Equal(t, "step_timeout", got.Code)
	})
}

func TestFailureError(t *testing.T) {
	withCode := NewFailure(ClassDependencyFailed, "inventory_down", "service unavailable")
	assert.Equal(t, "DEPENDENCY_FAILED [inventory_down]: service unavailable", withCode.Error())

	withoutCode := &Failure{Class: ClassTransient, Message: "connection reset"}
	assert.Equal(t, "TRANSIENT: connection reset", withoutCode.Error())
}
