package fluxline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() Logger {
	return NewDefaultLogger(slog.LevelError, TextFormat)
}

func TestIdempotencyKeyFor(t *testing.T) {
	assert.Equal(t, "exec-1:2:3", IdempotencyKeyFor("exec-1", 2, 3))
}

func TestStepExecutorExecute(t *testing.T) {
	exec := &Execution{ID: "exec-1", CurrentStep: 0}

	t.Run("success carries the output", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.RegisterFunc("ok", func(ctx context.Context, req *HandlerRequest) ([]byte, error) {
			assert.Equal(t, "exec-1:0:1", req.IdempotencyKey)
			assert.Equal(t, []byte("in"), req.Input)
			return []byte("out"), nil
		}))
		executor := NewStepExecutor(registry, testLogger(), 0)

		outcome := executor.Execute(context.Background(), exec, StepSpec{Name: "s", Handler: "ok"}, 1, []byte("in"))
		assert.Equal(t, StepSucceeded, outcome.Status)
		assert.Equal(t, []byte("out"), outcome.Output)
		assert.Nil(t, outcome.Failure)
		assert.False(t, outcome.FinishedAt.Before(outcome.StartedAt))
	})

	t.Run("unknown handler fails without retry", func(t *testing.T) {
		executor := NewStepExecutor(NewRegistry(), testLogger(), 0)
		outcome := executor.Execute(context.Background(), exec, StepSpec{Name: "s", Handler: "missing"}, 1, nil)
		assert.Equal(t, StepFailed, outcome.Status)
		require.NotNil(t, outcome.Failure)
		assert.Equal(t, ClassNonRetryable, outcome.Failure.Class)
		assert.Equal(t, "unknown_handler", outcome.Failure.Code)
	})

	t.Run("classified failure keeps its class", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.RegisterFunc("limited", func(ctx context.Context, req *HandlerRequest) ([]byte, error) {
			return nil, NewFailure(ClassRateLimited, "quota", "slow down").WithRetryAfter(time.Minute)
		}))
		executor := NewStepExecutor(registry, testLogger(), 0)

		outcome := executor.Execute(context.Background(), exec, StepSpec{Name: "s", Handler: "limited"}, 1, nil)
		assert.Equal(t, StepFailed, outcome.Status)
		require.NotNil(t, outcome.Failure)
		assert.Equal(t, ClassRateLimited, outcome.Failure.Class)
		assert.Equal(t, time.Minute, outcome.Failure.RetryAfter)
	})

	t.Run("unstructured error fails closed", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.RegisterFunc("plain", func(ctx context.Context, req *HandlerRequest) ([]byte, error) {
			return nil, errors.New("oops")
		}))
		executor := NewStepExecutor(registry, testLogger(), 0)

		outcome := executor.Execute(context.Background(), exec, StepSpec{Name: "s", Handler: "plain"}, 1, nil)
		assert.Equal(t, StepFailed, outcome.Status)
		require.NotNil(t, outcome.Failure)
		assert.Equal(t, ClassNonRetryable, outcome.Failure.Class)
	})

	t.Run("timeout becomes a transient timed_out", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.RegisterFunc("slow", func(ctx context.Context, req *HandlerRequest) ([]byte, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return []byte("too late"), nil
			}
		}))
		executor := NewStepExecutor(registry, testLogger(), 0)

		outcome := executor.Execute(context.Background(), exec,
			StepSpec{Name: "s", Handler: "slow", Timeout: 20 * time.Millisecond}, 1, nil)
		assert.Equal(t, StepTimedOut, outcome.Status)
		require.NotNil(t, outcome.Failure)
		assert.Equal(t, ClassTransient, outcome.Failure.Class)
		assert.Equal(t, "step_timeout", outcome.Failure.Code)
	})

	t.Run("timeout fires even when the handler ignores ctx", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.RegisterFunc("stuck", func(ctx context.Context, req *HandlerRequest) ([]byte, error) {
			time.Sleep(5 * time.Second)
			return nil, nil
		}))
		executor := NewStepExecutor(registry, testLogger(), 0)

		started := time.Now()
		outcome := executor.Execute(context.Background(), exec,
			StepSpec{Name: "s", Handler: "stuck", Timeout: 20 * time.Millisecond}, 1, nil)
		assert.Equal(t, StepTimedOut, outcome.Status)
		assert.Less(t, time.Since(started), time.Second)
	})

	t.Run("panic is captured as non-retryable", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.RegisterFunc("boom", func(ctx context.Context, req *HandlerRequest) ([]byte, error) {
			panic("blew up")
		}))
		executor := NewStepExecutor(registry, testLogger(), 0)

		outcome := executor.Execute(context.Background(), exec, StepSpec{Name: "s", Handler: "boom"}, 1, nil)
		assert.Equal(t, StepFailed, outcome.Status)
		require.NotNil(t, outcome.Failure)
		assert.Equal(t, ClassNonRetryable, outcome.Failure.Class)
		assert.Equal(t, "handler_panicked", outcome.Failure.Code)
	})

	t.Run("canceled parent context is transient", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.RegisterFunc("waiting", func(ctx context.Context, req *HandlerRequest) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
		executor := NewStepExecutor(registry, testLogger(), 0)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		outcome := executor.Execute(ctx, exec, StepSpec{Name: "s", Handler: "waiting"}, 1, nil)
		assert.Equal(t, StepFailed, outcome.Status)
		require.NotNil(t, outcome.Failure)
		assert.Equal(t, ClassTransient, outcome.Failure.Class)
		assert.Equal(t, "execution_interrupted", outcome.Failure.Code)
	})
}
