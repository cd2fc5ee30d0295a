package fluxline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

var ErrStepExecutor = errors.New("step executor failed")

const defaultStepTimeout = 30 * time.Second

// StepOutcome is what one handler invocation produced: a terminal step status
// plus either an output payload or a classified failure.
type StepOutcome struct {
	Status  StepStatus
	Output  []byte
	Failure *Failure

	StartedAt  time.Time
	FinishedAt time.Time
}

// StepExecutor invokes one step's registered handler, applying the step
// timeout and capturing panics. It never lets a handler error escape raw:
// every outcome carries a classified *Failure.
type StepExecutor struct {
	registry       *Registry
	defaultTimeout time.Duration
	logger         Logger
	clock          func() time.Time
}

func NewStepExecutor(registry *Registry, logger Logger, defaultTimeout time.Duration) *StepExecutor {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultStepTimeout
	}
	return &StepExecutor{
		registry:       registry,
		defaultTimeout: defaultTimeout,
		logger:         logger,
		clock:          time.Now,
	}
}

// IdempotencyKeyFor derives the handler-facing idempotency key for one
// attempt. Handlers deduplicate side effects on it.
func IdempotencyKeyFor(executionID string, stepIndex, attempt int) string {
	return fmt.Sprintf("%s:%d:%d", executionID, stepIndex, attempt)
}

type handlerResult struct {
	output []byte
	err    error
}

// Execute runs one attempt of one step. The returned outcome always has a
// terminal status; retry decisions belong to the caller.
func (e *StepExecutor) Execute(ctx context.Context, exec *Execution, spec StepSpec, attempt int, input []byte) StepOutcome {
	started := e.clock().UTC()

	e.logger.Debug(ctx, "executing step",
		"execution_id", exec.ID, "step_index", exec.CurrentStep, "step_name", spec.Name,
		"handler", spec.Handler, "attempt", attempt)

	handler, err := e.registry.Resolve(spec.Handler)
	if err != nil {
		// An unknown handler is a configuration error, never retried.
		failure := WrapFailure(ClassNonRetryable, "unknown_handler", err)
		e.logger.Error(ctx, "step handler not registered",
			"execution_id", exec.ID, "step_index", exec.CurrentStep, "handler", spec.Handler)
		return StepOutcome{
			Status:     StepFailed,
			Failure:    failure,
			StartedAt:  started,
			FinishedAt: e.clock().UTC(),
		}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &HandlerRequest{
		ExecutionID:    exec.ID,
		StepIndex:      exec.CurrentStep,
		Attempt:        attempt,
		IdempotencyKey: IdempotencyKeyFor(exec.ID, exec.CurrentStep, attempt),
		Input:          input,
	}

	// The handler runs in its own goroutine so a handler that ignores ctx
	// still cannot hold the attempt past its timeout. The engine cannot
	// preempt a misbehaving handler; it only stops waiting for it.
	resultCh := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- handlerResult{
					err: NewFailure(ClassNonRetryable, "handler_panicked", "handler %s panicked: %v", spec.Handler, r),
				}
				e.logger.Error(ctx, "step handler panicked",
					"execution_id", exec.ID, "step_index", exec.CurrentStep,
					"handler", spec.Handler, "panic", fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()))
			}
		}()
		output, err := handler.Invoke(stepCtx, req)
		resultCh <- handlerResult{output: output, err: err}
	}()

	var result handlerResult
	select {
	case result = <-resultCh:
	case <-stepCtx.Done():
		result = handlerResult{err: stepCtx.Err()}
	}

	finished := e.clock().UTC()

	if result.err == nil {
		e.logger.Debug(ctx, "step succeeded",
			"execution_id", exec.ID, "step_index", exec.CurrentStep,
			"attempt", attempt, "duration", finished.Sub(started))
		stepDuration.WithLabelValues(spec.Handler).Observe(finished.Sub(started).Seconds())
		return StepOutcome{
			Status:     StepSucceeded,
			Output:     result.output,
			StartedAt:  started,
			FinishedAt: finished,
		}
	}

	outcome := StepOutcome{
		StartedAt:  started,
		FinishedAt: finished,
	}

	// Context expiry maps to timed_out/TRANSIENT unless the handler raised
	// its own classification. Interruption (engine shutdown) is transient
	// too: the lease expires and another worker picks the attempt back up.
	switch {
	case isClassified(result.err):
		outcome.Status = StepFailed
		outcome.Failure = AsFailure(result.err)
	case errors.Is(result.err, context.DeadlineExceeded):
		outcome.Status = StepTimedOut
		outcome.Failure = WrapFailure(ClassTransient, "step_timeout", result.err)
	case errors.Is(result.err, context.Canceled):
		outcome.Status = StepFailed
		outcome.Failure = WrapFailure(ClassTransient, "execution_interrupted", result.err)
	default:
		outcome.Status = StepFailed
		outcome.Failure = AsFailure(result.err)
	}

	stepDuration.WithLabelValues(spec.Handler).Observe(finished.Sub(started).Seconds())
	e.logger.Debug(ctx, "step failed",
		"execution_id", exec.ID, "step_index", exec.CurrentStep, "attempt", attempt,
		"status", outcome.Status, "error_class", outcome.Failure.Class, "code", outcome.Failure.Code)

	return outcome
}

func isClassified(err error) bool {
	var failure *Failure
	return errors.As(err, &failure) && failure.Class.Valid()
}
