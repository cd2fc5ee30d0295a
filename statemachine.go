package fluxline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/sasha-s/go-deadlock"
)

var (
	ErrExecutionMachine   = errors.New("execution state machine failed")
	ErrExecutionCanceled  = errors.New("execution canceled")
	ErrClaimLost          = errors.New("claim lost to a concurrent writer")
	ErrExecutionClaimable = errors.New("execution is not in a claimable status")
)

// FSM states and triggers. The machine drives one claimed execution forward
// until it parks (waiting_retry) or terminates.
type machineState string

const (
	statePending      machineState = "Pending"
	stateRunning      machineState = "Running"
	stateWaitingRetry machineState = "WaitingRetry"
	stateCompensating machineState = "Compensating"
	stateCompleted    machineState = "Completed"
	stateFailed       machineState = "Failed"
	stateDeadLettered machineState = "DeadLettered"
	stateCanceled     machineState = "Canceled"
)

type machineTrigger string

const (
	triggerStart      machineTrigger = "Start"
	triggerAdvance    machineTrigger = "Advance"
	triggerComplete   machineTrigger = "Complete"
	triggerRetry      machineTrigger = "Retry"
	triggerCompensate machineTrigger = "Compensate"
	triggerFail       machineTrigger = "Fail"
	triggerDeadLetter machineTrigger = "DeadLetter"
	triggerCancel     machineTrigger = "Cancel"
)

// executionInstance is the state machine for one claimed execution. It is the
// only writer of the execution row while the claim lease holds; every write is
// a conditional update so a lost lease or an external cancel aborts the
// session instead of corrupting state.
type executionInstance struct {
	ctx context.Context

	store    Store
	executor *StepExecutor
	policy   *RetryPolicy
	router   *DeadLetterRouter
	logger   Logger
	clock    func() time.Time

	def  *WorkflowDefinition
	exec *Execution

	fsm *stateless.StateMachine
	mu  deadlock.Mutex

	// Session-local carry-over between steps.
	prevOutput []byte

	// Terminal failure context, set before firing a terminal trigger.
	terminalFailure    *Failure
	terminalReason     DeadLetterReason
	failingStep        int
	retryAt            *time.Time
	compensationFailed bool

	runErr error
}

func newExecutionInstance(
	ctx context.Context,
	store Store,
	executor *StepExecutor,
	policy *RetryPolicy,
	router *DeadLetterRouter,
	logger Logger,
	def *WorkflowDefinition,
	exec *Execution,
) *executionInstance {
	return &executionInstance{
		ctx:      ctx,
		store:    store,
		executor: executor,
		policy:   policy,
		router:   router,
		logger:   logger,
		clock:    time.Now,
		def:      def,
		exec:     exec,
	}
}

func initialState(status ExecutionStatus) (machineState, error) {
	switch status {
	case StatusPending:
		return statePending, nil
	case StatusWaitingRetry:
		return stateWaitingRetry, nil
	case StatusRunning:
		// A running execution only reaches a new instance through an expired
		// lease; the history check keeps the resumed attempt from
		// double-applying.
		return stateRunning, nil
	}
	return "", errors.Join(ErrExecutionMachine, ErrExecutionClaimable, fmt.Errorf("status %s", status))
}

// run drives the claimed execution until it parks or terminates.
func (ei *executionInstance) run() error {
	initial, err := initialState(ei.exec.Status)
	if err != nil {
		return err
	}

	ei.mu.Lock()
	ei.fsm = stateless.NewStateMachine(initial)
	fsm := ei.fsm
	ei.mu.Unlock()

	fsm.Configure(statePending).
		Permit(triggerStart, stateRunning).
		Permit(triggerCancel, stateCanceled)

	fsm.Configure(stateWaitingRetry).
		OnEntry(ei.onWaitingRetry).
		Permit(triggerStart, stateRunning).
		Permit(triggerCancel, stateCanceled)

	fsm.Configure(stateRunning).
		OnEntry(ei.executeStep).
		PermitReentry(triggerStart).
		PermitReentry(triggerAdvance).
		Permit(triggerComplete, stateCompleted).
		Permit(triggerRetry, stateWaitingRetry).
		Permit(triggerCompensate, stateCompensating).
		Permit(triggerDeadLetter, stateDeadLettered).
		Permit(triggerFail, stateFailed).
		Permit(triggerCancel, stateCanceled)

	fsm.Configure(stateCompensating).
		OnEntry(ei.runCompensations).
		Permit(triggerDeadLetter, stateDeadLettered).
		Permit(triggerFail, stateFailed).
		Permit(triggerCancel, stateCanceled)

	fsm.Configure(stateCompleted).
		OnEntry(ei.onCompleted)

	fsm.Configure(stateDeadLettered).
		OnEntry(ei.onDeadLettered)

	fsm.Configure(stateFailed).
		OnEntry(ei.onFailed)

	fsm.Configure(stateCanceled).
		OnEntry(ei.onCanceled)

	ei.logger.Debug(ei.ctx, "execution instance fsm configured",
		"execution_id", ei.exec.ID, "status", ei.exec.Status, "current_step", ei.exec.CurrentStep)

	if err := fsm.Fire(triggerStart); err != nil {
		return errors.Join(ErrExecutionMachine, err)
	}
	return ei.runErr
}

// abort records a session-fatal error. The claim lease expires on its own and
// the execution becomes re-claimable.
func (ei *executionInstance) abort(err error) error {
	err = errors.Join(ErrExecutionMachine, err)
	ei.logger.Error(ei.ctx, err.Error(), "execution_id", ei.exec.ID)
	ei.runErr = err
	return err
}

// update applies a mutation through the store's conditional write. A version
// conflict means the execution changed under us: an external cancel wins and
// surfaces as ErrExecutionCanceled, anything else means the claim is lost.
func (ei *executionInstance) update(mutate func(*Execution)) error {
	next := *ei.exec
	mutate(&next)

	err := ei.store.UpdateExecution(ei.ctx, &next, ei.exec.Version)
	if err == nil {
		ei.exec = &next
		return nil
	}
	if !errors.Is(err, ErrVersionConflict) {
		return err
	}

	claimConflicts.Inc()
	fresh, getErr := ei.store.GetExecution(ei.ctx, ei.exec.ID)
	if getErr != nil {
		return getErr
	}
	if fresh.Status == StatusCanceled {
		ei.exec = fresh
		return ErrExecutionCanceled
	}
	return errors.Join(ErrClaimLost, err)
}

func (ei *executionInstance) executeStep(_ context.Context, _ ...interface{}) error {
	exec := ei.exec

	ei.logger.Debug(ei.ctx, "execution instance entering step",
		"execution_id", exec.ID, "current_step", exec.CurrentStep, "attempt_made", exec.Attempt)

	// A cancel may have landed since the claim; check before doing work.
	fresh, err := ei.store.GetExecution(ei.ctx, exec.ID)
	if err != nil {
		return ei.abort(err)
	}
	if fresh.Status == StatusCanceled {
		ei.exec = fresh
		ei.fsm.Fire(triggerCancel)
		return nil
	}

	if exec.Status != StatusRunning {
		if err := ei.update(func(e *Execution) {
			e.Status = StatusRunning
		}); err != nil {
			if errors.Is(err, ErrExecutionCanceled) {
				ei.fsm.Fire(triggerCancel)
				return nil
			}
			return ei.abort(err)
		}
	}

	if ei.exec.CurrentStep >= len(ei.def.Steps) {
		ei.fsm.Fire(triggerComplete)
		return nil
	}

	spec := ei.def.Steps[ei.exec.CurrentStep]

	// attempt is the cycle-local number the retry budget counts;
	// historyAttempt keys the append-only record and stays unique across
	// reprocess cycles.
	attempt := ei.exec.Attempt + 1
	historyAttempt := ei.exec.AttemptBase + attempt

	outcome, recorded, err := ei.stepOutcome(spec, historyAttempt)
	if err != nil {
		return ei.abort(err)
	}

	var decision RetryDecision
	if recorded == nil {
		if outcome.Status != StepSucceeded {
			retryAfter := time.Duration(0)
			if outcome.Failure != nil {
				retryAfter = outcome.Failure.RetryAfter
			}
			decision = ei.policy.Decide(outcome.Failure.Class, attempt, retryAfter,
				StepRetryOverride{MaxAttempts: spec.MaxAttempts})
		}
		ei.retryAt = nil
		if decision.Retry {
			at := ei.clock().UTC().Add(decision.Delay)
			ei.retryAt = &at
		}

		record := recordFromOutcome(ei.exec.ID, ei.exec.CurrentStep, historyAttempt, outcome, ei.retryAt)
		if err := ei.store.AppendStepExecution(ei.ctx, record); err != nil {
			if !errors.Is(err, ErrDuplicateAttempt) {
				return ei.abort(err)
			}
			// Another worker finished this attempt between our claim and the
			// append. Adopt its record instead of double-applying ours.
			existing, getErr := ei.store.GetStepExecution(ei.ctx, ei.exec.ID, ei.exec.CurrentStep, historyAttempt)
			if getErr != nil {
				return ei.abort(getErr)
			}
			recorded = existing
		}
		stepAttempts.WithLabelValues(string(outcome.Status), string(classOf(outcome.Failure))).Inc()
	}

	if recorded != nil {
		// Replayed or adopted attempt: the decision follows the persisted
		// record, and its NextRetryAt carries any honored backpressure hint
		// across the recovery.
		outcome = outcomeFromRecord(recorded)
		decision = RetryDecision{}
		if outcome.Status != StepSucceeded {
			decision = ei.policy.Decide(outcome.Failure.Class, attempt, 0,
				StepRetryOverride{MaxAttempts: spec.MaxAttempts})
		}
		ei.retryAt = nil
		if decision.Retry {
			if recorded.NextRetryAt != nil {
				ei.retryAt = recorded.NextRetryAt
			} else {
				at := ei.clock().UTC().Add(decision.Delay)
				ei.retryAt = &at
			}
		}
	}

	if outcome.Status == StepSucceeded {
		ei.prevOutput = outcome.Output

		next := ei.exec.CurrentStep + 1
		if next >= len(ei.def.Steps) {
			ei.fsm.Fire(triggerComplete)
			return nil
		}

		if err := ei.update(func(e *Execution) {
			e.CurrentStep = next
			e.Attempt = 0
			e.AttemptBase = 0
		}); err != nil {
			if errors.Is(err, ErrExecutionCanceled) {
				// The attempt's record stays for audit but its result is
				// discarded: the execution does not advance.
				ei.fsm.Fire(triggerCancel)
				return nil
			}
			return ei.abort(err)
		}

		ei.fsm.Fire(triggerAdvance)
		return nil
	}

	ei.terminalFailure = outcome.Failure
	ei.failingStep = ei.exec.CurrentStep

	if decision.Retry {
		ei.logger.Debug(ei.ctx, "step scheduled for retry",
			"execution_id", ei.exec.ID, "step_index", ei.exec.CurrentStep,
			"attempt", attempt, "error_class", outcome.Failure.Class, "delay", decision.Delay)
		ei.exec.Attempt = attempt
		ei.fsm.Fire(triggerRetry)
		return nil
	}

	ei.terminalReason = decision.Reason
	if outcome.Failure.Class == ClassCompensationRequired {
		ei.fsm.Fire(triggerCompensate)
		return nil
	}
	ei.fsm.Fire(triggerDeadLetter)
	return nil
}

// stepOutcome runs the current attempt, or replays it from the append-only
// history when a previous claim already finished it (crash between the append
// and the status transition).
func (ei *executionInstance) stepOutcome(spec StepSpec, attempt int) (StepOutcome, *StepExecution, error) {
	existing, err := ei.store.GetStepExecution(ei.ctx, ei.exec.ID, ei.exec.CurrentStep, attempt)
	if err != nil {
		return StepOutcome{}, nil, err
	}
	if existing != nil {
		ei.logger.Debug(ei.ctx, "replaying recorded step attempt",
			"execution_id", ei.exec.ID, "step_index", ei.exec.CurrentStep, "attempt", attempt)
		return outcomeFromRecord(existing), existing, nil
	}

	input, err := ei.stepInput(spec)
	if err != nil {
		return StepOutcome{}, nil, err
	}

	return ei.executor.Execute(ei.ctx, ei.exec, spec, attempt, input), nil, nil
}

// stepInput resolves the step's input mapping. $previous reads from the
// session carry-over, falling back to history on a resumed claim.
func (ei *executionInstance) stepInput(spec StepSpec) ([]byte, error) {
	switch spec.InputMapping {
	case "", MapTriggerInput:
		return ei.exec.Input, nil
	case MapPreviousOutput:
		if ei.exec.CurrentStep == 0 {
			return ei.exec.Input, nil
		}
		if ei.prevOutput != nil {
			return ei.prevOutput, nil
		}
		return ei.outputOfStep(ei.exec.CurrentStep - 1)
	}
	return nil, fmt.Errorf("unknown input mapping %q for step %s", spec.InputMapping, spec.Name)
}

// outputOfStep finds the succeeded record of a step from history.
func (ei *executionInstance) outputOfStep(stepIndex int) ([]byte, error) {
	history, err := ei.store.ListStepExecutions(ei.ctx, ei.exec.ID)
	if err != nil {
		return nil, err
	}
	for _, record := range history {
		if record.StepIndex == stepIndex && record.Status == StepSucceeded {
			return record.Output, nil
		}
	}
	return nil, fmt.Errorf("no succeeded record for step %d of execution %s", stepIndex, ei.exec.ID)
}

func (ei *executionInstance) onWaitingRetry(_ context.Context, _ ...interface{}) error {
	err := ei.update(func(e *Execution) {
		e.Status = StatusWaitingRetry
		e.NextRetryAt = ei.retryAt
		e.ErrorClass = classOf(ei.terminalFailure)
		e.ErrorMessage = messageOf(ei.terminalFailure)
		e.ClaimedBy = ""
		e.ClaimExpiresAt = nil
	})
	if err != nil && !errors.Is(err, ErrExecutionCanceled) {
		return ei.abort(err)
	}
	return nil
}

// runCompensations invokes the compensation hooks of already-completed steps
// in reverse completion order, best effort: a failing hook is logged and the
// remaining hooks still run.
func (ei *executionInstance) runCompensations(_ context.Context, _ ...interface{}) error {
	history, err := ei.store.ListStepExecutions(ei.ctx, ei.exec.ID)
	if err != nil {
		return ei.abort(err)
	}

	type completed struct {
		index  int
		output []byte
	}
	var done []completed
	for _, record := range history {
		if record.StepIndex < ei.failingStep && record.Status == StepSucceeded {
			done = append(done, completed{index: record.StepIndex, output: record.Output})
		}
	}

	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		spec := ei.def.Steps[step.index]
		if spec.Compensation == "" {
			continue
		}

		ei.logger.Info(ei.ctx, "running compensation",
			"execution_id", ei.exec.ID, "step_index", step.index, "handler", spec.Compensation)

		handler, err := ei.executor.registry.Resolve(spec.Compensation)
		if err != nil {
			ei.compensationFailed = true
			ei.logger.Error(ei.ctx, "compensation handler not registered",
				"execution_id", ei.exec.ID, "step_index", step.index, "handler", spec.Compensation)
			continue
		}

		timeout := spec.Timeout
		if timeout <= 0 {
			timeout = ei.executor.defaultTimeout
		}
		compCtx, cancel := context.WithTimeout(ei.ctx, timeout)

		_, err = handler.Invoke(compCtx, &HandlerRequest{
			ExecutionID:    ei.exec.ID,
			StepIndex:      step.index,
			IdempotencyKey: fmt.Sprintf("%s:%d:compensate", ei.exec.ID, step.index),
			Input:          step.output,
		})
		cancel()

		if err != nil {
			ei.compensationFailed = true
			ei.logger.Error(ei.ctx, "compensation failed",
				"execution_id", ei.exec.ID, "step_index", step.index,
				"handler", spec.Compensation, "error", err.Error())
		}
	}

	if ei.compensationFailed {
		ei.fsm.Fire(triggerFail)
		return nil
	}
	ei.fsm.Fire(triggerDeadLetter)
	return nil
}

func (ei *executionInstance) onCompleted(_ context.Context, _ ...interface{}) error {
	err := ei.update(func(e *Execution) {
		e.Status = StatusCompleted
		e.Output = ei.prevOutput
		e.ErrorClass = ""
		e.ErrorMessage = ""
		e.NextRetryAt = nil
		e.ClaimedBy = ""
		e.ClaimExpiresAt = nil
	})
	if err != nil {
		if errors.Is(err, ErrExecutionCanceled) {
			return nil
		}
		return ei.abort(err)
	}

	executionsFinished.WithLabelValues(string(StatusCompleted)).Inc()
	ei.logger.Info(ei.ctx, "execution completed",
		"execution_id", ei.exec.ID, "tenant_id", ei.exec.TenantID, "steps", len(ei.def.Steps))
	return nil
}

func (ei *executionInstance) onDeadLettered(_ context.Context, _ ...interface{}) error {
	return ei.terminate(StatusDeadLettered)
}

func (ei *executionInstance) onFailed(_ context.Context, _ ...interface{}) error {
	return ei.terminate(StatusFailed)
}

// terminate routes the dead letter entry first, then flips the status. A
// crash in between leaves a pending entry that Route treats as already
// present on the next claim.
func (ei *executionInstance) terminate(status ExecutionStatus) error {
	if _, err := ei.router.Route(ei.ctx, ei.exec, ei.failingStep, ei.terminalFailure, ei.terminalReason); err != nil {
		return ei.abort(err)
	}

	err := ei.update(func(e *Execution) {
		e.Status = status
		e.ErrorClass = classOf(ei.terminalFailure)
		e.ErrorMessage = messageOf(ei.terminalFailure)
		e.NextRetryAt = nil
		e.ClaimedBy = ""
		e.ClaimExpiresAt = nil
	})
	if err != nil {
		if errors.Is(err, ErrExecutionCanceled) {
			return nil
		}
		return ei.abort(err)
	}

	executionsFinished.WithLabelValues(string(status)).Inc()
	return nil
}

func (ei *executionInstance) onCanceled(_ context.Context, _ ...interface{}) error {
	ei.logger.Info(ei.ctx, "execution canceled, discarding in-flight work",
		"execution_id", ei.exec.ID, "current_step", ei.exec.CurrentStep)
	return nil
}

func recordFromOutcome(executionID string, stepIndex, attempt int, outcome StepOutcome, retryAt *time.Time) *StepExecution {
	return &StepExecution{
		ExecutionID: executionID,
		StepIndex:   stepIndex,
		Attempt:     attempt,
		Status:      outcome.Status,
		ErrorClass:  classOf(outcome.Failure),
		Error:       messageOf(outcome.Failure),
		Output:      outcome.Output,
		StartedAt:   outcome.StartedAt,
		FinishedAt:  outcome.FinishedAt,
		NextRetryAt: retryAt,
	}
}

func outcomeFromRecord(record *StepExecution) StepOutcome {
	outcome := StepOutcome{
		Status:     record.Status,
		Output:     record.Output,
		StartedAt:  record.StartedAt,
		FinishedAt: record.FinishedAt,
	}
	if record.Status != StepSucceeded {
		outcome.Failure = NewFailure(record.ErrorClass, "replayed", "%s", record.Error)
	}
	return outcome
}

func classOf(failure *Failure) ErrorClass {
	if failure == nil {
		return ""
	}
	return failure.Class
}

func messageOf(failure *Failure) string {
	if failure == nil {
		return ""
	}
	return failure.Error()
}
