package fluxline

import (
	"time"
)

// ExecutionStatus is the lifecycle status of one execution. Transitions are
// owned exclusively by the execution state machine; terminal statuses are
// final.
type ExecutionStatus string

const (
	StatusPending      ExecutionStatus = "pending"
	StatusRunning      ExecutionStatus = "running"
	StatusWaitingRetry ExecutionStatus = "waiting_retry"
	StatusCompleted    ExecutionStatus = "completed"
	StatusFailed       ExecutionStatus = "failed"
	StatusDeadLettered ExecutionStatus = "dead_lettered"
	StatusCanceled     ExecutionStatus = "canceled"
)

func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDeadLettered, StatusCanceled:
		return true
	}
	return false
}

// StepStatus is the terminal status of one attempt at one step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepTimedOut  StepStatus = "timed_out"
)

// Input mapping expressions supported by StepSpec.InputMapping.
const (
	// MapTriggerInput feeds the step the execution's trigger payload. This is
	// the default when no mapping is set.
	MapTriggerInput = "$input"
	// MapPreviousOutput feeds the step the output of the previous step.
	MapPreviousOutput = "$previous"
)

// StepSpec is one step of a workflow definition.
type StepSpec struct {
	Name    string
	Handler string

	// Compensation is the optional handler invoked, in reverse completion
	// order, when a later step fails with COMPENSATION_REQUIRED. It receives
	// the step's recorded output as input.
	Compensation string

	// InputMapping selects the step's input payload: MapTriggerInput (default)
	// or MapPreviousOutput.
	InputMapping string

	// Timeout bounds a single handler invocation. Zero means the engine
	// default.
	Timeout time.Duration

	// MaxAttempts overrides the retry policy's attempt budget for this step.
	// Zero means the policy default.
	MaxAttempts int
}

// WorkflowDefinition is an immutable, versioned template. Once a version is
// saved its step list never changes; changes require a new version.
type WorkflowDefinition struct {
	ID      string
	Version int
	Steps   []StepSpec

	CreatedAt time.Time
}

// Execution is one instantiation of a workflow definition version. All
// mutation goes through the state machine's transition functions, guarded by
// the optimistic Version counter.
type Execution struct {
	ID            string
	TenantID      string
	CorrelationID string

	DefinitionID      string
	DefinitionVersion int

	Status      ExecutionStatus
	CurrentStep int

	// Attempt counts attempts already made at CurrentStep within the current
	// retry cycle. It resets to zero when the execution advances to the next
	// step.
	Attempt int

	// AttemptBase offsets the history attempt numbering at CurrentStep. A
	// dead letter reprocess sets it past the attempts already recorded, so
	// the new cycle gets a fresh retry budget without colliding with the
	// append-only history.
	AttemptBase int

	// IdempotencyKey deduplicates trigger requests within a tenant.
	IdempotencyKey string

	Input  []byte
	Output []byte

	ErrorClass   ErrorClass
	ErrorMessage string

	NextRetryAt *time.Time

	// Claim lease. A worker owns the execution until ClaimExpiresAt; an
	// expired lease makes the execution re-claimable.
	ClaimedBy      string
	ClaimExpiresAt *time.Time

	// Version is the optimistic concurrency counter checked on every
	// conditional update.
	Version int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StepExecution is one attempt record. History is append-only: a record, once
// written, is never rewritten.
type StepExecution struct {
	ExecutionID string
	StepIndex   int
	Attempt     int

	Status     StepStatus
	ErrorClass ErrorClass

	// Error holds the failure message only. Payload contents never appear
	// here.
	Error string

	// Output is the handler's result payload, kept so that advancing and
	// compensation can be replayed from history after a crash.
	Output []byte

	StartedAt   time.Time
	FinishedAt  time.Time
	NextRetryAt *time.Time
}

// DeadLetterResolution is the manual-intervention status of a dead letter.
type DeadLetterResolution string

const (
	ResolutionPendingReview DeadLetterResolution = "pending_review"
	ResolutionReprocessed   DeadLetterResolution = "reprocessed"
	ResolutionDiscarded     DeadLetterResolution = "discarded"
)

// DeadLetterReason says why the execution terminated.
type DeadLetterReason string

const (
	ReasonNonRetryable         DeadLetterReason = "non_retryable"
	ReasonCompensationRequired DeadLetterReason = "compensation_required"
	ReasonMaxAttemptsExceeded  DeadLetterReason = "max_attempts_exceeded"
)

// DeadLetterAudit is one audited manual action against a dead letter.
type DeadLetterAudit struct {
	Actor  string
	Action string
	Reason string
	At     time.Time
}

// DeadLetterEntry is a terminal, manually-actionable failure record. At most
// one pending_review entry exists per execution.
type DeadLetterEntry struct {
	ID          string
	ExecutionID string
	TenantID    string
	StepIndex   int

	ErrorClass   ErrorClass
	ErrorMessage string
	Reason       DeadLetterReason

	Resolution     DeadLetterResolution
	ReprocessCount int
	Audit          []DeadLetterAudit

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StartRequest is the trigger interface's input.
type StartRequest struct {
	DefinitionID      string
	DefinitionVersion int
	TenantID          string
	CorrelationID     string
	IdempotencyKey    string
	Input             []byte
}
