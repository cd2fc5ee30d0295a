package fluxline

import (
	"context"
	"errors"
	"time"
)

// Store errors
var (
	ErrDefinitionNotFound  = errors.New("workflow definition not found")
	ErrDefinitionExists    = errors.New("workflow definition version already exists")
	ErrExecutionNotFound   = errors.New("execution not found")
	ErrIdempotencyConflict = errors.New("idempotency key already used")
	ErrVersionConflict     = errors.New("execution version conflict")
	ErrDuplicateAttempt    = errors.New("step attempt already recorded")
	ErrDeadLetterNotFound  = errors.New("dead letter entry not found")
	ErrDeadLetterExists    = errors.New("execution already has a pending dead letter entry")
	ErrNoDueExecutions     = errors.New("no due executions")
)

// DeadLetterFilter narrows ListDeadLetters. Zero fields match everything.
type DeadLetterFilter struct {
	TenantID    string
	ExecutionID string
	Resolution  DeadLetterResolution
	Limit       int
}

// Store is the durable persistence boundary. Implementations must provide
// conditional updates (compare-and-swap on the version counter) and
// append-only inserts; no particular database is mandated.
type Store interface {
	// SaveDefinition stores an immutable definition version. Saving an
	// existing (ID, Version) pair returns ErrDefinitionExists.
	SaveDefinition(ctx context.Context, def *WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string, version int) (*WorkflowDefinition, error)

	// CreateExecution inserts a new execution. A (TenantID, IdempotencyKey)
	// collision returns ErrIdempotencyConflict and the row is untouched.
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	GetExecutionByIdempotencyKey(ctx context.Context, tenantID, key string) (*Execution, error)

	// UpdateExecution applies exec if the stored version still equals
	// expectedVersion, bumping exec.Version by one. A mismatch returns
	// ErrVersionConflict and the row is untouched.
	UpdateExecution(ctx context.Context, exec *Execution, expectedVersion int) error

	// ClaimDue finds one due execution (pending, waiting_retry whose
	// NextRetryAt has passed, or running with an expired claim lease) and
	// claims it for workerID with a lease. The claim is a conditional write:
	// two racing workers get exactly one winner. Returns ErrNoDueExecutions
	// when nothing is due.
	ClaimDue(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*Execution, error)

	// AppendStepExecution appends one attempt record. A record for the same
	// (ExecutionID, StepIndex, Attempt) triple returns ErrDuplicateAttempt;
	// history is never rewritten.
	AppendStepExecution(ctx context.Context, step *StepExecution) error
	GetStepExecution(ctx context.Context, executionID string, stepIndex, attempt int) (*StepExecution, error)
	ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error)

	// CreateDeadLetter inserts a terminal failure record. A second
	// pending_review entry for the same execution returns ErrDeadLetterExists.
	CreateDeadLetter(ctx context.Context, entry *DeadLetterEntry) error
	GetDeadLetter(ctx context.Context, id string) (*DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetterEntry, error)
	UpdateDeadLetter(ctx context.Context, entry *DeadLetterEntry, expectedVersion int) error

	Close() error
}
