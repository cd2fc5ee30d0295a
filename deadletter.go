package fluxline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDeadLetterRouter   = errors.New("dead letter router failed")
	ErrDeadLetterResolved = errors.New("dead letter entry already resolved")
	ErrNotReprocessable   = errors.New("execution is not reprocessable")
)

// DeadLetterRouter owns the terminal failure records: it creates exactly one
// pending entry per execution's terminal failure and exposes the two audited
// manual actions, reprocess and discard.
type DeadLetterRouter struct {
	store  Store
	logger Logger
	clock  func() time.Time
}

func NewDeadLetterRouter(store Store, logger Logger) *DeadLetterRouter {
	return &DeadLetterRouter{
		store:  store,
		logger: logger,
		clock:  time.Now,
	}
}

// Route records a terminal failure. Routing the same execution twice (for
// example after a crash between routing and the status write) returns the
// existing entry instead of creating a second one.
func (r *DeadLetterRouter) Route(ctx context.Context, exec *Execution, stepIndex int, failure *Failure, reason DeadLetterReason) (*DeadLetterEntry, error) {
	now := r.clock().UTC()

	entry := &DeadLetterEntry{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		TenantID:    exec.TenantID,
		StepIndex:   stepIndex,
		Reason:      reason,
		Resolution:  ResolutionPendingReview,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if failure != nil {
		entry.ErrorClass = failure.Class
		entry.ErrorMessage = failure.Error()
	}

	if err := r.store.CreateDeadLetter(ctx, entry); err != nil {
		if errors.Is(err, ErrDeadLetterExists) {
			r.logger.Debug(ctx, "dead letter entry already present",
				"execution_id", exec.ID, "step_index", stepIndex)
			return r.pendingEntry(ctx, exec.ID)
		}
		return nil, errors.Join(ErrDeadLetterRouter, err)
	}

	deadLettersRouted.WithLabelValues(string(reason)).Inc()
	r.logger.Info(ctx, "execution dead lettered",
		"execution_id", exec.ID, "tenant_id", exec.TenantID, "step_index", stepIndex,
		"reason", reason, "error_class", entry.ErrorClass)

	return entry, nil
}

func (r *DeadLetterRouter) pendingEntry(ctx context.Context, executionID string) (*DeadLetterEntry, error) {
	entries, err := r.store.ListDeadLetters(ctx, DeadLetterFilter{
		ExecutionID: executionID,
		Resolution:  ResolutionPendingReview,
		Limit:       1,
	})
	if err != nil {
		return nil, errors.Join(ErrDeadLetterRouter, err)
	}
	if len(entries) == 0 {
		return nil, errors.Join(ErrDeadLetterRouter, ErrDeadLetterNotFound)
	}
	return entries[0], nil
}

// Reprocess re-enqueues the execution from the failing step with the attempt
// counter reset. The action is audited with the acting operator.
func (r *DeadLetterRouter) Reprocess(ctx context.Context, entryID, actor string) (*Execution, error) {
	entry, err := r.store.GetDeadLetter(ctx, entryID)
	if err != nil {
		return nil, errors.Join(ErrDeadLetterRouter, err)
	}
	if entry.Resolution != ResolutionPendingReview {
		return nil, errors.Join(ErrDeadLetterRouter, ErrDeadLetterResolved)
	}

	exec, err := r.store.GetExecution(ctx, entry.ExecutionID)
	if err != nil {
		return nil, errors.Join(ErrDeadLetterRouter, err)
	}
	if exec.Status != StatusDeadLettered && exec.Status != StatusFailed {
		return nil, errors.Join(ErrDeadLetterRouter, ErrNotReprocessable,
			fmt.Errorf("execution %s is %s", exec.ID, exec.Status))
	}

	// Resume from the failing step, not from step zero: completed steps keep
	// their history and are not re-run. The new cycle's attempt numbering
	// starts past what history already holds, so the retry budget is fresh
	// and the append-only records never collide.
	base, err := r.highestAttempt(ctx, exec.ID, entry.StepIndex)
	if err != nil {
		return nil, errors.Join(ErrDeadLetterRouter, err)
	}

	exec.Status = StatusPending
	exec.CurrentStep = entry.StepIndex
	exec.Attempt = 0
	exec.AttemptBase = base
	exec.ErrorClass = ""
	exec.ErrorMessage = ""
	exec.NextRetryAt = nil
	exec.ClaimedBy = ""
	exec.ClaimExpiresAt = nil

	if err := r.store.UpdateExecution(ctx, exec, exec.Version); err != nil {
		return nil, errors.Join(ErrDeadLetterRouter, err)
	}

	entry.Resolution = ResolutionReprocessed
	entry.ReprocessCount++
	entry.Audit = append(entry.Audit, DeadLetterAudit{
		Actor:  actor,
		Action: "reprocess",
		At:     r.clock().UTC(),
	})
	if err := r.store.UpdateDeadLetter(ctx, entry, entry.Version); err != nil {
		return nil, errors.Join(ErrDeadLetterRouter, err)
	}

	r.logger.Info(ctx, "dead letter reprocessed",
		"entry_id", entry.ID, "execution_id", exec.ID, "step_index", entry.StepIndex, "actor", actor)

	return exec, nil
}

func (r *DeadLetterRouter) highestAttempt(ctx context.Context, executionID string, stepIndex int) (int, error) {
	history, err := r.store.ListStepExecutions(ctx, executionID)
	if err != nil {
		return 0, err
	}
	highest := 0
	for _, record := range history {
		if record.StepIndex == stepIndex && record.Attempt > highest {
			highest = record.Attempt
		}
	}
	return highest, nil
}

// Discard marks the entry resolved without retrying. The action is audited.
func (r *DeadLetterRouter) Discard(ctx context.Context, entryID, actor, reason string) error {
	entry, err := r.store.GetDeadLetter(ctx, entryID)
	if err != nil {
		return errors.Join(ErrDeadLetterRouter, err)
	}
	if entry.Resolution != ResolutionPendingReview {
		return errors.Join(ErrDeadLetterRouter, ErrDeadLetterResolved)
	}

	entry.Resolution = ResolutionDiscarded
	entry.Audit = append(entry.Audit, DeadLetterAudit{
		Actor:  actor,
		Action: "discard",
		Reason: reason,
		At:     r.clock().UTC(),
	})
	if err := r.store.UpdateDeadLetter(ctx, entry, entry.Version); err != nil {
		return errors.Join(ErrDeadLetterRouter, err)
	}

	r.logger.Info(ctx, "dead letter discarded",
		"entry_id", entry.ID, "execution_id", entry.ExecutionID, "actor", actor, "reason", reason)

	return nil
}

func (r *DeadLetterRouter) List(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetterEntry, error) {
	entries, err := r.store.ListDeadLetters(ctx, filter)
	if err != nil {
		return nil, errors.Join(ErrDeadLetterRouter, err)
	}
	return entries, nil
}
