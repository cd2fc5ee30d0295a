package fluxline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func routerFixture(t *testing.T) (*DeadLetterRouter, Store, *Execution) {
	t.Helper()
	store, err := NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	exec := testExecution("acme", "dlq-router")
	exec.Status = StatusDeadLettered
	exec.CurrentStep = 1
	require.NoError(t, store.CreateExecution(context.Background(), exec))

	return NewDeadLetterRouter(store, testLogger()), store, exec
}

func TestDeadLetterRoute(t *testing.T) {
	router, _, exec := routerFixture(t)
	ctx := context.Background()

	failure := NewFailure(ClassNonRetryable, "bad_sku", "unknown product")
	entry, err := router.Route(ctx, exec, 1, failure, ReasonNonRetryable)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, entry.ExecutionID)
	assert.Equal(t, 1, entry.StepIndex)
	assert.Equal(t, ClassNonRetryable, entry.ErrorClass)
	assert.Equal(t, ResolutionPendingReview, entry.Resolution)

	t.Run("routing twice returns the existing entry", func(t *testing.T) {
		again, err := router.Route(ctx, exec, 1, failure, ReasonNonRetryable)
		require.NoError(t, err)
		assert.Equal(t, entry.ID, again.ID)
	})
}

func TestDeadLetterDiscard(t *testing.T) {
	router, _, exec := routerFixture(t)
	ctx := context.Background()

	entry, err := router.Route(ctx, exec, 1, NewFailure(ClassNonRetryable, "x", "y"), ReasonNonRetryable)
	require.NoError(t, err)

	require.NoError(t, router.Discard(ctx, entry.ID, "ops@acme", "fixed upstream"))

	got, err := router.List(ctx, DeadLetterFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ResolutionDiscarded, got[0].Resolution)
	require.Len(t, got[0].Audit, 1)
	assert.Equal(t, "ops@acme", got[0].Audit[0].Actor)
	assert.Equal(t, "discard", got[0].Audit[0].Action)

	t.Run("already resolved", func(t *testing.T) {
		err := router.Discard(ctx, entry.ID, "ops@acme", "again")
		assert.ErrorIs(t, err, ErrDeadLetterResolved)
	})
}

func TestDeadLetterReprocess(t *testing.T) {
	router, store, exec := routerFixture(t)
	ctx := context.Background()

	entry, err := router.Route(ctx, exec, 1, NewFailure(ClassNonRetryable, "x", "y"), ReasonMaxAttemptsExceeded)
	require.NoError(t, err)

	resumed, err := router.Reprocess(ctx, entry.ID, "ops@acme")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, resumed.Status)
	assert.Equal(t, 1, resumed.CurrentStep)
	assert.Equal(t, 0, resumed.Attempt)
	assert.Empty(t, resumed.ErrorClass)
	assert.Nil(t, resumed.ClaimExpiresAt)

	stored, err := store.GetDeadLetter(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ResolutionReprocessed, stored.Resolution)
	assert.Equal(t, 1, stored.ReprocessCount)
	require.Len(t, stored.Audit, 1)
	assert.Equal(t, "reprocess", stored.Audit[0].Action)

	t.Run("resolved entries cannot be reprocessed again", func(t *testing.T) {
		_, err := router.Reprocess(ctx, entry.ID, "ops@acme")
		assert.ErrorIs(t, err, ErrDeadLetterResolved)
	})

	t.Run("only terminal failures are reprocessable", func(t *testing.T) {
		running := testExecution("acme", "dlq-running")
		running.Status = StatusRunning
		require.NoError(t, store.CreateExecution(ctx, running))

		// Force an entry against a non-terminal execution.
		fresh, err := router.Route(ctx, running, 0, NewFailure(ClassNonRetryable, "x", "y"), ReasonNonRetryable)
		require.NoError(t, err)

		_, err = router.Reprocess(ctx, fresh.ID, "ops@acme")
		assert.ErrorIs(t, err, ErrNotReprocessable)
	})
}
