package fluxline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialState(t *testing.T) {
	cases := map[ExecutionStatus]machineState{
		StatusPending:      statePending,
		StatusWaitingRetry: stateWaitingRetry,
		StatusRunning:      stateRunning,
	}
	for status, want := range cases {
		got, err := initialState(status)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	for _, status := range []ExecutionStatus{StatusCompleted, StatusFailed, StatusDeadLettered, StatusCanceled} {
		_, err := initialState(status)
		assert.ErrorIs(t, err, ErrExecutionClaimable, "status %s", status)
	}
}

func TestOutcomeRecordRoundTrip(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		now := time.Now().UTC()
		outcome := StepOutcome{Status: StepSucceeded, Output: []byte("x"), StartedAt: now, FinishedAt: now}
		record := recordFromOutcome("exec", 2, 3, outcome, nil)
		assert.Equal(t, 2, record.StepIndex)
		assert.Equal(t, 3, record.Attempt)
		assert.Empty(t, record.ErrorClass)

		replayed := outcomeFromRecord(record)
		assert.Equal(t, StepSucceeded, replayed.Status)
		assert.Equal(t, []byte("x"), replayed.Output)
		assert.Nil(t, replayed.Failure)
	})

	t.Run("failure keeps its class through replay", func(t *testing.T) {
		outcome := StepOutcome{
			Status:  StepFailed,
			Failure: NewFailure(ClassRateLimited, "quota", "slow down"),
		}
		record := recordFromOutcome("exec", 0, 1, outcome, nil)
		assert.Equal(t, ClassRateLimited, record.ErrorClass)

		replayed := outcomeFromRecord(record)
		require.NotNil(t, replayed.Failure)
		assert.Equal(t, ClassRateLimited, replayed.Failure.Class)
	})
}

func TestReplayedAttemptKeepsRecordedRetryAt(t *testing.T) {
	store, err := NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := NewRegistry()
	registry.RegisterFunc("send", func(ctx context.Context, req *HandlerRequest) ([]byte, error) {
		t.Error("a recorded attempt must be replayed, not re-run")
		return nil, nil
	})
	executor := NewStepExecutor(registry, testLogger(), time.Second)
	policy, err := NewRetryPolicy(
		WithMaxAttempts(3), WithBackoffBase(time.Millisecond), WithJitterFraction(0))
	require.NoError(t, err)
	router := NewDeadLetterRouter(store, testLogger())

	// The previous claim crashed after appending the rate-limited attempt but
	// before parking the execution.
	exec := testExecution("t1", "replay-hint")
	exec.Status = StatusRunning
	require.NoError(t, store.CreateExecution(context.Background(), exec))

	hint := time.Now().UTC().Add(45 * time.Minute)
	require.NoError(t, store.AppendStepExecution(context.Background(), &StepExecution{
		ExecutionID: exec.ID, StepIndex: 0, Attempt: 1,
		Status: StepFailed, ErrorClass: ClassRateLimited, Error: "quota exhausted",
		StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC(),
		NextRetryAt: &hint,
	}))

	def := &WorkflowDefinition{ID: "def", Version: 1, Steps: []StepSpec{
		{Name: "send", Handler: "send", MaxAttempts: 3},
	}}
	instance := newExecutionInstance(context.Background(), store, executor, policy, router, testLogger(), def, exec)
	require.NoError(t, instance.run())

	parked, err := store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingRetry, parked.Status)
	require.NotNil(t, parked.NextRetryAt, "the recorded backpressure hint must survive the replay")
	assert.Equal(t, hint, parked.NextRetryAt.UTC())
}

func TestStepInput(t *testing.T) {
	store, err := NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	exec := testExecution("t1", "input-test")
	exec.Input = []byte("trigger")
	exec.CurrentStep = 1
	require.NoError(t, store.CreateExecution(context.Background(), exec))

	def := &WorkflowDefinition{ID: "def", Version: 1, Steps: []StepSpec{
		{Name: "a", Handler: "h"},
		{Name: "b", Handler: "h"},
	}}

	instance := newExecutionInstance(context.Background(), store, nil, nil, nil, testLogger(), def, exec)

	t.Run("default is the trigger input", func(t *testing.T) {
		input, err := instance.stepInput(StepSpec{Name: "b", Handler: "h"})
		require.NoError(t, err)
		assert.Equal(t, []byte("trigger"), input)
	})

	t.Run("previous output from the session", func(t *testing.T) {
		instance.prevOutput = []byte("carried")
		input, err := instance.stepInput(StepSpec{Name: "b", Handler: "h", InputMapping: MapPreviousOutput})
		require.NoError(t, err)
		assert.Equal(t, []byte("carried"), input)
		instance.prevOutput = nil
	})

	t.Run("previous output replayed from history on a resumed claim", func(t *testing.T) {
		require.NoError(t, store.AppendStepExecution(context.Background(), &StepExecution{
			ExecutionID: exec.ID, StepIndex: 0, Attempt: 1,
			Status: StepSucceeded, Output: []byte("from-history"),
			StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC(),
		}))

		input, err := instance.stepInput(StepSpec{Name: "b", Handler: "h", InputMapping: MapPreviousOutput})
		require.NoError(t, err)
		assert.Equal(t, []byte("from-history"), input)
	})

	t.Run("unknown mapping is rejected", func(t *testing.T) {
		_, err := instance.stepInput(StepSpec{Name: "b", Handler: "h", InputMapping: "$nope"})
		assert.Error(t, err)
	})
}
