package fluxline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidroman0O/retrypool"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var ErrSchedulerClosed = errors.New("scheduler is closed")

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultClaimLease   = 30 * time.Second
	defaultWorkerCount  = 4

	// Upper bound on claims per second across the poll loop, so a hot
	// backlog cannot starve the store of other traffic.
	claimRateLimit = 200
)

// DefinitionResolver loads the pinned definition for a claimed execution.
type DefinitionResolver func(ctx context.Context, id string, version int) (*WorkflowDefinition, error)

// executionTask is the unit of work handed to the pool: one claimed
// execution with its pinned definition.
type executionTask struct {
	exec *Execution
	def  *WorkflowDefinition
}

// executionWorker drives one claimed execution through its state machine.
type executionWorker struct {
	store    Store
	executor *StepExecutor
	policy   *RetryPolicy
	router   *DeadLetterRouter
	logger   Logger
}

func (w *executionWorker) Run(ctx context.Context, task *executionTask) error {
	instance := newExecutionInstance(ctx, w.store, w.executor, w.policy, w.router, w.logger, task.def, task.exec)
	return instance.run()
}

// Scheduler polls the store for due executions, claims them with a lease and
// dispatches them to a worker pool. Several schedulers can share one store;
// the conditional claim makes sure each due execution lands on exactly one of
// them.
type Scheduler struct {
	store       Store
	executor    *StepExecutor
	policy      *RetryPolicy
	router      *DeadLetterRouter
	definitions DefinitionResolver
	logger      Logger

	workerID     string
	pollInterval time.Duration
	claimLease   time.Duration

	pool    *retrypool.Pool[*executionTask]
	limiter *rate.Limiter
	group   *errgroup.Group
	cancel  context.CancelFunc
}

func NewScheduler(
	store Store,
	executor *StepExecutor,
	policy *RetryPolicy,
	router *DeadLetterRouter,
	definitions DefinitionResolver,
	logger Logger,
	workers int,
	pollInterval time.Duration,
	claimLease time.Duration,
) *Scheduler {
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if claimLease <= 0 {
		claimLease = defaultClaimLease
	}
	s := &Scheduler{
		store:        store,
		executor:     executor,
		policy:       policy,
		router:       router,
		definitions:  definitions,
		logger:       logger,
		workerID:     fmt.Sprintf("worker-%s", uuid.NewString()),
		pollInterval: pollInterval,
		claimLease:   claimLease,
		limiter:      rate.NewLimiter(rate.Limit(claimRateLimit), workers),
	}
	s.poolWorkers(workers)
	return s
}

func (s *Scheduler) poolWorkers(count int) {
	workers := make([]retrypool.Worker[*executionTask], count)
	for i := 0; i < count; i++ {
		workers[i] = &executionWorker{
			store:    s.store,
			executor: s.executor,
			policy:   s.policy,
			router:   s.router,
			logger:   s.logger,
		}
	}
	s.pool = retrypool.New(
		context.Background(),
		workers,
		retrypool.WithAttempts[*executionTask](1),
		retrypool.WithOnNewDeadTask[*executionTask](func(task *retrypool.DeadTask[*executionTask], idx int) {
			// A failed session just lets the lease expire; the execution is
			// re-claimed and resumed from its durable history.
			errs := errors.New("execution session aborted")
			for _, e := range task.Errors {
				errs = errors.Join(errs, e)
			}
			s.logger.Warn(context.Background(), "execution session aborted, lease will expire",
				"execution_id", task.Data.exec.ID, "error", errs.Error())
			if _, err := s.pool.PullDeadTask(idx); err != nil {
				s.logger.Error(context.Background(), "failed to drop dead session", "error", err.Error())
			}
		}),
	)
}

// Start launches the poll loop. It returns immediately; claimed executions
// run on the pool until Stop drains it.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.group, ctx = errgroup.WithContext(ctx)

	s.group.Go(func() error {
		return s.pollLoop(ctx)
	})

	s.logger.Info(ctx, "scheduler started",
		"worker_id", s.workerID, "poll_interval", s.pollInterval, "claim_lease", s.claimLease)
}

func (s *Scheduler) pollLoop(ctx context.Context) error {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}

		exec, err := s.claimNext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if !errors.Is(err, ErrNoDueExecutions) {
				s.logger.Error(ctx, "claim failed", "error", err.Error())
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.pollInterval):
			}
			continue
		}

		def, err := s.definitions(ctx, exec.DefinitionID, exec.DefinitionVersion)
		if err != nil {
			// Untouched otherwise; the lease expires and another claim can
			// retry once the definition is resolvable again.
			s.logger.Error(ctx, "definition lookup failed for claimed execution",
				"execution_id", exec.ID, "definition_id", exec.DefinitionID,
				"definition_version", exec.DefinitionVersion, "error", err.Error())
			continue
		}

		s.logger.Debug(ctx, "claimed execution",
			"execution_id", exec.ID, "status", exec.Status, "current_step", exec.CurrentStep)

		if err := s.pool.Submit(&executionTask{exec: exec, def: def}); err != nil {
			s.logger.Error(ctx, "submit failed", "execution_id", exec.ID, "error", err.Error())
		}
	}
}

// claimNext asks the store for one due execution, retrying transient store
// errors with a short exponential backoff. ErrNoDueExecutions is the idle
// signal and is returned as-is.
func (s *Scheduler) claimNext(ctx context.Context) (*Execution, error) {
	var claimed *Execution
	backoff := retry.WithMaxRetries(3, retry.NewExponential(10*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		exec, err := s.store.ClaimDue(ctx, s.workerID, time.Now().UTC(), s.claimLease)
		if err != nil {
			if errors.Is(err, ErrNoDueExecutions) {
				return err
			}
			return retry.RetryableError(err)
		}
		claimed = exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Stop halts claiming, waits for in-flight executions to park or terminate,
// then shuts the pool down.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			s.logger.Error(ctx, "poll loop exited with error", "error", err.Error())
		}
	}

	err := s.pool.WaitWithCallback(ctx, func(queueSize, processingCount, deadTaskCount int) bool {
		return queueSize > 0 || processingCount > 0
	}, 50*time.Millisecond)

	if cerr := s.pool.Close(); cerr != nil && !errors.Is(cerr, context.Canceled) {
		s.logger.Error(ctx, "pool close failed", "error", cerr.Error())
	}
	s.logger.Info(ctx, "scheduler stopped", "worker_id", s.workerID)
	return err
}
