package fluxline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
)

var (
	ErrEngineClosed      = errors.New("engine is closed")
	ErrDefinitionInvalid = errors.New("workflow definition is invalid")
	ErrNotCancelable     = errors.New("execution is not in a cancelable status")
)

const definitionCacheSize = 128

// Engine is the front door: it owns the store, the handler registry, the
// retry policy and the scheduler, and exposes the workflow lifecycle.
//
//	engine, err := fluxline.New(ctx, registry, fluxline.WithPath("./flux.db"))
//	...
//	exec, err := engine.StartExecution(ctx, fluxline.StartRequest{...})
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	store     Store
	ownsStore bool
	registry  *Registry
	policy    *RetryPolicy
	executor  *StepExecutor
	router    *DeadLetterRouter
	scheduler *Scheduler
	logger    Logger

	defCache *lru.Cache
}

func New(ctx context.Context, registry *Registry, opts ...engineOption) (*Engine, error) {
	cfg := engineConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.logger == nil {
		cfg.logger = NewDefaultLogger(slog.LevelInfo, TextFormat)
	}
	if cfg.policy == nil {
		cfg.policy = DefaultRetryPolicy()
	}

	ctx, cancel := context.WithCancel(ctx)

	store := cfg.store
	ownsStore := false
	if store == nil {
		ownsStore = true
		if cfg.path != nil {
			cfg.logger.Debug(ctx, "opening sqlite store", "path", *cfg.path, "destructive", cfg.destructive)
			s, err := NewSQLiteStore(ctx, *cfg.path, cfg.destructive)
			if err != nil {
				cancel()
				return nil, err
			}
			store = s
		} else {
			cfg.logger.Debug(ctx, "using in-memory store")
			s, err := NewMemoryStore()
			if err != nil {
				cancel()
				return nil, err
			}
			store = s
		}
	}

	defCache, err := lru.New(definitionCacheSize)
	if err != nil {
		cancel()
		return nil, err
	}

	executor := NewStepExecutor(registry, cfg.logger, cfg.stepTimeout)
	router := NewDeadLetterRouter(store, cfg.logger)

	e := &Engine{
		ctx:       ctx,
		cancel:    cancel,
		store:     store,
		ownsStore: ownsStore,
		registry:  registry,
		policy:    cfg.policy,
		executor:  executor,
		router:    router,
		logger:    cfg.logger,
		defCache:  defCache,
	}

	e.scheduler = NewScheduler(
		store, executor, cfg.policy, router,
		e.resolveDefinition, cfg.logger,
		cfg.workers, cfg.pollInterval, cfg.claimLease,
	)
	e.scheduler.Start(ctx)

	cfg.logger.Info(ctx, "engine started", "handlers", len(registry.Names()))
	return e, nil
}

// RegisterDefinition validates and persists a workflow definition. A
// (id, version) pair is immutable once saved.
func (e *Engine) RegisterDefinition(ctx context.Context, def *WorkflowDefinition) error {
	if err := e.validateDefinition(def); err != nil {
		return err
	}

	stored := *def
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	if err := e.store.SaveDefinition(ctx, &stored); err != nil {
		return err
	}
	e.defCache.Add(definitionKey(stored.ID, stored.Version), &stored)

	e.logger.Info(ctx, "definition registered",
		"definition_id", stored.ID, "definition_version", stored.Version, "steps", len(stored.Steps))
	return nil
}

func (e *Engine) validateDefinition(def *WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return errors.Join(ErrDefinitionInvalid, errors.New("missing definition id"))
	}
	if def.Version <= 0 {
		return errors.Join(ErrDefinitionInvalid, fmt.Errorf("version %d must be positive", def.Version))
	}
	if len(def.Steps) == 0 {
		return errors.Join(ErrDefinitionInvalid, errors.New("definition has no steps"))
	}

	seen := make(map[string]struct{}, len(def.Steps))
	for i, step := range def.Steps {
		if step.Name == "" {
			return errors.Join(ErrDefinitionInvalid, fmt.Errorf("step %d has no name", i))
		}
		if _, dup := seen[step.Name]; dup {
			return errors.Join(ErrDefinitionInvalid, fmt.Errorf("duplicate step name %q", step.Name))
		}
		seen[step.Name] = struct{}{}

		if !e.registry.Has(step.Handler) {
			return errors.Join(ErrDefinitionInvalid, fmt.Errorf("step %q: handler %q is not registered", step.Name, step.Handler))
		}
		if step.Compensation != "" && !e.registry.Has(step.Compensation) {
			return errors.Join(ErrDefinitionInvalid, fmt.Errorf("step %q: compensation handler %q is not registered", step.Name, step.Compensation))
		}
		switch step.InputMapping {
		case "", MapTriggerInput, MapPreviousOutput:
		default:
			return errors.Join(ErrDefinitionInvalid, fmt.Errorf("step %q: unknown input mapping %q", step.Name, step.InputMapping))
		}
		if step.MaxAttempts < 0 {
			return errors.Join(ErrDefinitionInvalid, fmt.Errorf("step %q: negative max attempts", step.Name))
		}
		if step.Timeout < 0 {
			return errors.Join(ErrDefinitionInvalid, fmt.Errorf("step %q: negative timeout", step.Name))
		}
	}
	return nil
}

func (e *Engine) resolveDefinition(ctx context.Context, id string, version int) (*WorkflowDefinition, error) {
	if cached, ok := e.defCache.Get(definitionKey(id, version)); ok {
		return cached.(*WorkflowDefinition), nil
	}
	def, err := e.store.GetDefinition(ctx, id, version)
	if err != nil {
		return nil, err
	}
	e.defCache.Add(definitionKey(id, version), def)
	return def, nil
}

// StartExecution enqueues a workflow run. Starts are idempotent: a second
// request with the same tenant and idempotency key returns the original
// execution instead of creating a new one.
func (e *Engine) StartExecution(ctx context.Context, req StartRequest) (*Execution, error) {
	if _, err := e.resolveDefinition(ctx, req.DefinitionID, req.DefinitionVersion); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exec := &Execution{
		ID:                uuid.NewString(),
		TenantID:          req.TenantID,
		CorrelationID:     req.CorrelationID,
		DefinitionID:      req.DefinitionID,
		DefinitionVersion: req.DefinitionVersion,
		Status:            StatusPending,
		IdempotencyKey:    req.IdempotencyKey,
		Input:             req.Input,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if exec.IdempotencyKey == "" {
		// A missing key gets a unique one so it never dedupes.
		exec.IdempotencyKey = exec.ID
	}

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		if errors.Is(err, ErrIdempotencyConflict) {
			existing, getErr := e.store.GetExecutionByIdempotencyKey(ctx, req.TenantID, exec.IdempotencyKey)
			if getErr != nil {
				return nil, errors.Join(err, getErr)
			}
			e.logger.Debug(ctx, "start deduplicated by idempotency key",
				"execution_id", existing.ID, "tenant_id", req.TenantID, "idempotency_key", exec.IdempotencyKey)
			return existing, nil
		}
		return nil, err
	}

	executionsStarted.Inc()
	e.logger.Info(ctx, "execution started",
		"execution_id", exec.ID, "tenant_id", exec.TenantID,
		"definition_id", exec.DefinitionID, "definition_version", exec.DefinitionVersion)
	return exec, nil
}

// CancelExecution flips a pending, running or waiting_retry execution to
// canceled. A step already in flight finishes but its result is discarded.
func (e *Engine) CancelExecution(ctx context.Context, id string) error {
	for {
		exec, err := e.store.GetExecution(ctx, id)
		if err != nil {
			return err
		}
		switch exec.Status {
		case StatusPending, StatusRunning, StatusWaitingRetry:
		default:
			return errors.Join(ErrNotCancelable, fmt.Errorf("execution %s is %s", id, exec.Status))
		}

		exec.Status = StatusCanceled
		exec.NextRetryAt = nil
		err = e.store.UpdateExecution(ctx, exec, exec.Version)
		if err == nil {
			executionsFinished.WithLabelValues(string(StatusCanceled)).Inc()
			e.logger.Info(ctx, "execution canceled", "execution_id", id)
			return nil
		}
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return err
	}
}

func (e *Engine) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return e.store.GetExecution(ctx, id)
}

// GetExecutionHistory returns the append-only step attempt records, ordered
// by step index then attempt.
func (e *Engine) GetExecutionHistory(ctx context.Context, id string) ([]*StepExecution, error) {
	if _, err := e.store.GetExecution(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListStepExecutions(ctx, id)
}

func (e *Engine) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetterEntry, error) {
	return e.router.List(ctx, filter)
}

// ReprocessDeadLetter re-enqueues a dead-lettered execution from its failing
// step, with a fresh retry budget.
func (e *Engine) ReprocessDeadLetter(ctx context.Context, entryID, actor string) (*Execution, error) {
	return e.router.Reprocess(ctx, entryID, actor)
}

func (e *Engine) DiscardDeadLetter(ctx context.Context, entryID, actor, reason string) error {
	return e.router.Discard(ctx, entryID, actor, reason)
}

// WaitForExecution polls until the execution reaches a terminal status or the
// context expires.
func (e *Engine) WaitForExecution(ctx context.Context, id string, interval time.Duration) (*Execution, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	for {
		exec, err := e.store.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.Status.Terminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return exec, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Close drains in-flight executions, then releases the store if the engine
// owns it.
func (e *Engine) Close() error {
	e.logger.Info(e.ctx, "engine closing")

	err := e.scheduler.Stop(context.Background())
	e.cancel()

	if e.ownsStore {
		if closeErr := e.store.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}
	return err
}
