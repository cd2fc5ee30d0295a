package fluxline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/sasha-s/go-deadlock"
)

var ErrMemoryStore = errors.New("memory store failed")

const (
	tableDefinitions    = "definitions"
	tableExecutions     = "executions"
	tableStepExecutions = "step_executions"
	tableDeadLetters    = "dead_letters"
)

// Row wrappers carry precomputed key fields so go-memdb can index them.

type definitionRow struct {
	Key string // id@version
	Def *WorkflowDefinition
}

type executionRow struct {
	ID      string
	IdemKey string // tenant/idempotency key
	Status  string
	Exec    *Execution
}

type stepRow struct {
	Key         string // executionID/stepIndex/attempt
	ExecutionID string
	Step        *StepExecution
}

type deadLetterRow struct {
	ID          string
	ExecutionID string
	Resolution  string
	Entry       *DeadLetterEntry
}

func memoryStoreSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableDefinitions: {
				Name: tableDefinitions,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
				},
			},
			tableExecutions: {
				Name: tableExecutions,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"idem": {
						Name:    "idem",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "IdemKey"},
					},
					"status": {
						Name:    "status",
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
			tableStepExecutions: {
				Name: tableStepExecutions,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					"execution": {
						Name:    "execution",
						Indexer: &memdb.StringFieldIndex{Field: "ExecutionID"},
					},
				},
			},
			tableDeadLetters: {
				Name: tableDeadLetters,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"execution": {
						Name:    "execution",
						Indexer: &memdb.StringFieldIndex{Field: "ExecutionID"},
					},
				},
			},
		},
	}
}

// MemoryStore is the in-memory Store backed by go-memdb tables. A single
// mutex serializes writes so conditional updates observe a consistent
// version; reads go through memdb snapshots.
type MemoryStore struct {
	db *memdb.MemDB

	// Writes are serialized; go-deadlock flags lock-ordering mistakes during
	// development.
	mu deadlock.Mutex
}

func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memoryStoreSchema())
	if err != nil {
		return nil, errors.Join(ErrMemoryStore, err)
	}
	return &MemoryStore{db: db}, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func definitionKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

func idemKey(tenantID, key string) string {
	return tenantID + "/" + key
}

func stepKey(executionID string, stepIndex, attempt int) string {
	return fmt.Sprintf("%s/%d/%d", executionID, stepIndex, attempt)
}

func (s *MemoryStore) SaveDefinition(ctx context.Context, def *WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	key := definitionKey(def.ID, def.Version)
	existing, err := txn.First(tableDefinitions, "id", key)
	if err != nil {
		return errors.Join(ErrMemoryStore, err)
	}
	if existing != nil {
		return ErrDefinitionExists
	}

	if err := txn.Insert(tableDefinitions, &definitionRow{Key: key, Def: cloneDefinition(def)}); err != nil {
		return errors.Join(ErrMemoryStore, err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id string, version int) (*WorkflowDefinition, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableDefinitions, "id", definitionKey(id, version))
	if err != nil {
		return nil, errors.Join(ErrMemoryStore, err)
	}
	if raw == nil {
		return nil, ErrDefinitionNotFound
	}
	return cloneDefinition(raw.(*definitionRow).Def), nil
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableExecutions, "idem", idemKey(exec.TenantID, exec.IdempotencyKey))
	if err != nil {
		return errors.Join(ErrMemoryStore, err)
	}
	if existing != nil {
		return ErrIdempotencyConflict
	}

	if err := txn.Insert(tableExecutions, newExecutionRow(exec)); err != nil {
		return errors.Join(ErrMemoryStore, err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableExecutions, "id", id)
	if err != nil {
		return nil, errors.Join(ErrMemoryStore, err)
	}
	if raw == nil {
		return nil, ErrExecutionNotFound
	}
	return cloneExecution(raw.(*executionRow).Exec), nil
}

func (s *MemoryStore) GetExecutionByIdempotencyKey(ctx context.Context, tenantID, key string) (*Execution, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableExecutions, "idem", idemKey(tenantID, key))
	if err != nil {
		return nil, errors.Join(ErrMemoryStore, err)
	}
	if raw == nil {
		return nil, ErrExecutionNotFound
	}
	return cloneExecution(raw.(*executionRow).Exec), nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *Execution, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableExecutions, "id", exec.ID)
	if err != nil {
		return errors.Join(ErrMemoryStore, err)
	}
	if raw == nil {
		return ErrExecutionNotFound
	}
	current := raw.(*executionRow).Exec
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	exec.Version = expectedVersion + 1
	exec.UpdatedAt = time.Now().UTC()

	if err := txn.Insert(tableExecutions, newExecutionRow(exec)); err != nil {
		return errors.Join(ErrMemoryStore, err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) ClaimDue(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableExecutions, "id")
	if err != nil {
		return nil, errors.Join(ErrMemoryStore, err)
	}

	var candidates []*Execution
	for raw := it.Next(); raw != nil; raw = it.Next() {
		exec := raw.(*executionRow).Exec
		if claimable(exec, now) {
			candidates = append(candidates, exec)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoDueExecutions
	}

	// Oldest first so no execution starves.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
	})

	claimed := cloneExecution(candidates[0])
	expires := now.Add(lease)
	claimed.ClaimedBy = workerID
	claimed.ClaimExpiresAt = &expires
	claimed.Version++
	claimed.UpdatedAt = now.UTC()

	if err := txn.Insert(tableExecutions, newExecutionRow(claimed)); err != nil {
		return nil, errors.Join(ErrMemoryStore, err)
	}
	txn.Commit()
	return cloneExecution(claimed), nil
}

// claimable mirrors the dispatcher's due predicate: pending work, due retries
// and expired leases.
func claimable(exec *Execution, now time.Time) bool {
	leaseExpired := exec.ClaimExpiresAt == nil || !exec.ClaimExpiresAt.After(now)

	switch exec.Status {
	case StatusPending:
		return leaseExpired
	case StatusWaitingRetry:
		due := exec.NextRetryAt == nil || !exec.NextRetryAt.After(now)
		return due && leaseExpired
	case StatusRunning:
		// A running execution with an expired lease belongs to a crashed
		// worker and is re-claimable.
		return exec.ClaimExpiresAt != nil && !exec.ClaimExpiresAt.After(now)
	}
	return false
}

func (s *MemoryStore) AppendStepExecution(ctx context.Context, step *StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	key := stepKey(step.ExecutionID, step.StepIndex, step.Attempt)
	existing, err := txn.First(tableStepExecutions, "id", key)
	if err != nil {
		return errors.Join(ErrMemoryStore, err)
	}
	if existing != nil {
		return ErrDuplicateAttempt
	}

	row := &stepRow{Key: key, ExecutionID: step.ExecutionID, Step: cloneStep(step)}
	if err := txn.Insert(tableStepExecutions, row); err != nil {
		return errors.Join(ErrMemoryStore, err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) GetStepExecution(ctx context.Context, executionID string, stepIndex, attempt int) (*StepExecution, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableStepExecutions, "id", stepKey(executionID, stepIndex, attempt))
	if err != nil {
		return nil, errors.Join(ErrMemoryStore, err)
	}
	if raw == nil {
		return nil, nil
	}
	return cloneStep(raw.(*stepRow).Step), nil
}

func (s *MemoryStore) ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableStepExecutions, "execution", executionID)
	if err != nil {
		return nil, errors.Join(ErrMemoryStore, err)
	}

	var steps []*StepExecution
	for raw := it.Next(); raw != nil; raw = it.Next() {
		steps = append(steps, cloneStep(raw.(*stepRow).Step))
	}

	sort.Slice(steps, func(i, j int) bool {
		if steps[i].StepIndex != steps[j].StepIndex {
			return steps[i].StepIndex < steps[j].StepIndex
		}
		return steps[i].Attempt < steps[j].Attempt
	})
	return steps, nil
}

func (s *MemoryStore) CreateDeadLetter(ctx context.Context, entry *DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableDeadLetters, "execution", entry.ExecutionID)
	if err != nil {
		return errors.Join(ErrMemoryStore, err)
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if raw.(*deadLetterRow).Entry.Resolution == ResolutionPendingReview {
			return ErrDeadLetterExists
		}
	}

	if err := txn.Insert(tableDeadLetters, newDeadLetterRow(entry)); err != nil {
		return errors.Join(ErrMemoryStore, err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) GetDeadLetter(ctx context.Context, id string) (*DeadLetterEntry, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableDeadLetters, "id", id)
	if err != nil {
		return nil, errors.Join(ErrMemoryStore, err)
	}
	if raw == nil {
		return nil, ErrDeadLetterNotFound
	}
	return cloneDeadLetter(raw.(*deadLetterRow).Entry), nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetterEntry, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableDeadLetters, "id")
	if err != nil {
		return nil, errors.Join(ErrMemoryStore, err)
	}

	var entries []*DeadLetterEntry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		entry := raw.(*deadLetterRow).Entry
		if filter.TenantID != "" && entry.TenantID != filter.TenantID {
			continue
		}
		if filter.ExecutionID != "" && entry.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.Resolution != "" && entry.Resolution != filter.Resolution {
			continue
		}
		entries = append(entries, cloneDeadLetter(entry))
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

func (s *MemoryStore) UpdateDeadLetter(ctx context.Context, entry *DeadLetterEntry, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableDeadLetters, "id", entry.ID)
	if err != nil {
		return errors.Join(ErrMemoryStore, err)
	}
	if raw == nil {
		return ErrDeadLetterNotFound
	}
	if raw.(*deadLetterRow).Entry.Version != expectedVersion {
		return ErrVersionConflict
	}

	entry.Version = expectedVersion + 1
	entry.UpdatedAt = time.Now().UTC()

	if err := txn.Insert(tableDeadLetters, newDeadLetterRow(entry)); err != nil {
		return errors.Join(ErrMemoryStore, err)
	}
	txn.Commit()
	return nil
}

func newExecutionRow(exec *Execution) *executionRow {
	return &executionRow{
		ID:      exec.ID,
		IdemKey: idemKey(exec.TenantID, exec.IdempotencyKey),
		Status:  string(exec.Status),
		Exec:    cloneExecution(exec),
	}
}

func newDeadLetterRow(entry *DeadLetterEntry) *deadLetterRow {
	return &deadLetterRow{
		ID:          entry.ID,
		ExecutionID: entry.ExecutionID,
		Resolution:  string(entry.Resolution),
		Entry:       cloneDeadLetter(entry),
	}
}

func cloneDefinition(def *WorkflowDefinition) *WorkflowDefinition {
	out := *def
	out.Steps = append([]StepSpec(nil), def.Steps...)
	return &out
}

func cloneExecution(exec *Execution) *Execution {
	out := *exec
	out.Input = append([]byte(nil), exec.Input...)
	out.Output = append([]byte(nil), exec.Output...)
	if exec.NextRetryAt != nil {
		t := *exec.NextRetryAt
		out.NextRetryAt = &t
	}
	if exec.ClaimExpiresAt != nil {
		t := *exec.ClaimExpiresAt
		out.ClaimExpiresAt = &t
	}
	return &out
}

func cloneStep(step *StepExecution) *StepExecution {
	out := *step
	out.Output = append([]byte(nil), step.Output...)
	if step.NextRetryAt != nil {
		t := *step.NextRetryAt
		out.NextRetryAt = &t
	}
	return &out
}

func cloneDeadLetter(entry *DeadLetterEntry) *DeadLetterEntry {
	out := *entry
	out.Audit = append([]DeadLetterAudit(nil), entry.Audit...)
	return &out
}
