package fluxline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidroman0O/comfylite3"
)

var ErrSQLiteStore = errors.New("sqlite store failed")

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	id         TEXT    NOT NULL,
	version    INTEGER NOT NULL,
	steps      TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS executions (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT    NOT NULL,
	correlation_id     TEXT    NOT NULL DEFAULT '',
	definition_id      TEXT    NOT NULL,
	definition_version INTEGER NOT NULL,
	status             TEXT    NOT NULL,
	current_step       INTEGER NOT NULL DEFAULT 0,
	attempt            INTEGER NOT NULL DEFAULT 0,
	attempt_base       INTEGER NOT NULL DEFAULT 0,
	idempotency_key    TEXT    NOT NULL,
	input              BLOB,
	output             BLOB,
	error_class        TEXT    NOT NULL DEFAULT '',
	error_message      TEXT    NOT NULL DEFAULT '',
	next_retry_at      INTEGER,
	claimed_by         TEXT    NOT NULL DEFAULT '',
	claim_expires_at   INTEGER,
	version            INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL,
	UNIQUE (tenant_id, idempotency_key)
);

CREATE INDEX IF NOT EXISTS executions_status ON executions (status, next_retry_at);

CREATE TABLE IF NOT EXISTS step_executions (
	execution_id  TEXT    NOT NULL,
	step_index    INTEGER NOT NULL,
	attempt       INTEGER NOT NULL,
	status        TEXT    NOT NULL,
	error_class   TEXT    NOT NULL DEFAULT '',
	error_message TEXT    NOT NULL DEFAULT '',
	output        BLOB,
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER NOT NULL,
	next_retry_at INTEGER,
	PRIMARY KEY (execution_id, step_index, attempt)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id              TEXT PRIMARY KEY,
	execution_id    TEXT    NOT NULL,
	tenant_id       TEXT    NOT NULL DEFAULT '',
	step_index      INTEGER NOT NULL,
	error_class     TEXT    NOT NULL DEFAULT '',
	error_message   TEXT    NOT NULL DEFAULT '',
	reason          TEXT    NOT NULL,
	resolution      TEXT    NOT NULL,
	reprocess_count INTEGER NOT NULL DEFAULT 0,
	audit           TEXT    NOT NULL DEFAULT '[]',
	version         INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS dead_letters_pending
	ON dead_letters (execution_id) WHERE resolution = 'pending_review';
`

// SQLiteStore is the durable Store, a single sqlite file behind comfylite3's
// write queue so concurrent workers never trip over sqlite's single-writer
// rule.
type SQLiteStore struct {
	comfy *comfylite3.ComfyDB
	db    *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. An empty path means
// an in-memory database. destructive removes an existing file first.
func NewSQLiteStore(ctx context.Context, path string, destructive bool) (*SQLiteStore, error) {
	optsComfy := []comfylite3.ComfyOption{}

	if path != "" {
		if destructive {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, errors.Join(ErrSQLiteStore, err)
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
			return nil, errors.Join(ErrSQLiteStore, err)
		}
		optsComfy = append(optsComfy, comfylite3.WithPath(path))
	} else {
		optsComfy = append(optsComfy, comfylite3.WithMemory())
	}

	comfy, err := comfylite3.New(optsComfy...)
	if err != nil {
		return nil, errors.Join(ErrSQLiteStore, err)
	}

	db := comfylite3.OpenDB(
		comfy,
		comfylite3.WithOption("_fk=1"),
		comfylite3.WithOption("cache=shared"),
		comfylite3.WithOption("mode=rwc"),
		comfylite3.WithForeignKeys(),
	)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Join(ErrSQLiteStore, err)
	}

	return &SQLiteStore{comfy: comfy, db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nanosPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func (s *SQLiteStore) SaveDefinition(ctx context.Context, def *WorkflowDefinition) error {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return errors.Join(ErrSQLiteStore, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, version, steps, created_at) VALUES (?, ?, ?, ?)`,
		def.ID, def.Version, string(steps), nanos(def.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDefinitionExists
	}
	if err != nil {
		return errors.Join(ErrSQLiteStore, err)
	}
	return nil
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, id string, version int) (*WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT steps, created_at FROM workflow_definitions WHERE id = ? AND version = ?`,
		id, version)

	var steps string
	var createdAt int64
	if err := row.Scan(&steps, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDefinitionNotFound
		}
		return nil, errors.Join(ErrSQLiteStore, err)
	}

	def := &WorkflowDefinition{ID: id, Version: version, CreatedAt: fromNanos(createdAt)}
	if err := json.Unmarshal([]byte(steps), &def.Steps); err != nil {
		return nil, errors.Join(ErrSQLiteStore, err)
	}
	return def, nil
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (
			id, tenant_id, correlation_id, definition_id, definition_version,
			status, current_step, attempt, attempt_base, idempotency_key, input, output,
			error_class, error_message, next_retry_at, claimed_by,
			claim_expires_at, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.TenantID, exec.CorrelationID, exec.DefinitionID, exec.DefinitionVersion,
		string(exec.Status), exec.CurrentStep, exec.Attempt, exec.AttemptBase, exec.IdempotencyKey, exec.Input, exec.Output,
		string(exec.ErrorClass), exec.ErrorMessage, nanosPtr(exec.NextRetryAt), exec.ClaimedBy,
		nanosPtr(exec.ClaimExpiresAt), exec.Version, nanos(exec.CreatedAt), nanos(exec.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrIdempotencyConflict
	}
	if err != nil {
		return errors.Join(ErrSQLiteStore, err)
	}
	return nil
}

const executionColumns = `
	id, tenant_id, correlation_id, definition_id, definition_version,
	status, current_step, attempt, attempt_base, idempotency_key, input, output,
	error_class, error_message, next_retry_at, claimed_by,
	claim_expires_at, version, created_at, updated_at`

func scanExecution(row interface{ Scan(...interface{}) error }) (*Execution, error) {
	var exec Execution
	var status, errorClass string
	var nextRetryAt, claimExpiresAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&exec.ID, &exec.TenantID, &exec.CorrelationID, &exec.DefinitionID, &exec.DefinitionVersion,
		&status, &exec.CurrentStep, &exec.Attempt, &exec.AttemptBase, &exec.IdempotencyKey, &exec.Input, &exec.Output,
		&errorClass, &exec.ErrorMessage, &nextRetryAt, &exec.ClaimedBy,
		&claimExpiresAt, &exec.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	exec.Status = ExecutionStatus(status)
	exec.ErrorClass = ErrorClass(errorClass)
	exec.NextRetryAt = fromNullNanos(nextRetryAt)
	exec.ClaimExpiresAt = fromNullNanos(claimExpiresAt)
	exec.CreatedAt = fromNanos(createdAt)
	exec.UpdatedAt = fromNanos(updatedAt)
	return &exec, nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrSQLiteStore, err)
	}
	return exec, nil
}

func (s *SQLiteStore) GetExecutionByIdempotencyKey(ctx context.Context, tenantID, key string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE tenant_id = ? AND idempotency_key = ?`,
		tenantID, key)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrSQLiteStore, err)
	}
	return exec, nil
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *Execution, expectedVersion int) error {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET
			status = ?, current_step = ?, attempt = ?, attempt_base = ?, output = ?,
			error_class = ?, error_message = ?, next_retry_at = ?,
			claimed_by = ?, claim_expires_at = ?, version = version + 1,
			updated_at = ?
		WHERE id = ? AND version = ?`,
		string(exec.Status), exec.CurrentStep, exec.Attempt, exec.AttemptBase, exec.Output,
		string(exec.ErrorClass), exec.ErrorMessage, nanosPtr(exec.NextRetryAt),
		exec.ClaimedBy, nanosPtr(exec.ClaimExpiresAt),
		nanos(now),
		exec.ID, expectedVersion)
	if err != nil {
		return errors.Join(ErrSQLiteStore, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Join(ErrSQLiteStore, err)
	}
	if affected == 0 {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?`, exec.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExecutionNotFound
		}
		return ErrVersionConflict
	}

	exec.Version = expectedVersion + 1
	exec.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) ClaimDue(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*Execution, error) {
	nowNanos := nanos(now)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version FROM executions
		WHERE (status = 'pending' AND (claim_expires_at IS NULL OR claim_expires_at <= ?))
		   OR (status = 'waiting_retry' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		       AND (claim_expires_at IS NULL OR claim_expires_at <= ?))
		   OR (status = 'running' AND claim_expires_at IS NOT NULL AND claim_expires_at <= ?)
		ORDER BY updated_at ASC
		LIMIT 8`,
		nowNanos, nowNanos, nowNanos, nowNanos)
	if err != nil {
		return nil, errors.Join(ErrSQLiteStore, err)
	}

	type candidate struct {
		id      string
		version int
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.version); err != nil {
			rows.Close()
			return nil, errors.Join(ErrSQLiteStore, err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Join(ErrSQLiteStore, err)
	}
	rows.Close()

	// Conditional claim: racing workers update the same row but only the one
	// matching the version wins; the others fall through to the next
	// candidate.
	for _, c := range candidates {
		res, err := s.db.ExecContext(ctx,
			`UPDATE executions SET claimed_by = ?, claim_expires_at = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`,
			workerID, nanos(now.Add(lease)), nowNanos, c.id, c.version)
		if err != nil {
			return nil, errors.Join(ErrSQLiteStore, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, errors.Join(ErrSQLiteStore, err)
		}
		if affected == 1 {
			return s.GetExecution(ctx, c.id)
		}
	}

	return nil, ErrNoDueExecutions
}

func (s *SQLiteStore) AppendStepExecution(ctx context.Context, step *StepExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_executions (
			execution_id, step_index, attempt, status, error_class,
			error_message, output, started_at, finished_at, next_retry_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ExecutionID, step.StepIndex, step.Attempt, string(step.Status), string(step.ErrorClass),
		step.Error, step.Output, nanos(step.StartedAt), nanos(step.FinishedAt), nanosPtr(step.NextRetryAt))
	if isUniqueViolation(err) {
		return ErrDuplicateAttempt
	}
	if err != nil {
		return errors.Join(ErrSQLiteStore, err)
	}
	return nil
}

const stepColumns = `
	execution_id, step_index, attempt, status, error_class,
	error_message, output, started_at, finished_at, next_retry_at`

func scanStep(row interface{ Scan(...interface{}) error }) (*StepExecution, error) {
	var step StepExecution
	var status, errorClass string
	var startedAt, finishedAt int64
	var nextRetryAt sql.NullInt64

	err := row.Scan(
		&step.ExecutionID, &step.StepIndex, &step.Attempt, &status, &errorClass,
		&step.Error, &step.Output, &startedAt, &finishedAt, &nextRetryAt)
	if err != nil {
		return nil, err
	}

	step.Status = StepStatus(status)
	step.ErrorClass = ErrorClass(errorClass)
	step.StartedAt = fromNanos(startedAt)
	step.FinishedAt = fromNanos(finishedAt)
	step.NextRetryAt = fromNullNanos(nextRetryAt)
	return &step, nil
}

func (s *SQLiteStore) GetStepExecution(ctx context.Context, executionID string, stepIndex, attempt int) (*StepExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM step_executions
		WHERE execution_id = ? AND step_index = ? AND attempt = ?`,
		executionID, stepIndex, attempt)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(ErrSQLiteStore, err)
	}
	return step, nil
}

func (s *SQLiteStore) ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM step_executions
		WHERE execution_id = ?
		ORDER BY step_index ASC, attempt ASC`,
		executionID)
	if err != nil {
		return nil, errors.Join(ErrSQLiteStore, err)
	}
	defer rows.Close()

	var steps []*StepExecution
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, errors.Join(ErrSQLiteStore, err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrSQLiteStore, err)
	}
	return steps, nil
}

func (s *SQLiteStore) CreateDeadLetter(ctx context.Context, entry *DeadLetterEntry) error {
	audit, err := json.Marshal(entry.Audit)
	if err != nil {
		return errors.Join(ErrSQLiteStore, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (
			id, execution_id, tenant_id, step_index, error_class, error_message,
			reason, resolution, reprocess_count, audit, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ExecutionID, entry.TenantID, entry.StepIndex, string(entry.ErrorClass), entry.ErrorMessage,
		string(entry.Reason), string(entry.Resolution), entry.ReprocessCount, string(audit), entry.Version,
		nanos(entry.CreatedAt), nanos(entry.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrDeadLetterExists
	}
	if err != nil {
		return errors.Join(ErrSQLiteStore, err)
	}
	return nil
}

const deadLetterColumns = `
	id, execution_id, tenant_id, step_index, error_class, error_message,
	reason, resolution, reprocess_count, audit, version, created_at, updated_at`

func scanDeadLetter(row interface{ Scan(...interface{}) error }) (*DeadLetterEntry, error) {
	var entry DeadLetterEntry
	var errorClass, reason, resolution, audit string
	var createdAt, updatedAt int64

	err := row.Scan(
		&entry.ID, &entry.ExecutionID, &entry.TenantID, &entry.StepIndex, &errorClass, &entry.ErrorMessage,
		&reason, &resolution, &entry.ReprocessCount, &audit, &entry.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	entry.ErrorClass = ErrorClass(errorClass)
	entry.Reason = DeadLetterReason(reason)
	entry.Resolution = DeadLetterResolution(resolution)
	entry.CreatedAt = fromNanos(createdAt)
	entry.UpdatedAt = fromNanos(updatedAt)
	if err := json.Unmarshal([]byte(audit), &entry.Audit); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *SQLiteStore) GetDeadLetter(ctx context.Context, id string) (*DeadLetterEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id)
	entry, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrSQLiteStore, err)
	}
	return entry, nil
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE 1 = 1`
	var args []interface{}
	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.ExecutionID != "" {
		query += ` AND execution_id = ?`
		args = append(args, filter.ExecutionID)
	}
	if filter.Resolution != "" {
		query += ` AND resolution = ?`
		args = append(args, string(filter.Resolution))
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Join(ErrSQLiteStore, err)
	}
	defer rows.Close()

	var entries []*DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, errors.Join(ErrSQLiteStore, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrSQLiteStore, err)
	}
	return entries, nil
}

func (s *SQLiteStore) UpdateDeadLetter(ctx context.Context, entry *DeadLetterEntry, expectedVersion int) error {
	audit, err := json.Marshal(entry.Audit)
	if err != nil {
		return errors.Join(ErrSQLiteStore, err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET
			resolution = ?, reprocess_count = ?, audit = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(entry.Resolution), entry.ReprocessCount, string(audit), nanos(now),
		entry.ID, expectedVersion)
	if err != nil {
		return errors.Join(ErrSQLiteStore, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Join(ErrSQLiteStore, err)
	}
	if affected == 0 {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM dead_letters WHERE id = ?`, entry.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDeadLetterNotFound
		}
		return ErrVersionConflict
	}

	entry.Version = expectedVersion + 1
	entry.UpdatedAt = now
	return nil
}
