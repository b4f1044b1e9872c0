package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/cadenzahq/cadenza/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. the event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) PutDefinition(ctx context.Context, rec *DefinitionRecord) error {
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, version, name, definition, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Version, nullStr(rec.Name), string(def), timeOrNow(rec.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string, version int) (*DefinitionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, version, name, definition, created_at FROM definitions WHERE id = ? AND version = ?`,
		id, version,
	)
	return scanDefinition(row, id)
}

func (s *LibSQLStore) GetLatestDefinition(ctx context.Context, id string) (*DefinitionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, version, name, definition, created_at FROM definitions
		 WHERE id = ? ORDER BY version DESC LIMIT 1`, id,
	)
	return scanDefinition(row, id)
}

func scanDefinition(row *sql.Row, id string) (*DefinitionRecord, error) {
	rec := &DefinitionRecord{}
	var name sql.NullString
	var def string
	err := row.Scan(&rec.ID, &rec.Version, &name, &def, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", id)
	}
	if err != nil {
		return nil, err
	}
	rec.Name = name.String
	if err := json.Unmarshal([]byte(def), &rec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s: %w", id, err)
	}
	return rec, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*DefinitionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.version, d.name, d.definition, d.created_at FROM definitions d
		 JOIN (SELECT id, MAX(version) AS version FROM definitions GROUP BY id) latest
		   ON d.id = latest.id AND d.version = latest.version
		 ORDER BY d.id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*DefinitionRecord
	for rows.Next() {
		rec := &DefinitionRecord{}
		var name sql.NullString
		var def string
		if err := rows.Scan(&rec.ID, &rec.Version, &name, &def, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Name = name.String
		if err := json.Unmarshal([]byte(def), &rec.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition %s: %w", rec.ID, err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Contacts ---

func (s *LibSQLStore) UpsertContact(ctx context.Context, c *Contact) error {
	attrs, err := marshalMapOrDefault(c.Attributes)
	if err != nil {
		return fmt.Errorf("marshal contact attributes: %w", err)
	}
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return fmt.Errorf("marshal contact tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, email, phone, attributes, tags, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET email=excluded.email, phone=excluded.phone,
		   attributes=excluded.attributes, tags=excluded.tags`,
		c.ID, nullStr(c.Email), nullStr(c.Phone), string(attrs), string(tags), timeOrNow(c.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetContact(ctx context.Context, id string) (*Contact, error) {
	c := &Contact{}
	var email, phone, attrs, tags sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, phone, attributes, tags, created_at FROM contacts WHERE id = ?`, id,
	).Scan(&c.ID, &email, &phone, &attrs, &tags, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("contact", id)
	}
	if err != nil {
		return nil, err
	}
	c.Email = email.String
	c.Phone = phone.String
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &c.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal contact attributes: %w", err)
		}
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &c.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal contact tags: %w", err)
		}
	}
	return c, nil
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *Execution) error {
	ctxJSON, err := json.Marshal(ex.Context)
	if err != nil {
		return fmt.Errorf("marshal execution context: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions
		 (id, definition_id, definition_version, variant_definition_id, contact_id, status,
		  current_node_id, context, error_message, started_at, last_executed_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.DefinitionID, ex.DefinitionVersion, nullStr(ex.VariantDefinitionID), ex.ContactID,
		string(ex.Status), nullStr(ex.CurrentNodeID), string(ctxJSON), nullStr(ex.ErrorMessage),
		timeOrNow(ex.StartedAt), nullTime(ex.LastExecutedAt), nullTime(ex.CompletedAt), now,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"active execution already exists for definition %s contact %s", ex.DefinitionID, ex.ContactID).WithCause(err)
	}
	return err
}

const executionColumns = `id, definition_id, definition_version, variant_definition_id, contact_id,
	status, current_node_id, context, error_message, started_at, last_executed_at, completed_at, updated_at`

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return ex, err
}

func (s *LibSQLStore) FindActiveExecution(ctx context.Context, definitionID, contactID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		 WHERE definition_id = ? AND contact_id = ? AND status IN ('PENDING', 'RUNNING')`,
		definitionID, contactID)
	ex, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ex, err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any
	if filter.DefinitionID != "" {
		query += ` AND definition_id = ?`
		args = append(args, filter.DefinitionID)
	}
	if filter.ContactID != "" {
		query += ` AND contact_id = ?`
		args = append(args, filter.ContactID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func scanExecution(scan func(...any) error) (*Execution, error) {
	ex := &Execution{}
	var variantID, currentNode, errMsg sql.NullString
	var ctxJSON string
	var lastExecuted, completed sql.NullTime
	var status string
	err := scan(&ex.ID, &ex.DefinitionID, &ex.DefinitionVersion, &variantID, &ex.ContactID,
		&status, &currentNode, &ctxJSON, &errMsg, &ex.StartedAt, &lastExecuted, &completed, &ex.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ex.Status = schema.ExecutionStatus(status)
	ex.VariantDefinitionID = variantID.String
	ex.CurrentNodeID = currentNode.String
	ex.ErrorMessage = errMsg.String
	if lastExecuted.Valid {
		ex.LastExecutedAt = &lastExecuted.Time
	}
	if completed.Valid {
		ex.CompletedAt = &completed.Time
	}
	if err := json.Unmarshal([]byte(ctxJSON), &ex.Context); err != nil {
		return nil, fmt.Errorf("unmarshal execution context: %w", err)
	}
	return ex, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentNodeID != nil {
		sets = append(sets, "current_node_id = ?")
		args = append(args, nullStr(*update.CurrentNodeID))
	}
	if update.Context != nil {
		ctxJSON, err := json.Marshal(update.Context)
		if err != nil {
			return fmt.Errorf("marshal execution context: %w", err)
		}
		sets = append(sets, "context = ?")
		args = append(args, string(ctxJSON))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.LastExecutedAt != nil {
		sets = append(sets, "last_executed_at = ?")
		args = append(args, *update.LastExecutedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

// --- Execution steps ---

func (s *LibSQLStore) AppendStep(ctx context.Context, step *ExecutionStep) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_steps
		 (id, execution_id, node_id, node_type, attempt, status, output, error_message, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.ExecutionID, step.NodeID, string(step.NodeType), step.Attempt, string(step.Status),
		nullRaw(step.Output), nullStr(step.ErrorMessage), timeOrNow(step.StartedAt),
		nullTime(step.CompletedAt), step.DurationMs,
	)
	return err
}

func (s *LibSQLStore) UpdateStep(ctx context.Context, id string, update StepUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_steps SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution step", id)
}

func (s *LibSQLStore) ListSteps(ctx context.Context, executionID string) ([]*ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, node_type, attempt, status, output, error_message,
		        started_at, completed_at, duration_ms
		 FROM execution_steps WHERE execution_id = ? ORDER BY started_at, attempt`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*ExecutionStep
	for rows.Next() {
		st := &ExecutionStep{}
		var nodeType, status string
		var output, errMsg sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&st.ID, &st.ExecutionID, &st.NodeID, &nodeType, &st.Attempt, &status,
			&output, &errMsg, &st.StartedAt, &completed, &st.DurationMs); err != nil {
			return nil, err
		}
		st.NodeType = schema.NodeType(nodeType)
		st.Status = schema.StepStatus(status)
		st.Output = jsonOrNil(output)
		st.ErrorMessage = errMsg.String
		if completed.Valid {
			st.CompletedAt = &completed.Time
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Retry state ---

func (s *LibSQLStore) GetRetryState(ctx context.Context, executionID, nodeID string) (*RetryState, error) {
	st := &RetryState{}
	var circuitOpen int
	var lastAttempt, nextRetry sql.NullTime
	var attempts sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id, node_id, retry_count, max_retries, consecutive_failures, circuit_open,
		        last_attempt_at, next_retry_at, attempts, updated_at
		 FROM retry_states WHERE execution_id = ? AND node_id = ?`, executionID, nodeID,
	).Scan(&st.ExecutionID, &st.NodeID, &st.RetryCount, &st.MaxRetries, &st.ConsecutiveFailures,
		&circuitOpen, &lastAttempt, &nextRetry, &attempts, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.CircuitOpen = circuitOpen != 0
	if lastAttempt.Valid {
		st.LastAttemptAt = &lastAttempt.Time
	}
	if nextRetry.Valid {
		st.NextRetryAt = &nextRetry.Time
	}
	if attempts.Valid && attempts.String != "" {
		if err := json.Unmarshal([]byte(attempts.String), &st.Attempts); err != nil {
			return nil, fmt.Errorf("unmarshal retry attempts: %w", err)
		}
	}
	return st, nil
}

func (s *LibSQLStore) PutRetryState(ctx context.Context, state *RetryState) error {
	attempts, err := json.Marshal(state.Attempts)
	if err != nil {
		return fmt.Errorf("marshal retry attempts: %w", err)
	}
	circuitOpen := 0
	if state.CircuitOpen {
		circuitOpen = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO retry_states
		 (execution_id, node_id, retry_count, max_retries, consecutive_failures, circuit_open,
		  last_attempt_at, next_retry_at, attempts, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, node_id) DO UPDATE SET
		   retry_count=excluded.retry_count, max_retries=excluded.max_retries,
		   consecutive_failures=excluded.consecutive_failures, circuit_open=excluded.circuit_open,
		   last_attempt_at=excluded.last_attempt_at, next_retry_at=excluded.next_retry_at,
		   attempts=excluded.attempts, updated_at=excluded.updated_at`,
		state.ExecutionID, state.NodeID, state.RetryCount, state.MaxRetries, state.ConsecutiveFailures,
		circuitOpen, nullTime(state.LastAttemptAt), nullTime(state.NextRetryAt), string(attempts),
		time.Now().UTC(),
	)
	return err
}

// --- Queue jobs ---

func (s *LibSQLStore) EnqueueJob(ctx context.Context, job *QueueJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_jobs (id, queue, execution_id, node_id, run_at, lease_until, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Queue, job.ExecutionID, job.NodeID, timeOrNow(job.RunAt),
		nullTime(job.LeaseUntil), job.Attempts, timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ClaimDueJob(ctx context.Context, queue string, now time.Time, lease time.Duration) (*QueueJob, error) {
	leaseUntil := now.Add(lease)
	row := s.db.QueryRowContext(ctx,
		`UPDATE queue_jobs SET lease_until = ?, attempts = attempts + 1
		 WHERE id = (
		   SELECT id FROM queue_jobs
		   WHERE queue = ? AND run_at <= ? AND (lease_until IS NULL OR lease_until <= ?)
		   ORDER BY run_at LIMIT 1
		 )
		 RETURNING id, queue, execution_id, node_id, run_at, lease_until, attempts, created_at`,
		leaseUntil, queue, now, now,
	)

	job := &QueueJob{}
	var leased sql.NullTime
	err := row.Scan(&job.ID, &job.Queue, &job.ExecutionID, &job.NodeID, &job.RunAt, &leased, &job.Attempts, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if leased.Valid {
		job.LeaseUntil = &leased.Time
	}
	return job, nil
}

func (s *LibSQLStore) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "queue job", id)
}

func (s *LibSQLStore) ReleaseJob(ctx context.Context, id string, runAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs SET lease_until = NULL, run_at = ? WHERE id = ?`, runAt, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "queue job", id)
}

func (s *LibSQLStore) CountJobs(ctx context.Context, queue string, now time.Time) (waiting, delayed, active int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT
		   COUNT(CASE WHEN run_at <= ? AND (lease_until IS NULL OR lease_until <= ?) THEN 1 END),
		   COUNT(CASE WHEN run_at > ? THEN 1 END),
		   COUNT(CASE WHEN lease_until IS NOT NULL AND lease_until > ? THEN 1 END)
		 FROM queue_jobs WHERE queue = ?`,
		now, now, now, now, queue,
	).Scan(&waiting, &delayed, &active)
	return waiting, delayed, active, err
}

// --- Dead letters ---

func (s *LibSQLStore) MoveToDeadLetter(ctx context.Context, jobID, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	job := &QueueJob{}
	err = tx.QueryRowContext(ctx,
		`SELECT id, queue, execution_id, node_id, attempts FROM queue_jobs WHERE id = ?`, jobID,
	).Scan(&job.ID, &job.Queue, &job.ExecutionID, &job.NodeID, &job.Attempts)
	if err == sql.ErrNoRows {
		return storeNotFound("queue job", jobID)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letters (id, queue, execution_id, node_id, reason, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Queue, job.ExecutionID, job.NodeID, reason, job.Attempts, time.Now().UTC(),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_jobs WHERE id = ?`, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, queue, execution_id, node_id, reason, attempts, created_at
		 FROM dead_letters ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		dl := &DeadLetter{}
		if err := rows.Scan(&dl.ID, &dl.Queue, &dl.ExecutionID, &dl.NodeID, &dl.Reason, &dl.Attempts, &dl.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) RequeueDeadLetter(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	dl := &DeadLetter{}
	err = tx.QueryRowContext(ctx,
		`SELECT id, queue, execution_id, node_id FROM dead_letters WHERE id = ?`, id,
	).Scan(&dl.ID, &dl.Queue, &dl.ExecutionID, &dl.NodeID)
	if err == sql.ErrNoRows {
		return storeNotFound("dead letter", id)
	}
	if err != nil {
		return err
	}

	// Attempts reset to zero: the requeued job gets a fresh delivery budget.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_jobs (id, queue, execution_id, node_id, run_at, lease_until, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, NULL, 0, ?)`,
		dl.ID, dl.Queue, dl.ExecutionID, dl.NodeID, time.Now().UTC(), time.Now().UTC(),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Variant configs ---

func (s *LibSQLStore) PutVariantConfig(ctx context.Context, cfg *VariantConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO variant_configs (definition_id, variant_definition_id, weight) VALUES (?, ?, ?)
		 ON CONFLICT(definition_id, variant_definition_id) DO UPDATE SET weight=excluded.weight`,
		cfg.DefinitionID, cfg.VariantDefinitionID, cfg.Weight,
	)
	return err
}

func (s *LibSQLStore) GetVariantConfigs(ctx context.Context, definitionID string) ([]*VariantConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition_id, variant_definition_id, weight FROM variant_configs
		 WHERE definition_id = ? ORDER BY variant_definition_id`, definitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*VariantConfig
	for rows.Next() {
		cfg := &VariantConfig{}
		if err := rows.Scan(&cfg.DefinitionID, &cfg.VariantDefinitionID, &cfg.Weight); err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// --- Scheduled starts ---

func (s *LibSQLStore) CreateScheduledStart(ctx context.Context, sched *ScheduledStart) error {
	enabled := 0
	if sched.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_starts
		 (id, definition_id, contact_id, cron_expression, payload, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.DefinitionID, sched.ContactID, sched.CronExpression,
		nullRaw(sched.Payload), enabled, nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListScheduledStarts(ctx context.Context, enabledOnly bool) ([]*ScheduledStart, error) {
	query := `SELECT id, definition_id, contact_id, cron_expression, payload, enabled,
	                 last_run_at, next_run_at, created_at FROM scheduled_starts`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledStart
	for rows.Next() {
		sched := &ScheduledStart{}
		var payload sql.NullString
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.DefinitionID, &sched.ContactID, &sched.CronExpression,
			&payload, &enabled, &lastRun, &nextRun, &sched.CreatedAt); err != nil {
			return nil, err
		}
		sched.Payload = jsonOrNil(payload)
		sched.Enabled = enabled != 0
		if lastRun.Valid {
			sched.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			sched.NextRunAt = &nextRun.Time
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateScheduledStartRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_starts SET last_run_at = ?, next_run_at = ? WHERE id = ?`,
		lastRun, nullTime(nextRun), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled start", id)
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence`, executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &nodeID, &ev.Type, &payload, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, err
		}
		ev.NodeID = nodeID.String
		ev.Payload = jsonOrNil(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
