package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/goclaw/sagaflow/pkg/saga"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

const instanceColumns = `saga_id, saga_type, status, executor_id, current_step, current_step_index,
	context_data, compensation_data, started_at, completed_at, updated_at,
	failure_reason, retry_count, max_retries`

const stepLogColumns = `id, saga_id, step_name, step_index, status, execution_type, duration_ms,
	input_data, output_data, error_message, stack_trace, retry_attempt, created_at, updated_at`

// Store implements saga.Store over the saga_instance and saga_step_log tables.
type Store struct {
	db *sql.DB
}

var _ saga.Store = (*Store)(nil)

// NewStore wraps an open database. Run Migrate first.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db}, nil
}

func (s *Store) CreateInstance(ctx context.Context, instance *saga.SagaInstance) error {
	if err := saga.ValidateInstance(instance); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO saga_instance (`+instanceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		instanceArgs(instance)...,
	)
	if isPgCode(err, uniqueViolation) {
		return fmt.Errorf("%w: %s", saga.ErrSagaExists, instance.SagaID)
	}
	if err != nil {
		return fmt.Errorf("insert saga instance: %w", err)
	}
	return nil
}

// UpdateInstance locks the row, checks the status transition and rewrites it.
func (s *Store) UpdateInstance(ctx context.Context, instance *saga.SagaInstance) error {
	if err := saga.ValidateInstance(instance); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current saga.Status
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM saga_instance WHERE saga_id = $1 FOR UPDATE`, instance.SagaID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, instance.SagaID)
	}
	if err != nil {
		return fmt.Errorf("lock saga instance: %w", err)
	}
	if err := saga.ValidateTransition(current, instance.Status); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE saga_instance SET
			saga_type = $2, status = $3, executor_id = $4, current_step = $5, current_step_index = $6,
			context_data = $7, compensation_data = $8, started_at = $9, completed_at = $10, updated_at = $11,
			failure_reason = $12, retry_count = $13, max_retries = $14
		WHERE saga_id = $1`,
		instanceArgs(instance)...,
	)
	if err != nil {
		return fmt.Errorf("update saga instance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, sagaID string) (*saga.SagaInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM saga_instance WHERE saga_id = $1`, sagaID)
	instance, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", saga.ErrSagaNotFound, sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("get saga instance: %w", err)
	}
	return instance, nil
}

func (s *Store) FindByStatus(ctx context.Context, status saga.Status) ([]*saga.SagaInstance, error) {
	return s.queryInstances(ctx, `status = $1`, string(status))
}

func (s *Store) FindByTypeAndStatus(ctx context.Context, sagaType string, status saga.Status) ([]*saga.SagaInstance, error) {
	return s.queryInstances(ctx, `saga_type = $1 AND status = $2`, sagaType, string(status))
}

func (s *Store) FindStuck(ctx context.Context, cutoff time.Time) ([]*saga.SagaInstance, error) {
	return s.queryInstances(ctx, `status IN ($1, $2, $3) AND updated_at < $4`,
		string(saga.StatusStarted), string(saga.StatusProcessing), string(saga.StatusCompensating), cutoff.UTC())
}

func (s *Store) FindRetryable(ctx context.Context, sagaType string) ([]*saga.SagaInstance, error) {
	return s.queryInstances(ctx, `saga_type = $1 AND status = $2 AND retry_count < max_retries`,
		sagaType, string(saga.StatusFailed))
}

func (s *Store) FindCompletedBefore(ctx context.Context, cutoff time.Time) ([]*saga.SagaInstance, error) {
	return s.queryInstances(ctx, `status = $1 AND completed_at < $2`, string(saga.StatusCompleted), cutoff.UTC())
}

// DeleteInstance removes the row; step logs go with it through ON DELETE CASCADE.
func (s *Store) DeleteInstance(ctx context.Context, sagaID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM saga_instance WHERE saga_id = $1`, sagaID)
	if err != nil {
		return fmt.Errorf("delete saga instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete saga instance: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, sagaID)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context, sagaType string, from, to time.Time) (*saga.Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM saga_instance
		WHERE ($1 = '' OR saga_type = $1)
		  AND ($2::timestamptz IS NULL OR started_at >= $2)
		  AND ($3::timestamptz IS NULL OR started_at < $3)
		GROUP BY status`,
		sagaType, nullTime(from), nullTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("saga stats: %w", err)
	}
	defer rows.Close()

	counts := make(map[saga.Status]int)
	for rows.Next() {
		var status saga.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan saga stats: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("saga stats: %w", err)
	}
	return saga.NewStats(sagaType, from, to, counts), nil
}

func (s *Store) CreateStepLog(ctx context.Context, entry *saga.StepLog) error {
	if err := saga.ValidateStepLog(entry); err != nil {
		return err
	}
	now := time.Now().UTC()
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO saga_step_log (
			saga_id, step_name, step_index, status, execution_type, duration_ms,
			input_data, output_data, error_message, stack_trace, retry_attempt, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id`,
		entry.SagaID, entry.StepName, entry.StepIndex, string(entry.Status), string(entry.ExecutionType),
		entry.DurationMs, nullJSON(entry.InputData), nullJSON(entry.OutputData),
		entry.ErrorMessage, entry.StackTrace, entry.RetryAttempt, createdAt, now,
	).Scan(&entry.ID)
	if isPgCode(err, foreignKeyViolation) {
		return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, entry.SagaID)
	}
	if err != nil {
		return fmt.Errorf("insert step log: %w", err)
	}
	entry.CreatedAt, entry.UpdatedAt = createdAt, now
	return nil
}

func (s *Store) UpdateStepLog(ctx context.Context, entry *saga.StepLog) error {
	if err := saga.ValidateStepLog(entry); err != nil {
		return err
	}
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx,
		`UPDATE saga_step_log SET
			step_name = $3, step_index = $4, status = $5, execution_type = $6, duration_ms = $7,
			input_data = $8, output_data = $9, error_message = $10, stack_trace = $11,
			retry_attempt = $12, updated_at = $13
		WHERE id = $1 AND saga_id = $2
		RETURNING created_at`,
		entry.ID, entry.SagaID, entry.StepName, entry.StepIndex, string(entry.Status), string(entry.ExecutionType),
		entry.DurationMs, nullJSON(entry.InputData), nullJSON(entry.OutputData),
		entry.ErrorMessage, entry.StackTrace, entry.RetryAttempt, now,
	).Scan(&entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: saga %s id %d", saga.ErrStepLogNotFound, entry.SagaID, entry.ID)
	}
	if err != nil {
		return fmt.Errorf("update step log: %w", err)
	}
	entry.UpdatedAt = now
	return nil
}

func (s *Store) StepLogs(ctx context.Context, sagaID string, filter saga.StepLogFilter) ([]*saga.StepLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepLogColumns+` FROM saga_step_log
		WHERE saga_id = $1
		  AND ($2 = '' OR execution_type = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY id`,
		sagaID, string(filter.ExecutionType), string(filter.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("query step logs: %w", err)
	}
	defer rows.Close()

	entries := make([]*saga.StepLog, 0)
	for rows.Next() {
		var entry saga.StepLog
		var input, output []byte
		if err := rows.Scan(
			&entry.ID, &entry.SagaID, &entry.StepName, &entry.StepIndex, &entry.Status, &entry.ExecutionType,
			&entry.DurationMs, &input, &output, &entry.ErrorMessage, &entry.StackTrace, &entry.RetryAttempt,
			&entry.CreatedAt, &entry.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step log: %w", err)
		}
		entry.InputData, entry.OutputData = rawJSON(input), rawJSON(output)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query step logs: %w", err)
	}
	return entries, nil
}

func (s *Store) queryInstances(ctx context.Context, where string, args ...any) ([]*saga.SagaInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM saga_instance WHERE `+where+` ORDER BY started_at, saga_id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query saga instances: %w", err)
	}
	defer rows.Close()

	instances := make([]*saga.SagaInstance, 0)
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga instance: %w", err)
		}
		instances = append(instances, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query saga instances: %w", err)
	}
	return instances, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*saga.SagaInstance, error) {
	var instance saga.SagaInstance
	var contextData, compensationData []byte
	var completedAt sql.NullTime
	if err := row.Scan(
		&instance.SagaID, &instance.SagaType, &instance.Status, &instance.ExecutorID,
		&instance.CurrentStep, &instance.CurrentStepIndex, &contextData, &compensationData,
		&instance.StartedAt, &completedAt, &instance.UpdatedAt,
		&instance.FailureReason, &instance.RetryCount, &instance.MaxRetries,
	); err != nil {
		return nil, err
	}
	instance.ContextData = rawJSON(contextData)
	instance.CompensationData = rawJSON(compensationData)
	if completedAt.Valid {
		done := completedAt.Time.UTC()
		instance.CompletedAt = &done
	}
	instance.StartedAt = instance.StartedAt.UTC()
	instance.UpdatedAt = instance.UpdatedAt.UTC()
	return &instance, nil
}

func instanceArgs(i *saga.SagaInstance) []any {
	var completedAt any
	if i.CompletedAt != nil {
		completedAt = i.CompletedAt.UTC()
	}
	updatedAt := i.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	return []any{
		i.SagaID, i.SagaType, string(i.Status), i.ExecutorID, i.CurrentStep, i.CurrentStepIndex,
		nullJSON(i.ContextData), nullJSON(i.CompensationData), i.StartedAt.UTC(), completedAt, updatedAt.UTC(),
		i.FailureReason, i.RetryCount, i.MaxRetries,
	}
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
