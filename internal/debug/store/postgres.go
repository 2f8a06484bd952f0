package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkflow/timetravel/internal/debug/state"
	"github.com/linkflow/timetravel/internal/debug/types"
)

// PGXPool is the subset of pgxpool.Pool the store uses. Tests substitute a
// pgxmock pool.
type PGXPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Store on PostgreSQL. Schema management lives in
// scripts/migrate; the store assumes migrated tables.
type PostgresStore struct {
	pool PGXPool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects a pool and verifies the connection.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool wraps an existing pool or mock.
func NewPostgresStoreWithPool(pool PGXPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Append(ctx context.Context, snap *types.Snapshot) (*types.Snapshot, error) {
	if snap == nil || snap.ExecutionID == "" || snap.StepNumber < 0 {
		return nil, fmt.Errorf("append snapshot: malformed snapshot: %w", types.ErrValidation)
	}

	stored := snap.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}

	data, err := encodeState(stored.State)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot state: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO execution_snapshots (id, execution_id, step_number, captured_at, state, checkpoint, severity)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, stored.ID, stored.ExecutionID, stored.StepNumber, stored.Timestamp, data, stored.Checkpoint, string(stored.Severity))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("append snapshot: execution %s step %d already recorded: %w",
				stored.ExecutionID, stored.StepNumber, types.ErrConflict)
		}
		return nil, wrapStorage("failed to insert snapshot", err)
	}

	return stored, nil
}

const snapshotColumns = `id, execution_id, step_number, captured_at, state, checkpoint, severity`

func scanSnapshot(row pgx.Row) (*types.Snapshot, error) {
	var snap types.Snapshot
	var severity string
	var data []byte

	if err := row.Scan(&snap.ID, &snap.ExecutionID, &snap.StepNumber, &snap.Timestamp, &data, &snap.Checkpoint, &severity); err != nil {
		return nil, err
	}

	doc, err := decodeState(data)
	if err != nil {
		return nil, err
	}
	snap.State = doc
	snap.Severity = types.Severity(severity)
	return &snap, nil
}

func (s *PostgresStore) querySnapshots(ctx context.Context, query string, args ...any) ([]*types.Snapshot, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage("failed to query snapshots", err)
	}
	defer rows.Close()

	out := []*types.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, wrapStorage("failed to scan snapshot", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("error iterating snapshots", err)
	}
	return out, nil
}

func (s *PostgresStore) ListByExecution(ctx context.Context, executionID string) ([]*types.Snapshot, error) {
	return s.querySnapshots(ctx, `
		SELECT `+snapshotColumns+`
		FROM execution_snapshots
		WHERE execution_id = $1
		ORDER BY step_number ASC
	`, executionID)
}

func (s *PostgresStore) GetCheckpoints(ctx context.Context, executionID string) ([]*types.Snapshot, error) {
	return s.querySnapshots(ctx, `
		SELECT `+snapshotColumns+`
		FROM execution_snapshots
		WHERE execution_id = $1 AND checkpoint
		ORDER BY step_number ASC
	`, executionID)
}

func (s *PostgresStore) GetByID(ctx context.Context, executionID, snapshotID string) (*types.Snapshot, error) {
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+`
		FROM execution_snapshots
		WHERE execution_id = $1 AND id = $2
	`, executionID, snapshotID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("snapshot %s: %w", snapshotID, types.ErrNotFound)
		}
		return nil, wrapStorage("failed to get snapshot", err)
	}
	return snap, nil
}

func (s *PostgresStore) TruncateAfter(ctx context.Context, executionID string, stepNumber int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM execution_snapshots
		WHERE execution_id = $1 AND step_number > $2
	`, executionID, stepNumber)
	if err != nil {
		return 0, wrapStorage("failed to truncate snapshots", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, event *types.ExecutionEvent) (*types.ExecutionEvent, error) {
	if event == nil || event.ExecutionID == "" || event.StepNumber < 0 {
		return nil, fmt.Errorf("append event: malformed event: %w", types.ErrValidation)
	}

	stored := event.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}

	data, err := encodeState(stored.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO execution_events (id, execution_id, step_number, occurred_at, title, description, data, severity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, stored.ID, stored.ExecutionID, stored.StepNumber, stored.Timestamp, stored.Title, stored.Description, data, string(stored.Severity))
	if err != nil {
		return nil, wrapStorage("failed to insert event", err)
	}

	return stored, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, executionID string) ([]*types.ExecutionEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, step_number, occurred_at, title, description, data, severity
		FROM execution_events
		WHERE execution_id = $1
		ORDER BY step_number ASC, occurred_at ASC
	`, executionID)
	if err != nil {
		return nil, wrapStorage("failed to query events", err)
	}
	defer rows.Close()

	out := []*types.ExecutionEvent{}
	for rows.Next() {
		var event types.ExecutionEvent
		var severity string
		var data []byte

		if err := rows.Scan(&event.ID, &event.ExecutionID, &event.StepNumber, &event.Timestamp,
			&event.Title, &event.Description, &data, &severity); err != nil {
			return nil, wrapStorage("failed to scan event", err)
		}

		doc, err := decodeState(data)
		if err != nil {
			return nil, wrapStorage("failed to decode event data", err)
		}
		event.Data = doc
		event.Severity = types.Severity(severity)
		out = append(out, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("error iterating events", err)
	}
	return out, nil
}

const executionColumns = `id, kind, status, state, version, started_at, completed_at`

func scanExecution(row pgx.Row) (*types.Execution, error) {
	var exec types.Execution
	var status int32
	var data []byte
	var completedAt *time.Time

	if err := row.Scan(&exec.ID, &exec.Kind, &status, &data, &exec.Version, &exec.StartedAt, &completedAt); err != nil {
		return nil, err
	}

	doc, err := decodeState(data)
	if err != nil {
		return nil, err
	}
	exec.State = doc
	exec.Status = types.ExecutionStatus(status)
	if completedAt != nil {
		exec.CompletedAt = *completedAt
	}
	return &exec, nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, executionID string) (*types.Execution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE id = $1
	`, executionID)

	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", executionID, types.ErrNotFound)
		}
		return nil, wrapStorage("failed to get execution", err)
	}
	return exec, nil
}

func (s *PostgresStore) PutExecution(ctx context.Context, exec *types.Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("put execution: missing execution id: %w", types.ErrValidation)
	}

	data, err := encodeState(exec.State)
	if err != nil {
		return fmt.Errorf("failed to encode execution state: %w", err)
	}

	version := exec.Version
	if version == 0 {
		version = 1
	}
	var completedAt *time.Time
	if !exec.CompletedAt.IsZero() {
		completedAt = &exec.CompletedAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO executions (id, kind, status, state, version, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			status = EXCLUDED.status,
			state = EXCLUDED.state,
			version = EXCLUDED.version,
			completed_at = EXCLUDED.completed_at
	`, exec.ID, exec.Kind, int32(exec.Status), data, version, exec.StartedAt, completedAt)
	if err != nil {
		return wrapStorage("failed to upsert execution", err)
	}
	return nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*types.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions`
	var args []any
	if filter.Status != types.ExecutionStatusUnspecified {
		query += `
		WHERE status = $1`
		args = append(args, int32(filter.Status))
	}
	query += `
		ORDER BY started_at DESC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(`
		LIMIT %d`, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage("failed to query executions", err)
	}
	defer rows.Close()

	out := []*types.Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, wrapStorage("failed to scan execution", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("error iterating executions", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateExecutionState(ctx context.Context, executionID string, doc *state.Document, expectedVersion int64) error {
	data, err := encodeState(doc)
	if err != nil {
		return fmt.Errorf("failed to encode execution state: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE executions
		SET state = $1, version = version + 1
		WHERE id = $2 AND version = $3
	`, data, executionID, expectedVersion)
	if err != nil {
		return wrapStorage("failed to update execution state", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s expected version %d: %w", executionID, expectedVersion, types.ErrOptimisticLock)
	}
	return nil
}

func (s *PostgresStore) AppendRollbackAudit(ctx context.Context, rec *types.RollbackAudit) (*types.RollbackAudit, error) {
	if rec == nil || rec.ExecutionID == "" {
		return nil, fmt.Errorf("append rollback audit: missing execution id: %w", types.ErrValidation)
	}

	stored := *rec
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO rollback_audit (id, execution_id, checkpoint_id, step_number, reason, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, stored.ID, stored.ExecutionID, stored.CheckpointID, stored.StepNumber, stored.Reason, stored.Actor, stored.CreatedAt)
	if err != nil {
		return nil, wrapStorage("failed to insert rollback audit", err)
	}
	return &stored, nil
}

func (s *PostgresStore) ListRollbackAudits(ctx context.Context, executionID string) ([]*types.RollbackAudit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, checkpoint_id, step_number, reason, actor, created_at
		FROM rollback_audit
		WHERE execution_id = $1
		ORDER BY created_at ASC
	`, executionID)
	if err != nil {
		return nil, wrapStorage("failed to query rollback audits", err)
	}
	defer rows.Close()

	out := []*types.RollbackAudit{}
	for rows.Next() {
		var rec types.RollbackAudit
		if err := rows.Scan(&rec.ID, &rec.ExecutionID, &rec.CheckpointID, &rec.StepNumber,
			&rec.Reason, &rec.Actor, &rec.CreatedAt); err != nil {
			return nil, wrapStorage("failed to scan rollback audit", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("error iterating rollback audits", err)
	}
	return out, nil
}

// ExecuteRollback runs the whole rollback mutation in one transaction. The
// version-guarded UPDATE doubles as the row lock, so a concurrent rollback
// on the same execution commits second and loses with ErrOptimisticLock.
func (s *PostgresStore) ExecuteRollback(ctx context.Context, params RollbackParams) (*RollbackApplied, error) {
	if params.Checkpoint == nil {
		return nil, fmt.Errorf("execute rollback: nil checkpoint: %w", types.ErrValidation)
	}

	data, err := encodeState(params.Checkpoint.State)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint state: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapStorage("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var checkpointStep int64
	err = tx.QueryRow(ctx, `
		SELECT step_number
		FROM execution_snapshots
		WHERE execution_id = $1 AND id = $2
	`, params.ExecutionID, params.Checkpoint.ID).Scan(&checkpointStep)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("checkpoint %s: %w", params.Checkpoint.ID, types.ErrNotFound)
		}
		return nil, wrapStorage("failed to resolve checkpoint", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE executions
		SET state = $1, version = version + 1
		WHERE id = $2 AND version = $3
	`, data, params.ExecutionID, params.ExpectedVersion)
	if err != nil {
		return nil, wrapStorage("failed to overwrite execution state", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("execution %s expected version %d: %w",
			params.ExecutionID, params.ExpectedVersion, types.ErrOptimisticLock)
	}

	tag, err = tx.Exec(ctx, `
		DELETE FROM execution_snapshots
		WHERE execution_id = $1 AND step_number > $2
	`, params.ExecutionID, checkpointStep)
	if err != nil {
		return nil, wrapStorage("failed to truncate snapshots", err)
	}
	removed := tag.RowsAffected()

	audit := &types.RollbackAudit{
		ID:           uuid.NewString(),
		ExecutionID:  params.ExecutionID,
		CheckpointID: params.Checkpoint.ID,
		StepNumber:   checkpointStep,
		Reason:       params.Reason,
		Actor:        params.Actor,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO rollback_audit (id, execution_id, checkpoint_id, step_number, reason, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, audit.ID, audit.ExecutionID, audit.CheckpointID, audit.StepNumber, audit.Reason, audit.Actor, audit.CreatedAt)
	if err != nil {
		return nil, wrapStorage("failed to insert rollback audit", err)
	}

	var stepCount int64
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM execution_snapshots
		WHERE execution_id = $1
	`, params.ExecutionID).Scan(&stepCount)
	if err != nil {
		return nil, wrapStorage("failed to count remaining snapshots", err)
	}

	exec, err := scanExecution(tx.QueryRow(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE id = $1
	`, params.ExecutionID))
	if err != nil {
		return nil, wrapStorage("failed to read restored execution", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapStorage("failed to commit transaction", err)
	}

	return &RollbackApplied{
		Execution:    exec,
		Audit:        audit,
		RemovedCount: removed,
		StepCount:    stepCount,
	}, nil
}

func (s *PostgresStore) PurgeExecution(ctx context.Context, executionID string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, wrapStorage("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var removed int64
	tag, err := tx.Exec(ctx, `DELETE FROM execution_snapshots WHERE execution_id = $1`, executionID)
	if err != nil {
		return 0, wrapStorage("failed to purge snapshots", err)
	}
	removed += tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM execution_events WHERE execution_id = $1`, executionID)
	if err != nil {
		return 0, wrapStorage("failed to purge events", err)
	}
	removed += tag.RowsAffected()

	if _, err := tx.Exec(ctx, `DELETE FROM rollback_audit WHERE execution_id = $1`, executionID); err != nil {
		return 0, wrapStorage("failed to purge rollback audits", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM executions WHERE id = $1`, executionID); err != nil {
		return 0, wrapStorage("failed to purge execution", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, wrapStorage("failed to commit transaction", err)
	}
	return removed, nil
}
