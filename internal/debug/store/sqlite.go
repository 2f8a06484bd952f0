package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/linkflow/timetravel/internal/debug/state"
	"github.com/linkflow/timetravel/internal/debug/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL DEFAULT '',
	status INTEGER NOT NULL,
	state TEXT NOT NULL,
	version INTEGER NOT NULL,
	started_at DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE TABLE IF NOT EXISTS execution_snapshots (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	step_number INTEGER NOT NULL,
	captured_at DATETIME NOT NULL,
	state TEXT NOT NULL,
	checkpoint INTEGER NOT NULL,
	severity TEXT NOT NULL,
	UNIQUE (execution_id, step_number)
);
CREATE INDEX IF NOT EXISTS idx_execution_snapshots_execution ON execution_snapshots (execution_id, step_number);
CREATE TABLE IF NOT EXISTS execution_events (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	step_number INTEGER NOT NULL,
	occurred_at DATETIME NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL,
	severity TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_events_execution ON execution_events (execution_id, step_number);
CREATE TABLE IF NOT EXISTS rollback_audit (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	checkpoint_id TEXT NOT NULL,
	step_number INTEGER NOT NULL,
	reason TEXT NOT NULL,
	actor TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
`

// SQLiteStore is the single-file backend for local debugging sessions.
// SQLite allows one writer at a time, so writes serialize on writeMu.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func (s *SQLiteStore) Append(ctx context.Context, snap *types.Snapshot) (*types.Snapshot, error) {
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_snapshots (id, execution_id, step_number, captured_at, state, checkpoint, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.ExecutionID, stored.StepNumber, stored.Timestamp, string(data), stored.Checkpoint, string(stored.Severity))
	if err != nil {
		if isConstraintViolation(err) {
			return nil, fmt.Errorf("append snapshot: execution %s step %d already recorded: %w",
				stored.ExecutionID, stored.StepNumber, types.ErrConflict)
		}
		return nil, wrapStorage("failed to insert snapshot", err)
	}

	return stored, nil
}

func (s *SQLiteStore) querySnapshots(ctx context.Context, query string, args ...any) ([]*types.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage("failed to query snapshots", err)
	}
	defer rows.Close()

	out := []*types.Snapshot{}
	for rows.Next() {
		var snap types.Snapshot
		var severity, data string

		if err := rows.Scan(&snap.ID, &snap.ExecutionID, &snap.StepNumber, &snap.Timestamp,
			&data, &snap.Checkpoint, &severity); err != nil {
			return nil, wrapStorage("failed to scan snapshot", err)
		}

		doc, err := decodeState([]byte(data))
		if err != nil {
			return nil, wrapStorage("failed to decode snapshot state", err)
		}
		snap.State = doc
		snap.Severity = types.Severity(severity)
		out = append(out, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("error iterating snapshots", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListByExecution(ctx context.Context, executionID string) ([]*types.Snapshot, error) {
	return s.querySnapshots(ctx, `
		SELECT id, execution_id, step_number, captured_at, state, checkpoint, severity
		FROM execution_snapshots
		WHERE execution_id = ?
		ORDER BY step_number ASC
	`, executionID)
}

func (s *SQLiteStore) GetCheckpoints(ctx context.Context, executionID string) ([]*types.Snapshot, error) {
	return s.querySnapshots(ctx, `
		SELECT id, execution_id, step_number, captured_at, state, checkpoint, severity
		FROM execution_snapshots
		WHERE execution_id = ? AND checkpoint = 1
		ORDER BY step_number ASC
	`, executionID)
}

func (s *SQLiteStore) GetByID(ctx context.Context, executionID, snapshotID string) (*types.Snapshot, error) {
	var snap types.Snapshot
	var severity, data string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, step_number, captured_at, state, checkpoint, severity
		FROM execution_snapshots
		WHERE execution_id = ? AND id = ?
	`, executionID, snapshotID).Scan(&snap.ID, &snap.ExecutionID, &snap.StepNumber, &snap.Timestamp,
		&data, &snap.Checkpoint, &severity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("snapshot %s: %w", snapshotID, types.ErrNotFound)
		}
		return nil, wrapStorage("failed to get snapshot", err)
	}

	doc, err := decodeState([]byte(data))
	if err != nil {
		return nil, wrapStorage("failed to decode snapshot state", err)
	}
	snap.State = doc
	snap.Severity = types.Severity(severity)
	return &snap, nil
}

func (s *SQLiteStore) TruncateAfter(ctx context.Context, executionID string, stepNumber int64) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM execution_snapshots
		WHERE execution_id = ? AND step_number > ?
	`, executionID, stepNumber)
	if err != nil {
		return 0, wrapStorage("failed to truncate snapshots", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStorage("failed to count truncated snapshots", err)
	}
	return removed, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, event *types.ExecutionEvent) (*types.ExecutionEvent, error) {
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_events (id, execution_id, step_number, occurred_at, title, description, data, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.ExecutionID, stored.StepNumber, stored.Timestamp, stored.Title, stored.Description,
		string(data), string(stored.Severity))
	if err != nil {
		return nil, wrapStorage("failed to insert event", err)
	}

	return stored, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, executionID string) ([]*types.ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, step_number, occurred_at, title, description, data, severity
		FROM execution_events
		WHERE execution_id = ?
		ORDER BY step_number ASC, occurred_at ASC
	`, executionID)
	if err != nil {
		return nil, wrapStorage("failed to query events", err)
	}
	defer rows.Close()

	out := []*types.ExecutionEvent{}
	for rows.Next() {
		var event types.ExecutionEvent
		var severity, data string

		if err := rows.Scan(&event.ID, &event.ExecutionID, &event.StepNumber, &event.Timestamp,
			&event.Title, &event.Description, &data, &severity); err != nil {
			return nil, wrapStorage("failed to scan event", err)
		}

		doc, err := decodeState([]byte(data))
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

func scanSQLiteExecution(row interface{ Scan(dest ...any) error }) (*types.Execution, error) {
	var exec types.Execution
	var status int32
	var data string
	var completedAt sql.NullTime

	if err := row.Scan(&exec.ID, &exec.Kind, &status, &data, &exec.Version, &exec.StartedAt, &completedAt); err != nil {
		return nil, err
	}

	doc, err := decodeState([]byte(data))
	if err != nil {
		return nil, err
	}
	exec.State = doc
	exec.Status = types.ExecutionStatus(status)
	if completedAt.Valid {
		exec.CompletedAt = completedAt.Time
	}
	return &exec, nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*types.Execution, error) {
	exec, err := scanSQLiteExecution(s.db.QueryRowContext(ctx, `
		SELECT id, kind, status, state, version, started_at, completed_at
		FROM executions
		WHERE id = ?
	`, executionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", executionID, types.ErrNotFound)
		}
		return nil, wrapStorage("failed to get execution", err)
	}
	return exec, nil
}

func (s *SQLiteStore) PutExecution(ctx context.Context, exec *types.Execution) error {
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
	var completedAt any
	if !exec.CompletedAt.IsZero() {
		completedAt = exec.CompletedAt
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, kind, status, state, version, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			status = excluded.status,
			state = excluded.state,
			version = excluded.version,
			completed_at = excluded.completed_at
	`, exec.ID, exec.Kind, int32(exec.Status), string(data), version, exec.StartedAt, completedAt)
	if err != nil {
		return wrapStorage("failed to upsert execution", err)
	}
	return nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*types.Execution, error) {
	query := `
		SELECT id, kind, status, state, version, started_at, completed_at
		FROM executions`
	var args []any
	if filter.Status != types.ExecutionStatusUnspecified {
		query += `
		WHERE status = ?`
		args = append(args, int32(filter.Status))
	}
	query += `
		ORDER BY started_at DESC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(`
		LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage("failed to query executions", err)
	}
	defer rows.Close()

	out := []*types.Execution{}
	for rows.Next() {
		exec, err := scanSQLiteExecution(rows)
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

func (s *SQLiteStore) UpdateExecutionState(ctx context.Context, executionID string, doc *state.Document, expectedVersion int64) error {
	data, err := encodeState(doc)
	if err != nil {
		return fmt.Errorf("failed to encode execution state: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET state = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, string(data), executionID, expectedVersion)
	if err != nil {
		return wrapStorage("failed to update execution state", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapStorage("failed to check update result", err)
	}
	if affected == 0 {
		return fmt.Errorf("execution %s expected version %d: %w", executionID, expectedVersion, types.ErrOptimisticLock)
	}
	return nil
}

func (s *SQLiteStore) AppendRollbackAudit(ctx context.Context, rec *types.RollbackAudit) (*types.RollbackAudit, error) {
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rollback_audit (id, execution_id, checkpoint_id, step_number, reason, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.ExecutionID, stored.CheckpointID, stored.StepNumber, stored.Reason, stored.Actor, stored.CreatedAt)
	if err != nil {
		return nil, wrapStorage("failed to insert rollback audit", err)
	}
	return &stored, nil
}

func (s *SQLiteStore) ListRollbackAudits(ctx context.Context, executionID string) ([]*types.RollbackAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, checkpoint_id, step_number, reason, actor, created_at
		FROM rollback_audit
		WHERE execution_id = ?
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

func (s *SQLiteStore) ExecuteRollback(ctx context.Context, params RollbackParams) (*RollbackApplied, error) {
	if params.Checkpoint == nil {
		return nil, fmt.Errorf("execute rollback: nil checkpoint: %w", types.ErrValidation)
	}

	data, err := encodeState(params.Checkpoint.State)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint state: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStorage("failed to begin transaction", err)
	}
	defer tx.Rollback()

	var checkpointStep int64
	err = tx.QueryRowContext(ctx, `
		SELECT step_number
		FROM execution_snapshots
		WHERE execution_id = ? AND id = ?
	`, params.ExecutionID, params.Checkpoint.ID).Scan(&checkpointStep)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("checkpoint %s: %w", params.Checkpoint.ID, types.ErrNotFound)
		}
		return nil, wrapStorage("failed to resolve checkpoint", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE executions
		SET state = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, string(data), params.ExecutionID, params.ExpectedVersion)
	if err != nil {
		return nil, wrapStorage("failed to overwrite execution state", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, wrapStorage("failed to check update result", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("execution %s expected version %d: %w",
			params.ExecutionID, params.ExpectedVersion, types.ErrOptimisticLock)
	}

	res, err = tx.ExecContext(ctx, `
		DELETE FROM execution_snapshots
		WHERE execution_id = ? AND step_number > ?
	`, params.ExecutionID, checkpointStep)
	if err != nil {
		return nil, wrapStorage("failed to truncate snapshots", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return nil, wrapStorage("failed to count truncated snapshots", err)
	}

	audit := &types.RollbackAudit{
		ID:           uuid.NewString(),
		ExecutionID:  params.ExecutionID,
		CheckpointID: params.Checkpoint.ID,
		StepNumber:   checkpointStep,
		Reason:       params.Reason,
		Actor:        params.Actor,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rollback_audit (id, execution_id, checkpoint_id, step_number, reason, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, audit.ID, audit.ExecutionID, audit.CheckpointID, audit.StepNumber, audit.Reason, audit.Actor, audit.CreatedAt)
	if err != nil {
		return nil, wrapStorage("failed to insert rollback audit", err)
	}

	var stepCount int64
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM execution_snapshots
		WHERE execution_id = ?
	`, params.ExecutionID).Scan(&stepCount)
	if err != nil {
		return nil, wrapStorage("failed to count remaining snapshots", err)
	}

	exec, err := scanSQLiteExecution(tx.QueryRowContext(ctx, `
		SELECT id, kind, status, state, version, started_at, completed_at
		FROM executions
		WHERE id = ?
	`, params.ExecutionID))
	if err != nil {
		return nil, wrapStorage("failed to read restored execution", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapStorage("failed to commit transaction", err)
	}

	return &RollbackApplied{
		Execution:    exec,
		Audit:        audit,
		RemovedCount: removed,
		StepCount:    stepCount,
	}, nil
}

func (s *SQLiteStore) PurgeExecution(ctx context.Context, executionID string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapStorage("failed to begin transaction", err)
	}
	defer tx.Rollback()

	var removed int64
	res, err := tx.ExecContext(ctx, `DELETE FROM execution_snapshots WHERE execution_id = ?`, executionID)
	if err != nil {
		return 0, wrapStorage("failed to purge snapshots", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	res, err = tx.ExecContext(ctx, `DELETE FROM execution_events WHERE execution_id = ?`, executionID)
	if err != nil {
		return 0, wrapStorage("failed to purge events", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM rollback_audit WHERE execution_id = ?`, executionID); err != nil {
		return 0, wrapStorage("failed to purge rollback audits", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, executionID); err != nil {
		return 0, wrapStorage("failed to purge execution", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapStorage("failed to commit transaction", err)
	}
	return removed, nil
}
