package store

import (
	"context"

	"github.com/linkflow/timetravel/internal/debug/state"
	"github.com/linkflow/timetravel/internal/debug/types"
)

// SnapshotStore is the append-only log of per-step execution state.
type SnapshotStore interface {
	// Append persists a snapshot. A stepNumber already used for the same
	// execution fails with types.ErrConflict. The caller's value is never
	// mutated; the stored record is returned.
	Append(ctx context.Context, snap *types.Snapshot) (*types.Snapshot, error)
	// ListByExecution returns all snapshots for an execution ascending by
	// StepNumber. An empty slice is a valid result.
	ListByExecution(ctx context.Context, executionID string) ([]*types.Snapshot, error)
	// GetCheckpoints returns only snapshots with Checkpoint set, same order.
	GetCheckpoints(ctx context.Context, executionID string) ([]*types.Snapshot, error)
	GetByID(ctx context.Context, executionID, snapshotID string) (*types.Snapshot, error)
	// TruncateAfter removes snapshots with StepNumber greater than the given
	// step and returns how many were removed. Only the rollback transaction
	// path may call it outside tests.
	TruncateAfter(ctx context.Context, executionID string, stepNumber int64) (int64, error)
}

// EventStore holds discrete lifecycle events recorded by the external
// execution engine. Events carry no uniqueness constraint on StepNumber.
type EventStore interface {
	AppendEvent(ctx context.Context, event *types.ExecutionEvent) (*types.ExecutionEvent, error)
	ListEvents(ctx context.Context, executionID string) ([]*types.ExecutionEvent, error)
}

// ExecutionStore reads and (only during rollback) writes the external
// execution record.
type ExecutionStore interface {
	GetExecution(ctx context.Context, executionID string) (*types.Execution, error)
	// PutExecution upserts the record as the external engine reports it.
	PutExecution(ctx context.Context, exec *types.Execution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*types.Execution, error)
	// UpdateExecutionState overwrites the state document iff the stored
	// version matches expectedVersion, then bumps the version. A lost race
	// fails with types.ErrOptimisticLock.
	UpdateExecutionState(ctx context.Context, executionID string, doc *state.Document, expectedVersion int64) error
}

// AuditStore persists the rollback audit trail.
type AuditStore interface {
	AppendRollbackAudit(ctx context.Context, rec *types.RollbackAudit) (*types.RollbackAudit, error)
	ListRollbackAudits(ctx context.Context, executionID string) ([]*types.RollbackAudit, error)
}

// ExecutionFilter narrows ListExecutions. Zero values mean no filtering.
type ExecutionFilter struct {
	Status types.ExecutionStatus
	Limit  int
}

// RollbackParams carries one resolved, precondition-checked rollback request
// into the store transaction. Checkpoint is the decrypted snapshot whose
// state becomes the execution's current state.
type RollbackParams struct {
	ExecutionID     string
	Checkpoint      *types.Snapshot
	Reason          string
	Actor           string
	ExpectedVersion int64
}

// RollbackApplied reports the effect of a committed rollback transaction.
type RollbackApplied struct {
	Execution    *types.Execution
	Audit        *types.RollbackAudit
	RemovedCount int64
	StepCount    int64
}

// Rollbacker executes the rollback mutation as a single transaction:
// overwrite the execution state, truncate later snapshots, insert the audit
// row. It commits entirely or leaves the store untouched.
type Rollbacker interface {
	ExecuteRollback(ctx context.Context, params RollbackParams) (*RollbackApplied, error)
}

// Store is the full persistence surface one backend provides.
type Store interface {
	SnapshotStore
	EventStore
	ExecutionStore
	AuditStore
	Rollbacker

	// PurgeExecution removes every record held for the execution: snapshots,
	// events, audit rows, and the execution record itself. Returns the number
	// of snapshots and events removed.
	PurgeExecution(ctx context.Context, executionID string) (int64, error)
}
