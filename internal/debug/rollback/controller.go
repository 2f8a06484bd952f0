package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/linkflow/timetravel/internal/debug/state"
	"github.com/linkflow/timetravel/internal/debug/store"
	"github.com/linkflow/timetravel/internal/debug/types"
	"github.com/linkflow/timetravel/internal/security/audit"
)

// Store is the persistence surface rollback needs.
type Store interface {
	store.SnapshotStore
	store.ExecutionStore
	store.Rollbacker
}

// Result reports a committed rollback.
type Result struct {
	Execution     *types.Execution
	RestoredState *state.Document
	StepCount     int64
	RemovedCount  int64
	Audit         *types.RollbackAudit
}

// Controller validates rollback requests and applies them through the
// store's transactional rollback, holding the execution lock across the
// version read and the mutation.
type Controller struct {
	store  Store
	locker Locker
	audit  *audit.Logger
	logger *slog.Logger
}

// NewController creates a rollback controller. A nil locker falls back to
// an in-process MemoryLocker; a nil audit logger disables audit events.
func NewController(st Store, locker Locker, auditLog *audit.Logger, logger *slog.Logger) *Controller {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:  st,
		locker: locker,
		audit:  auditLog,
		logger: logger,
	}
}

// ListRollbackPoints projects the execution's checkpoints for selection.
// CanRollback is false on every point while the execution is still running.
func (c *Controller) ListRollbackPoints(ctx context.Context, executionID string) ([]*types.RollbackPoint, error) {
	if executionID == "" {
		return nil, fmt.Errorf("list rollback points: missing execution id: %w", types.ErrValidation)
	}

	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve execution: %w", err)
	}
	checkpoints, err := c.store.GetCheckpoints(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	canRollback := exec.Status != types.ExecutionStatusRunning
	points := make([]*types.RollbackPoint, 0, len(checkpoints))
	for _, cp := range checkpoints {
		points = append(points, &types.RollbackPoint{
			ID:          cp.ID,
			StepNumber:  cp.StepNumber,
			Description: fmt.Sprintf("checkpoint at step %d", cp.StepNumber),
			Timestamp:   cp.Timestamp,
			State:       cp.State,
			CanRollback: canRollback,
		})
	}
	return points, nil
}

// Rollback restores the execution's durable state to the checkpoint,
// truncates every later snapshot and records the audit row, all in one
// store transaction. Concurrent attempts on the same execution lose with
// ErrConflict.
func (c *Controller) Rollback(ctx context.Context, executionID, checkpointID, reason, actor string) (*Result, error) {
	if executionID == "" {
		return nil, fmt.Errorf("rollback: missing execution id: %w", types.ErrValidation)
	}
	if checkpointID == "" {
		return nil, fmt.Errorf("rollback: missing checkpoint id: %w", types.ErrValidation)
	}

	c.emit(ctx, audit.ActionRollbackRequested, "", executionID, checkpointID, actor, reason, 0, nil)

	if strings.TrimSpace(reason) == "" {
		err := fmt.Errorf("rollback: reason required: %w", types.ErrValidation)
		c.emit(ctx, audit.ActionRollbackDenied, audit.OutcomeDenied, executionID, checkpointID, actor, reason, 0, err)
		return nil, err
	}

	release, err := c.locker.Acquire(ctx, executionID)
	if err != nil {
		c.emit(ctx, audit.ActionRollbackDenied, audit.OutcomeDenied, executionID, checkpointID, actor, reason, 0, err)
		return nil, err
	}
	defer release()

	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		c.emitErr(ctx, executionID, checkpointID, actor, reason, 0, err)
		return nil, fmt.Errorf("failed to resolve execution: %w", err)
	}

	checkpoint, err := c.store.GetByID(ctx, executionID, checkpointID)
	if err != nil {
		c.emitErr(ctx, executionID, checkpointID, actor, reason, 0, err)
		return nil, fmt.Errorf("failed to resolve checkpoint: %w", err)
	}
	if !checkpoint.Checkpoint {
		err := fmt.Errorf("snapshot %s is not a checkpoint: %w", checkpointID, types.ErrNotFound)
		c.emit(ctx, audit.ActionRollbackDenied, audit.OutcomeDenied, executionID, checkpointID, actor, reason, checkpoint.StepNumber, err)
		return nil, err
	}

	if exec.Status == types.ExecutionStatusRunning {
		err := fmt.Errorf("execution %s is still running: %w", executionID, types.ErrPreconditionFailed)
		c.emit(ctx, audit.ActionRollbackDenied, audit.OutcomeDenied, executionID, checkpointID, actor, reason, checkpoint.StepNumber, err)
		return nil, err
	}

	applied, err := c.store.ExecuteRollback(ctx, store.RollbackParams{
		ExecutionID:     executionID,
		Checkpoint:      checkpoint,
		Reason:          reason,
		Actor:           actor,
		ExpectedVersion: exec.Version,
	})
	if err != nil {
		c.emit(ctx, audit.ActionRollbackFailed, audit.OutcomeFailure, executionID, checkpointID, actor, reason, checkpoint.StepNumber, err)
		return nil, fmt.Errorf("failed to execute rollback: %w", err)
	}

	c.emit(ctx, audit.ActionRollbackSucceeded, audit.OutcomeSuccess, executionID, checkpointID, actor, reason, checkpoint.StepNumber, nil)
	c.logger.Info("rolled back execution",
		slog.String("execution_id", executionID),
		slog.String("checkpoint_id", checkpointID),
		slog.Int64("checkpoint_step", checkpoint.StepNumber),
		slog.Int64("removed_snapshots", applied.RemovedCount),
		slog.String("actor", actor),
	)

	return &Result{
		Execution:     applied.Execution,
		RestoredState: applied.Execution.State,
		StepCount:     applied.StepCount,
		RemovedCount:  applied.RemovedCount,
		Audit:         applied.Audit,
	}, nil
}

// emitErr tags precondition lookups: storage failures are failed attempts,
// everything else is a denial.
func (c *Controller) emitErr(ctx context.Context, executionID, checkpointID, actor, reason string, step int64, cause error) {
	if errors.Is(cause, types.ErrStorage) {
		c.emit(ctx, audit.ActionRollbackFailed, audit.OutcomeFailure, executionID, checkpointID, actor, reason, step, cause)
		return
	}
	c.emit(ctx, audit.ActionRollbackDenied, audit.OutcomeDenied, executionID, checkpointID, actor, reason, step, cause)
}

func (c *Controller) emit(ctx context.Context, action audit.Action, outcome audit.Outcome, executionID, checkpointID, actor, reason string, step int64, cause error) {
	if c.audit == nil {
		return
	}
	event := &audit.Event{
		Action:       action,
		Outcome:      outcome,
		ExecutionID:  executionID,
		CheckpointID: checkpointID,
		StepNumber:   step,
		Actor:        actor,
		Reason:       reason,
	}
	if cause != nil {
		event.ErrorMessage = cause.Error()
	}
	c.audit.Log(ctx, event)
}
