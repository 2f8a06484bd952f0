package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linkflow/timetravel/internal/debug/state"
	"github.com/linkflow/timetravel/internal/debug/types"
)

// executionLog holds one execution's records. Each log carries its own lock
// so appends for one execution serialize without blocking other executions.
type executionLog struct {
	mu        sync.RWMutex
	snapshots []*types.Snapshot // ascending by StepNumber
	steps     map[int64]struct{}
	events    []*types.ExecutionEvent
}

func (l *executionLog) truncateAfterLocked(stepNumber int64) int64 {
	idx := sort.Search(len(l.snapshots), func(i int) bool {
		return l.snapshots[i].StepNumber > stepNumber
	})
	removed := int64(len(l.snapshots) - idx)
	for _, snap := range l.snapshots[idx:] {
		delete(l.steps, snap.StepNumber)
	}
	l.snapshots = l.snapshots[:idx]
	return removed
}

// MemoryStore is the in-process backend. Records are deep-copied on both
// write and read so callers never alias stored state.
type MemoryStore struct {
	mu         sync.RWMutex
	logs       map[string]*executionLog
	executions map[string]*types.Execution
	audits     map[string][]*types.RollbackAudit
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:       make(map[string]*executionLog),
		executions: make(map[string]*types.Execution),
		audits:     make(map[string][]*types.RollbackAudit),
	}
}

func (s *MemoryStore) log(executionID string) *executionLog {
	s.mu.RLock()
	l, ok := s.logs[executionID]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.logs[executionID]; ok {
		return l
	}
	l = &executionLog{steps: make(map[int64]struct{})}
	s.logs[executionID] = l
	return l
}

func (s *MemoryStore) Append(ctx context.Context, snap *types.Snapshot) (*types.Snapshot, error) {
	if snap == nil || snap.ExecutionID == "" || snap.StepNumber < 0 {
		return nil, fmt.Errorf("append snapshot: malformed snapshot: %w", types.ErrValidation)
	}

	l := s.log(snap.ExecutionID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.steps[snap.StepNumber]; exists {
		return nil, fmt.Errorf("append snapshot: execution %s step %d already recorded: %w",
			snap.ExecutionID, snap.StepNumber, types.ErrConflict)
	}

	stored := snap.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}

	idx := sort.Search(len(l.snapshots), func(i int) bool {
		return l.snapshots[i].StepNumber > stored.StepNumber
	})
	l.snapshots = append(l.snapshots, nil)
	copy(l.snapshots[idx+1:], l.snapshots[idx:])
	l.snapshots[idx] = stored
	l.steps[stored.StepNumber] = struct{}{}

	return stored.Clone(), nil
}

func (s *MemoryStore) ListByExecution(ctx context.Context, executionID string) ([]*types.Snapshot, error) {
	s.mu.RLock()
	l, ok := s.logs[executionID]
	s.mu.RUnlock()
	if !ok {
		return []*types.Snapshot{}, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*types.Snapshot, 0, len(l.snapshots))
	for _, snap := range l.snapshots {
		out = append(out, snap.Clone())
	}
	return out, nil
}

func (s *MemoryStore) GetCheckpoints(ctx context.Context, executionID string) ([]*types.Snapshot, error) {
	s.mu.RLock()
	l, ok := s.logs[executionID]
	s.mu.RUnlock()
	if !ok {
		return []*types.Snapshot{}, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*types.Snapshot, 0)
	for _, snap := range l.snapshots {
		if snap.Checkpoint {
			out = append(out, snap.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, executionID, snapshotID string) (*types.Snapshot, error) {
	s.mu.RLock()
	l, ok := s.logs[executionID]
	s.mu.RUnlock()
	if ok {
		l.mu.RLock()
		defer l.mu.RUnlock()
		for _, snap := range l.snapshots {
			if snap.ID == snapshotID {
				return snap.Clone(), nil
			}
		}
	}
	return nil, fmt.Errorf("snapshot %s: %w", snapshotID, types.ErrNotFound)
}

func (s *MemoryStore) TruncateAfter(ctx context.Context, executionID string, stepNumber int64) (int64, error) {
	s.mu.RLock()
	l, ok := s.logs[executionID]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.truncateAfterLocked(stepNumber), nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *types.ExecutionEvent) (*types.ExecutionEvent, error) {
	if event == nil || event.ExecutionID == "" || event.StepNumber < 0 {
		return nil, fmt.Errorf("append event: malformed event: %w", types.ErrValidation)
	}

	l := s.log(event.ExecutionID)

	l.mu.Lock()
	defer l.mu.Unlock()

	stored := event.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}
	l.events = append(l.events, stored)

	return stored.Clone(), nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, executionID string) ([]*types.ExecutionEvent, error) {
	s.mu.RLock()
	l, ok := s.logs[executionID]
	s.mu.RUnlock()
	if !ok {
		return []*types.ExecutionEvent{}, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*types.ExecutionEvent, 0, len(l.events))
	for _, event := range l.events {
		out = append(out, event.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StepNumber != out[j].StepNumber {
			return out[i].StepNumber < out[j].StepNumber
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, executionID string) (*types.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, types.ErrNotFound)
	}
	return exec.Clone(), nil
}

func (s *MemoryStore) PutExecution(ctx context.Context, exec *types.Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("put execution: missing execution id: %w", types.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := exec.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	s.executions[stored.ID] = stored
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*types.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		if filter.Status != types.ExecutionStatusUnspecified && exec.Status != filter.Status {
			continue
		}
		out = append(out, exec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateExecutionState(ctx context.Context, executionID string, doc *state.Document, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("execution %s: %w", executionID, types.ErrNotFound)
	}
	if exec.Version != expectedVersion {
		return fmt.Errorf("execution %s at version %d, expected %d: %w",
			executionID, exec.Version, expectedVersion, types.ErrOptimisticLock)
	}

	exec.State = state.Clone(doc)
	exec.Version++
	return nil
}

func (s *MemoryStore) AppendRollbackAudit(ctx context.Context, rec *types.RollbackAudit) (*types.RollbackAudit, error) {
	if rec == nil || rec.ExecutionID == "" {
		return nil, fmt.Errorf("append rollback audit: missing execution id: %w", types.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *rec
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.audits[stored.ExecutionID] = append(s.audits[stored.ExecutionID], &stored)

	out := stored
	return &out, nil
}

func (s *MemoryStore) ListRollbackAudits(ctx context.Context, executionID string) ([]*types.RollbackAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.RollbackAudit, 0, len(s.audits[executionID]))
	for _, rec := range s.audits[executionID] {
		copied := *rec
		out = append(out, &copied)
	}
	return out, nil
}

// ExecuteRollback applies the rollback mutation under the store-wide lock.
// No mutation happens until every check has passed, so a failed call leaves
// the store exactly as it was.
func (s *MemoryStore) ExecuteRollback(ctx context.Context, params RollbackParams) (*RollbackApplied, error) {
	if params.Checkpoint == nil {
		return nil, fmt.Errorf("execute rollback: nil checkpoint: %w", types.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[params.ExecutionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", params.ExecutionID, types.ErrNotFound)
	}
	if exec.Version != params.ExpectedVersion {
		return nil, fmt.Errorf("execution %s at version %d, expected %d: %w",
			params.ExecutionID, exec.Version, params.ExpectedVersion, types.ErrOptimisticLock)
	}

	l, ok := s.logs[params.ExecutionID]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", params.Checkpoint.ID, types.ErrNotFound)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var checkpoint *types.Snapshot
	for _, snap := range l.snapshots {
		if snap.ID == params.Checkpoint.ID {
			checkpoint = snap
			break
		}
	}
	if checkpoint == nil {
		return nil, fmt.Errorf("checkpoint %s: %w", params.Checkpoint.ID, types.ErrNotFound)
	}

	exec.State = state.Clone(params.Checkpoint.State)
	exec.Version++
	removed := l.truncateAfterLocked(checkpoint.StepNumber)

	audit := &types.RollbackAudit{
		ID:           uuid.NewString(),
		ExecutionID:  params.ExecutionID,
		CheckpointID: checkpoint.ID,
		StepNumber:   checkpoint.StepNumber,
		Reason:       params.Reason,
		Actor:        params.Actor,
		CreatedAt:    time.Now().UTC(),
	}
	s.audits[params.ExecutionID] = append(s.audits[params.ExecutionID], audit)

	auditCopy := *audit
	return &RollbackApplied{
		Execution:    exec.Clone(),
		Audit:        &auditCopy,
		RemovedCount: removed,
		StepCount:    int64(len(l.snapshots)),
	}, nil
}

func (s *MemoryStore) PurgeExecution(ctx context.Context, executionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	if l, ok := s.logs[executionID]; ok {
		l.mu.Lock()
		removed = int64(len(l.snapshots) + len(l.events))
		l.mu.Unlock()
		delete(s.logs, executionID)
	}
	delete(s.executions, executionID)
	delete(s.audits, executionID)
	return removed, nil
}
