package store

import (
	"context"
	"errors"
	"sync"

	"github.com/linkflow/timetravel/internal/debug/state"
	"github.com/linkflow/timetravel/internal/debug/types"
)

// ErrInjected is the default failure armed by FaultStore.
var ErrInjected = errors.New("injected fault")

type fault struct {
	err       error
	remaining int // -1 fails every call
}

// FaultStore wraps a Store and injects storage failures for chaos-style
// testing of retry and rollback paths. Faults are keyed by method name
// and consumed in arming order.
type FaultStore struct {
	Store

	mu     sync.Mutex
	faults map[string][]*fault
	calls  map[string]int
}

var _ Store = (*FaultStore)(nil)

func NewFaultStore(inner Store) *FaultStore {
	return &FaultStore{
		Store:  inner,
		faults: make(map[string][]*fault),
		calls:  make(map[string]int),
	}
}

// FailOnce arms a single failure for the named method. A nil err arms a
// generic storage failure.
func (s *FaultStore) FailOnce(method string, err error) {
	s.arm(method, err, 1)
}

// FailN arms n consecutive failures for the named method.
func (s *FaultStore) FailN(method string, err error, n int) {
	s.arm(method, err, n)
}

// FailAlways arms a persistent failure for the named method.
func (s *FaultStore) FailAlways(method string, err error) {
	s.arm(method, err, -1)
}

func (s *FaultStore) arm(method string, err error, remaining int) {
	if err == nil {
		err = wrapStorage(method, ErrInjected)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method] = append(s.faults[method], &fault{err: err, remaining: remaining})
}

// Clear removes any armed faults for the named method.
func (s *FaultStore) Clear(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.faults, method)
}

// Calls reports how many times the named method has been invoked,
// including calls that failed by injection.
func (s *FaultStore) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *FaultStore) inject(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[method]++

	queue := s.faults[method]
	if len(queue) == 0 {
		return nil
	}
	f := queue[0]
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			s.faults[method] = queue[1:]
		}
	}
	return f.err
}

func (s *FaultStore) Append(ctx context.Context, snap *types.Snapshot) (*types.Snapshot, error) {
	if err := s.inject("Append"); err != nil {
		return nil, err
	}
	return s.Store.Append(ctx, snap)
}

func (s *FaultStore) ListByExecution(ctx context.Context, executionID string) ([]*types.Snapshot, error) {
	if err := s.inject("ListByExecution"); err != nil {
		return nil, err
	}
	return s.Store.ListByExecution(ctx, executionID)
}

func (s *FaultStore) GetCheckpoints(ctx context.Context, executionID string) ([]*types.Snapshot, error) {
	if err := s.inject("GetCheckpoints"); err != nil {
		return nil, err
	}
	return s.Store.GetCheckpoints(ctx, executionID)
}

func (s *FaultStore) GetByID(ctx context.Context, executionID, snapshotID string) (*types.Snapshot, error) {
	if err := s.inject("GetByID"); err != nil {
		return nil, err
	}
	return s.Store.GetByID(ctx, executionID, snapshotID)
}

func (s *FaultStore) TruncateAfter(ctx context.Context, executionID string, stepNumber int64) (int64, error) {
	if err := s.inject("TruncateAfter"); err != nil {
		return 0, err
	}
	return s.Store.TruncateAfter(ctx, executionID, stepNumber)
}

func (s *FaultStore) AppendEvent(ctx context.Context, event *types.ExecutionEvent) (*types.ExecutionEvent, error) {
	if err := s.inject("AppendEvent"); err != nil {
		return nil, err
	}
	return s.Store.AppendEvent(ctx, event)
}

func (s *FaultStore) ListEvents(ctx context.Context, executionID string) ([]*types.ExecutionEvent, error) {
	if err := s.inject("ListEvents"); err != nil {
		return nil, err
	}
	return s.Store.ListEvents(ctx, executionID)
}

func (s *FaultStore) GetExecution(ctx context.Context, executionID string) (*types.Execution, error) {
	if err := s.inject("GetExecution"); err != nil {
		return nil, err
	}
	return s.Store.GetExecution(ctx, executionID)
}

func (s *FaultStore) PutExecution(ctx context.Context, exec *types.Execution) error {
	if err := s.inject("PutExecution"); err != nil {
		return err
	}
	return s.Store.PutExecution(ctx, exec)
}

func (s *FaultStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*types.Execution, error) {
	if err := s.inject("ListExecutions"); err != nil {
		return nil, err
	}
	return s.Store.ListExecutions(ctx, filter)
}

func (s *FaultStore) UpdateExecutionState(ctx context.Context, executionID string, doc *state.Document, expectedVersion int64) error {
	if err := s.inject("UpdateExecutionState"); err != nil {
		return err
	}
	return s.Store.UpdateExecutionState(ctx, executionID, doc, expectedVersion)
}

func (s *FaultStore) AppendRollbackAudit(ctx context.Context, rec *types.RollbackAudit) (*types.RollbackAudit, error) {
	if err := s.inject("AppendRollbackAudit"); err != nil {
		return nil, err
	}
	return s.Store.AppendRollbackAudit(ctx, rec)
}

func (s *FaultStore) ListRollbackAudits(ctx context.Context, executionID string) ([]*types.RollbackAudit, error) {
	if err := s.inject("ListRollbackAudits"); err != nil {
		return nil, err
	}
	return s.Store.ListRollbackAudits(ctx, executionID)
}

func (s *FaultStore) ExecuteRollback(ctx context.Context, params RollbackParams) (*RollbackApplied, error) {
	if err := s.inject("ExecuteRollback"); err != nil {
		return nil, err
	}
	return s.Store.ExecuteRollback(ctx, params)
}

func (s *FaultStore) PurgeExecution(ctx context.Context, executionID string) (int64, error) {
	if err := s.inject("PurgeExecution"); err != nil {
		return 0, err
	}
	return s.Store.PurgeExecution(ctx, executionID)
}
