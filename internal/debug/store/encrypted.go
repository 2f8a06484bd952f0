package store

import (
	"context"
	"fmt"

	"github.com/linkflow/timetravel/internal/crypto"
	"github.com/linkflow/timetravel/internal/debug/state"
	"github.com/linkflow/timetravel/internal/debug/types"
)

// cipherField marks a document whose real content is an encrypted payload.
const cipherField = "$cipher"

// EncryptedStore wraps another Store and encrypts captured state at rest.
// Snapshot state, event data, and execution state are sealed before they
// reach the inner store and opened on the way back out; identifiers, step
// numbers, and audit records stay in the clear so indexes keep working.
type EncryptedStore struct {
	Store
	enc *crypto.Encryptor
}

var _ Store = (*EncryptedStore)(nil)

func NewEncryptedStore(inner Store, enc *crypto.Encryptor) *EncryptedStore {
	return &EncryptedStore{Store: inner, enc: enc}
}

func (s *EncryptedStore) seal(doc *state.Document) (*state.Document, error) {
	raw, err := state.Marshal(doc)
	if err != nil {
		return nil, err
	}
	ciphertext, err := s.enc.Encrypt(raw)
	if err != nil {
		return nil, err
	}
	return state.MustFromMap(map[string]any{cipherField: ciphertext}), nil
}

// open reverses seal. Documents written before encryption was enabled
// carry no cipher field and pass through unchanged.
func (s *EncryptedStore) open(doc *state.Document) (*state.Document, error) {
	if doc == nil {
		return nil, nil
	}
	v, ok := state.Field(doc, cipherField)
	if !ok {
		return doc, nil
	}
	raw, err := s.enc.Decrypt(v.GetStringValue())
	if err != nil {
		return nil, err
	}
	return state.Unmarshal(raw)
}

func (s *EncryptedStore) Append(ctx context.Context, snap *types.Snapshot) (*types.Snapshot, error) {
	if snap == nil {
		return s.Store.Append(ctx, snap)
	}

	sealed, err := s.seal(snap.State)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt snapshot state: %w", err)
	}
	enc := snap.Clone()
	enc.State = sealed

	stored, err := s.Store.Append(ctx, enc)
	if err != nil {
		return nil, err
	}
	stored.State = state.Clone(snap.State)
	return stored, nil
}

func (s *EncryptedStore) openSnapshots(snaps []*types.Snapshot) ([]*types.Snapshot, error) {
	for _, snap := range snaps {
		doc, err := s.open(snap.State)
		if err != nil {
			return nil, wrapStorage("failed to decrypt snapshot state", err)
		}
		snap.State = doc
	}
	return snaps, nil
}

func (s *EncryptedStore) ListByExecution(ctx context.Context, executionID string) ([]*types.Snapshot, error) {
	snaps, err := s.Store.ListByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return s.openSnapshots(snaps)
}

func (s *EncryptedStore) GetCheckpoints(ctx context.Context, executionID string) ([]*types.Snapshot, error) {
	snaps, err := s.Store.GetCheckpoints(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return s.openSnapshots(snaps)
}

func (s *EncryptedStore) GetByID(ctx context.Context, executionID, snapshotID string) (*types.Snapshot, error) {
	snap, err := s.Store.GetByID(ctx, executionID, snapshotID)
	if err != nil {
		return nil, err
	}
	doc, err := s.open(snap.State)
	if err != nil {
		return nil, wrapStorage("failed to decrypt snapshot state", err)
	}
	snap.State = doc
	return snap, nil
}

func (s *EncryptedStore) AppendEvent(ctx context.Context, event *types.ExecutionEvent) (*types.ExecutionEvent, error) {
	if event == nil {
		return s.Store.AppendEvent(ctx, event)
	}

	sealed, err := s.seal(event.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt event data: %w", err)
	}
	enc := event.Clone()
	enc.Data = sealed

	stored, err := s.Store.AppendEvent(ctx, enc)
	if err != nil {
		return nil, err
	}
	stored.Data = state.Clone(event.Data)
	return stored, nil
}

func (s *EncryptedStore) ListEvents(ctx context.Context, executionID string) ([]*types.ExecutionEvent, error) {
	events, err := s.Store.ListEvents(ctx, executionID)
	if err != nil {
		return nil, err
	}
	for _, event := range events {
		doc, err := s.open(event.Data)
		if err != nil {
			return nil, wrapStorage("failed to decrypt event data", err)
		}
		event.Data = doc
	}
	return events, nil
}

func (s *EncryptedStore) GetExecution(ctx context.Context, executionID string) (*types.Execution, error) {
	exec, err := s.Store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	doc, err := s.open(exec.State)
	if err != nil {
		return nil, wrapStorage("failed to decrypt execution state", err)
	}
	exec.State = doc
	return exec, nil
}

func (s *EncryptedStore) PutExecution(ctx context.Context, exec *types.Execution) error {
	if exec == nil {
		return s.Store.PutExecution(ctx, exec)
	}

	sealed, err := s.seal(exec.State)
	if err != nil {
		return fmt.Errorf("failed to encrypt execution state: %w", err)
	}
	enc := exec.Clone()
	enc.State = sealed
	return s.Store.PutExecution(ctx, enc)
}

func (s *EncryptedStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*types.Execution, error) {
	execs, err := s.Store.ListExecutions(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, exec := range execs {
		doc, err := s.open(exec.State)
		if err != nil {
			return nil, wrapStorage("failed to decrypt execution state", err)
		}
		exec.State = doc
	}
	return execs, nil
}

func (s *EncryptedStore) UpdateExecutionState(ctx context.Context, executionID string, doc *state.Document, expectedVersion int64) error {
	sealed, err := s.seal(doc)
	if err != nil {
		return fmt.Errorf("failed to encrypt execution state: %w", err)
	}
	return s.Store.UpdateExecutionState(ctx, executionID, sealed, expectedVersion)
}

func (s *EncryptedStore) ExecuteRollback(ctx context.Context, params RollbackParams) (*RollbackApplied, error) {
	if params.Checkpoint == nil {
		return s.Store.ExecuteRollback(ctx, params)
	}

	sealed, err := s.seal(params.Checkpoint.State)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt checkpoint state: %w", err)
	}
	enc := params
	enc.Checkpoint = params.Checkpoint.Clone()
	enc.Checkpoint.State = sealed

	applied, err := s.Store.ExecuteRollback(ctx, enc)
	if err != nil {
		return nil, err
	}
	if applied.Execution != nil {
		doc, err := s.open(applied.Execution.State)
		if err != nil {
			return nil, wrapStorage("failed to decrypt execution state", err)
		}
		applied.Execution.State = doc
	}
	return applied, nil
}
