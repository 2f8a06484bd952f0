package store

import (
	"context"
	"errors"
	"testing"

	"github.com/linkflow/timetravel/internal/crypto"
	"github.com/linkflow/timetravel/internal/debug/state"
	"github.com/linkflow/timetravel/internal/debug/types"
)

func newEncryptedStore(t *testing.T) (*EncryptedStore, *MemoryStore) {
	t.Helper()
	enc, err := crypto.NewEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	inner := NewMemoryStore()
	return NewEncryptedStore(inner, enc), inner
}

func TestEncryptedStore_SnapshotRoundTrip(t *testing.T) {
	s, inner := newEncryptedStore(t)
	ctx := context.Background()

	want := state.MustFromMap(map[string]any{"secret": "s3cr3t", "counter": float64(7)})
	stored, err := s.Append(ctx, testSnapshot("exec-1", 0, true, state.AsMap(want)))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if !state.Equal(stored.State, want) {
		t.Errorf("Append() returned state = %v, want plaintext %v", state.AsMap(stored.State), state.AsMap(want))
	}

	got, err := s.GetByID(ctx, "exec-1", stored.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !state.Equal(got.State, want) {
		t.Errorf("GetByID() state = %v, want %v", state.AsMap(got.State), state.AsMap(want))
	}

	listed, err := s.ListByExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListByExecution() error = %v", err)
	}
	if len(listed) != 1 || !state.Equal(listed[0].State, want) {
		t.Errorf("ListByExecution() state = %v, want %v", state.AsMap(listed[0].State), state.AsMap(want))
	}

	// The inner store must only ever see ciphertext.
	raw, err := inner.ListByExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("inner ListByExecution() error = %v", err)
	}
	if _, ok := state.Field(raw[0].State, "secret"); ok {
		t.Error("plaintext field leaked into the inner store")
	}
	if _, ok := state.Field(raw[0].State, cipherField); !ok {
		t.Error("inner store document is missing the cipher payload")
	}
}

func TestEncryptedStore_EventRoundTrip(t *testing.T) {
	s, inner := newEncryptedStore(t)
	ctx := context.Background()

	want := state.MustFromMap(map[string]any{"detail": "node timed out"})
	stored, err := s.AppendEvent(ctx, &types.ExecutionEvent{
		ExecutionID: "exec-1",
		StepNumber:  3,
		Title:       "node failure",
		Data:        state.Clone(want),
		Severity:    types.SeverityError,
	})
	if err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	if !state.Equal(stored.Data, want) {
		t.Errorf("AppendEvent() returned data = %v, want plaintext", state.AsMap(stored.Data))
	}

	events, err := s.ListEvents(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 1 || !state.Equal(events[0].Data, want) {
		t.Errorf("ListEvents() data = %v, want %v", state.AsMap(events[0].Data), state.AsMap(want))
	}

	raw, err := inner.ListEvents(ctx, "exec-1")
	if err != nil {
		t.Fatalf("inner ListEvents() error = %v", err)
	}
	if _, ok := state.Field(raw[0].Data, "detail"); ok {
		t.Error("plaintext field leaked into the inner store")
	}
}

func TestEncryptedStore_ExecutionRoundTrip(t *testing.T) {
	s, inner := newEncryptedStore(t)
	ctx := context.Background()

	seeded := seedExecution(t, s, "exec-1", types.ExecutionStatusPaused)
	if !state.Equal(seeded.State, state.MustFromMap(map[string]any{"counter": float64(0)})) {
		t.Errorf("GetExecution() state = %v, want plaintext", state.AsMap(seeded.State))
	}

	raw, err := inner.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("inner GetExecution() error = %v", err)
	}
	if _, ok := state.Field(raw.State, cipherField); !ok {
		t.Error("inner store execution state is missing the cipher payload")
	}

	execs, err := s.ListExecutions(ctx, ExecutionFilter{})
	if err != nil {
		t.Fatalf("ListExecutions() error = %v", err)
	}
	if len(execs) != 1 || !state.Equal(execs[0].State, seeded.State) {
		t.Errorf("ListExecutions() state = %v, want plaintext", state.AsMap(execs[0].State))
	}
}

func TestEncryptedStore_RollbackKeepsCiphertextAtRest(t *testing.T) {
	s, inner := newEncryptedStore(t)
	ctx := context.Background()

	exec := seedExecution(t, s, "exec-1", types.ExecutionStatusPaused)
	var checkpointID string
	for i := int64(0); i < 5; i++ {
		stored, err := s.Append(ctx, testSnapshot("exec-1", i, i == 2, map[string]any{"counter": float64(i)}))
		if err != nil {
			t.Fatalf("Append(step %d) error = %v", i, err)
		}
		if i == 2 {
			checkpointID = stored.ID
		}
	}

	checkpoint, err := s.GetByID(ctx, "exec-1", checkpointID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}

	applied, err := s.ExecuteRollback(ctx, RollbackParams{
		ExecutionID:     "exec-1",
		Checkpoint:      checkpoint,
		Reason:          "retry from checkpoint",
		Actor:           "tester",
		ExpectedVersion: exec.Version,
	})
	if err != nil {
		t.Fatalf("ExecuteRollback() error = %v", err)
	}
	if applied.RemovedCount != 2 {
		t.Errorf("RemovedCount = %d, want 2", applied.RemovedCount)
	}
	if !state.Equal(applied.Execution.State, checkpoint.State) {
		t.Errorf("restored state = %v, want %v", state.AsMap(applied.Execution.State), state.AsMap(checkpoint.State))
	}

	raw, err := inner.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("inner GetExecution() error = %v", err)
	}
	if _, ok := state.Field(raw.State, cipherField); !ok {
		t.Error("restored execution state should be ciphertext at rest")
	}
}

func TestEncryptedStore_WrongKeyFails(t *testing.T) {
	s, inner := newEncryptedStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, testSnapshot("exec-1", 0, false, map[string]any{"secret": "x"})); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	otherKey, err := crypto.NewEncryptor([]byte("fedcba9876543210fedcba9876543210"))
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	reader := NewEncryptedStore(inner, otherKey)

	if _, err := reader.ListByExecution(ctx, "exec-1"); !errors.Is(err, types.ErrStorage) {
		t.Errorf("ListByExecution() with wrong key error = %v, want ErrStorage", err)
	}
}

func TestEncryptedStore_PlaintextPassThrough(t *testing.T) {
	s, inner := newEncryptedStore(t)
	ctx := context.Background()

	// Rows written before encryption was enabled stay readable.
	want := state.MustFromMap(map[string]any{"counter": float64(1)})
	stored, err := inner.Append(ctx, testSnapshot("exec-1", 0, false, state.AsMap(want)))
	if err != nil {
		t.Fatalf("inner Append() error = %v", err)
	}

	got, err := s.GetByID(ctx, "exec-1", stored.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !state.Equal(got.State, want) {
		t.Errorf("GetByID() state = %v, want %v", state.AsMap(got.State), state.AsMap(want))
	}
}
