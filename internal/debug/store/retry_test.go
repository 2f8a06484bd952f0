package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/linkflow/timetravel/internal/debug/types"
)

func fastRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		InitialInterval:    time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    5 * time.Millisecond,
		MaximumAttempts:    3,
	}
}

func TestReadRetryStore_RetriesStorageFailures(t *testing.T) {
	faulty := NewFaultStore(NewMemoryStore())
	s := NewReadRetryStore(faulty, fastRetryPolicy())
	ctx := context.Background()

	if _, err := faulty.Append(ctx, testSnapshot("exec-1", 0, false, map[string]any{"counter": float64(0)})); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	faulty.FailN("ListByExecution", nil, 2)

	got, err := s.ListByExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListByExecution() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("ListByExecution() returned %d snapshots, want 1", len(got))
	}
	if calls := faulty.Calls("ListByExecution"); calls != 3 {
		t.Errorf("ListByExecution called %d times, want 3", calls)
	}
}

func TestReadRetryStore_GivesUpAfterMaxAttempts(t *testing.T) {
	faulty := NewFaultStore(NewMemoryStore())
	s := NewReadRetryStore(faulty, fastRetryPolicy())

	faulty.FailAlways("GetExecution", nil)

	_, err := s.GetExecution(context.Background(), "exec-1")
	if !errors.Is(err, types.ErrStorage) {
		t.Fatalf("GetExecution() error = %v, want ErrStorage", err)
	}
	if calls := faulty.Calls("GetExecution"); calls != 3 {
		t.Errorf("GetExecution called %d times, want 3", calls)
	}
}

func TestReadRetryStore_DoesNotRetryNotFound(t *testing.T) {
	faulty := NewFaultStore(NewMemoryStore())
	s := NewReadRetryStore(faulty, fastRetryPolicy())

	_, err := s.GetByID(context.Background(), "exec-1", "missing")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("GetByID() error = %v, want ErrNotFound", err)
	}
	if calls := faulty.Calls("GetByID"); calls != 1 {
		t.Errorf("GetByID called %d times, want 1", calls)
	}
}

func TestReadRetryStore_NeverRetriesWrites(t *testing.T) {
	faulty := NewFaultStore(NewMemoryStore())
	s := NewReadRetryStore(faulty, fastRetryPolicy())

	faulty.FailOnce("Append", nil)

	_, err := s.Append(context.Background(), testSnapshot("exec-1", 0, false, map[string]any{"counter": float64(0)}))
	if !errors.Is(err, types.ErrStorage) {
		t.Fatalf("Append() error = %v, want ErrStorage", err)
	}
	if calls := faulty.Calls("Append"); calls != 1 {
		t.Errorf("Append called %d times, want 1", calls)
	}
}

func TestReadRetryStore_ContextCancelledDuringBackoff(t *testing.T) {
	faulty := NewFaultStore(NewMemoryStore())
	policy := fastRetryPolicy()
	policy.InitialInterval = time.Hour
	policy.MaximumInterval = time.Hour
	s := NewReadRetryStore(faulty, policy)

	faulty.FailAlways("ListEvents", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.ListEvents(ctx, "exec-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ListEvents() error = %v, want context.Canceled", err)
	}
	if calls := faulty.Calls("ListEvents"); calls != 1 {
		t.Errorf("ListEvents called %d times, want 1", calls)
	}
}

func TestRetryPolicy_NextRetryDelay(t *testing.T) {
	policy := &RetryPolicy{
		InitialInterval:    100 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Second,
		MaximumAttempts:    5,
	}

	if got := policy.NextRetryDelay(0); got != policy.InitialInterval {
		t.Errorf("NextRetryDelay(0) = %v, want %v", got, policy.InitialInterval)
	}

	// Jitter keeps each delay within 80-120% of the exponential value.
	for attempt := int32(1); attempt <= 3; attempt++ {
		base := float64(policy.InitialInterval) * pow(policy.BackoffCoefficient, attempt-1)
		got := policy.NextRetryDelay(attempt)
		if float64(got) < base*0.8 || float64(got) > base*1.2 {
			t.Errorf("NextRetryDelay(%d) = %v, want within [%v, %v]",
				attempt, got, time.Duration(base*0.8), time.Duration(base*1.2))
		}
	}

	if got := policy.NextRetryDelay(10); got > policy.MaximumInterval {
		t.Errorf("NextRetryDelay(10) = %v, want at most %v", got, policy.MaximumInterval)
	}
}

func pow(base float64, exp int32) float64 {
	out := 1.0
	for i := int32(0); i < exp; i++ {
		out *= base
	}
	return out
}
