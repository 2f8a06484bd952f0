package store

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/linkflow/timetravel/internal/debug/types"
)

// RetryPolicy controls how failed reads are retried.
type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	MaximumAttempts    int32
}

func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		InitialInterval:    50 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Second,
		MaximumAttempts:    3,
	}
}

// NextRetryDelay calculates exponential backoff with jitter for retry attempts.
// Uses math/rand/v2 which is safe for non-cryptographic purposes like backoff jitter.
func (p *RetryPolicy) NextRetryDelay(attempt int32) time.Duration {
	if attempt <= 0 {
		return p.InitialInterval
	}

	multiplier := math.Pow(p.BackoffCoefficient, float64(attempt-1))
	backoff := float64(p.InitialInterval) * multiplier

	jitterFactor := 0.8 + rand.Float64()*0.4
	backoff *= jitterFactor

	if backoff > float64(p.MaximumInterval) {
		backoff = float64(p.MaximumInterval)
	}

	return time.Duration(backoff)
}

// ReadRetryStore wraps a Store and retries reads that fail with ErrStorage.
// Writes pass through untouched: an ambiguous append or rollback failure
// must surface to the caller, not be replayed.
type ReadRetryStore struct {
	Store
	policy *RetryPolicy
}

var _ Store = (*ReadRetryStore)(nil)

func NewReadRetryStore(inner Store, policy *RetryPolicy) *ReadRetryStore {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	return &ReadRetryStore{Store: inner, policy: policy}
}

func (s *ReadRetryStore) retry(ctx context.Context, op func() error) error {
	var err error
	for attempt := int32(0); ; attempt++ {
		err = op()
		if err == nil || !errors.Is(err, types.ErrStorage) {
			return err
		}
		if attempt+1 >= s.policy.MaximumAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.policy.NextRetryDelay(attempt + 1)):
		}
	}
}

func (s *ReadRetryStore) ListByExecution(ctx context.Context, executionID string) ([]*types.Snapshot, error) {
	var out []*types.Snapshot
	err := s.retry(ctx, func() error {
		var opErr error
		out, opErr = s.Store.ListByExecution(ctx, executionID)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ReadRetryStore) GetCheckpoints(ctx context.Context, executionID string) ([]*types.Snapshot, error) {
	var out []*types.Snapshot
	err := s.retry(ctx, func() error {
		var opErr error
		out, opErr = s.Store.GetCheckpoints(ctx, executionID)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ReadRetryStore) GetByID(ctx context.Context, executionID, snapshotID string) (*types.Snapshot, error) {
	var out *types.Snapshot
	err := s.retry(ctx, func() error {
		var opErr error
		out, opErr = s.Store.GetByID(ctx, executionID, snapshotID)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ReadRetryStore) ListEvents(ctx context.Context, executionID string) ([]*types.ExecutionEvent, error) {
	var out []*types.ExecutionEvent
	err := s.retry(ctx, func() error {
		var opErr error
		out, opErr = s.Store.ListEvents(ctx, executionID)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ReadRetryStore) GetExecution(ctx context.Context, executionID string) (*types.Execution, error) {
	var out *types.Execution
	err := s.retry(ctx, func() error {
		var opErr error
		out, opErr = s.Store.GetExecution(ctx, executionID)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ReadRetryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*types.Execution, error) {
	var out []*types.Execution
	err := s.retry(ctx, func() error {
		var opErr error
		out, opErr = s.Store.ListExecutions(ctx, filter)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ReadRetryStore) ListRollbackAudits(ctx context.Context, executionID string) ([]*types.RollbackAudit, error) {
	var out []*types.RollbackAudit
	err := s.retry(ctx, func() error {
		var opErr error
		out, opErr = s.Store.ListRollbackAudits(ctx, executionID)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
