package rollback

import (
	"context"
	"fmt"
	"sync"

	"github.com/linkflow/timetravel/internal/debug/types"
)

// Locker serializes rollback attempts per execution. Acquire either grants
// the lock and returns its release func, or fails with ErrConflict while
// another holder is active. Acquire never blocks waiting for a holder.
type Locker interface {
	Acquire(ctx context.Context, executionID string) (release func(), err error)
}

// MemoryLocker guards executions within a single process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) Acquire(ctx context.Context, executionID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[executionID]; ok {
		return nil, fmt.Errorf("rollback in progress for execution %s: %w", executionID, types.ErrConflict)
	}
	l.held[executionID] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.held, executionID)
		})
	}
	return release, nil
}
