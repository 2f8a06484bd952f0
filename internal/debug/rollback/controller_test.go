package rollback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linkflow/timetravel/internal/debug/state"
	"github.com/linkflow/timetravel/internal/debug/store"
	"github.com/linkflow/timetravel/internal/debug/types"
	"github.com/linkflow/timetravel/internal/security/audit"
)

var fixtureBase = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type captureSink struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (s *captureSink) Write(ctx context.Context, event *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) countByAction() map[audit.Action]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[audit.Action]int)
	for _, e := range s.events {
		counts[e.Action]++
	}
	return counts
}

func newTestController(t *testing.T, st Store) (*Controller, *captureSink, *audit.Logger) {
	t.Helper()
	sink := &captureSink{}
	auditLog := audit.NewLogger(audit.Config{Enabled: true, BufferSize: 64}, nil)
	auditLog.AddSink(sink)
	t.Cleanup(func() { auditLog.Close() })
	return NewController(st, NewMemoryLocker(), auditLog, nil), sink, auditLog
}

// seedExecution stores an execution with snapshots 0..steps-1, flagging the
// given steps as checkpoints. Returns the stored snapshots by step.
func seedExecution(t *testing.T, st Store, executionID string, status types.ExecutionStatus, steps int, checkpointSteps ...int64) map[int64]*types.Snapshot {
	t.Helper()
	ctx := context.Background()

	if err := st.PutExecution(ctx, &types.Execution{
		ID:     executionID,
		Kind:   "pipeline",
		Status: status,
		State:  state.MustFromMap(map[string]any{"counter": int64(steps - 1)}),
	}); err != nil {
		t.Fatalf("PutExecution() error = %v", err)
	}

	isCheckpoint := make(map[int64]bool, len(checkpointSteps))
	for _, s := range checkpointSteps {
		isCheckpoint[s] = true
	}

	byStep := make(map[int64]*types.Snapshot, steps)
	for i := 0; i < steps; i++ {
		step := int64(i)
		stored, err := st.Append(ctx, &types.Snapshot{
			ExecutionID: executionID,
			StepNumber:  step,
			Timestamp:   fixtureBase.Add(time.Duration(i) * time.Second),
			State:       state.MustFromMap(map[string]any{"counter": step}),
			Checkpoint:  isCheckpoint[step],
			Severity:    types.SeverityInfo,
		})
		if err != nil {
			t.Fatalf("Append(step %d) error = %v", step, err)
		}
		byStep[step] = stored
	}
	return byStep
}

func TestController_ListRollbackPoints(t *testing.T) {
	mem := store.NewMemoryStore()
	ctrl, _, _ := newTestController(t, mem)
	seedExecution(t, mem, "exec-1", types.ExecutionStatusCompleted, 5, 0, 2, 4)
	ctx := context.Background()

	points, err := ctrl.ListRollbackPoints(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListRollbackPoints() error = %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("got %d rollback points, want 3", len(points))
	}
	wantSteps := []int64{0, 2, 4}
	for i, p := range points {
		if p.StepNumber != wantSteps[i] {
			t.Errorf("points[%d].StepNumber = %d, want %d", i, p.StepNumber, wantSteps[i])
		}
		if !p.CanRollback {
			t.Errorf("points[%d].CanRollback = false, want true", i)
		}
	}
	if want := "checkpoint at step 2"; points[1].Description != want {
		t.Errorf("description = %q, want %q", points[1].Description, want)
	}
	if v, ok := state.Field(points[1].State, "counter"); !ok || v.GetNumberValue() != 2 {
		t.Errorf("points[1] state counter = %v, want 2", v)
	}

	if _, err := ctrl.ListRollbackPoints(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("unknown execution error = %v, want ErrNotFound", err)
	}
	if _, err := ctrl.ListRollbackPoints(ctx, ""); !errors.Is(err, types.ErrValidation) {
		t.Errorf("empty execution id error = %v, want ErrValidation", err)
	}
}

func TestController_ListRollbackPointsNoCheckpoints(t *testing.T) {
	mem := store.NewMemoryStore()
	ctrl, _, _ := newTestController(t, mem)
	seedExecution(t, mem, "exec-1", types.ExecutionStatusCompleted, 3)

	points, err := ctrl.ListRollbackPoints(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("ListRollbackPoints() error = %v", err)
	}
	if points == nil {
		t.Fatal("ListRollbackPoints() returned nil, want empty slice")
	}
	if len(points) != 0 {
		t.Errorf("got %d rollback points, want 0", len(points))
	}
}

func TestController_ListRollbackPointsWhileRunning(t *testing.T) {
	mem := store.NewMemoryStore()
	ctrl, _, _ := newTestController(t, mem)
	seedExecution(t, mem, "exec-1", types.ExecutionStatusRunning, 5, 0, 2)

	points, err := ctrl.ListRollbackPoints(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("ListRollbackPoints() error = %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("got %d rollback points, want 2", len(points))
	}
	for i, p := range points {
		if p.CanRollback {
			t.Errorf("points[%d].CanRollback = true while running, want false", i)
		}
	}
}

func TestController_Rollback(t *testing.T) {
	mem := store.NewMemoryStore()
	ctrl, sink, auditLog := newTestController(t, mem)
	snaps := seedExecution(t, mem, "exec-1", types.ExecutionStatusFailed, 5, 0, 2, 4)
	ctx := context.Background()

	res, err := ctrl.Rollback(ctx, "exec-1", snaps[2].ID, "bad deploy", "ops@example.com")
	if err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	if res.StepCount != 3 {
		t.Errorf("StepCount = %d, want 3", res.StepCount)
	}
	if res.RemovedCount != 2 {
		t.Errorf("RemovedCount = %d, want 2", res.RemovedCount)
	}
	if v, ok := state.Field(res.RestoredState, "counter"); !ok || v.GetNumberValue() != 2 {
		t.Errorf("restored counter = %v, want 2", v)
	}
	if res.Audit == nil || res.Audit.CheckpointID != snaps[2].ID {
		t.Errorf("audit row = %+v, want checkpoint %s", res.Audit, snaps[2].ID)
	}

	remaining, err := mem.ListByExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListByExecution() error = %v", err)
	}
	if len(remaining) != 3 {
		t.Fatalf("got %d snapshots after rollback, want 3", len(remaining))
	}
	if last := remaining[len(remaining)-1].StepNumber; last != 2 {
		t.Errorf("last remaining step = %d, want 2", last)
	}

	points, err := ctrl.ListRollbackPoints(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListRollbackPoints() error = %v", err)
	}
	gotSteps := make([]int64, 0, len(points))
	for _, p := range points {
		gotSteps = append(gotSteps, p.StepNumber)
	}
	if len(gotSteps) != 2 || gotSteps[0] != 0 || gotSteps[1] != 2 {
		t.Errorf("rollback points after rollback = %v, want [0 2]", gotSteps)
	}

	exec, err := mem.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if v, ok := state.Field(exec.State, "counter"); !ok || v.GetNumberValue() != 2 {
		t.Errorf("execution state counter = %v, want 2", v)
	}
	if exec.Version != 2 {
		t.Errorf("execution version = %d, want 2", exec.Version)
	}

	audits, err := mem.ListRollbackAudits(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListRollbackAudits() error = %v", err)
	}
	if len(audits) != 1 {
		t.Fatalf("got %d audit rows, want 1", len(audits))
	}
	if audits[0].Reason != "bad deploy" || audits[0].Actor != "ops@example.com" {
		t.Errorf("audit row = %+v, want reason and actor preserved", audits[0])
	}

	if err := auditLog.Close(); err != nil {
		t.Fatalf("audit close error = %v", err)
	}
	counts := sink.countByAction()
	if counts[audit.ActionRollbackRequested] != 1 || counts[audit.ActionRollbackSucceeded] != 1 {
		t.Errorf("audit events = %v, want one requested and one succeeded", counts)
	}
}

func TestController_RollbackValidation(t *testing.T) {
	mem := store.NewMemoryStore()
	ctrl, _, _ := newTestController(t, mem)
	snaps := seedExecution(t, mem, "exec-1", types.ExecutionStatusCompleted, 5, 2)
	ctx := context.Background()

	tests := []struct {
		name         string
		executionID  string
		checkpointID string
		reason       string
	}{
		{"missing execution id", "", snaps[2].ID, "bad deploy"},
		{"missing checkpoint id", "exec-1", "", "bad deploy"},
		{"empty reason", "exec-1", snaps[2].ID, ""},
		{"whitespace reason", "exec-1", snaps[2].ID, "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ctrl.Rollback(ctx, tt.executionID, tt.checkpointID, tt.reason, "ops")
			if !errors.Is(err, types.ErrValidation) {
				t.Fatalf("Rollback() error = %v, want ErrValidation", err)
			}
		})
	}

	remaining, err := mem.ListByExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListByExecution() error = %v", err)
	}
	if len(remaining) != 5 {
		t.Errorf("got %d snapshots after rejected attempts, want 5", len(remaining))
	}
}

func TestController_RollbackUnknownCheckpoint(t *testing.T) {
	mem := store.NewMemoryStore()
	ctrl, _, _ := newTestController(t, mem)
	snaps := seedExecution(t, mem, "exec-1", types.ExecutionStatusCompleted, 5, 2)
	ctx := context.Background()

	if _, err := ctrl.Rollback(ctx, "exec-1", "no-such-snapshot", "bad deploy", "ops"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("unknown checkpoint error = %v, want ErrNotFound", err)
	}

	// Step 1 exists but is not flagged as a checkpoint.
	if _, err := ctrl.Rollback(ctx, "exec-1", snaps[1].ID, "bad deploy", "ops"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("non-checkpoint snapshot error = %v, want ErrNotFound", err)
	}

	if _, err := ctrl.Rollback(ctx, "missing", snaps[2].ID, "bad deploy", "ops"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("unknown execution error = %v, want ErrNotFound", err)
	}
}

func TestController_RollbackWhileRunning(t *testing.T) {
	mem := store.NewMemoryStore()
	ctrl, sink, auditLog := newTestController(t, mem)
	snaps := seedExecution(t, mem, "exec-1", types.ExecutionStatusRunning, 5, 2)
	ctx := context.Background()

	_, err := ctrl.Rollback(ctx, "exec-1", snaps[2].ID, "bad deploy", "ops")
	if !errors.Is(err, types.ErrPreconditionFailed) {
		t.Fatalf("Rollback() while running error = %v, want ErrPreconditionFailed", err)
	}

	remaining, err := mem.ListByExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListByExecution() error = %v", err)
	}
	if len(remaining) != 5 {
		t.Errorf("got %d snapshots, want 5 untouched", len(remaining))
	}

	if err := auditLog.Close(); err != nil {
		t.Fatalf("audit close error = %v", err)
	}
	counts := sink.countByAction()
	if counts[audit.ActionRollbackDenied] != 1 {
		t.Errorf("audit events = %v, want one denied", counts)
	}
	if counts[audit.ActionRollbackSucceeded] != 0 {
		t.Errorf("audit events = %v, want no succeeded", counts)
	}
}

func TestController_RollbackAtomicity(t *testing.T) {
	mem := store.NewMemoryStore()
	faulty := store.NewFaultStore(mem)
	ctrl, sink, auditLog := newTestController(t, faulty)
	snaps := seedExecution(t, faulty, "exec-1", types.ExecutionStatusCompleted, 5, 2)
	ctx := context.Background()

	before, err := mem.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}

	faulty.FailOnce("ExecuteRollback", nil)
	_, err = ctrl.Rollback(ctx, "exec-1", snaps[2].ID, "bad deploy", "ops")
	if !errors.Is(err, types.ErrStorage) {
		t.Fatalf("Rollback() with injected fault error = %v, want ErrStorage", err)
	}

	remaining, err := mem.ListByExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListByExecution() error = %v", err)
	}
	if len(remaining) != 5 {
		t.Errorf("got %d snapshots after failed rollback, want 5", len(remaining))
	}
	after, err := mem.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if after.Version != before.Version {
		t.Errorf("version changed %d -> %d on failed rollback", before.Version, after.Version)
	}
	if !state.Equal(after.State, before.State) {
		t.Error("execution state changed on failed rollback")
	}
	audits, err := mem.ListRollbackAudits(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListRollbackAudits() error = %v", err)
	}
	if len(audits) != 0 {
		t.Errorf("got %d audit rows after failed rollback, want 0", len(audits))
	}

	// The failure is transient; the same request succeeds on retry.
	res, err := ctrl.Rollback(ctx, "exec-1", snaps[2].ID, "bad deploy", "ops")
	if err != nil {
		t.Fatalf("Rollback() retry error = %v", err)
	}
	if res.StepCount != 3 {
		t.Errorf("retry StepCount = %d, want 3", res.StepCount)
	}

	if err := auditLog.Close(); err != nil {
		t.Fatalf("audit close error = %v", err)
	}
	counts := sink.countByAction()
	if counts[audit.ActionRollbackFailed] != 1 || counts[audit.ActionRollbackSucceeded] != 1 {
		t.Errorf("audit events = %v, want one failed and one succeeded", counts)
	}
}

// gatedStore holds the rollback transaction open so a second attempt can
// observe the lock.
type gatedStore struct {
	Store
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) ExecuteRollback(ctx context.Context, params store.RollbackParams) (*store.RollbackApplied, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Store.ExecuteRollback(ctx, params)
}

func TestController_ConcurrentRollbackOneWinner(t *testing.T) {
	mem := store.NewMemoryStore()
	gate := &gatedStore{Store: mem, entered: make(chan struct{}, 1), release: make(chan struct{})}
	ctrl, sink, auditLog := newTestController(t, gate)
	snaps := seedExecution(t, mem, "exec-1", types.ExecutionStatusCompleted, 5, 0, 2)
	ctx := context.Background()

	type attempt struct {
		res *Result
		err error
	}
	first := make(chan attempt, 1)

	go func() {
		res, err := ctrl.Rollback(ctx, "exec-1", snaps[2].ID, "first attempt", "alice")
		first <- attempt{res: res, err: err}
	}()

	<-gate.entered

	// The first caller is inside the transaction and holds the lock.
	_, err := ctrl.Rollback(ctx, "exec-1", snaps[0].ID, "second attempt", "bob")
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("concurrent Rollback() error = %v, want ErrConflict", err)
	}

	close(gate.release)
	winner := <-first
	if winner.err != nil {
		t.Fatalf("winning Rollback() error = %v", winner.err)
	}
	if winner.res.StepCount != 3 {
		t.Errorf("winner StepCount = %d, want 3", winner.res.StepCount)
	}

	remaining, err := mem.ListByExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListByExecution() error = %v", err)
	}
	if len(remaining) != 3 {
		t.Errorf("got %d snapshots, want 3 from the single winning rollback", len(remaining))
	}

	if err := auditLog.Close(); err != nil {
		t.Fatalf("audit close error = %v", err)
	}
	counts := sink.countByAction()
	if counts[audit.ActionRollbackSucceeded] != 1 {
		t.Errorf("audit events = %v, want exactly one succeeded", counts)
	}
	if counts[audit.ActionRollbackDenied] != 1 {
		t.Errorf("audit events = %v, want exactly one denied", counts)
	}
}

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "exec-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if _, err := l.Acquire(ctx, "exec-1"); !errors.Is(err, types.ErrConflict) {
		t.Errorf("second Acquire() error = %v, want ErrConflict", err)
	}

	// A different execution is unaffected.
	other, err := l.Acquire(ctx, "exec-2")
	if err != nil {
		t.Fatalf("Acquire(exec-2) error = %v", err)
	}
	other()

	release()
	release() // releasing twice is harmless

	again, err := l.Acquire(ctx, "exec-1")
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	again()
}
