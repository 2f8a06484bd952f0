// Package debug assembles the time-travel debugger components behind a
// single in-process API. Callers record snapshots and events as an
// execution runs, then use the service to inspect timelines, replay
// executions step by step, roll state back to checkpoints, and compare
// two executions field by field.
package debug

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/linkflow/timetravel/internal/debug/compare"
	"github.com/linkflow/timetravel/internal/debug/rollback"
	"github.com/linkflow/timetravel/internal/debug/session"
	"github.com/linkflow/timetravel/internal/debug/state"
	"github.com/linkflow/timetravel/internal/debug/store"
	"github.com/linkflow/timetravel/internal/debug/timeline"
	"github.com/linkflow/timetravel/internal/debug/types"
	"github.com/linkflow/timetravel/internal/observability/metrics"
	"github.com/linkflow/timetravel/internal/security/audit"
)

// Config holds service tunables.
type Config struct {
	// TimelineCacheSize caps how many execution timelines stay cached.
	TimelineCacheSize int
	// TimelineCacheTTL bounds how long a cached timeline is served
	// before it is rebuilt. Zero disables expiry.
	TimelineCacheTTL time.Duration
	// Session configures replay playback.
	Session session.Config
}

// DefaultConfig returns settings suitable for interactive debugging.
func DefaultConfig() Config {
	return Config{
		TimelineCacheSize: 128,
		TimelineCacheTTL:  time.Minute,
		Session:           session.DefaultConfig(),
	}
}

// Service is the debugger facade. All components share one store
// backend; construct it once and share it across callers.
type Service struct {
	store     store.Store
	timelines *timeline.Cache
	sessions  *session.Manager
	rollbacks *rollback.Controller
	compares  *compare.Engine
	audit     *audit.Logger
	metrics   *metrics.DebuggerMetrics
	logger    *slog.Logger
}

// NewService wires the component graph on top of the given store. The
// locker, audit logger, and metrics may be nil; the service falls back
// to an in-process locker, no audit trail, and the default registry.
func NewService(st store.Store, locker rollback.Locker, auditLog *audit.Logger, m *metrics.DebuggerMetrics, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewDebuggerMetrics(nil, "debugger")
	}

	builder := timeline.NewBuilder(st, st, logger.With("component", "timeline"))
	timelines := timeline.NewCache(builder, cfg.TimelineCacheSize, cfg.TimelineCacheTTL)

	return &Service{
		store:     st,
		timelines: timelines,
		sessions:  session.NewManager(st, timelines, cfg.Session, logger.With("component", "session")),
		rollbacks: rollback.NewController(st, locker, auditLog, logger.With("component", "rollback")),
		compares:  compare.NewEngine(st, timelines, logger.With("component", "compare")),
		audit:     auditLog,
		metrics:   m,
		logger:    logger,
	}
}

// RecordSnapshot persists one state snapshot captured during an
// execution and invalidates the cached timeline it belongs to.
func (s *Service) RecordSnapshot(ctx context.Context, snapshot *types.Snapshot) (*types.Snapshot, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("record snapshot: snapshot is nil: %w", types.ErrValidation)
	}
	if snapshot.ExecutionID == "" {
		return nil, fmt.Errorf("record snapshot: execution id is required: %w", types.ErrValidation)
	}
	if snapshot.StepNumber < 0 {
		return nil, fmt.Errorf("record snapshot: step number %d is negative: %w", snapshot.StepNumber, types.ErrValidation)
	}
	if snapshot.State == nil {
		return nil, fmt.Errorf("record snapshot: state is required: %w", types.ErrValidation)
	}

	stored, err := s.store.Append(ctx, snapshot)
	if err != nil {
		return nil, err
	}

	s.timelines.Invalidate(stored.ExecutionID)
	s.metrics.SnapshotRecorded(stored.Checkpoint)
	s.logger.Debug("recorded snapshot",
		slog.String("execution_id", stored.ExecutionID),
		slog.Int64("step_number", stored.StepNumber),
		slog.Bool("checkpoint", stored.Checkpoint),
	)
	return stored, nil
}

// RecordEvent persists one execution event and invalidates the cached
// timeline it belongs to.
func (s *Service) RecordEvent(ctx context.Context, event *types.ExecutionEvent) (*types.ExecutionEvent, error) {
	if event == nil {
		return nil, fmt.Errorf("record event: event is nil: %w", types.ErrValidation)
	}
	if event.ExecutionID == "" {
		return nil, fmt.Errorf("record event: execution id is required: %w", types.ErrValidation)
	}
	if event.StepNumber < 0 {
		return nil, fmt.Errorf("record event: step number %d is negative: %w", event.StepNumber, types.ErrValidation)
	}
	if event.Title == "" {
		return nil, fmt.Errorf("record event: title is required: %w", types.ErrValidation)
	}

	stored, err := s.store.AppendEvent(ctx, event)
	if err != nil {
		return nil, err
	}

	s.timelines.Invalidate(stored.ExecutionID)
	s.metrics.EventRecorded(string(stored.Severity))
	return stored, nil
}

// Timeline returns the chronological timeline for an execution.
func (s *Service) Timeline(ctx context.Context, executionID string) ([]*types.TimelineEntry, error) {
	if executionID == "" {
		return nil, fmt.Errorf("timeline: execution id is required: %w", types.ErrValidation)
	}

	started := time.Now()
	entries, err := s.timelines.Build(ctx, executionID)
	if err != nil {
		return nil, err
	}

	s.metrics.TimelineBuilt(len(entries), time.Since(started))
	hits, misses := s.timelines.Stats()
	s.metrics.CacheStats("timeline", hits, misses)
	return entries, nil
}

// StartReplay opens a replay session positioned at the first timeline
// step of the execution.
func (s *Service) StartReplay(ctx context.Context, executionID string) (*types.ReplaySession, error) {
	sess, err := s.sessions.Start(ctx, executionID)
	if err != nil {
		return nil, err
	}

	s.metrics.SessionStarted()
	s.metrics.SessionsActive(s.sessions.Len())
	return sess.View(), nil
}

// ReplaySession returns the current view of a replay session.
func (s *Service) ReplaySession(sessionID string) (*types.ReplaySession, error) {
	sess, err := s.replay(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.View(), nil
}

// PlayReplay starts automatic playback for a session.
func (s *Service) PlayReplay(ctx context.Context, sessionID string) error {
	sess, err := s.replay(sessionID)
	if err != nil {
		return err
	}
	return sess.Play(ctx)
}

// PauseReplay halts automatic playback, keeping the current position.
func (s *Service) PauseReplay(sessionID string) error {
	sess, err := s.replay(sessionID)
	if err != nil {
		return err
	}
	return sess.Pause()
}

// StepForward advances a session one step and returns the new view.
func (s *Service) StepForward(sessionID string) (*types.ReplaySession, error) {
	sess, err := s.replay(sessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.StepForward(); err != nil {
		return nil, err
	}

	s.metrics.SessionStep("forward")
	return sess.View(), nil
}

// StepBackward rewinds a session one step and returns the new view.
func (s *Service) StepBackward(sessionID string) (*types.ReplaySession, error) {
	sess, err := s.replay(sessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.StepBackward(); err != nil {
		return nil, err
	}

	s.metrics.SessionStep("backward")
	return sess.View(), nil
}

// JumpToStep moves a session directly to the given step.
func (s *Service) JumpToStep(sessionID string, step int64) (*types.ReplaySession, error) {
	sess, err := s.replay(sessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.JumpToStep(step); err != nil {
		return nil, err
	}

	s.metrics.SessionStep("jump")
	return sess.View(), nil
}

// SetPlaybackSpeed changes the playback speed multiplier of a session.
func (s *Service) SetPlaybackSpeed(sessionID string, speed float64) error {
	sess, err := s.replay(sessionID)
	if err != nil {
		return err
	}
	return sess.SetPlaybackSpeed(speed)
}

// CurrentState returns the execution state at the session's position.
func (s *Service) CurrentState(sessionID string) (*state.Document, error) {
	sess, err := s.replay(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.CurrentState(), nil
}

// CurrentEntry returns the timeline entry at the session's position.
func (s *Service) CurrentEntry(sessionID string) (*types.TimelineEntry, error) {
	sess, err := s.replay(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.CurrentEntry(), nil
}

// StopReplay terminates a replay session and releases it.
func (s *Service) StopReplay(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("stop replay: session id is required: %w", types.ErrValidation)
	}
	if err := s.sessions.Stop(sessionID); err != nil {
		return err
	}

	s.metrics.SessionsActive(s.sessions.Len())
	return nil
}

// ListRollbackPoints returns the checkpoints an execution can be
// rolled back to.
func (s *Service) ListRollbackPoints(ctx context.Context, executionID string) ([]*types.RollbackPoint, error) {
	return s.rollbacks.ListRollbackPoints(ctx, executionID)
}

// Rollback restores an execution to a checkpoint, discarding the
// snapshots recorded after it.
func (s *Service) Rollback(ctx context.Context, executionID, checkpointID, reason, actor string) (*rollback.Result, error) {
	started := time.Now()
	result, err := s.rollbacks.Rollback(ctx, executionID, checkpointID, reason, actor)
	s.metrics.RollbackAttempted(rollbackOutcome(err), time.Since(started))
	if err != nil {
		return nil, err
	}

	s.timelines.Invalidate(executionID)
	return result, nil
}

// Compare diffs two executions step by step.
func (s *Service) Compare(ctx context.Context, executionIDA, executionIDB string) (*types.ExecutionComparison, error) {
	started := time.Now()
	comparison, err := s.compares.Compare(ctx, executionIDA, executionIDB)
	if err != nil {
		return nil, err
	}

	s.metrics.ComparisonRun(len(comparison.Differences), time.Since(started))
	return comparison, nil
}

// GetExecution returns one execution record.
func (s *Service) GetExecution(ctx context.Context, executionID string) (*types.Execution, error) {
	if executionID == "" {
		return nil, fmt.Errorf("get execution: execution id is required: %w", types.ErrValidation)
	}
	return s.store.GetExecution(ctx, executionID)
}

// ListExecutions returns executions matching the filter.
func (s *Service) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*types.Execution, error) {
	return s.store.ListExecutions(ctx, filter)
}

// PurgeExecution deletes every record of an execution and returns how
// many snapshots and events were removed. Purging an unknown execution
// is not an error.
func (s *Service) PurgeExecution(ctx context.Context, executionID string) (int64, error) {
	if executionID == "" {
		return 0, fmt.Errorf("purge execution: execution id is required: %w", types.ErrValidation)
	}

	removed, err := s.store.PurgeExecution(ctx, executionID)
	if err != nil {
		return 0, err
	}

	s.timelines.Invalidate(executionID)
	s.metrics.ExecutionPurged(removed)
	if s.audit != nil {
		s.audit.Log(ctx, &audit.Event{
			Action:      audit.ActionExecutionPurged,
			Outcome:     audit.OutcomeSuccess,
			ExecutionID: executionID,
		})
	}
	s.logger.Info("purged execution",
		slog.String("execution_id", executionID),
		slog.Int64("removed_records", removed),
	)
	return removed, nil
}

// Close stops all replay sessions and drains the audit queue. The
// service must not be used after Close.
func (s *Service) Close() error {
	s.sessions.StopAll()
	s.metrics.SessionsActive(0)

	if s.audit != nil {
		s.metrics.AuditEventsDropped(s.audit.Dropped())
		if err := s.audit.Close(); err != nil {
			return fmt.Errorf("failed to close audit logger: %w", err)
		}
	}
	return nil
}

func (s *Service) replay(sessionID string) (*session.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("replay: session id is required: %w", types.ErrValidation)
	}
	return s.sessions.Get(sessionID)
}

func rollbackOutcome(err error) string {
	switch {
	case err == nil:
		return "succeeded"
	case errors.Is(err, types.ErrConflict):
		return "conflict"
	case errors.Is(err, types.ErrStorage):
		return "failed"
	default:
		return "denied"
	}
}
