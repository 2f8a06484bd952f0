package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/linkflow/timetravel/internal/debug/state"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrStorage            = errors.New("storage failure")
	ErrSessionStopped     = errors.New("replay session stopped")

	// ErrOptimisticLock wraps ErrConflict so callers only branch on the
	// public error kinds.
	ErrOptimisticLock = fmt.Errorf("optimistic lock failure: %w", ErrConflict)
)

type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

type EntryType string

const (
	EntrySnapshot EntryType = "snapshot"
	EntryEvent    EntryType = "event"
)

type DifferenceType string

const (
	DifferenceMissing   DifferenceType = "missing"
	DifferenceDifferent DifferenceType = "different"
	DifferenceExtra     DifferenceType = "extra"
)

type ExecutionStatus int32

const (
	ExecutionStatusUnspecified ExecutionStatus = iota
	ExecutionStatusPending
	ExecutionStatusRunning
	ExecutionStatusPaused
	ExecutionStatusCompleted
	ExecutionStatusFailed
	ExecutionStatusCancelled
)

func (s ExecutionStatus) String() string {
	names := map[ExecutionStatus]string{
		ExecutionStatusUnspecified: "unspecified",
		ExecutionStatusPending:     "pending",
		ExecutionStatusRunning:     "running",
		ExecutionStatusPaused:      "paused",
		ExecutionStatusCompleted:   "completed",
		ExecutionStatusFailed:      "failed",
		ExecutionStatusCancelled:   "cancelled",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return "unknown"
}

type SessionState int32

const (
	SessionStateUnspecified SessionState = iota
	SessionStateReady
	SessionStatePlaying
	SessionStatePaused
	SessionStateStopped
)

func (s SessionState) String() string {
	names := map[SessionState]string{
		SessionStateUnspecified: "unspecified",
		SessionStateReady:       "ready",
		SessionStatePlaying:     "playing",
		SessionStatePaused:      "paused",
		SessionStateStopped:     "stopped",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return "unknown"
}

// Snapshot is one recorded state of an execution at a given step. Snapshots
// are immutable once appended; StepNumber is unique per execution and
// authoritative for ordering.
type Snapshot struct {
	ID          string
	ExecutionID string
	StepNumber  int64
	Timestamp   time.Time
	State       *state.Document
	Checkpoint  bool
	Severity    Severity
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.State = state.Clone(s.State)
	return &out
}

// ExecutionEvent is a discrete lifecycle record emitted by the external
// execution engine. Events share the snapshot's ordering fields but are
// never rollback targets.
type ExecutionEvent struct {
	ID          string
	ExecutionID string
	StepNumber  int64
	Timestamp   time.Time
	Title       string
	Description string
	Data        *state.Document
	Severity    Severity
}

func (e *ExecutionEvent) Clone() *ExecutionEvent {
	if e == nil {
		return nil
	}
	out := *e
	out.Data = state.Clone(e.Data)
	return &out
}

// TimelineEntry is the merged view of one snapshot or event. It is derived,
// recomputed per request, and never persisted.
type TimelineEntry struct {
	Type        EntryType
	ID          string
	StepNumber  int64
	Timestamp   time.Time
	Title       string
	Description string
	Data        *state.Document
	Checkpoint  bool
	Severity    Severity
}

func (t *TimelineEntry) Clone() *TimelineEntry {
	if t == nil {
		return nil
	}
	out := *t
	out.Data = state.Clone(t.Data)
	return &out
}

// RollbackPoint projects a checkpoint snapshot for selection. CanRollback is
// false while the execution's current status makes restoring unsafe.
type RollbackPoint struct {
	ID          string
	StepNumber  int64
	Description string
	Timestamp   time.Time
	State       *state.Document
	CanRollback bool
}

// ReplaySession is the caller-facing view of a live session cursor.
type ReplaySession struct {
	ID            string
	ExecutionID   string
	CurrentStep   int64
	TotalSteps    int64
	IsPlaying     bool
	PlaybackSpeed float64
}

// Execution is the external engine's record as this module reads it.
// Version is the optimistic-lock token checked by rollback writes.
type Execution struct {
	ID          string
	Kind        string
	Status      ExecutionStatus
	State       *state.Document
	Version     int64
	StartedAt   time.Time
	CompletedAt time.Time
}

func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.State = state.Clone(e.State)
	return &out
}

// Duration is the wall-clock run time. Zero while the execution has not
// completed, so comparisons stay deterministic.
func (e *Execution) Duration() time.Duration {
	if e.CompletedAt.IsZero() || e.CompletedAt.Before(e.StartedAt) {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

func (e *Execution) Summary() ExecutionSummary {
	return ExecutionSummary{
		ID:        e.ID,
		Kind:      e.Kind,
		Status:    e.Status,
		StartedAt: e.StartedAt,
	}
}

type ExecutionSummary struct {
	ID        string
	Kind      string
	Status    ExecutionStatus
	StartedAt time.Time
}

// ExecutionDifference is one field-level disagreement between two aligned
// steps. ValueA/ValueB are nil on the absent side for missing/extra.
type ExecutionDifference struct {
	StepNumber  int64
	Field       string
	Type        DifferenceType
	Description string
	ValueA      *state.Value
	ValueB      *state.Value
}

type ComparisonSummary struct {
	CommonSteps     int64
	DivergencePoint *int64
	ExecutionTimeA  time.Duration
	ExecutionTimeB  time.Duration
	TotalStepsA     int64
	TotalStepsB     int64
}

type ExecutionComparison struct {
	ExecutionA  ExecutionSummary
	ExecutionB  ExecutionSummary
	Differences []ExecutionDifference
	Summary     ComparisonSummary
}

// RollbackAudit is the audit row written inside every successful rollback
// transaction.
type RollbackAudit struct {
	ID           string
	ExecutionID  string
	CheckpointID string
	StepNumber   int64
	Reason       string
	Actor        string
	CreatedAt    time.Time
}
