package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkflow/timetravel/internal/debug/store"
	"github.com/linkflow/timetravel/internal/debug/types"
)

// Action identifies what was attempted.
type Action string

const (
	ActionRollbackRequested Action = "rollback.requested"
	ActionRollbackSucceeded Action = "rollback.succeeded"
	ActionRollbackDenied    Action = "rollback.denied"
	ActionRollbackFailed    Action = "rollback.failed"
	ActionExecutionPurged   Action = "execution.purged"
)

// Outcome represents the outcome of an action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Event represents one audit event.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Outcome   Outcome   `json:"outcome,omitempty"`

	ExecutionID  string `json:"execution_id"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	StepNumber   int64  `json:"step_number,omitempty"`
	Actor        string `json:"actor,omitempty"`
	Reason       string `json:"reason,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Sink is the interface for audit log destinations.
type Sink interface {
	Write(ctx context.Context, event *Event) error
	Close() error
}

// Config holds audit logger configuration.
type Config struct {
	Enabled    bool
	BufferSize int
}

// DefaultConfig returns default audit config.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		BufferSize: 1000,
	}
}

// Logger fans audit events out to its sinks from a buffered queue. A full
// buffer drops the event and counts it rather than blocking the caller.
type Logger struct {
	sinks   []Sink
	sinksMu sync.RWMutex

	enabled bool
	dropped atomic.Int64

	buffer chan *Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool

	baseLogger *slog.Logger
}

// NewLogger creates a new audit logger.
func NewLogger(config Config, baseLogger *slog.Logger) *Logger {
	if baseLogger == nil {
		baseLogger = slog.Default()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}

	logger := &Logger{
		sinks:      make([]Sink, 0),
		enabled:    config.Enabled,
		buffer:     make(chan *Event, config.BufferSize),
		done:       make(chan struct{}),
		baseLogger: baseLogger,
	}

	go logger.worker()

	return logger
}

// AddSink adds an audit sink.
func (l *Logger) AddSink(sink Sink) {
	l.sinksMu.Lock()
	defer l.sinksMu.Unlock()
	l.sinks = append(l.sinks, sink)
}

// Log queues an audit event for async writing.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if !l.enabled {
		return
	}

	if event.ID == "" {
		event.ID = generateEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.dropped.Add(1)
		return
	}

	select {
	case l.buffer <- event:
		l.mu.Unlock()
	default:
		l.mu.Unlock()
		l.dropped.Add(1)
		l.baseLogger.Warn("audit buffer full, dropping event",
			slog.String("event_id", event.ID),
			slog.String("action", string(event.Action)),
		)
	}
}

// LogSync writes an audit event to all sinks before returning.
func (l *Logger) LogSync(ctx context.Context, event *Event) error {
	if !l.enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = generateEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	return l.writeToSinks(ctx, event)
}

// Dropped reports how many events were discarded because the buffer was
// full or the logger was closed.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

func (l *Logger) worker() {
	defer close(l.done)
	for event := range l.buffer {
		ctx := context.Background()
		if err := l.writeToSinks(ctx, event); err != nil {
			l.baseLogger.Error("failed to write audit event",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (l *Logger) writeToSinks(ctx context.Context, event *Event) error {
	l.sinksMu.RLock()
	sinks := l.sinks
	l.sinksMu.RUnlock()

	var lastErr error
	for _, sink := range sinks {
		if err := sink.Write(ctx, event); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Close drains the queue, then closes every sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.buffer)
	<-l.done

	l.sinksMu.Lock()
	defer l.sinksMu.Unlock()

	var lastErr error
	for _, sink := range l.sinks {
		if err := sink.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// ConsoleSink writes audit events through slog.
type ConsoleSink struct {
	logger *slog.Logger
}

// NewConsoleSink creates a new console sink.
func NewConsoleSink(logger *slog.Logger) *ConsoleSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleSink{logger: logger}
}

func (s *ConsoleSink) Write(ctx context.Context, event *Event) error {
	s.logger.Info("audit event",
		slog.String("event_id", event.ID),
		slog.String("action", string(event.Action)),
		slog.String("outcome", string(event.Outcome)),
		slog.String("execution_id", event.ExecutionID),
		slog.String("checkpoint_id", event.CheckpointID),
		slog.String("actor", event.Actor),
		slog.String("reason", event.Reason),
	)
	return nil
}

func (s *ConsoleSink) Close() error {
	return nil
}

// StoreSink persists denied and failed rollback attempts through the audit
// store. Successful rollbacks are already recorded inside the rollback
// transaction itself, so success events are skipped here.
type StoreSink struct {
	audits store.AuditStore
}

// NewStoreSink creates a sink backed by the audit store.
func NewStoreSink(audits store.AuditStore) *StoreSink {
	return &StoreSink{audits: audits}
}

func (s *StoreSink) Write(ctx context.Context, event *Event) error {
	if event.Action != ActionRollbackDenied && event.Action != ActionRollbackFailed {
		return nil
	}

	reason := fmt.Sprintf("[%s] %s", event.Action, event.Reason)
	if event.ErrorMessage != "" {
		reason = fmt.Sprintf("%s: %s", reason, event.ErrorMessage)
	}

	_, err := s.audits.AppendRollbackAudit(ctx, &types.RollbackAudit{
		ID:           event.ID,
		ExecutionID:  event.ExecutionID,
		CheckpointID: event.CheckpointID,
		StepNumber:   event.StepNumber,
		Reason:       reason,
		Actor:        event.Actor,
		CreatedAt:    event.Timestamp,
	})
	return err
}

func (s *StoreSink) Close() error {
	return nil
}

func generateEventID() string {
	return fmt.Sprintf("audit-%d", time.Now().UnixNano())
}
