package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/linkflow/timetravel/internal/debug/store"
	"github.com/linkflow/timetravel/internal/debug/timeline"
	"github.com/linkflow/timetravel/internal/debug/types"
)

var ErrManagerClosed = errors.New("session manager closed")

// Config holds replay pacing configuration.
type Config struct {
	// BaseInterval is the cursor advance interval at playback speed 1.0.
	BaseInterval time.Duration
	DefaultSpeed float64
}

func DefaultConfig() Config {
	return Config{
		BaseInterval: 500 * time.Millisecond,
		DefaultSpeed: 1.0,
	}
}

// Manager owns the registry of live replay sessions.
type Manager struct {
	executions store.ExecutionStore
	timelines  timeline.Source
	cfg        Config
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a session manager.
func NewManager(executions store.ExecutionStore, timelines timeline.Source, cfg Config, logger *slog.Logger) *Manager {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = DefaultConfig().BaseInterval
	}
	if cfg.DefaultSpeed <= 0 {
		cfg.DefaultSpeed = DefaultConfig().DefaultSpeed
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		executions: executions,
		timelines:  timelines,
		cfg:        cfg,
		logger:     logger,
		sessions:   make(map[string]*Session),
	}
}

// Start creates a session over the execution's timeline as it exists right
// now. The timeline is loaded once; steps appended later are invisible until
// the caller starts a fresh session. A storage failure leaves no session
// registered.
func (m *Manager) Start(ctx context.Context, executionID string) (*Session, error) {
	if executionID == "" {
		return nil, fmt.Errorf("start session: missing execution id: %w", types.ErrValidation)
	}

	if _, err := m.executions.GetExecution(ctx, executionID); err != nil {
		return nil, fmt.Errorf("failed to resolve execution: %w", err)
	}

	entries, err := m.timelines.Build(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to build timeline: %w", err)
	}

	sess := newSession(executionID, entries, m.cfg)
	sess.onStop = m.remove

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	m.logger.Info("replay session started",
		slog.String("session_id", sess.id),
		slog.String("execution_id", executionID),
		slog.Int64("total_steps", sess.TotalSteps()),
	)
	return sess, nil
}

// Get returns a live session by ID.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	return sess, nil
}

// Stop terminates one session and removes it from the registry.
func (m *Manager) Stop(sessionID string) error {
	sess, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	if err := sess.Stop(); err != nil {
		return err
	}

	m.logger.Info("replay session stopped",
		slog.String("session_id", sessionID),
		slog.String("execution_id", sess.ExecutionID()),
	)
	return nil
}

// StopAll terminates every live session and refuses new ones. Used on
// shutdown; returns once all playback goroutines have wound down.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.closed = true
	live := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		live = append(live, sess)
	}
	m.mu.Unlock()

	for _, sess := range live {
		sess.Stop()
	}

	if len(live) > 0 {
		m.logger.Info("replay sessions drained", slog.Int("count", len(live)))
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}
