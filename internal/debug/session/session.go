package session

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/linkflow/timetravel/internal/debug/state"
	"github.com/linkflow/timetravel/internal/debug/types"
)

// Session is an in-memory navigation cursor over a timeline built once at
// start. It never mutates durable state; new snapshots appended after the
// session started are not visible until the caller starts a new session.
type Session struct {
	id          string
	executionID string

	baseInterval time.Duration
	limiter      *rate.Limiter

	mu          sync.Mutex
	sessState   types.SessionState
	currentStep int64
	totalSteps  int64
	speed       float64

	// Playback bookkeeping. The generation counter invalidates in-flight
	// limiter waits: a tick that was already waiting when Pause or Stop
	// ran must never advance the cursor.
	generation uint64
	playCancel context.CancelFunc
	playDone   chan struct{}

	// Step indexes computed once from the timeline.
	snapshots []*types.TimelineEntry
	steps     []int64
	primary   map[int64]*types.TimelineEntry

	onStop func(sessionID string)
}

func newSession(executionID string, entries []*types.TimelineEntry, cfg Config) *Session {
	s := &Session{
		id:           uuid.NewString(),
		executionID:  executionID,
		baseInterval: cfg.BaseInterval,
		sessState:    types.SessionStateReady,
		speed:        cfg.DefaultSpeed,
		limiter:      rate.NewLimiter(limitFor(cfg.DefaultSpeed, cfg.BaseInterval), 1),
		primary:      make(map[int64]*types.TimelineEntry),
	}

	maxStep := int64(-1)
	for _, entry := range entries {
		if entry.StepNumber > maxStep {
			maxStep = entry.StepNumber
		}
		cur, ok := s.primary[entry.StepNumber]
		if !ok {
			s.primary[entry.StepNumber] = entry
			s.steps = append(s.steps, entry.StepNumber)
		} else if cur.Type == types.EntryEvent && entry.Type == types.EntrySnapshot {
			s.primary[entry.StepNumber] = entry
		}
		if entry.Type == types.EntrySnapshot {
			s.snapshots = append(s.snapshots, entry)
		}
	}
	sort.Slice(s.steps, func(i, j int) bool { return s.steps[i] < s.steps[j] })
	sort.Slice(s.snapshots, func(i, j int) bool {
		return s.snapshots[i].StepNumber < s.snapshots[j].StepNumber
	})
	s.totalSteps = maxStep + 1

	return s
}

func limitFor(speed float64, baseInterval time.Duration) rate.Limit {
	return rate.Limit(speed / baseInterval.Seconds())
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) ExecutionID() string {
	return s.executionID
}

// State returns the current lifecycle state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessState
}

// TotalSteps is the highest recorded step number plus one, fixed when the
// session was started. Zero for an execution with no timeline entries.
func (s *Session) TotalSteps() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSteps
}

// View returns a point-in-time copy of the cursor for presentation.
func (s *Session) View() *types.ReplaySession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &types.ReplaySession{
		ID:            s.id,
		ExecutionID:   s.executionID,
		CurrentStep:   s.currentStep,
		TotalSteps:    s.totalSteps,
		IsPlaying:     s.sessState == types.SessionStatePlaying,
		PlaybackSpeed: s.speed,
	}
}

// Play begins advancing the cursor once per baseInterval/playbackSpeed until
// it reaches the last step, where the session pauses automatically. Playing
// an already-playing session is a no-op. Cancelling ctx pauses playback.
func (s *Session) Play(ctx context.Context) error {
	s.mu.Lock()
	switch s.sessState {
	case types.SessionStateStopped:
		s.mu.Unlock()
		return fmt.Errorf("play: %w", types.ErrSessionStopped)
	case types.SessionStatePlaying:
		s.mu.Unlock()
		return nil
	}
	if s.totalSteps == 0 || s.currentStep >= s.totalSteps-1 {
		// Cursor already at the end; nothing to play through.
		s.sessState = types.SessionStatePaused
		s.mu.Unlock()
		return nil
	}

	playCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.generation++
	gen := s.generation
	s.sessState = types.SessionStatePlaying
	s.playCancel = cancel
	s.playDone = done
	s.mu.Unlock()

	go s.playLoop(playCtx, cancel, gen, done)
	return nil
}

func (s *Session) playLoop(ctx context.Context, cancel context.CancelFunc, gen uint64, done chan struct{}) {
	defer close(done)
	defer cancel()

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			// Pause, Stop, or a dead caller context interrupted the wait.
			s.settle(gen)
			return
		}

		s.mu.Lock()
		if s.generation != gen || s.sessState != types.SessionStatePlaying {
			s.mu.Unlock()
			return
		}
		if s.currentStep < s.totalSteps-1 {
			s.currentStep++
		}
		atEnd := s.currentStep >= s.totalSteps-1
		if atEnd {
			s.sessState = types.SessionStatePaused
		}
		s.mu.Unlock()

		if atEnd {
			return
		}
	}
}

// settle moves a still-playing session of this generation to Paused. When
// Pause or Stop interrupted the wait they already changed the state and
// bumped the generation, so this does nothing.
func (s *Session) settle(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == gen && s.sessState == types.SessionStatePlaying {
		s.sessState = types.SessionStatePaused
	}
}

// Pause halts playback. The cursor stays where the last completed tick left
// it; an in-flight tick is cancelled and never lands.
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.sessState == types.SessionStateStopped {
		s.mu.Unlock()
		return fmt.Errorf("pause: %w", types.ErrSessionStopped)
	}
	if s.sessState != types.SessionStatePlaying {
		s.mu.Unlock()
		return nil
	}
	s.sessState = types.SessionStatePaused
	s.generation++
	cancel := s.playCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// StepForward moves the cursor one step forward, clamped to the last step.
// Stepping past the boundary is a no-op, not an error. While the session is
// playing, manual steps yield to playback and leave the cursor alone.
func (s *Session) StepForward() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessState == types.SessionStateStopped {
		return fmt.Errorf("step forward: %w", types.ErrSessionStopped)
	}
	if s.sessState == types.SessionStatePlaying {
		return nil
	}
	if s.totalSteps > 0 && s.currentStep < s.totalSteps-1 {
		s.currentStep++
	}
	return nil
}

// StepBackward moves the cursor one step back, clamped to step zero.
func (s *Session) StepBackward() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessState == types.SessionStateStopped {
		return fmt.Errorf("step backward: %w", types.ErrSessionStopped)
	}
	if s.sessState == types.SessionStatePlaying {
		return nil
	}
	if s.currentStep > 0 {
		s.currentStep--
	}
	return nil
}

// JumpToStep moves the cursor to step n, clamped to [0, TotalSteps-1].
func (s *Session) JumpToStep(n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessState == types.SessionStateStopped {
		return fmt.Errorf("jump to step: %w", types.ErrSessionStopped)
	}
	s.currentStep = clampStep(n, s.totalSteps)
	return nil
}

func clampStep(n, totalSteps int64) int64 {
	if totalSteps == 0 || n < 0 {
		return 0
	}
	if n > totalSteps-1 {
		return totalSteps - 1
	}
	return n
}

// SetPlaybackSpeed changes the playback speed without moving the cursor.
// The limiter is retuned in place, so a playing session picks the new pace
// up on its next tick.
func (s *Session) SetPlaybackSpeed(speed float64) error {
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return fmt.Errorf("set playback speed: %v is not a positive speed: %w", speed, types.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessState == types.SessionStateStopped {
		return fmt.Errorf("set playback speed: %w", types.ErrSessionStopped)
	}
	s.speed = speed
	s.limiter.SetLimit(limitFor(speed, s.baseInterval))
	return nil
}

// Stop terminates the session. Stop is idempotent; every other navigation
// call on a stopped session returns ErrSessionStopped. Stop waits for an
// active playback goroutine to wind down before returning.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.sessState == types.SessionStateStopped {
		s.mu.Unlock()
		return nil
	}
	s.sessState = types.SessionStateStopped
	s.generation++
	cancel := s.playCancel
	done := s.playDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if s.onStop != nil {
		s.onStop(s.id)
	}
	return nil
}

// CurrentState returns the state captured at the cursor: the snapshot at
// CurrentStep when one exists, otherwise the nearest preceding snapshot's
// state. Snapshots capture full state, so no delta replay is needed. Nil
// when no snapshot exists at or before the cursor.
func (s *Session) CurrentState() *state.Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := sort.Search(len(s.snapshots), func(i int) bool {
		return s.snapshots[i].StepNumber > s.currentStep
	})
	if idx == 0 {
		return nil
	}
	return state.Clone(s.snapshots[idx-1].Data)
}

// CurrentEntry returns the timeline entry at or nearest before the cursor,
// preferring a step's snapshot over its events. Nil for an empty timeline.
func (s *Session) CurrentEntry() *types.TimelineEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := sort.Search(len(s.steps), func(i int) bool {
		return s.steps[i] > s.currentStep
	})
	if idx == 0 {
		return nil
	}
	return s.primary[s.steps[idx-1]].Clone()
}
