package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/linkflow/timetravel/internal/debug/store"
	"github.com/linkflow/timetravel/internal/debug/types"
)

// Source produces the timeline for one execution.
type Source interface {
	Build(ctx context.Context, executionID string) ([]*types.TimelineEntry, error)
}

// Builder merges an execution's snapshots and lifecycle events into a
// single sorted timeline.
type Builder struct {
	snapshots store.SnapshotStore
	events    store.EventStore
	logger    *slog.Logger
}

var _ Source = (*Builder)(nil)

// NewBuilder creates a new timeline builder.
func NewBuilder(snapshots store.SnapshotStore, events store.EventStore, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		snapshots: snapshots,
		events:    events,
		logger:    logger,
	}
}

// Build fetches snapshots and events for an execution and returns them as
// one timeline ordered by (timestamp, step number, snapshot before event).
// Building twice over the same underlying data yields an identical sequence.
// An execution with no entries yields an empty, non-nil timeline.
func (b *Builder) Build(ctx context.Context, executionID string) ([]*types.TimelineEntry, error) {
	if executionID == "" {
		return nil, fmt.Errorf("build timeline: missing execution id: %w", types.ErrValidation)
	}

	snaps, err := b.snapshots.ListByExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshots: %w", err)
	}
	events, err := b.events.ListEvents(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}

	entries := make([]*types.TimelineEntry, 0, len(snaps)+len(events))
	for _, snap := range snaps {
		entries = append(entries, snapshotEntry(snap))
	}
	for _, event := range events {
		entries = append(entries, eventEntry(event))
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entryLess(entries[i], entries[j])
	})

	b.logger.Debug("timeline built",
		slog.String("execution_id", executionID),
		slog.Int("snapshots", len(snaps)),
		slog.Int("events", len(events)),
	)

	return entries, nil
}

func entryLess(a, b *types.TimelineEntry) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.StepNumber != b.StepNumber {
		return a.StepNumber < b.StepNumber
	}
	return a.Type == types.EntrySnapshot && b.Type == types.EntryEvent
}

func snapshotEntry(snap *types.Snapshot) *types.TimelineEntry {
	title := fmt.Sprintf("step %d", snap.StepNumber)
	if snap.Checkpoint {
		title = fmt.Sprintf("checkpoint at step %d", snap.StepNumber)
	}
	return &types.TimelineEntry{
		Type:       types.EntrySnapshot,
		ID:         snap.ID,
		StepNumber: snap.StepNumber,
		Timestamp:  snap.Timestamp,
		Title:      title,
		Data:       snap.State,
		Checkpoint: snap.Checkpoint,
		Severity:   snap.Severity,
	}
}

func eventEntry(event *types.ExecutionEvent) *types.TimelineEntry {
	return &types.TimelineEntry{
		Type:        types.EntryEvent,
		ID:          event.ID,
		StepNumber:  event.StepNumber,
		Timestamp:   event.Timestamp,
		Title:       event.Title,
		Description: event.Description,
		Data:        event.Data,
		Severity:    event.Severity,
	}
}
