package compare

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/linkflow/timetravel/internal/debug/state"
	"github.com/linkflow/timetravel/internal/debug/timeline"
	"github.com/linkflow/timetravel/internal/debug/types"
	"github.com/linkflow/timetravel/pkg/statediff"
)

// ExecutionReader resolves execution records for comparison metadata.
type ExecutionReader interface {
	GetExecution(ctx context.Context, executionID string) (*types.Execution, error)
}

// Engine aligns two executions' timelines step by step and reports where
// their recorded states diverge.
type Engine struct {
	executions ExecutionReader
	timelines  timeline.Source
	logger     *slog.Logger
}

// NewEngine creates a comparison engine on top of a timeline source.
func NewEngine(executions ExecutionReader, timelines timeline.Source, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		executions: executions,
		timelines:  timelines,
		logger:     logger,
	}
}

// Compare builds both timelines, aligns their snapshots by step number up
// to the shorter execution's last step and diffs the state at every
// aligned step. Neither timeline is mutated. Swapping the arguments flips
// the direction of each difference but changes nothing else.
func (e *Engine) Compare(ctx context.Context, executionIDA, executionIDB string) (*types.ExecutionComparison, error) {
	if executionIDA == "" || executionIDB == "" {
		return nil, fmt.Errorf("compare: missing execution id: %w", types.ErrValidation)
	}

	execA, err := e.executions.GetExecution(ctx, executionIDA)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve execution %s: %w", executionIDA, err)
	}
	execB, err := e.executions.GetExecution(ctx, executionIDB)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve execution %s: %w", executionIDB, err)
	}

	timelineA, err := e.timelines.Build(ctx, executionIDA)
	if err != nil {
		return nil, fmt.Errorf("failed to build timeline for %s: %w", executionIDA, err)
	}
	timelineB, err := e.timelines.Build(ctx, executionIDB)
	if err != nil {
		return nil, fmt.Errorf("failed to build timeline for %s: %w", executionIDB, err)
	}

	statesA, maxA := snapshotStates(timelineA)
	statesB, maxB := snapshotStates(timelineB)

	limit := maxA
	if maxB < limit {
		limit = maxB
	}

	differences := make([]types.ExecutionDifference, 0)
	var (
		commonSteps int64
		divergence  *int64
	)
	for _, step := range alignedSteps(statesA, statesB, limit) {
		diffs := statediff.Diff(statesA[step], statesB[step])
		if len(diffs) == 0 {
			commonSteps++
			continue
		}
		if divergence == nil {
			s := step
			divergence = &s
		}
		for _, d := range diffs {
			differences = append(differences, types.ExecutionDifference{
				StepNumber:  step,
				Field:       d.Field,
				Type:        differenceType(d.Kind),
				Description: describe(step, d),
				ValueA:      d.ValueA,
				ValueB:      d.ValueB,
			})
		}
	}

	e.logger.Debug("compared executions",
		slog.String("execution_a", executionIDA),
		slog.String("execution_b", executionIDB),
		slog.Int64("common_steps", commonSteps),
		slog.Int("differences", len(differences)),
	)

	return &types.ExecutionComparison{
		ExecutionA:  execA.Summary(),
		ExecutionB:  execB.Summary(),
		Differences: differences,
		Summary: types.ComparisonSummary{
			CommonSteps:     commonSteps,
			DivergencePoint: divergence,
			ExecutionTimeA:  execA.Duration(),
			ExecutionTimeB:  execB.Duration(),
			TotalStepsA:     maxA + 1,
			TotalStepsB:     maxB + 1,
		},
	}, nil
}

// snapshotStates indexes snapshot state by step and reports the highest
// step number seen across all entries, -1 for an empty timeline.
func snapshotStates(entries []*types.TimelineEntry) (map[int64]*state.Document, int64) {
	states := make(map[int64]*state.Document)
	maxStep := int64(-1)
	for _, entry := range entries {
		if entry.StepNumber > maxStep {
			maxStep = entry.StepNumber
		}
		if entry.Type == types.EntrySnapshot {
			states[entry.StepNumber] = entry.Data
		}
	}
	return states, maxStep
}

// alignedSteps is the sorted union of snapshot steps from both sides, cut
// off at the shorter execution's last step.
func alignedSteps(a, b map[int64]*state.Document, limit int64) []int64 {
	steps := make([]int64, 0, len(a)+len(b))
	for step := range a {
		if step <= limit {
			steps = append(steps, step)
		}
	}
	for step := range b {
		if _, ok := a[step]; !ok && step <= limit {
			steps = append(steps, step)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i] < steps[j] })
	return steps
}

func differenceType(kind statediff.Kind) types.DifferenceType {
	switch kind {
	case statediff.KindMissing:
		return types.DifferenceMissing
	case statediff.KindExtra:
		return types.DifferenceExtra
	default:
		return types.DifferenceDifferent
	}
}

func describe(step int64, d statediff.Difference) string {
	switch d.Kind {
	case statediff.KindMissing:
		return fmt.Sprintf("field %q at step %d is present only in execution A", d.Field, step)
	case statediff.KindExtra:
		return fmt.Sprintf("field %q at step %d is present only in execution B", d.Field, step)
	default:
		return fmt.Sprintf("field %q differs at step %d", d.Field, step)
	}
}
