package metrics

import (
	"strconv"
	"time"
)

// DebuggerMetrics records the time-travel debugger's domain metrics.
type DebuggerMetrics struct {
	registry *Registry
	service  string
}

// NewDebuggerMetrics creates a metrics collector. A nil registry uses the
// default one.
func NewDebuggerMetrics(registry *Registry, service string) *DebuggerMetrics {
	if registry == nil {
		registry = DefaultRegistry
	}
	if service == "" {
		service = "debugger"
	}
	return &DebuggerMetrics{
		registry: registry,
		service:  service,
	}
}

// --- Recording ---

// SnapshotRecorded counts one persisted snapshot.
func (m *DebuggerMetrics) SnapshotRecorded(checkpoint bool) {
	m.registry.Counter("timetravel_snapshots_recorded_total", Labels{
		"service":    m.service,
		"checkpoint": strconv.FormatBool(checkpoint),
	}).Inc()
}

// EventRecorded counts one persisted execution event.
func (m *DebuggerMetrics) EventRecorded(severity string) {
	m.registry.Counter("timetravel_events_recorded_total", Labels{
		"service":  m.service,
		"severity": severity,
	}).Inc()
}

// --- Timeline ---

// TimelineBuilt records one timeline construction.
func (m *DebuggerMetrics) TimelineBuilt(entries int, duration time.Duration) {
	m.registry.Counter("timetravel_timelines_built_total", Labels{
		"service": m.service,
	}).Inc()

	m.registry.Histogram("timetravel_timeline_build_duration_ms", Labels{
		"service": m.service,
	}, nil).ObserveDuration(duration)

	m.registry.Histogram("timetravel_timeline_entries", Labels{
		"service": m.service,
	}, []float64{10, 50, 100, 500, 1000, 5000}).Observe(float64(entries))
}

// CacheStats mirrors the timeline cache's cumulative hit and miss
// counters.
func (m *DebuggerMetrics) CacheStats(cacheType string, hits, misses int64) {
	m.registry.Gauge("timetravel_cache_hits", Labels{
		"service":    m.service,
		"cache_type": cacheType,
	}).Set(float64(hits))

	m.registry.Gauge("timetravel_cache_misses", Labels{
		"service":    m.service,
		"cache_type": cacheType,
	}).Set(float64(misses))
}

// --- Replay sessions ---

// SessionStarted counts a new replay session.
func (m *DebuggerMetrics) SessionStarted() {
	m.registry.Counter("timetravel_replay_sessions_started_total", Labels{
		"service": m.service,
	}).Inc()
}

// SessionsActive mirrors the session manager's live session count.
func (m *DebuggerMetrics) SessionsActive(count int) {
	m.registry.Gauge("timetravel_replay_sessions_active", Labels{
		"service": m.service,
	}).Set(float64(count))
}

// SessionStep counts a manual cursor movement.
func (m *DebuggerMetrics) SessionStep(direction string) {
	m.registry.Counter("timetravel_replay_steps_total", Labels{
		"service":   m.service,
		"direction": direction,
	}).Inc()
}

// --- Rollback ---

// RollbackAttempted records an attempted rollback and its outcome.
func (m *DebuggerMetrics) RollbackAttempted(outcome string, duration time.Duration) {
	m.registry.Counter("timetravel_rollbacks_total", Labels{
		"service": m.service,
		"outcome": outcome,
	}).Inc()

	m.registry.Histogram("timetravel_rollback_duration_ms", Labels{
		"service": m.service,
	}, nil).ObserveDuration(duration)
}

// --- Comparison ---

// ComparisonRun records one execution comparison.
func (m *DebuggerMetrics) ComparisonRun(differences int, duration time.Duration) {
	m.registry.Counter("timetravel_comparisons_total", Labels{
		"service": m.service,
	}).Inc()

	m.registry.Histogram("timetravel_comparison_duration_ms", Labels{
		"service": m.service,
	}, nil).ObserveDuration(duration)

	m.registry.Histogram("timetravel_comparison_differences", Labels{
		"service": m.service,
	}, []float64{1, 5, 10, 50, 100, 500}).Observe(float64(differences))
}

// --- Retention ---

// ExecutionPurged records a purged execution and how many records went
// with it.
func (m *DebuggerMetrics) ExecutionPurged(records int64) {
	m.registry.Counter("timetravel_executions_purged_total", Labels{
		"service": m.service,
	}).Inc()

	m.registry.Counter("timetravel_purged_records_total", Labels{
		"service": m.service,
	}).Add(records)
}

// --- Audit ---

// AuditEventsDropped mirrors the audit logger's dropped-event total.
func (m *DebuggerMetrics) AuditEventsDropped(total int64) {
	m.registry.Gauge("timetravel_audit_events_dropped", Labels{
		"service": m.service,
	}).Set(float64(total))
}
