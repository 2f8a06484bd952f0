package metrics

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMakeKey_Consistency(t *testing.T) {
	labels := Labels{
		"service":   "debugger",
		"outcome":   "succeeded",
		"direction": "forward",
	}

	key1 := makeKey("rollbacks_total", labels)
	key2 := makeKey("rollbacks_total", labels)

	if key1 != key2 {
		t.Errorf("makeKey should be consistent: got %q and %q", key1, key2)
	}
}

func TestMakeKey_DifferentLabelOrder(t *testing.T) {
	labels1 := Labels{"a": "1", "b": "2", "c": "3"}
	labels2 := Labels{"c": "3", "a": "1", "b": "2"}

	key1 := makeKey("metric", labels1)
	key2 := makeKey("metric", labels2)

	if key1 != key2 {
		t.Errorf("makeKey should produce same key regardless of insertion order: got %q and %q", key1, key2)
	}
}

func TestMakeKey_EmptyLabels(t *testing.T) {
	key := makeKey("metric", Labels{})
	if key != "metric" {
		t.Errorf("makeKey with empty labels = %q, want %q", key, "metric")
	}
}

func TestCounter_Operations(t *testing.T) {
	c := NewCounter("test_counter", nil)

	if c.Value() != 0 {
		t.Errorf("Initial value = %d, want 0", c.Value())
	}

	c.Inc()
	if c.Value() != 1 {
		t.Errorf("After Inc = %d, want 1", c.Value())
	}

	c.Add(5)
	if c.Value() != 6 {
		t.Errorf("After Add(5) = %d, want 6", c.Value())
	}
}

func TestCounter_Concurrent(t *testing.T) {
	c := NewCounter("test_counter", nil)

	var wg sync.WaitGroup
	iterations := 1000

	for i := 0; i < iterations; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc()
		}()
	}

	wg.Wait()

	if c.Value() != int64(iterations) {
		t.Errorf("After concurrent Inc = %d, want %d", c.Value(), iterations)
	}
}

func TestGauge_Operations(t *testing.T) {
	g := NewGauge("test_gauge", nil)

	if g.Value() != 0 {
		t.Errorf("Initial value = %f, want 0", g.Value())
	}

	g.Set(42.5)
	if g.Value() != 42.5 {
		t.Errorf("After Set(42.5) = %f, want 42.5", g.Value())
	}

	g.Inc()
	if g.Value() != 43.5 {
		t.Errorf("After Inc = %f, want 43.5", g.Value())
	}

	g.Dec()
	if g.Value() != 42.5 {
		t.Errorf("After Dec = %f, want 42.5", g.Value())
	}

	g.Add(7.5)
	if g.Value() != 50 {
		t.Errorf("After Add(7.5) = %f, want 50", g.Value())
	}
}

func TestGauge_Concurrent(t *testing.T) {
	g := NewGauge("test_gauge", nil)

	var wg sync.WaitGroup
	iterations := 1000

	for i := 0; i < iterations; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			g.Inc()
		}()
		go func() {
			defer wg.Done()
			g.Dec()
		}()
	}

	wg.Wait()

	if g.Value() != 0 {
		t.Errorf("After concurrent Inc/Dec = %f, want 0", g.Value())
	}
}

func TestHistogram_Observe(t *testing.T) {
	h := NewHistogram("test_histogram", nil, nil)

	h.Observe(10)
	h.Observe(50)
	h.Observe(100)

	if h.Count() != 3 {
		t.Errorf("Count = %d, want 3", h.Count())
	}

	expectedSum := 10.0 + 50.0 + 100.0
	if h.Sum() != expectedSum {
		t.Errorf("Sum = %f, want %f", h.Sum(), expectedSum)
	}

	buckets := h.Buckets()
	if buckets[10] != 1 {
		t.Errorf("bucket le=10 count = %d, want 1", buckets[10])
	}
	if buckets[50] != 1 {
		t.Errorf("bucket le=50 count = %d, want 1", buckets[50])
	}
}

func TestHistogram_ObserveDuration(t *testing.T) {
	h := NewHistogram("test_histogram", nil, nil)

	h.ObserveDuration(1500 * time.Microsecond)
	if h.Sum() != 1.5 {
		t.Errorf("Sum after 1.5ms observation = %f, want 1.5", h.Sum())
	}
}

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry()

	labels := Labels{"outcome": "succeeded"}

	c1 := r.Counter("rollbacks_total", labels)
	c1.Inc()

	c2 := r.Counter("rollbacks_total", labels)

	if c2.Value() != 1 {
		t.Errorf("Registry should return same counter, got value %d", c2.Value())
	}
}

func TestRegistry_DifferentLabels(t *testing.T) {
	r := NewRegistry()

	c1 := r.Counter("rollbacks_total", Labels{"outcome": "succeeded"})
	c2 := r.Counter("rollbacks_total", Labels{"outcome": "denied"})

	c1.Inc()
	c2.Add(5)

	if c1.Value() != 1 {
		t.Errorf("c1.Value() = %d, want 1", c1.Value())
	}
	if c2.Value() != 5 {
		t.Errorf("c2.Value() = %d, want 5", c2.Value())
	}
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	r.Counter("timetravel_rollbacks_total", Labels{"outcome": "succeeded"}).Add(3)
	r.Gauge("timetravel_replay_sessions_active", nil).Set(2)
	h := r.Histogram("timetravel_rollback_duration_ms", nil, []float64{10, 100})
	h.Observe(5)
	h.Observe(50)
	h.Observe(500)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", got)
	}

	body := rec.Body.String()
	wantLines := []string{
		"# TYPE timetravel_rollbacks_total counter",
		`timetravel_rollbacks_total{outcome="succeeded"} 3`,
		"# TYPE timetravel_replay_sessions_active gauge",
		"timetravel_replay_sessions_active 2",
		"# TYPE timetravel_rollback_duration_ms histogram",
		`timetravel_rollback_duration_ms_bucket{le="10"} 1`,
		`timetravel_rollback_duration_ms_bucket{le="100"} 2`,
		`timetravel_rollback_duration_ms_bucket{le="+Inf"} 3`,
		"timetravel_rollback_duration_ms_sum 555",
		"timetravel_rollback_duration_ms_count 3",
	}
	for _, want := range wantLines {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing line %q\nbody:\n%s", want, body)
		}
	}

	// Output is deterministic.
	rec2 := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec2, httptest.NewRequest("GET", "/metrics", nil))
	if body != rec2.Body.String() {
		t.Error("two exposition passes produced different output")
	}
}

func TestDebuggerMetrics(t *testing.T) {
	r := NewRegistry()
	m := NewDebuggerMetrics(r, "debugger")

	m.SessionStarted()
	m.SessionStarted()
	m.SessionsActive(1)
	if got := r.Counter("timetravel_replay_sessions_started_total", Labels{"service": "debugger"}).Value(); got != 2 {
		t.Errorf("started sessions counter = %d, want 2", got)
	}
	if got := r.Gauge("timetravel_replay_sessions_active", Labels{"service": "debugger"}).Value(); got != 1 {
		t.Errorf("active sessions gauge = %f, want 1", got)
	}

	m.RollbackAttempted("succeeded", 20*time.Millisecond)
	m.RollbackAttempted("denied", time.Millisecond)
	if got := r.Counter("timetravel_rollbacks_total", Labels{"service": "debugger", "outcome": "succeeded"}).Value(); got != 1 {
		t.Errorf("succeeded rollbacks = %d, want 1", got)
	}
	if got := r.Counter("timetravel_rollbacks_total", Labels{"service": "debugger", "outcome": "denied"}).Value(); got != 1 {
		t.Errorf("denied rollbacks = %d, want 1", got)
	}

	m.SnapshotRecorded(true)
	m.SnapshotRecorded(false)
	m.SnapshotRecorded(false)
	if got := r.Counter("timetravel_snapshots_recorded_total", Labels{"service": "debugger", "checkpoint": "false"}).Value(); got != 2 {
		t.Errorf("non-checkpoint snapshots = %d, want 2", got)
	}

	m.ExecutionPurged(12)
	if got := r.Counter("timetravel_purged_records_total", Labels{"service": "debugger"}).Value(); got != 12 {
		t.Errorf("purged records = %d, want 12", got)
	}
}
