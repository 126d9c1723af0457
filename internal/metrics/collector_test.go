package metrics

import (
	"testing"
	"time"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/engine"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatalf("expected non-nil collector")
	}
}

func TestCollectorRecordAndGetTimeSeries(t *testing.T) {
	c := NewCollector()
	c.Start()

	now := time.Now()
	c.Record("field_energy", 10.0, now, nil)
	c.Record("field_energy", 20.0, now.Add(time.Second), nil)
	c.Record("field_energy", 30.0, now.Add(2*time.Second), nil)

	points := c.GetTimeSeries("field_energy", nil)
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}
	for i, want := range []float64{10, 20, 30} {
		if points[i].Value != want {
			t.Fatalf("point %d: expected %f, got %f", i, want, points[i].Value)
		}
	}

	// returned points are copies
	points[0].Value = -1
	if c.GetTimeSeries("field_energy", nil)[0].Value != 10 {
		t.Fatalf("expected the stored series to be unaffected by callers")
	}
}

func TestCollectorRecordWithLabels(t *testing.T) {
	c := NewCollector()
	labels := WithPhase(CreateRunLabels("run-1"), "forward")

	c.Record(MetricFieldEnergy, 10.0, time.Now(), labels)
	labels["phase"] = "mutated"

	points := c.GetTimeSeries(MetricFieldEnergy, WithPhase(CreateRunLabels("run-1"), "forward"))
	if len(points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(points))
	}
	if points[0].Labels["phase"] != "forward" {
		t.Fatalf("expected phase label forward, got %s", points[0].Labels["phase"])
	}
	if c.GetTimeSeries(MetricFieldEnergy, nil) != nil {
		t.Fatalf("expected unlabelled series to be empty")
	}
}

func TestCollectorGetAggregation(t *testing.T) {
	c := NewCollector()

	values := []float64{10.0, 50.0, 30.0, 40.0, 20.0}
	now := time.Now()
	for i, v := range values {
		c.Record("objective", v, now.Add(time.Duration(i)*time.Second), nil)
	}

	agg := c.GetAggregation("objective", nil)
	if agg == nil {
		t.Fatalf("expected non-nil aggregation")
	}

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"count", float64(agg.Count), 5},
		{"sum", agg.Sum, 150},
		{"min", agg.Min, 10},
		{"max", agg.Max, 50},
		{"mean", agg.Mean, 30},
		{"last", agg.Last, 20},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: expected %f, got %f", tt.name, tt.want, tt.got)
		}
	}
}

func TestCollectorGetOrComputeAggregation(t *testing.T) {
	c := NewCollector()

	now := time.Now()
	c.Record("objective", 10.0, now, nil)
	c.Record("objective", 20.0, now, nil)

	agg1 := c.GetOrComputeAggregation("objective", nil)
	if agg1 == nil || agg1.Count != 2 {
		t.Fatalf("expected aggregation over 2 points, got %+v", agg1)
	}
	agg2 := c.GetOrComputeAggregation("objective", nil)
	if agg1 != agg2 {
		t.Fatalf("expected the cached aggregation to be returned")
	}

	c.Record("objective", 30.0, now, nil)
	agg3 := c.GetOrComputeAggregation("objective", nil)
	if agg3.Count != 3 || agg3.Last != 30 {
		t.Fatalf("expected the cache to be invalidated by a new point, got %+v", agg3)
	}
}

func TestCollectorGetSummary(t *testing.T) {
	c := NewCollector()
	c.Start()

	now := time.Now()
	c.Record(MetricSolverSteps, 100, now, WithPhase(CreateRunLabels("r"), "forward"))
	c.Record(MetricSolverSteps, 100, now.Add(time.Millisecond), WithPhase(CreateRunLabels("r"), "adjoint"))
	c.Record(MetricObjective, 0.5, now, nil)

	time.Sleep(10 * time.Millisecond)
	c.Stop()

	summary := c.GetSummary()
	if len(summary.Metrics[MetricSolverSteps]) != 2 {
		t.Fatalf("expected 2 values for %s across labels, got %d", MetricSolverSteps, len(summary.Metrics[MetricSolverSteps]))
	}
	if agg := summary.Aggregations[MetricSolverSteps]; agg == nil || agg.Sum != 200 {
		t.Fatalf("expected summed steps 200, got %+v", agg)
	}
	if summary.Duration <= 0 {
		t.Fatalf("expected positive duration, got %v", summary.Duration)
	}
}

func TestCollectorGetMetricNames(t *testing.T) {
	c := NewCollector()

	c.RecordNow("b", 10.0, nil)
	c.RecordNow("a", 20.0, nil)
	c.RecordNow("c", 30.0, nil)

	names := c.GetMetricNames()
	if len(names) != 3 || names[0] != "a" || names[2] != "c" {
		t.Fatalf("expected sorted names [a b c], got %v", names)
	}
}

func TestCollectorGetLabelsForMetric(t *testing.T) {
	c := NewCollector()

	now := time.Now()
	c.Record("m", 10.0, now, CreateRunLabels("r1"))
	c.Record("m", 20.0, now, CreateRunLabels("r2"))
	c.Record("m", 30.0, now, nil)

	if got := len(c.GetLabelsForMetric("m")); got != 3 {
		t.Fatalf("expected 3 label combinations, got %d", got)
	}
}

func TestLabelKeyIsOrderIndependent(t *testing.T) {
	a := labelKey(map[string]string{"run_id": "1", "phase": "forward"})
	b := labelKey(map[string]string{"phase": "forward", "run_id": "1"})
	if a != b {
		t.Fatalf("expected equal keys, got %q and %q", a, b)
	}
	if labelKey(nil) != "" {
		t.Fatalf("expected empty key for no labels")
	}
}

func TestRecordRun(t *testing.T) {
	c := NewCollector()
	labels := WithPhase(CreateRunLabels("r"), "forward")

	RecordRun(c, &engine.RunResult{Steps: 700, Elapsed: 1500 * time.Millisecond, Energy: 1e-9}, time.Now(), labels)
	RecordRun(c, nil, time.Now(), labels)

	tests := []struct {
		metric string
		want   float64
	}{
		{MetricSolverSteps, 700},
		{MetricRunSeconds, 1.5},
		{MetricSolverRuns, 1},
		{MetricFieldEnergy, 1e-9},
	}
	for _, tt := range tests {
		agg := c.GetAggregation(tt.metric, labels)
		if agg == nil || agg.Count != 1 || agg.Last != tt.want {
			t.Errorf("%s: expected single point %g, got %+v", tt.metric, tt.want, agg)
		}
	}
	if TotalAcrossLabels(c, MetricSolverRuns) != 1 {
		t.Fatalf("expected 1 run in total")
	}
}

func TestProgressRecorder(t *testing.T) {
	c := NewCollector()
	base := CreateRunLabels("r")
	fn := ProgressRecorder(c, base)

	fn("forward", 50, 2.0)
	fn("forward", 100, 1.0)
	fn("adjoint", 50, 3.0)

	fwd := c.GetAggregation(MetricFieldEnergy, WithPhase(CreateRunLabels("r"), "forward"))
	if fwd == nil || fwd.Count != 2 || fwd.Last != 1.0 {
		t.Fatalf("expected 2 forward samples ending at 1.0, got %+v", fwd)
	}
	if _, ok := base["phase"]; ok {
		t.Fatalf("expected base labels to be left untouched")
	}
	if TotalAcrossLabels(c, MetricFieldEnergy) != 6.0 {
		t.Fatalf("expected summed energy 6.0")
	}
}

func TestHelperRecorders(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	RecordObjective(c, 0.25, now, nil)
	RecordGradientNorm(c, 3, now, nil)
	RecordStepSize(c, 0.1, now, nil)

	for name, want := range map[string]float64{
		MetricObjective:    0.25,
		MetricGradientNorm: 3,
		MetricStepSize:     0.1,
	} {
		points := c.GetTimeSeries(name, nil)
		if len(points) != 1 || points[0].Value != want {
			t.Errorf("%s: expected single point %g, got %v", name, want, points)
		}
	}
}

func TestRunLabelsUseRunIDKey(t *testing.T) {
	labels := WithPhase(CreateRunLabels("run-7"), "adjoint")
	if labels["run_id"] != "run-7" || labels["phase"] != "adjoint" {
		t.Fatalf("unexpected labels %v", labels)
	}
	if _, ok := labels["run"]; ok {
		t.Fatalf("expected no legacy run key in %v", labels)
	}

	c := NewCollector()
	ProgressRecorder(c, CreateRunLabels("run-7"))("adjoint", 10, 4.0)
	points := c.GetTimeSeries(MetricFieldEnergy, map[string]string{"run_id": "run-7", "phase": "adjoint"})
	if len(points) != 1 {
		t.Fatalf("expected the sample under run_id/phase labels, got %d points", len(points))
	}
}
