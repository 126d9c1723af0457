package metrics

import (
	"time"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/engine"
)

// Common metric names
const (
	MetricFieldEnergy   = "field_energy"
	MetricSolverSteps   = "solver_steps"
	MetricRunSeconds    = "run_seconds"
	MetricSolverRuns    = "solver_runs"
	MetricObjective     = "objective"
	MetricGradientNorm  = "gradient_norm"
	MetricStepSize      = "step_size"
	MetricFDMaxRelError = "fd_max_rel_error"
)

// Label keys. LabelRunID matches the run_id key used in logs and API payloads.
const (
	LabelRunID = "run_id"
	LabelPhase = "phase"
)

// RecordObjective records an objective value
func RecordObjective(collector *Collector, value float64, timestamp time.Time, labels map[string]string) {
	collector.Record(MetricObjective, value, timestamp, labels)
}

// RecordGradientNorm records the 2-norm of a gradient
func RecordGradientNorm(collector *Collector, norm float64, timestamp time.Time, labels map[string]string) {
	collector.Record(MetricGradientNorm, norm, timestamp, labels)
}

// RecordStepSize records an optimizer step size
func RecordStepSize(collector *Collector, step float64, timestamp time.Time, labels map[string]string) {
	collector.Record(MetricStepSize, step, timestamp, labels)
}

// RecordRun records the step count, wall clock and final energy of a
// finished solver run, and counts it
func RecordRun(collector *Collector, res *engine.RunResult, timestamp time.Time, labels map[string]string) {
	if res == nil {
		return
	}
	collector.Record(MetricSolverSteps, float64(res.Steps), timestamp, labels)
	collector.Record(MetricRunSeconds, res.Elapsed.Seconds(), timestamp, labels)
	collector.Record(MetricSolverRuns, 1, timestamp, labels)
	collector.Record(MetricFieldEnergy, res.Energy, timestamp, labels)
}

// ProgressRecorder returns an engine progress callback that samples the
// field energy into collector. The engine's run label becomes the "phase"
// label on top of base.
func ProgressRecorder(collector *Collector, base map[string]string) engine.ProgressFunc {
	return func(label string, _ int, energy float64) {
		collector.RecordNow(MetricFieldEnergy, energy, WithPhase(base, label))
	}
}

// CreateRunLabels creates a labels map for a daemon run
func CreateRunLabels(runID string) map[string]string {
	return map[string]string{
		LabelRunID: runID,
	}
}

// WithPhase returns a copy of base with the solver phase set
func WithPhase(base map[string]string, phase string) map[string]string {
	out := make(map[string]string, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[LabelPhase] = phase
	return out
}

// TotalAcrossLabels sums every value of a metric regardless of labels
func TotalAcrossLabels(collector *Collector, name string) float64 {
	agg := collector.GetSummary().Aggregations[name]
	if agg == nil {
		return 0
	}
	return agg.Sum
}
