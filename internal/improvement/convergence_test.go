package improvement

import "testing"

func steps(objs ...float64) []OptimizationStep {
	out := make([]OptimizationStep, len(objs))
	for i, v := range objs {
		out[i] = OptimizationStep{Iteration: i, Objective: v}
	}
	return out
}

func TestNoImprovementStrategy(t *testing.T) {
	strategy := NewNoImprovementStrategy(&ConvergenceConfig{NoImprovementIterations: 3, MinIterations: 2})

	converged, reason := strategy.CheckConvergence(steps(1.0, 1.0, 1.0, 1.0, 1.0))
	if !converged {
		t.Fatalf("expected convergence, got false")
	}
	if reason == "" {
		t.Fatalf("expected convergence reason")
	}

	converged, _ = strategy.CheckConvergence(steps(1.0, 1.1, 1.1, 1.1))
	if converged {
		t.Fatalf("expected no convergence (recent improvement), got true")
	}
}

func TestPlateauStrategy(t *testing.T) {
	strategy := NewPlateauStrategy(&ConvergenceConfig{PlateauIterations: 3, ScoreTolerance: 0.01, MinIterations: 2})

	converged, reason := strategy.CheckConvergence(steps(0.5, 1.0, 1.005, 1.002))
	if !converged {
		t.Fatalf("expected convergence (plateau), got false")
	}
	if reason == "" {
		t.Fatalf("expected convergence reason")
	}

	converged, _ = strategy.CheckConvergence(steps(1.0, 0.9, 0.95, 0.85))
	if converged {
		t.Fatalf("expected no convergence (varying objective), got true")
	}
}

func TestThresholdStrategy(t *testing.T) {
	strategy := NewThresholdStrategy(&ConvergenceConfig{NoImprovementIterations: 3, ImprovementThreshold: 0.01, MinIterations: 2})

	// gains of 0.5%, 0.2% and 0.1%
	converged, reason := strategy.CheckConvergence(steps(1.0, 1.005, 1.007, 1.008))
	if !converged {
		t.Fatalf("expected convergence (gains below threshold), got false")
	}
	if reason == "" {
		t.Fatalf("expected convergence reason")
	}

	converged, _ = strategy.CheckConvergence(steps(1.0, 1.1, 1.3, 1.31))
	if converged {
		t.Fatalf("expected no convergence (significant gain), got true")
	}
}

func TestThresholdStrategyHandlesNegativeObjectives(t *testing.T) {
	strategy := NewThresholdStrategy(&ConvergenceConfig{NoImprovementIterations: 3, ImprovementThreshold: 0.01, MinIterations: 2})
	// log objectives are negative; moving from −2 to −1 is a 50% gain
	if converged, _ := strategy.CheckConvergence(steps(-4, -3, -2, -1)); converged {
		t.Fatalf("expected no convergence while the objective climbs")
	}
}

func TestVarianceStrategy(t *testing.T) {
	strategy := NewVarianceStrategy(&ConvergenceConfig{PlateauIterations: 3, ImprovementThreshold: 0.01, MinIterations: 2})

	converged, reason := strategy.CheckConvergence(steps(100.0, 100.1, 100.05, 100.02))
	if !converged {
		t.Fatalf("expected convergence (low variance), got false")
	}
	if reason == "" {
		t.Fatalf("expected convergence reason")
	}

	converged, _ = strategy.CheckConvergence(steps(100, 90, 95, 85))
	if converged {
		t.Fatalf("expected no convergence (high variance), got true")
	}
}

func TestCombinedStrategy(t *testing.T) {
	strategy := NewCombinedStrategy(&ConvergenceConfig{
		NoImprovementIterations: 3,
		PlateauIterations:       3,
		ScoreTolerance:          0.01,
		MinIterations:           2,
	})

	converged, reason := strategy.CheckConvergence(steps(1.0, 1.01, 1.005, 1.002))
	if !converged {
		t.Fatalf("expected convergence, got false")
	}
	if reason == "" {
		t.Fatalf("expected convergence reason")
	}
}

func TestNewStrategy(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"no_improvement", "no_improvement"},
		{"plateau", "plateau"},
		{"threshold", "improvement_threshold"},
		{"variance", "variance"},
		{"combined", "combined"},
		{"", "combined"},
	}
	for _, tt := range tests {
		s, err := NewStrategy(tt.name, nil)
		if err != nil {
			t.Fatalf("NewStrategy(%q): %v", tt.name, err)
		}
		if s.Name() != tt.want {
			t.Errorf("NewStrategy(%q).Name() = %q, want %q", tt.name, s.Name(), tt.want)
		}
	}
	if _, err := NewStrategy("annealing", nil); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
}

func TestDefaultConvergenceConfig(t *testing.T) {
	config := DefaultConvergenceConfig()

	if config.NoImprovementIterations <= 0 {
		t.Fatalf("expected positive NoImprovementIterations")
	}
	if config.ImprovementThreshold <= 0 {
		t.Fatalf("expected positive ImprovementThreshold")
	}
	if config.ScoreTolerance <= 0 {
		t.Fatalf("expected positive ScoreTolerance")
	}
	if config.MinIterations <= 0 {
		t.Fatalf("expected positive MinIterations")
	}
}
