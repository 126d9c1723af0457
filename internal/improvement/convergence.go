package improvement

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ConvergenceStrategy defines how to detect convergence. History holds one
// accepted-or-rejected step per iteration; higher objectives are better.
type ConvergenceStrategy interface {
	// CheckConvergence checks if optimization has converged based on history
	CheckConvergence(history []OptimizationStep) (bool, string)
	// Name returns the name of the convergence strategy
	Name() string
}

// ConvergenceConfig holds configuration for convergence detection
type ConvergenceConfig struct {
	// NoImprovementIterations is the number of iterations without a new best before stopping
	NoImprovementIterations int
	// ImprovementThreshold is the minimum relative improvement to consider significant
	ImprovementThreshold float64
	// ScoreTolerance is the absolute tolerance for objective changes to be considered equal
	ScoreTolerance float64
	// MinIterations is the minimum number of iterations before convergence can be detected
	MinIterations int
	// PlateauIterations is the number of iterations with similar objectives before stopping
	PlateauIterations int
}

// DefaultConvergenceConfig returns a default convergence configuration
func DefaultConvergenceConfig() *ConvergenceConfig {
	return &ConvergenceConfig{
		NoImprovementIterations: 5,
		ImprovementThreshold:    0.001,
		ScoreTolerance:          1e-9,
		MinIterations:           3,
		PlateauIterations:       5,
	}
}

// NewStrategy builds a strategy by name: no_improvement, plateau,
// threshold, variance or combined
func NewStrategy(name string, config *ConvergenceConfig) (ConvergenceStrategy, error) {
	switch name {
	case "no_improvement":
		return NewNoImprovementStrategy(config), nil
	case "plateau":
		return NewPlateauStrategy(config), nil
	case "threshold", "improvement_threshold":
		return NewThresholdStrategy(config), nil
	case "variance":
		return NewVarianceStrategy(config), nil
	case "combined", "":
		return NewCombinedStrategy(config), nil
	}
	return nil, fmt.Errorf("unknown convergence strategy %q", name)
}

func objectives(history []OptimizationStep) []float64 {
	out := make([]float64, len(history))
	for i, s := range history {
		out[i] = s.Objective
	}
	return out
}

// NoImprovementStrategy detects convergence when the best objective has not
// moved for N iterations
type NoImprovementStrategy struct {
	config *ConvergenceConfig
}

// NewNoImprovementStrategy creates a new no-improvement convergence strategy
func NewNoImprovementStrategy(config *ConvergenceConfig) *NoImprovementStrategy {
	if config == nil {
		config = DefaultConvergenceConfig()
	}
	return &NoImprovementStrategy{config: config}
}

func (s *NoImprovementStrategy) Name() string {
	return "no_improvement"
}

func (s *NoImprovementStrategy) CheckConvergence(history []OptimizationStep) (converged bool, reason string) {
	if len(history) < s.config.MinIterations || len(history) == 0 {
		return false, ""
	}

	best := floats.MaxIdx(objectives(history))
	since := len(history) - 1 - best
	if since >= s.config.NoImprovementIterations {
		return true, fmt.Sprintf("no improvement for %d iterations (best at iteration %d)", since, history[best].Iteration)
	}
	return false, ""
}

// PlateauStrategy detects convergence when recent objectives agree within tolerance
type PlateauStrategy struct {
	config *ConvergenceConfig
}

// NewPlateauStrategy creates a new plateau convergence strategy
func NewPlateauStrategy(config *ConvergenceConfig) *PlateauStrategy {
	if config == nil {
		config = DefaultConvergenceConfig()
	}
	return &PlateauStrategy{config: config}
}

func (s *PlateauStrategy) Name() string {
	return "plateau"
}

func (s *PlateauStrategy) CheckConvergence(history []OptimizationStep) (converged bool, reason string) {
	n := s.config.PlateauIterations
	if len(history) < s.config.MinIterations || n < 2 || len(history) < n {
		return false, ""
	}

	recent := objectives(history[len(history)-n:])
	spread := floats.Max(recent) - floats.Min(recent)
	if spread <= s.config.ScoreTolerance {
		return true, fmt.Sprintf("objective plateaued for %d iterations (range: %.3g)", n, spread)
	}
	return false, ""
}

// ThresholdStrategy detects convergence when every recent relative gain is
// below the improvement threshold
type ThresholdStrategy struct {
	config *ConvergenceConfig
}

// NewThresholdStrategy creates a new improvement threshold convergence strategy
func NewThresholdStrategy(config *ConvergenceConfig) *ThresholdStrategy {
	if config == nil {
		config = DefaultConvergenceConfig()
	}
	return &ThresholdStrategy{config: config}
}

func (s *ThresholdStrategy) Name() string {
	return "improvement_threshold"
}

func (s *ThresholdStrategy) CheckConvergence(history []OptimizationStep) (converged bool, reason string) {
	window := s.config.NoImprovementIterations
	if len(history) < s.config.MinIterations+1 || window < 2 || len(history) < window {
		return false, ""
	}

	recent := objectives(history[len(history)-window:])
	maxGain := math.Inf(-1)
	for i := 1; i < len(recent); i++ {
		gain := (recent[i] - recent[i-1]) / math.Max(math.Abs(recent[i-1]), 1e-300)
		maxGain = math.Max(maxGain, gain)
	}
	if maxGain <= s.config.ImprovementThreshold {
		return true, fmt.Sprintf("improvements below threshold (max: %.4f%%, threshold: %.4f%%)", maxGain*100, s.config.ImprovementThreshold*100)
	}
	return false, ""
}

// VarianceStrategy detects convergence when the recent relative standard
// deviation of the objective is below the improvement threshold
type VarianceStrategy struct {
	config *ConvergenceConfig
}

// NewVarianceStrategy creates a new variance-based convergence strategy
func NewVarianceStrategy(config *ConvergenceConfig) *VarianceStrategy {
	if config == nil {
		config = DefaultConvergenceConfig()
	}
	return &VarianceStrategy{config: config}
}

func (s *VarianceStrategy) Name() string {
	return "variance"
}

func (s *VarianceStrategy) CheckConvergence(history []OptimizationStep) (converged bool, reason string) {
	if len(history) < s.config.MinIterations {
		return false, ""
	}
	window := min(s.config.PlateauIterations, len(history))
	if window < 2 {
		return false, ""
	}

	mean, std := stat.PopMeanStdDev(objectives(history[len(history)-window:]), nil)
	if mean != 0 {
		rel := std / math.Abs(mean)
		if rel < s.config.ImprovementThreshold {
			return true, fmt.Sprintf("low objective variance (relative stddev: %.4f%%)", rel*100)
		}
	}
	return false, ""
}

// CombinedStrategy converges as soon as any of its strategies does
type CombinedStrategy struct {
	strategies []ConvergenceStrategy
	config     *ConvergenceConfig
}

// NewCombinedStrategy creates a new combined convergence strategy
func NewCombinedStrategy(config *ConvergenceConfig) *CombinedStrategy {
	if config == nil {
		config = DefaultConvergenceConfig()
	}
	return &CombinedStrategy{
		strategies: []ConvergenceStrategy{
			NewNoImprovementStrategy(config),
			NewPlateauStrategy(config),
			NewThresholdStrategy(config),
		},
		config: config,
	}
}

func (s *CombinedStrategy) Name() string {
	return "combined"
}

func (s *CombinedStrategy) CheckConvergence(history []OptimizationStep) (converged bool, reason string) {
	for _, strategy := range s.strategies {
		if ok, why := strategy.CheckConvergence(history); ok {
			return true, fmt.Sprintf("%s: %s", strategy.Name(), why)
		}
	}
	return false, ""
}

// AddStrategy adds a custom strategy to the combined strategy
func (s *CombinedStrategy) AddStrategy(strategy ConvergenceStrategy) {
	s.strategies = append(s.strategies, strategy)
}
