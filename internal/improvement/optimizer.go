// Package improvement drives design optimization on top of adjoint
// gradients.
package improvement

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/adjoint"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/logger"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/utils"
)

// minStepSize ends the search once repeated rejections shrink the step below it
const minStepSize = 1e-6

// Evaluator returns an objective and its gradient for a design.
// *adjoint.Problem satisfies it.
type Evaluator interface {
	NumParams() int
	ValueAndGradient(ctx context.Context, params []float64) (*adjoint.Result, error)
}

// Optimizer implements projected gradient ascent with an adaptive step.
// Parameters stay in [0,1]; a step that does not raise the objective is
// rejected and the step size halved.
type Optimizer struct {
	evaluator     Evaluator
	maxIterations int
	stepSize      float64 // largest per-parameter move of the first step
	strategy      ConvergenceStrategy
	onStep        func(OptimizationStep)
	logger        *slog.Logger
	mu            sync.RWMutex
	bestObjective float64
	bestDesign    []float64
	iteration     int
	runs          int
	history       []OptimizationStep
}

// OptimizationStep represents a single optimization step
type OptimizationStep struct {
	Iteration int
	Objective float64
	GradNorm  float64
	StepSize  float64
	Accepted  bool
}

// OptimizationResult contains the final optimization result
type OptimizationResult struct {
	BestDesign        []float64
	BestObjective     float64
	Iterations        int
	History           []OptimizationStep
	Converged         bool
	ConvergenceReason string
	SolverRuns        int
}

// Report converts the result for the daemon API
func (r *OptimizationResult) Report() *models.OptimizationReport {
	hist := make([]float64, len(r.History))
	for i, s := range r.History {
		hist[i] = s.Objective
	}
	return &models.OptimizationReport{
		BestObjective:     r.BestObjective,
		BestDesign:        r.BestDesign,
		Iterations:        r.Iterations,
		History:           hist,
		Converged:         r.Converged,
		ConvergenceReason: r.ConvergenceReason,
		SolverRuns:        r.SolverRuns,
	}
}

// NewOptimizer creates a new gradient ascent optimizer
func NewOptimizer(ev Evaluator, maxIterations int, stepSize float64) *Optimizer {
	if stepSize <= 0 {
		stepSize = 0.1
	}
	return &Optimizer{
		evaluator:     ev,
		maxIterations: maxIterations,
		stepSize:      math.Min(stepSize, 1),
		strategy:      NewCombinedStrategy(nil),
		logger:        logger.Default,
		bestObjective: math.Inf(-1),
	}
}

// WithStrategy sets the convergence strategy
func (o *Optimizer) WithStrategy(s ConvergenceStrategy) *Optimizer {
	o.strategy = s
	return o
}

// WithCallback registers fn to be called after every iteration
func (o *Optimizer) WithCallback(fn func(OptimizationStep)) *Optimizer {
	o.onStep = fn
	return o
}

// WithLogger sets the logger
func (o *Optimizer) WithLogger(l *slog.Logger) *Optimizer {
	if l != nil {
		o.logger = l
	}
	return o
}

// Optimize maximises the objective starting from initial
func (o *Optimizer) Optimize(ctx context.Context, initial []float64) (*OptimizationResult, error) {
	if o.evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if n := o.evaluator.NumParams(); len(initial) != n {
		return nil, &models.DimensionMismatch{What: "initial design", Got: len(initial), Want: n}
	}

	o.mu.Lock()
	o.iteration = 0
	o.runs = 0
	o.history = nil
	o.mu.Unlock()

	current := project(initial)
	res, err := o.evaluate(ctx, current)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate initial design: %w", err)
	}

	o.mu.Lock()
	o.bestObjective = res.Value
	o.bestDesign = append([]float64(nil), current...)
	o.mu.Unlock()

	step := o.stepSize
	o.record(OptimizationStep{Objective: res.Value, GradNorm: floats.Norm(res.Gradient, 2), StepSize: step, Accepted: true})

	for iteration := 1; iteration <= o.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return o.buildResult(false, "cancelled"), err
		}
		o.mu.Lock()
		o.iteration = iteration
		o.mu.Unlock()

		scale := floats.Norm(res.Gradient, math.Inf(1))
		if scale == 0 {
			return o.buildResult(true, "gradient vanished"), nil
		}
		trial := append([]float64(nil), current...)
		floats.AddScaled(trial, step/scale, res.Gradient)
		trial = project(trial)
		if floats.Equal(trial, current) {
			return o.buildResult(true, "projected gradient vanished"), nil
		}

		next, err := o.evaluate(ctx, trial)
		if err != nil {
			return o.buildResult(false, "evaluation failed"), fmt.Errorf("iteration %d: %w", iteration, err)
		}

		accepted := next.Value > res.Value
		if accepted {
			current, res = trial, next
			o.mu.Lock()
			if res.Value > o.bestObjective {
				o.bestObjective = res.Value
				o.bestDesign = append([]float64(nil), current...)
			}
			o.mu.Unlock()
			step = math.Min(1.25*step, 1)
		} else {
			step /= 2
		}
		o.record(OptimizationStep{
			Iteration: iteration,
			Objective: res.Value,
			GradNorm:  floats.Norm(res.Gradient, 2),
			StepSize:  step,
			Accepted:  accepted,
		})
		o.logger.Debug("optimization step", "iteration", iteration, "objective", res.Value, "accepted", accepted, "step", step)

		if step < minStepSize {
			return o.buildResult(true, fmt.Sprintf("step size fell below %g", minStepSize)), nil
		}
		if o.strategy != nil {
			if ok, reason := o.strategy.CheckConvergence(o.History()); ok {
				return o.buildResult(true, reason), nil
			}
		}
	}

	return o.buildResult(false, "max iterations reached"), nil
}

func (o *Optimizer) evaluate(ctx context.Context, p []float64) (*adjoint.Result, error) {
	res, err := o.evaluator.ValueAndGradient(ctx, p)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.runs += res.SolverRuns
	o.mu.Unlock()
	return res, nil
}

func (o *Optimizer) record(s OptimizationStep) {
	o.mu.Lock()
	o.history = append(o.history, s)
	o.mu.Unlock()
	if o.onStep != nil {
		o.onStep(s)
	}
}

// project clamps a design into [0,1]
func project(p []float64) []float64 {
	out := make([]float64, len(p))
	for i, v := range p {
		out[i] = utils.ClampFloat64(v, 0, 1)
	}
	return out
}

// buildResult constructs the optimization result
func (o *Optimizer) buildResult(converged bool, reason string) *OptimizationResult {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return &OptimizationResult{
		BestDesign:        append([]float64(nil), o.bestDesign...),
		BestObjective:     o.bestObjective,
		Iterations:        o.iteration,
		History:           append([]OptimizationStep(nil), o.history...),
		Converged:         converged,
		ConvergenceReason: reason,
		SolverRuns:        o.runs,
	}
}

// History returns a copy of the steps so far
func (o *Optimizer) History() []OptimizationStep {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]OptimizationStep(nil), o.history...)
}

// GetBestDesign returns the best design found so far
func (o *Optimizer) GetBestDesign() []float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]float64(nil), o.bestDesign...)
}

// GetBestObjective returns the best objective found so far
func (o *Optimizer) GetBestObjective() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.bestObjective
}

// GetIteration returns the current iteration number
func (o *Optimizer) GetIteration() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.iteration
}
