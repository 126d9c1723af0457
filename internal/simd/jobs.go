package simd

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/adjoint"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/improvement"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/metrics"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/config"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/utils"
)

const (
	defaultProgressEvery = 100
	defaultFDSamples     = 5
	defaultMaxIterations = 10
)

// job is one daemon run being executed
type job struct {
	id          string
	input       *RunInput
	cfg         *config.Config
	store       *RunStore
	collector   *metrics.Collector
	log         *slog.Logger
	maxParallel int

	iteration atomic.Int64
	objective atomic.Uint64 // math.Float64bits of the last objective
}

func (j *job) execute(ctx context.Context) (any, error) {
	switch j.input.Kind {
	case models.RunKindGradient:
		return j.gradient(ctx)
	case models.RunKindFDCheck:
		return j.fdCheck(ctx)
	case models.RunKindOptimize:
		return j.optimize(ctx)
	}
	return nil, fmt.Errorf("unknown run kind %q", j.input.Kind)
}

// assemble builds a fresh lattice whose progress feeds the run's metrics
// and progress snapshot
func (j *job) assemble(labels map[string]string) (*config.Assembly, error) {
	asm, err := config.Build(j.cfg, j.log)
	if err != nil {
		return nil, err
	}
	every := j.cfg.Solver.ProgressEvery
	if every <= 0 {
		every = defaultProgressEvery
	}
	record := metrics.ProgressRecorder(j.collector, labels)
	asm.Engine.SetProgress(every, func(phase string, steps int, energy float64) {
		record(phase, steps, energy)
		p := models.Progress{Phase: phase, Step: steps, Iteration: int(j.iteration.Load())}
		if p.Iteration > 0 {
			p.Objective = math.Float64frombits(j.objective.Load())
		}
		if err := j.store.SetProgress(j.id, p); err != nil {
			j.log.Debug("failed to set progress", "error", err)
		}
	})
	return asm, nil
}

func (j *job) gradient(ctx context.Context) (*models.GradientReport, error) {
	labels := metrics.CreateRunLabels(j.id)
	asm, err := j.assemble(labels)
	if err != nil {
		return nil, err
	}
	res, err := asm.Problem.ValueAndGradient(ctx, asm.Initial)
	if err != nil {
		return nil, err
	}
	j.recordResult(res, labels)
	return res.Report(), nil
}

func (j *job) fdCheck(ctx context.Context) (*models.FDReport, error) {
	labels := metrics.CreateRunLabels(j.id)
	asm, err := j.assemble(labels)
	if err != nil {
		return nil, err
	}
	opts := j.cfg.FDOptions()
	if opts == nil {
		opts = &adjoint.FDOptions{
			Samples: min(defaultFDSamples, asm.Problem.NumParams()),
			Central: true,
			Rand:    utils.NewRandSource(j.input.Seed),
		}
	}

	rep, err := asm.Problem.CheckGradient(ctx, asm.Initial, *opts)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	j.collector.Record(metrics.MetricFDMaxRelError, rep.MaxRelError, now, labels)
	j.collector.Record(metrics.MetricSolverRuns, float64(rep.ExtraRuns+rep.Gradient.SolverRuns), now, labels)
	metrics.RecordObjective(j.collector, rep.Gradient.Objective, now, labels)
	return rep, nil
}

func (j *job) optimize(ctx context.Context) (*models.OptimizationReport, error) {
	maxIter, step := defaultMaxIterations, 0.0
	var conv *config.ConvergenceConfig
	if o := j.cfg.Optimization; o != nil {
		step, conv = o.StepSize, o.Convergence
		if o.MaxIterations > 0 {
			maxIter = o.MaxIterations
		}
	}
	if _, err := buildStrategy(conv); err != nil {
		return nil, err
	}
	newStrategy := func() improvement.ConvergenceStrategy {
		s, _ := buildStrategy(conv)
		return s
	}

	starts := max(j.input.Starts, 1)
	if starts == 1 {
		labels := metrics.CreateRunLabels(j.id)
		asm, err := j.assemble(labels)
		if err != nil {
			return nil, err
		}
		opt := improvement.NewOptimizer(asm.Problem, maxIter, step).
			WithStrategy(newStrategy()).
			WithLogger(j.log).
			WithCallback(func(s improvement.OptimizationStep) { j.onStep(0, s) })
		res, err := opt.Optimize(ctx, asm.Initial)
		if err != nil {
			return nil, err
		}
		j.collector.RecordNow(metrics.MetricSolverRuns, float64(res.SolverRuns), labels)
		return res.Report(), nil
	}

	designs := make([][]float64, starts)
	designs[0] = j.cfg.InitialDesign()
	rng := utils.NewRandSource(j.input.Seed)
	for i := 1; i < starts; i++ {
		designs[i] = rng.UniformVector(len(designs[0]), 0, 1)
	}
	factory := func(start int) (improvement.Evaluator, error) {
		asm, err := j.assemble(startLabels(j.id, start))
		if err != nil {
			return nil, err
		}
		return asm.Problem, nil
	}

	results, best, err := improvement.MultiStart(ctx, factory, designs, improvement.MultiStartOptions{
		MaxParallel:   j.maxParallel,
		MaxIterations: maxIter,
		StepSize:      step,
		NewStrategy:   newStrategy,
		OnStep:        j.onStep,
	})
	if err != nil {
		return nil, err
	}
	total := 0
	for _, r := range results {
		if r.Err != nil {
			j.log.Warn("optimization start failed", "start", r.Index, "error", r.Err)
			continue
		}
		total += r.Result.SolverRuns
	}
	j.collector.RecordNow(metrics.MetricSolverRuns, float64(total), metrics.CreateRunLabels(j.id))

	rep := results[best].Result.Report()
	rep.SolverRuns = total
	j.log.Info("multi-start finished", "starts", starts, "best_start", best, "best_objective", rep.BestObjective)
	return rep, nil
}

func (j *job) onStep(start int, s improvement.OptimizationStep) {
	labels := startLabels(j.id, start)
	now := time.Now()
	metrics.RecordObjective(j.collector, s.Objective, now, labels)
	metrics.RecordGradientNorm(j.collector, s.GradNorm, now, labels)
	metrics.RecordStepSize(j.collector, s.StepSize, now, labels)

	j.iteration.Store(int64(s.Iteration))
	j.objective.Store(math.Float64bits(s.Objective))
	if err := j.store.SetProgress(j.id, models.Progress{Phase: "optimize", Iteration: s.Iteration, Objective: s.Objective}); err != nil {
		j.log.Debug("failed to set progress", "error", err)
	}
}

func (j *job) recordResult(res *adjoint.Result, labels map[string]string) {
	now := time.Now()
	metrics.RecordRun(j.collector, res.Forward, now, metrics.WithPhase(labels, "forward"))
	metrics.RecordRun(j.collector, res.Adjoint, now, metrics.WithPhase(labels, "adjoint"))
	metrics.RecordObjective(j.collector, res.Value, now, labels)
	metrics.RecordGradientNorm(j.collector, floats.Norm(res.Gradient, 2), now, labels)
}

// buildStrategy maps the convergence section onto a strategy; zero fields
// keep their defaults
func buildStrategy(c *config.ConvergenceConfig) (improvement.ConvergenceStrategy, error) {
	cc := improvement.DefaultConvergenceConfig()
	name := ""
	if c != nil {
		name = c.Strategy
		if c.Patience > 0 {
			cc.NoImprovementIterations = c.Patience
			cc.PlateauIterations = c.Patience
		}
		if c.MinIterations > 0 {
			cc.MinIterations = c.MinIterations
		}
		if c.Threshold > 0 {
			cc.ImprovementThreshold = c.Threshold
		}
		if c.Tolerance > 0 {
			cc.ScoreTolerance = c.Tolerance
		}
	}
	return improvement.NewStrategy(name, cc)
}

func startLabels(runID string, start int) map[string]string {
	labels := metrics.CreateRunLabels(runID)
	labels["start"] = strconv.Itoa(start)
	return labels
}
