// Package adjoint computes objective gradients with respect to every design
// parameter from one forward and one adjoint solver run.
package adjoint

import (
	"context"
	"fmt"
	"log/slog"
	"math/cmplx"
	"time"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/engine"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/grid"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/material"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/monitor"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/logger"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
)

// Spec gathers everything a Problem needs
type Spec struct {
	Engine      *engine.Engine
	Region      *material.DesignRegion
	Sources     []engine.Source
	Quantities  []monitor.Quantity
	Objective   Objective
	Termination engine.Termination
	Logger      *slog.Logger
}

// Problem is a validated optimisation problem bound to one engine
type Problem struct {
	engine      *engine.Engine
	grid        *grid.Grid
	region      *material.DesignRegion
	sources     []engine.Source
	quantities  []monitor.Quantity
	objective   Objective
	termination engine.Termination
	logger      *slog.Logger
	cells       []int
}

// Result is the outcome of one gradient evaluation
type Result struct {
	Value    float64
	Values   []complex128
	Gradient []float64
	// SolverRuns is the number of time-domain runs spent, always 2
	SolverRuns int
	Steps      int
	Forward    *engine.RunResult
	Adjoint    *engine.RunResult
	Warnings   []*models.ConvergenceWarning
}

// NewProblem validates the geometry. Configuration problems are reported
// here rather than at run time.
func NewProblem(spec Spec) (*Problem, error) {
	if spec.Engine == nil {
		return nil, models.NewConfigurationError("engine", "must not be nil")
	}
	if spec.Region == nil {
		return nil, models.NewConfigurationError("design", "a design region is required")
	}
	if len(spec.Quantities) == 0 {
		return nil, models.NewConfigurationError("monitors", "at least one monitored quantity is required")
	}
	if spec.Objective == nil {
		return nil, models.NewConfigurationError("objective", "must not be nil")
	}
	if spec.Termination == nil {
		return nil, models.NewConfigurationError("termination", "must not be nil")
	}
	g := spec.Engine.Grid()
	if err := spec.Region.Validate(g); err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(spec.Quantities))
	for _, q := range spec.Quantities {
		if names[q.Name()] {
			return nil, models.NewConfigurationError("monitors", "duplicate monitor name %q", q.Name())
		}
		names[q.Name()] = true
		fp := q.Footprint()
		if !fp.Within(g.Nx, g.Ny) {
			return nil, &models.DomainError{Object: "monitor " + q.Name(), Reason: fmt.Sprintf("%v outside %dx%d grid", fp, g.Nx, g.Ny)}
		}
		if fp.Overlaps(spec.Region.Box) {
			return nil, models.NewConfigurationError("monitors", "monitor %q overlaps design region %q", q.Name(), spec.Region.Name)
		}
	}
	if len(spec.Sources) == 0 {
		return nil, models.NewConfigurationError("sources", "at least one source is required")
	}
	log := spec.Logger
	if log == nil {
		log = logger.Default
	}
	return &Problem{
		engine:      spec.Engine,
		grid:        g,
		region:      spec.Region,
		sources:     spec.Sources,
		quantities:  spec.Quantities,
		objective:   spec.Objective,
		termination: spec.Termination,
		logger:      log,
		cells:       spec.Region.Cells(g),
	}, nil
}

// Engine returns the solver the problem runs on
func (p *Problem) Engine() *engine.Engine { return p.engine }

// Region returns the design region
func (p *Problem) Region() *material.DesignRegion { return p.region }

// NumParams returns the length of the design vector
func (p *Problem) NumParams() int { return p.region.NumParams() }

// Quantities returns the monitored quantities
func (p *Problem) Quantities() []monitor.Quantity { return p.quantities }

// prepare writes the design into the lattice and checks stability, so no
// run starts with an invalid setup.
func (p *Problem) prepare(params []float64) error {
	if err := p.region.Apply(p.grid, params); err != nil {
		return err
	}
	return p.grid.CheckStability()
}

func (p *Problem) forward(ctx context.Context, extra ...engine.Observer) (*engine.RunResult, []complex128, error) {
	observers := make([]engine.Observer, 0, len(p.quantities)+len(extra))
	for _, q := range p.quantities {
		observers = append(observers, q)
	}
	observers = append(observers, extra...)
	res, err := p.engine.Run(ctx, engine.RunSpec{
		Label:       "forward",
		Sources:     p.sources,
		Observers:   observers,
		Termination: p.termination,
	})
	if err != nil {
		return nil, nil, err
	}
	var values []complex128
	for _, q := range p.quantities {
		values = append(values, q.Values()...)
	}
	return res, values, nil
}

// Value runs the forward problem only and returns the objective
func (p *Problem) Value(ctx context.Context, params []float64) (float64, []complex128, error) {
	if err := p.prepare(params); err != nil {
		return 0, nil, err
	}
	_, values, err := p.forward(ctx)
	if err != nil {
		return 0, nil, err
	}
	f, grads, err := p.objective.Evaluate(values)
	if err != nil {
		return 0, nil, err
	}
	if err := checkObjective(f, grads, len(values)); err != nil {
		return 0, nil, err
	}
	return f, values, nil
}

// ValueAndGradient evaluates the objective and its gradient with respect to
// every design parameter using one forward and one adjoint run.
func (p *Problem) ValueAndGradient(ctx context.Context, params []float64) (*Result, error) {
	if err := p.prepare(params); err != nil {
		return nil, err
	}
	jac, err := p.region.Jacobian(params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	hist := &history{cells: p.cells}
	fwd, values, err := p.forward(ctx, hist)
	if err != nil {
		return nil, fmt.Errorf("forward run: %w", err)
	}
	f, grads, err := p.objective.Evaluate(values)
	if err != nil {
		return nil, fmt.Errorf("objective: %w", err)
	}
	if err := checkObjective(f, grads, len(values)); err != nil {
		return nil, err
	}

	sources, err := p.adjointSources(grads, fwd.Steps)
	if err != nil {
		return nil, err
	}
	corr := newCorrelator(p.grid, p.cells, hist)
	adj, err := p.engine.Run(ctx, engine.RunSpec{
		Label:       "adjoint",
		Sources:     sources,
		Observers:   []engine.Observer{corr},
		Termination: engine.FixedSteps(fwd.Steps),
	})
	if err != nil {
		return nil, fmt.Errorf("adjoint run: %w", err)
	}

	gradient := jac.VJP(corr.grad)
	p.logger.Info("Gradient evaluated",
		"objective", f,
		"params", len(gradient),
		"steps", fwd.Steps,
		"elapsed", time.Since(start))

	return &Result{
		Value:      f,
		Values:     values,
		Gradient:   gradient,
		SolverRuns: 2,
		Steps:      fwd.Steps,
		Forward:    fwd,
		Adjoint:    adj,
		Warnings:   fwd.Warnings,
	}, nil
}

// adjointSources turns objective sensitivities into time-reversed phasor
// sources. Electric terms enter with a minus sign because the solver
// subtracts CB·J.
func (p *Problem) adjointSources(grads []complex128, steps int) ([]engine.Source, error) {
	dt := complex(p.grid.Dt, 0)
	var out []engine.Source
	offset := 0
	for _, q := range p.quantities {
		n := len(q.Values())
		w := make([]complex128, n)
		for i := range w {
			w[i] = cmplx.Conj(grads[offset+i])
		}
		offset += n

		terms, err := q.AdjointTerms(w)
		if err != nil {
			return nil, err
		}
		for _, term := range terms {
			sign := complex(1, 0)
			if term.Component == grid.Ez {
				sign = -1
			}
			amp := make([]complex128, len(term.Amp))
			for i, a := range term.Amp {
				amp[i] = sign * dt * a
			}
			out = append(out, &engine.PhasorSource{
				Comp:    term.Component,
				Indices: term.Cells,
				Terms:   []engine.Phasor{{Omega: term.Omega, Amp: amp}},
				Steps:   steps,
			})
		}
	}
	return out, nil
}
