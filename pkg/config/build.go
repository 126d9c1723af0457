package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/adjoint"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/engine"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/grid"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/material"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/monitor"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/logger"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/utils"
)

// Assembly is a Config turned into live solver objects
type Assembly struct {
	Config  *Config
	Grid    *grid.Grid
	Engine  *engine.Engine
	Problem *adjoint.Problem
	// Initial is the starting design vector
	Initial []float64
}

// Build allocates the lattice, paints fixed geometry and wires sources,
// monitors, objective and termination into an adjoint problem. A nil logger
// uses logger.Default.
func Build(cfg *Config, log *slog.Logger) (*Assembly, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		log = logger.Default
	}

	g, err := grid.New(grid.Spec{
		Nx:         cfg.Grid.Nx,
		Ny:         cfg.Grid.Ny,
		Resolution: cfg.Grid.Resolution,
		Courant:    cfg.Grid.Courant,
		Absorber:   cfg.Grid.Absorber,
		Reflection: cfg.Grid.Reflection,
		Background: cfg.Grid.Background,
	})
	if err != nil {
		return nil, err
	}
	for _, b := range cfg.Blocks {
		if err := g.FillBox(toBox(b.Box), b.Epsilon, b.Sigma); err != nil {
			return nil, fmt.Errorf("block %s: %w", b.Name, err)
		}
	}

	eng, err := buildEngine(g, &cfg.Solver, log)
	if err != nil {
		return nil, err
	}
	region, err := buildRegion(&cfg.Design)
	if err != nil {
		return nil, err
	}

	sources := make([]engine.Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		src, err := buildSource(g, &s)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", s.Name, err)
		}
		sources = append(sources, src)
	}

	quantities := make([]monitor.Quantity, 0, len(cfg.Monitors))
	for _, m := range cfg.Monitors {
		q, err := buildMonitor(&m)
		if err != nil {
			return nil, fmt.Errorf("monitor %s: %w", m.Name, err)
		}
		quantities = append(quantities, q)
	}

	obj, err := adjoint.NamedObjective(cfg.Objective)
	if err != nil {
		return nil, err
	}
	term, err := buildTermination(&cfg.Termination)
	if err != nil {
		return nil, err
	}

	problem, err := adjoint.NewProblem(adjoint.Spec{
		Engine:      eng,
		Region:      region,
		Sources:     sources,
		Quantities:  quantities,
		Objective:   obj,
		Termination: term,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	return &Assembly{
		Config:  cfg,
		Grid:    g,
		Engine:  eng,
		Problem: problem,
		Initial: cfg.InitialDesign(),
	}, nil
}

// FDOptions converts the fd_check section, nil when absent
func (c *Config) FDOptions() *adjoint.FDOptions {
	if c.FDCheck == nil {
		return nil
	}
	return &adjoint.FDOptions{
		Samples: c.FDCheck.Samples,
		Step:    c.FDCheck.Step,
		Central: !c.FDCheck.OneSided,
		Rand:    utils.NewRandSource(c.FDCheck.Seed),
	}
}

func buildEngine(g *grid.Grid, s *SolverConfig, log *slog.Logger) (*engine.Engine, error) {
	opts := []engine.Option{engine.WithWorkers(s.Workers), engine.WithLogger(log)}
	timeout, err := s.GetExchangeTimeout()
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		opts = append(opts, engine.WithExchangeTimeout(timeout))
	}
	if r := s.Retries; r != nil {
		opts = append(opts, engine.WithRetryPolicy(utils.BackoffFromConfig(r.Backoff, r.BaseMs, r.MaxMs), r.MaxRetries))
	}
	return engine.New(g, opts...)
}

func buildRegion(d *Design) (*material.DesignRegion, error) {
	var opts []material.RegionOption
	if d.Interpolation != "" {
		in, ok := material.ParseInterpolation(d.Interpolation)
		if !ok {
			return nil, fmt.Errorf("unknown interpolation %q", d.Interpolation)
		}
		opts = append(opts, material.WithInterpolation(in))
	}
	ts := make([]material.Transform, 0, len(d.Transforms))
	for _, t := range d.Transforms {
		switch t.Type {
		case "mirror_x":
			ts = append(ts, material.MirrorX{})
		case "mirror_y":
			ts = append(ts, material.MirrorY{})
		case "rotate_180":
			ts = append(ts, material.Rotate180{})
		case "rotate_90":
			ts = append(ts, material.Rotate90{})
		case "tanh":
			ts = append(ts, material.TanhProjection{Beta: t.Beta, Eta: t.Eta})
		default:
			return nil, fmt.Errorf("unknown transform %q", t.Type)
		}
	}
	if len(ts) > 0 {
		opts = append(opts, material.WithTransforms(ts...))
	}
	return material.NewDesignRegion(d.Name, toBox(d.Box), d.Nx, d.Ny, d.EpsLow, d.EpsHigh, opts...)
}

func buildSource(g *grid.Grid, s *Source) (engine.Source, error) {
	var env engine.TimeProfile
	switch s.Pulse.Type {
	case "continuous":
		env = engine.ContinuousWave{Freq: s.Pulse.Frequency, Ramp: s.Pulse.Ramp}
	default:
		env = engine.GaussianPulse{Freq: s.Pulse.Frequency, FWidth: s.Pulse.FWidth, Cutoff: s.Pulse.Cutoff}
	}
	comp, err := grid.ParseComponent(strings.ToLower(s.Component))
	if err != nil {
		return nil, err
	}
	switch s.Kind {
	case "mode":
		line, err := toLine(s.Line)
		if err != nil {
			return nil, err
		}
		return monitor.NewModeSource(g, line, s.Mode, env)
	case "point":
		return engine.NewPointSource(g, comp, s.Point.I, s.Point.J, env)
	case "box":
		return engine.NewBoxSource(g, comp, toBox(*s.Box), env)
	}
	return nil, fmt.Errorf("unknown source kind %q", s.Kind)
}

func buildMonitor(m *Monitor) (monitor.Quantity, error) {
	switch m.Kind {
	case "mode":
		line, err := toLine(m.Line)
		if err != nil {
			return nil, err
		}
		dir, err := monitor.ParseDirection(m.Direction)
		if err != nil {
			return nil, err
		}
		return monitor.NewEigenmodeCoefficient(m.Name, line, m.Frequencies, m.Mode, dir)
	case "fourier":
		return monitor.NewFourierFields(m.Name, toBox(*m.Box), m.Frequencies)
	}
	return nil, fmt.Errorf("unknown monitor kind %q", m.Kind)
}

func buildTermination(t *TerminationConfig) (engine.Termination, error) {
	if t.Decay == nil {
		return engine.FixedSteps(t.Steps), nil
	}
	comp, err := grid.ParseComponent(strings.ToLower(t.Decay.Component))
	if err != nil {
		return nil, err
	}
	return engine.UntilDecayed{
		I:         t.Decay.I,
		J:         t.Decay.J,
		Component: comp,
		Interval:  t.Decay.Interval,
		DecayBy:   t.Decay.DecayBy,
		MaxSteps:  t.Decay.MaxSteps,
	}, nil
}

// InitialDesign returns the starting design vector: random when the design
// has a seed, otherwise filled with Initial (0.5 when unset)
func (c *Config) InitialDesign() []float64 {
	d := &c.Design
	n := d.Nx * d.Ny
	if d.Seed != nil {
		return utils.NewRandSource(*d.Seed).UniformVector(n, 0, 1)
	}
	v := 0.5
	if d.Initial != nil {
		v = *d.Initial
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func toBox(b BoxConfig) grid.Box {
	return grid.Box{I0: b.I0, J0: b.J0, I1: b.I1, J1: b.J1}
}

func toLine(l *LineConfig) (monitor.Line, error) {
	if l == nil {
		return monitor.Line{}, fmt.Errorf("line is required")
	}
	axis, err := monitor.ParseAxis(l.Normal)
	if err != nil {
		return monitor.Line{}, err
	}
	return monitor.Line{Normal: axis, Pos: l.Pos, From: l.From, To: l.To}, nil
}
