package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/adjoint"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
)

// LoadConfig loads and parses a configuration file. Files ending in .ini
// use the flat INI form, everything else is YAML.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".ini") {
		format = "ini"
	}
	cfg, err := ParseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses data in the named format: yaml (the default when
// empty) or ini
func ParseConfig(data []byte, format string) (*Config, error) {
	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		return ParseConfigYAML(data)
	case "ini":
		return ParseConfigINI(data)
	}
	return nil, models.NewConfigurationError("format", "unknown config format %q (must be yaml or ini)", format)
}

var (
	validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validBackoffs  = map[string]bool{"exponential": true, "linear": true, "constant": true}
	validNormals   = map[string]bool{"x": true, "y": true}
	validSources   = map[string]bool{"mode": true, "point": true, "box": true}
	validMonitors  = map[string]bool{"mode": true, "fourier": true}
	validPulses    = map[string]bool{"gaussian": true, "continuous": true}
	validStopRules = map[string]bool{"no_improvement": true, "plateau": true, "threshold": true, "variance": true, "combined": true}
	validTransform = map[string]bool{"mirror_x": true, "mirror_y": true, "rotate_180": true, "rotate_90": true, "tanh": true}
	validComps     = map[string]bool{"ez": true, "hx": true, "hy": true}
)

// validateConfig checks every constraint that does not need an allocated
// lattice and reports all violations at once
func validateConfig(cfg *Config) error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, models.NewConfigurationError(field, format, args...))
	}

	if !validLogLevels[cfg.LogLevel] {
		fail("log_level", "invalid value %q (must be debug, info, warn, or error)", cfg.LogLevel)
	}

	g := cfg.Grid
	if g.Nx < 3 || g.Ny < 3 {
		fail("grid", "nx and ny must be at least 3, got %dx%d", g.Nx, g.Ny)
	}
	if g.Resolution <= 0 {
		fail("grid.resolution", "must be positive, got %v", g.Resolution)
	}
	if g.Absorber < 0 || 2*g.Absorber >= min(g.Nx, g.Ny) {
		fail("grid.absorber", "thickness %d does not fit a %dx%d grid", g.Absorber, g.Nx, g.Ny)
	}
	if g.Courant < 0 || g.Reflection < 0 || g.Reflection >= 1 || g.Background < 0 {
		fail("grid", "courant, reflection and background must be non-negative and reflection below 1")
	}

	if cfg.Solver.Workers < 0 {
		fail("solver.workers", "cannot be negative, got %d", cfg.Solver.Workers)
	}
	if _, err := cfg.Solver.GetExchangeTimeout(); err != nil {
		fail("solver.exchange_timeout", "%v", err)
	}
	if r := cfg.Solver.Retries; r != nil {
		if r.MaxRetries < 0 {
			fail("solver.retries.max_retries", "cannot be negative, got %d", r.MaxRetries)
		}
		if !validBackoffs[r.Backoff] {
			fail("solver.retries.backoff", "invalid backoff type %q (must be exponential, linear, or constant)", r.Backoff)
		}
		if r.BaseMs < 0 || r.MaxMs < 0 {
			fail("solver.retries", "base_ms and max_ms cannot be negative")
		}
	}

	for i, b := range cfg.Blocks {
		if b.Epsilon < 1 {
			fail(fmt.Sprintf("blocks[%d].epsilon", i), "must be at least 1, got %v", b.Epsilon)
		}
		if b.Sigma < 0 {
			fail(fmt.Sprintf("blocks[%d].sigma", i), "cannot be negative, got %v", b.Sigma)
		}
		checkBox(fail, fmt.Sprintf("blocks[%d].box", i), b.Box, g)
	}

	validateDesign(fail, &cfg.Design, g)

	if len(cfg.Sources) == 0 {
		fail("sources", "at least one source must be defined")
	}
	names := make(map[string]bool)
	for i, s := range cfg.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		if names[s.Name] {
			fail(field, "duplicate source name %q", s.Name)
		}
		names[s.Name] = true
		validateSource(fail, field, &s, g)
	}

	if len(cfg.Monitors) == 0 {
		fail("monitors", "at least one monitor must be defined")
	}
	names = make(map[string]bool)
	for i, m := range cfg.Monitors {
		field := fmt.Sprintf("monitors[%d]", i)
		if names[m.Name] {
			fail(field, "duplicate monitor name %q", m.Name)
		}
		names[m.Name] = true
		validateMonitor(fail, field, &m, g)
	}

	if _, err := adjoint.NamedObjective(cfg.Objective); err != nil {
		fail("objective", "%v", err)
	}

	t := cfg.Termination
	switch {
	case t.Steps > 0 && t.Decay != nil:
		fail("termination", "steps and decay are mutually exclusive")
	case t.Steps < 0:
		fail("termination.steps", "cannot be negative, got %d", t.Steps)
	case t.Steps == 0 && t.Decay == nil:
		fail("termination", "either steps or decay must be set")
	case t.Decay != nil:
		if t.Decay.MaxSteps <= 0 {
			fail("termination.decay.max_steps", "must be positive, got %d", t.Decay.MaxSteps)
		}
		if t.Decay.DecayBy < 0 || t.Decay.DecayBy >= 1 {
			fail("termination.decay.decay_by", "must be in (0,1), got %v", t.Decay.DecayBy)
		}
		if !validComps[strings.ToLower(t.Decay.Component)] {
			fail("termination.decay.component", "unknown component %q", t.Decay.Component)
		}
	}

	if f := cfg.FDCheck; f != nil {
		if f.Samples <= 0 {
			fail("fd_check.samples", "must be positive, got %d", f.Samples)
		}
		if f.Step < 0 || f.Step >= 0.5 {
			fail("fd_check.step", "must be in [0,0.5), got %v", f.Step)
		}
	}

	if o := cfg.Optimization; o != nil {
		if o.MaxIterations <= 0 {
			fail("optimization.max_iterations", "must be positive, got %d", o.MaxIterations)
		}
		if o.StepSize <= 0 || o.StepSize > 1 {
			fail("optimization.step_size", "must be in (0,1], got %v", o.StepSize)
		}
		if c := o.Convergence; c != nil && !validStopRules[c.Strategy] {
			fail("optimization.convergence.strategy", "unknown strategy %q", c.Strategy)
		}
	}

	return errors.Join(errs...)
}

type failFunc func(field, format string, args ...any)

func validateDesign(fail failFunc, d *Design, g GridConfig) {
	if d.Nx <= 0 || d.Ny <= 0 {
		fail("design", "nx and ny must be positive, got %dx%d", d.Nx, d.Ny)
	}
	if d.EpsLow < 1 || d.EpsHigh <= d.EpsLow {
		fail("design", "need 1 <= eps_low < eps_high, got %v..%v", d.EpsLow, d.EpsHigh)
	}
	checkBox(fail, "design.box", d.Box, g)
	if d.Interpolation != "" && d.Interpolation != "bilinear" && d.Interpolation != "nearest" {
		fail("design.interpolation", "unknown interpolation %q", d.Interpolation)
	}
	for i, t := range d.Transforms {
		if !validTransform[t.Type] {
			fail(fmt.Sprintf("design.transforms[%d]", i), "unknown transform %q", t.Type)
		}
	}
	if d.Initial != nil && (*d.Initial < 0 || *d.Initial > 1) {
		fail("design.initial", "must be in [0,1], got %v", *d.Initial)
	}
}

func validateSource(fail failFunc, field string, s *Source, g GridConfig) {
	if !validSources[s.Kind] {
		fail(field+".kind", "invalid kind %q (must be mode, point, or box)", s.Kind)
		return
	}
	if !validComps[strings.ToLower(s.Component)] {
		fail(field+".component", "unknown component %q", s.Component)
	}
	switch s.Kind {
	case "mode":
		if s.Line == nil {
			fail(field+".line", "a mode source needs a line")
		} else {
			checkLine(fail, field+".line", *s.Line, g)
		}
		if s.Mode < 0 {
			fail(field+".mode", "cannot be negative, got %d", s.Mode)
		}
		if strings.ToLower(s.Component) != "ez" {
			fail(field+".component", "mode sources drive ez")
		}
	case "point":
		if s.Point == nil {
			fail(field+".point", "a point source needs a point")
		} else if s.Point.I < 0 || s.Point.J < 0 || s.Point.I >= g.Nx || s.Point.J >= g.Ny {
			fail(field+".point", "(%d,%d) outside the %dx%d grid", s.Point.I, s.Point.J, g.Nx, g.Ny)
		}
	case "box":
		if s.Box == nil {
			fail(field+".box", "a box source needs a box")
		} else {
			checkBox(fail, field+".box", *s.Box, g)
		}
	}
	p := s.Pulse
	if !validPulses[p.Type] {
		fail(field+".pulse.type", "invalid pulse %q (must be gaussian or continuous)", p.Type)
	}
	if p.Frequency <= 0 {
		fail(field+".pulse.frequency", "must be positive, got %v", p.Frequency)
	}
	if p.Type == "gaussian" && p.FWidth <= 0 {
		fail(field+".pulse.fwidth", "must be positive, got %v", p.FWidth)
	}
}

func validateMonitor(fail failFunc, field string, m *Monitor, g GridConfig) {
	if !validMonitors[m.Kind] {
		fail(field+".kind", "invalid kind %q (must be mode or fourier)", m.Kind)
		return
	}
	if len(m.Frequencies) == 0 {
		fail(field+".frequencies", "at least one frequency is required")
	}
	for _, f := range m.Frequencies {
		if f <= 0 {
			fail(field+".frequencies", "must be positive, got %v", f)
			break
		}
	}
	switch m.Kind {
	case "mode":
		if m.Line == nil {
			fail(field+".line", "a mode monitor needs a line")
		} else {
			checkLine(fail, field+".line", *m.Line, g)
		}
		if m.Direction != "" && m.Direction != "forward" && m.Direction != "backward" && m.Direction != "+" && m.Direction != "-" {
			fail(field+".direction", "unknown direction %q", m.Direction)
		}
	case "fourier":
		if m.Box == nil {
			fail(field+".box", "a fourier monitor needs a box")
		} else {
			checkBox(fail, field+".box", *m.Box, g)
		}
	}
}

func checkBox(fail failFunc, field string, b BoxConfig, g GridConfig) {
	if b.I1 <= b.I0 || b.J1 <= b.J0 {
		fail(field, "%v is empty", b)
		return
	}
	if b.I0 < 0 || b.J0 < 0 || b.I1 > g.Nx || b.J1 > g.Ny {
		fail(field, "%v outside the %dx%d grid", b, g.Nx, g.Ny)
	}
}

func checkLine(fail failFunc, field string, l LineConfig, g GridConfig) {
	if !validNormals[l.Normal] {
		fail(field+".normal", "must be x or y, got %q", l.Normal)
		return
	}
	along, across := g.Ny, g.Nx
	if l.Normal == "y" {
		along, across = g.Nx, g.Ny
	}
	if l.To-l.From < 2 || l.From < 0 || l.To > along {
		fail(field, "span [%d,%d) invalid for length %d", l.From, l.To, along)
	}
	// the overlap also reads the next line downstream
	if l.Pos < 0 || l.Pos+1 >= across {
		fail(field+".pos", "%d outside [0,%d)", l.Pos, across-1)
	}
}
