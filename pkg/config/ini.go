package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// ParseConfigINI parses the flat INI form of a Config. Global keys live in
// the default section, repeated items in prefixed sections:
//
//	[block.core]   [source.input]   [monitor.output]
//
// Boxes are written "i0,j0,i1,j1", lines "normal,pos,from,to" and points "i,j".
func ParseConfigINI(data []byte) (*Config, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config ini: %w", err)
	}
	cfg, err := loadCfg(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config ini: %w", err)
	}

	applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadCfg(file *ini.File) (*Config, error) {
	root := file.Section(ini.DefaultSection)
	cfg := &Config{
		LogLevel:  root.Key("log_level").MustString("info"),
		Objective: root.Key("objective").String(),
	}

	g := file.Section("grid")
	cfg.Grid = GridConfig{
		Nx:         g.Key("nx").MustInt(0),
		Ny:         g.Key("ny").MustInt(0),
		Resolution: g.Key("resolution").MustFloat64(0),
		Courant:    g.Key("courant").MustFloat64(0),
		Absorber:   g.Key("absorber").MustInt(0),
		Reflection: g.Key("reflection").MustFloat64(0),
		Background: g.Key("background").MustFloat64(0),
	}

	s := file.Section("solver")
	cfg.Solver = SolverConfig{
		Workers:         s.Key("workers").MustInt(1),
		ExchangeTimeout: s.Key("exchange_timeout").String(),
		ProgressEvery:   s.Key("progress_every").MustInt(0),
	}
	if s.HasKey("max_retries") {
		cfg.Solver.Retries = &RetryPolicy{
			MaxRetries: s.Key("max_retries").MustInt(0),
			Backoff:    s.Key("backoff").MustString("exponential"),
			BaseMs:     s.Key("base_ms").MustInt(0),
			MaxMs:      s.Key("max_ms").MustInt(0),
		}
	}

	var err error
	if cfg.Design, err = loadDesign(file.Section("design")); err != nil {
		return nil, err
	}
	if cfg.Termination, err = loadTermination(file.Section("termination")); err != nil {
		return nil, err
	}

	for _, sec := range file.Sections() {
		name := sec.Name()
		switch {
		case strings.HasPrefix(name, "block."):
			b := Block{Name: strings.TrimPrefix(name, "block."), Epsilon: sec.Key("epsilon").MustFloat64(0), Sigma: sec.Key("sigma").MustFloat64(0)}
			if b.Box, err = parseBox(sec.Key("box").String()); err != nil {
				return nil, fmt.Errorf("section %s: %w", name, err)
			}
			cfg.Blocks = append(cfg.Blocks, b)
		case strings.HasPrefix(name, "source."):
			src, err := loadSource(sec)
			if err != nil {
				return nil, fmt.Errorf("section %s: %w", name, err)
			}
			src.Name = strings.TrimPrefix(name, "source.")
			cfg.Sources = append(cfg.Sources, src)
		case strings.HasPrefix(name, "monitor."):
			m, err := loadMonitor(sec)
			if err != nil {
				return nil, fmt.Errorf("section %s: %w", name, err)
			}
			m.Name = strings.TrimPrefix(name, "monitor.")
			cfg.Monitors = append(cfg.Monitors, m)
		}
	}

	if file.HasSection("fd_check") {
		f := file.Section("fd_check")
		cfg.FDCheck = &FDCheck{
			Samples:  f.Key("samples").MustInt(0),
			Step:     f.Key("step").MustFloat64(0),
			OneSided: f.Key("one_sided").MustBool(false),
			Seed:     f.Key("seed").MustInt64(0),
		}
	}
	if file.HasSection("optimization") {
		o := file.Section("optimization")
		cfg.Optimization = &Optimization{
			MaxIterations: o.Key("max_iterations").MustInt(0),
			StepSize:      o.Key("step_size").MustFloat64(0),
		}
		if o.HasKey("strategy") {
			cfg.Optimization.Convergence = &ConvergenceConfig{
				Strategy:      o.Key("strategy").String(),
				Patience:      o.Key("patience").MustInt(0),
				MinIterations: o.Key("min_iterations").MustInt(0),
				Threshold:     o.Key("threshold").MustFloat64(0),
				Tolerance:     o.Key("tolerance").MustFloat64(0),
			}
		}
	}
	return cfg, nil
}

func loadDesign(sec *ini.Section) (Design, error) {
	d := Design{
		Name:          sec.Key("name").String(),
		Nx:            sec.Key("nx").MustInt(0),
		Ny:            sec.Key("ny").MustInt(0),
		EpsLow:        sec.Key("eps_low").MustFloat64(0),
		EpsHigh:       sec.Key("eps_high").MustFloat64(0),
		Interpolation: sec.Key("interpolation").String(),
	}
	box, err := parseBox(sec.Key("box").String())
	if err != nil {
		return d, fmt.Errorf("section design: %w", err)
	}
	d.Box = box
	for _, name := range sec.Key("transforms").Strings(",") {
		t := TransformConfig{Type: name}
		if name == "tanh" {
			t.Beta = sec.Key("tanh_beta").MustFloat64(0)
			t.Eta = sec.Key("tanh_eta").MustFloat64(0.5)
		}
		d.Transforms = append(d.Transforms, t)
	}
	if sec.HasKey("seed") {
		seed := sec.Key("seed").MustInt64(0)
		d.Seed = &seed
	}
	if sec.HasKey("initial") {
		v := sec.Key("initial").MustFloat64(0)
		d.Initial = &v
	}
	return d, nil
}

func loadTermination(sec *ini.Section) (TerminationConfig, error) {
	t := TerminationConfig{Steps: sec.Key("steps").MustInt(0)}
	if !sec.HasKey("decay_point") {
		return t, nil
	}
	pt, err := parsePoint(sec.Key("decay_point").String())
	if err != nil {
		return t, fmt.Errorf("section termination: %w", err)
	}
	t.Decay = &DecayConfig{
		I:         pt.I,
		J:         pt.J,
		Component: sec.Key("component").String(),
		Interval:  sec.Key("interval").MustInt(0),
		DecayBy:   sec.Key("decay_by").MustFloat64(0),
		MaxSteps:  sec.Key("max_steps").MustInt(0),
	}
	return t, nil
}

func loadSource(sec *ini.Section) (Source, error) {
	src := Source{
		Kind:      sec.Key("kind").String(),
		Component: sec.Key("component").String(),
		Mode:      sec.Key("mode").MustInt(0),
		Pulse: Pulse{
			Type:      sec.Key("pulse").String(),
			Frequency: sec.Key("frequency").MustFloat64(0),
			FWidth:    sec.Key("fwidth").MustFloat64(0),
			Cutoff:    sec.Key("cutoff").MustFloat64(0),
			Ramp:      sec.Key("ramp").MustFloat64(0),
		},
	}
	var err error
	if src.Line, err = optionalLine(sec); err != nil {
		return src, err
	}
	if src.Box, err = optionalBox(sec); err != nil {
		return src, err
	}
	if sec.HasKey("point") {
		pt, err := parsePoint(sec.Key("point").String())
		if err != nil {
			return src, err
		}
		src.Point = &pt
	}
	return src, nil
}

func loadMonitor(sec *ini.Section) (Monitor, error) {
	m := Monitor{
		Kind:      sec.Key("kind").String(),
		Mode:      sec.Key("mode").MustInt(0),
		Direction: sec.Key("direction").String(),
	}
	freqs, err := sec.Key("frequencies").StrictFloat64s(",")
	if err != nil {
		return m, fmt.Errorf("frequencies: %w", err)
	}
	m.Frequencies = freqs
	if m.Line, err = optionalLine(sec); err != nil {
		return m, err
	}
	if m.Box, err = optionalBox(sec); err != nil {
		return m, err
	}
	return m, nil
}

func optionalLine(sec *ini.Section) (*LineConfig, error) {
	if !sec.HasKey("line") {
		return nil, nil
	}
	parts := sec.Key("line").Strings(",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("line %q: want normal,pos,from,to", sec.Key("line").String())
	}
	nums := make([]int, 3)
	for k, p := range parts[1:] {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("line %q: %w", sec.Key("line").String(), err)
		}
		nums[k] = n
	}
	return &LineConfig{Normal: parts[0], Pos: nums[0], From: nums[1], To: nums[2]}, nil
}

func optionalBox(sec *ini.Section) (*BoxConfig, error) {
	if !sec.HasKey("box") {
		return nil, nil
	}
	b, err := parseBox(sec.Key("box").String())
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func parseBox(s string) (BoxConfig, error) {
	v, err := parseInts(s, 4)
	if err != nil {
		return BoxConfig{}, fmt.Errorf("box %q: %w", s, err)
	}
	return BoxConfig{I0: v[0], J0: v[1], I1: v[2], J1: v[3]}, nil
}

func parsePoint(s string) (PointConfig, error) {
	v, err := parseInts(s, 2)
	if err != nil {
		return PointConfig{}, fmt.Errorf("point %q: %w", s, err)
	}
	return PointConfig{I: v[0], J: v[1]}, nil
}

func parseInts(s string, n int) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("missing value")
	}
	fields := strings.Split(s, ",")
	if len(fields) != n {
		return nil, fmt.Errorf("want %d comma-separated integers, got %d", n, len(fields))
	}
	out := make([]int, n)
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
