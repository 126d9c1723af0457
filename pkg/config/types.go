package config

import (
	"fmt"
	"time"
)

// Config represents one adjoint problem: lattice, geometry, design region,
// sources, monitors and the objective built on them
type Config struct {
	LogLevel     string            `yaml:"log_level"`
	Grid         GridConfig        `yaml:"grid"`
	Solver       SolverConfig      `yaml:"solver"`
	Blocks       []Block           `yaml:"blocks,omitempty"`
	Design       Design            `yaml:"design"`
	Sources      []Source          `yaml:"sources"`
	Monitors     []Monitor         `yaml:"monitors"`
	Objective    string            `yaml:"objective"`
	Termination  TerminationConfig `yaml:"termination"`
	FDCheck      *FDCheck          `yaml:"fd_check,omitempty"`
	Optimization *Optimization     `yaml:"optimization,omitempty"`
}

// GridConfig describes the Yee lattice
type GridConfig struct {
	Nx         int     `yaml:"nx"`
	Ny         int     `yaml:"ny"`
	Resolution float64 `yaml:"resolution"`
	Courant    float64 `yaml:"courant,omitempty"`
	Absorber   int     `yaml:"absorber"`
	Reflection float64 `yaml:"reflection,omitempty"`
	Background float64 `yaml:"background,omitempty"`
}

// SolverConfig holds engine tuning
type SolverConfig struct {
	Workers         int          `yaml:"workers"`
	ExchangeTimeout string       `yaml:"exchange_timeout,omitempty"` // e.g. "10s"
	ProgressEvery   int          `yaml:"progress_every,omitempty"`
	Retries         *RetryPolicy `yaml:"retries,omitempty"`
}

// GetExchangeTimeout parses the exchange timeout, zero when unset
func (s *SolverConfig) GetExchangeTimeout() (time.Duration, error) {
	if s.ExchangeTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(s.ExchangeTimeout)
}

// RetryPolicy bounds how often a late strip worker is waited for
type RetryPolicy struct {
	MaxRetries int    `yaml:"max_retries"`
	Backoff    string `yaml:"backoff"` // exponential, linear, constant
	BaseMs     int    `yaml:"base_ms"`
	MaxMs      int    `yaml:"max_ms,omitempty"`
}

// BoxConfig is a half-open cell range [i0,i1)×[j0,j1)
type BoxConfig struct {
	I0 int `yaml:"i0"`
	J0 int `yaml:"j0"`
	I1 int `yaml:"i1"`
	J1 int `yaml:"j1"`
}

func (b BoxConfig) String() string {
	return fmt.Sprintf("[%d,%d)x[%d,%d)", b.I0, b.I1, b.J0, b.J1)
}

// LineConfig is a cell line normal to x or y
type LineConfig struct {
	Normal string `yaml:"normal"` // x or y
	Pos    int    `yaml:"pos"`
	From   int    `yaml:"from"`
	To     int    `yaml:"to"`
}

// PointConfig is a single cell
type PointConfig struct {
	I int `yaml:"i"`
	J int `yaml:"j"`
}

// Block is fixed geometry painted before the design region
type Block struct {
	Name    string    `yaml:"name"`
	Box     BoxConfig `yaml:"box"`
	Epsilon float64   `yaml:"epsilon"`
	Sigma   float64   `yaml:"sigma,omitempty"`
}

// Design is the optimisable region
type Design struct {
	Name          string            `yaml:"name"`
	Box           BoxConfig         `yaml:"box"`
	Nx            int               `yaml:"nx"`
	Ny            int               `yaml:"ny"`
	EpsLow        float64           `yaml:"eps_low"`
	EpsHigh       float64           `yaml:"eps_high"`
	Interpolation string            `yaml:"interpolation,omitempty"` // bilinear or nearest
	Transforms    []TransformConfig `yaml:"transforms,omitempty"`
	// Initial fills the starting design; ignored when Seed is set
	Initial *float64 `yaml:"initial,omitempty"`
	// Seed draws a uniform random starting design
	Seed *int64 `yaml:"seed,omitempty"`
}

// TransformConfig selects one parameter transform
type TransformConfig struct {
	Type string  `yaml:"type"` // mirror_x, mirror_y, rotate_180, rotate_90, tanh
	Beta float64 `yaml:"beta,omitempty"`
	Eta  float64 `yaml:"eta,omitempty"`
}

// Pulse is the temporal envelope of a source
type Pulse struct {
	Type      string  `yaml:"type"` // gaussian or continuous
	Frequency float64 `yaml:"frequency"`
	FWidth    float64 `yaml:"fwidth,omitempty"`
	Cutoff    float64 `yaml:"cutoff,omitempty"`
	Ramp      float64 `yaml:"ramp,omitempty"`
}

// Source is a current source: an eigenmode launched along a line, a point
// or a uniform box
type Source struct {
	Name      string       `yaml:"name"`
	Kind      string       `yaml:"kind"` // mode, point, box
	Component string       `yaml:"component,omitempty"`
	Line      *LineConfig  `yaml:"line,omitempty"`
	Point     *PointConfig `yaml:"point,omitempty"`
	Box       *BoxConfig   `yaml:"box,omitempty"`
	Mode      int          `yaml:"mode,omitempty"`
	Pulse     Pulse        `yaml:"pulse"`
}

// Monitor is one objective input: eigenmode coefficients on a line or raw
// Fourier-transformed Ez over a box
type Monitor struct {
	Name        string      `yaml:"name"`
	Kind        string      `yaml:"kind"` // mode or fourier
	Line        *LineConfig `yaml:"line,omitempty"`
	Box         *BoxConfig  `yaml:"box,omitempty"`
	Frequencies []float64   `yaml:"frequencies"`
	Mode        int         `yaml:"mode,omitempty"`
	Direction   string      `yaml:"direction,omitempty"` // forward or backward
}

// TerminationConfig is either a fixed step count or a decay criterion
type TerminationConfig struct {
	Steps int          `yaml:"steps,omitempty"`
	Decay *DecayConfig `yaml:"decay,omitempty"`
}

// DecayConfig stops once |field|² at a point has decayed by DecayBy
type DecayConfig struct {
	I         int     `yaml:"i"`
	J         int     `yaml:"j"`
	Component string  `yaml:"component,omitempty"`
	Interval  int     `yaml:"interval,omitempty"`
	DecayBy   float64 `yaml:"decay_by,omitempty"`
	MaxSteps  int     `yaml:"max_steps"`
}

// FDCheck configures the finite-difference gradient check
type FDCheck struct {
	Samples  int     `yaml:"samples"`
	Step     float64 `yaml:"step,omitempty"`
	OneSided bool    `yaml:"one_sided,omitempty"`
	Seed     int64   `yaml:"seed"`
}

// Optimization configures projected gradient ascent on the design
type Optimization struct {
	MaxIterations int                `yaml:"max_iterations"`
	StepSize      float64            `yaml:"step_size"`
	Convergence   *ConvergenceConfig `yaml:"convergence,omitempty"`
}

// ConvergenceConfig selects and tunes the stopping rule
type ConvergenceConfig struct {
	Strategy      string  `yaml:"strategy"` // no_improvement, plateau, threshold, variance, combined
	Patience      int     `yaml:"patience,omitempty"`
	MinIterations int     `yaml:"min_iterations,omitempty"`
	Threshold     float64 `yaml:"threshold,omitempty"`
	Tolerance     float64 `yaml:"tolerance,omitempty"`
}
