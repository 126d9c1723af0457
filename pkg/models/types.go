package models

import (
	"math/cmplx"
	"time"
)

// RunStatus represents the status of a daemon run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// RunKind selects what a daemon run computes
type RunKind string

const (
	RunKindGradient RunKind = "gradient"
	RunKindFDCheck  RunKind = "fd_check"
	RunKindOptimize RunKind = "optimize"
)

// Run represents one daemon job
type Run struct {
	ID        string        `json:"id"`
	Kind      RunKind       `json:"kind"`
	Status    RunStatus     `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
	Progress  *Progress     `json:"progress,omitempty"`
}

// Progress is the latest progress snapshot of a run
type Progress struct {
	Phase     string  `json:"phase"`
	Step      int     `json:"step"`
	Iteration int     `json:"iteration,omitempty"`
	Objective float64 `json:"objective,omitempty"`
}

// Complex is a JSON-friendly complex number
type Complex struct {
	Re float64 `json:"re"`
	Im float64 `json:"im"`
}

// FromComplex converts a complex128
func FromComplex(c complex128) Complex {
	return Complex{Re: real(c), Im: imag(c)}
}

// Abs returns the modulus
func (c Complex) Abs() float64 {
	return cmplx.Abs(complex(c.Re, c.Im))
}

// GradientReport is the serialisable outcome of one adjoint gradient evaluation
type GradientReport struct {
	Objective    float64   `json:"objective"`
	Coefficients []Complex `json:"coefficients"`
	Gradient     []float64 `json:"gradient"`
	SolverRuns   int       `json:"solver_runs"`
	Steps        int       `json:"steps"`
	Warnings     []string  `json:"warnings,omitempty"`
}

// FDReport compares adjoint and finite-difference derivatives on a sample
type FDReport struct {
	Indices     []int           `json:"indices"`
	Adjoint     []float64       `json:"adjoint"`
	Finite      []float64       `json:"finite"`
	Slope       float64         `json:"slope"`
	Intercept   float64         `json:"intercept"`
	MaxRelError float64         `json:"max_rel_error"`
	ExtraRuns   int             `json:"extra_runs"`
	Seed        int64           `json:"seed"`
	Gradient    *GradientReport `json:"gradient,omitempty"`
}

// OptimizationReport is the serialisable outcome of a design optimization
type OptimizationReport struct {
	BestObjective     float64   `json:"best_objective"`
	BestDesign        []float64 `json:"best_design"`
	Iterations        int       `json:"iterations"`
	History           []float64 `json:"history"`
	Converged         bool      `json:"converged"`
	ConvergenceReason string    `json:"convergence_reason"`
	SolverRuns        int       `json:"solver_runs"`
}

// MetricPoint represents a single sample of a solver diagnostic
type MetricPoint struct {
	Timestamp time.Time         `json:"timestamp"`
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Aggregation holds summary statistics over a metric series
type Aggregation struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Last  float64 `json:"last"`
}
