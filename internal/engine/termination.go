package engine

import (
	"fmt"
	"math"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/grid"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
)

// Termination decides when a run stops
type Termination interface {
	NewStopper(g *grid.Grid) (Stopper, error)
}

// Stopper is the per-run state of a Termination
type Stopper interface {
	// Stop is consulted after every completed step
	Stop(steps int, g *grid.Grid) bool
	// Warning returns a non-nil warning when the run stopped without converging
	Warning(steps int) *models.ConvergenceWarning
}

// FixedSteps stops after exactly n steps
type FixedSteps int

func (n FixedSteps) NewStopper(*grid.Grid) (Stopper, error) {
	if n <= 0 {
		return nil, models.NewConfigurationError("steps", "must be positive, got %d", int(n))
	}
	return n, nil
}

func (n FixedSteps) Stop(steps int, _ *grid.Grid) bool { return steps >= int(n) }

func (n FixedSteps) Warning(int) *models.ConvergenceWarning { return nil }

// DefaultDecayBy is the |field|² ratio at which a decay run stops
const DefaultDecayBy = 1e-6

// UntilDecayed stops once the largest |field|² seen at a point during the
// last Interval steps has fallen to DecayBy times the peak so far. MaxSteps
// bounds the run; reaching it yields a ConvergenceWarning.
type UntilDecayed struct {
	I, J      int
	Component grid.Component
	Interval  int
	DecayBy   float64
	MaxSteps  int
}

func (u UntilDecayed) NewStopper(g *grid.Grid) (Stopper, error) {
	if !g.Bounds().Contains(u.I, u.J) {
		return nil, &models.DomainError{Object: "decay point", Reason: fmt.Sprintf("cell (%d,%d) outside %dx%d grid", u.I, u.J, g.Nx, g.Ny)}
	}
	if u.Interval <= 0 {
		return nil, models.NewConfigurationError("decay.interval", "must be positive, got %d", u.Interval)
	}
	if u.MaxSteps <= 0 {
		return nil, models.NewConfigurationError("decay.max_steps", "must be positive, got %d", u.MaxSteps)
	}
	if u.DecayBy == 0 {
		u.DecayBy = DefaultDecayBy
	}
	if u.DecayBy < 0 || u.DecayBy >= 1 {
		return nil, models.NewConfigurationError("decay.decay_by", "must be in (0,1), got %v", u.DecayBy)
	}
	return &decayStopper{cfg: u, cell: g.Index(u.I, u.J)}, nil
}

type decayStopper struct {
	cfg    UntilDecayed
	cell   int
	peak   float64
	window float64
	last   float64
}

func (d *decayStopper) Stop(steps int, g *grid.Grid) bool {
	v := g.Field(d.cfg.Component)[d.cell]
	v *= v
	d.peak = math.Max(d.peak, v)
	d.window = math.Max(d.window, v)
	if steps >= d.cfg.MaxSteps {
		d.record()
		return true
	}
	if steps%d.cfg.Interval != 0 {
		return false
	}
	d.record()
	d.window = 0
	return d.peak > 0 && d.last <= d.cfg.DecayBy
}

func (d *decayStopper) record() {
	if d.peak > 0 {
		d.last = d.window / d.peak
	} else {
		d.last = 1
	}
}

func (d *decayStopper) Warning(steps int) *models.ConvergenceWarning {
	if steps < d.cfg.MaxSteps || (d.peak > 0 && d.last <= d.cfg.DecayBy) {
		return nil
	}
	return &models.ConvergenceWarning{Steps: steps, MaxSteps: d.cfg.MaxSteps, Decay: d.last, Threshold: d.cfg.DecayBy}
}
