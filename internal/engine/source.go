package engine

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/grid"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
)

// Source injects a current density into the update equations. Electric
// sources (Ez) are sampled at (k+½)Δt and subtracted as CB·J; magnetic
// sources (Hx, Hy) are sampled at kΔt and subtracted as DB·M.
type Source interface {
	Component() grid.Component
	Cells() []int
	// Amplitude writes the current density for update step k into out,
	// which has len(Cells()).
	Amplitude(k int, dt float64, out []float64)
}

// TimeProfile is a scalar temporal envelope
type TimeProfile interface {
	Value(t float64) float64
	// Frequency is the carrier frequency
	Frequency() float64
}

// GaussianPulse is exp(−(t−t0)²/2w²)·cos(ω(t−t0)) with w = 1/(2π·fwidth)
type GaussianPulse struct {
	Freq   float64
	FWidth float64
	// Cutoff sets t0 = Cutoff·w; 5 when zero
	Cutoff float64
}

func (p GaussianPulse) width() float64 {
	return 1 / (2 * math.Pi * p.FWidth)
}

// Delay returns the peak time t0
func (p GaussianPulse) Delay() float64 {
	c := p.Cutoff
	if c == 0 {
		c = 5
	}
	return c * p.width()
}

func (p GaussianPulse) Value(t float64) float64 {
	w := p.width()
	s := t - p.Delay()
	return math.Exp(-s*s/(2*w*w)) * math.Cos(2*math.Pi*p.Freq*s)
}

func (p GaussianPulse) Frequency() float64 { return p.Freq }

// ContinuousWave is a sinusoid with an optional linear ramp
type ContinuousWave struct {
	Freq float64
	// Ramp is the turn-on time; zero starts at full amplitude
	Ramp float64
}

func (c ContinuousWave) Value(t float64) float64 {
	a := 1.0
	if c.Ramp > 0 && t < c.Ramp {
		a = t / c.Ramp
	}
	return a * math.Sin(2*math.Pi*c.Freq*t)
}

func (c ContinuousWave) Frequency() float64 { return c.Freq }

// ProfileSource is a fixed spatial profile times a temporal envelope.
// Point, line and mode sources are all ProfileSources.
type ProfileSource struct {
	Comp     grid.Component
	Indices  []int
	Profile  []float64
	Envelope TimeProfile
}

// NewPointSource places a unit source on one cell
func NewPointSource(g *grid.Grid, comp grid.Component, i, j int, env TimeProfile) (*ProfileSource, error) {
	if !g.Bounds().Contains(i, j) {
		return nil, &models.DomainError{Object: "point source", Reason: fmt.Sprintf("cell (%d,%d) outside %dx%d grid", i, j, g.Nx, g.Ny)}
	}
	return &ProfileSource{Comp: comp, Indices: []int{g.Index(i, j)}, Profile: []float64{1}, Envelope: env}, nil
}

// NewBoxSource places a uniform source over a box
func NewBoxSource(g *grid.Grid, comp grid.Component, b grid.Box, env TimeProfile) (*ProfileSource, error) {
	if !b.Within(g.Nx, g.Ny) {
		return nil, &models.DomainError{Object: "source", Reason: fmt.Sprintf("%v outside %dx%d grid", b, g.Nx, g.Ny)}
	}
	idx := g.Indices(b)
	prof := make([]float64, len(idx))
	for i := range prof {
		prof[i] = 1
	}
	return &ProfileSource{Comp: comp, Indices: idx, Profile: prof, Envelope: env}, nil
}

func (s *ProfileSource) Component() grid.Component { return s.Comp }

func (s *ProfileSource) Cells() []int { return s.Indices }

func (s *ProfileSource) Amplitude(k int, dt float64, out []float64) {
	t := float64(k) * dt
	if s.Comp == grid.Ez {
		t += dt / 2
	}
	a := s.Envelope.Value(t)
	for i, p := range s.Profile {
		out[i] = p * a
	}
}

// Phasor is one frequency of a PhasorSource: a complex amplitude per cell
type Phasor struct {
	Omega float64
	Amp   []complex128
}

// PhasorSource replays a sum of complex exponentials backwards in time over
// a run of Steps updates. At update k the electric term is
// Re Σ Amp·exp(iω(Steps−k)Δt) and the magnetic term uses (Steps−k+½)Δt,
// with the magnetic sample at k=0 dropped.
type PhasorSource struct {
	Comp    grid.Component
	Indices []int
	Terms   []Phasor
	Steps   int
}

func (s *PhasorSource) Component() grid.Component { return s.Comp }

func (s *PhasorSource) Cells() []int { return s.Indices }

func (s *PhasorSource) Amplitude(k int, dt float64, out []float64) {
	clear(out)
	n := float64(s.Steps - k)
	if s.Comp != grid.Ez {
		if k == 0 {
			return
		}
		n += 0.5
	}
	for _, term := range s.Terms {
		z := cmplx.Exp(complex(0, term.Omega*n*dt))
		for i, a := range term.Amp {
			out[i] += real(a * z)
		}
	}
}

func validateSource(g *grid.Grid, s Source) error {
	n := g.Cells()
	for _, c := range s.Cells() {
		if c < 0 || c >= n {
			return &models.DomainError{Object: fmt.Sprintf("%s source", s.Component()), Reason: fmt.Sprintf("cell %d outside grid", c)}
		}
	}
	return nil
}
