// Package grid holds the 2D TMz Yee lattice: field arrays, per-cell
// materials and the derived leapfrog update coefficients.
package grid

import (
	"fmt"
	"math"
	"strings"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
)

// Component identifies a field component on the lattice
type Component int

const (
	Ez Component = iota
	Hx
	Hy
)

func (c Component) String() string {
	switch c {
	case Ez:
		return "Ez"
	case Hx:
		return "Hx"
	case Hy:
		return "Hy"
	default:
		return fmt.Sprintf("Component(%d)", int(c))
	}
}

// ParseComponent parses "ez", "hx" or "hy" (case-insensitive)
func ParseComponent(s string) (Component, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ez":
		return Ez, nil
	case "hx":
		return Hx, nil
	case "hy":
		return Hy, nil
	}
	return 0, fmt.Errorf("unknown field component %q", s)
}

const (
	DefaultCourant    = 0.5
	DefaultReflection = 1e-8
	gradingOrder      = 3
)

// Spec describes the lattice to allocate
type Spec struct {
	Nx, Ny int
	// Resolution is the number of cells per unit length
	Resolution float64
	// Courant is the ratio Δt/Δx. Zero selects DefaultCourant.
	Courant float64
	// Absorber is the thickness in cells of the graded absorbing layer on every side
	Absorber int
	// Reflection is the target normal-incidence reflection of the absorber
	Reflection float64
	// Background permittivity, 1 when zero
	Background float64
}

// Grid is a TMz Yee lattice. Ez(i,j) sits on integer points, Hx(i,j) half a
// cell above in y and Hy(i,j) half a cell to the right in x. Fields outside
// the lattice are zero.
type Grid struct {
	Nx, Ny   int
	Dx, Dt   float64
	Courant  float64
	Absorber int

	Eps  []float64
	Mu   []float64
	SigE []float64
	SigM []float64

	CA, CB   []float64
	DAx, DBx []float64
	DAy, DBy []float64

	Ez, Hx, Hy []float64

	// normalised absorber conductivity at Ez, Hx and Hy locations
	absE, absX, absY []float64
}

// New validates the lattice description and allocates a grid filled with the
// background medium
func New(spec Spec) (*Grid, error) {
	if spec.Nx < 3 || spec.Ny < 3 {
		return nil, models.NewConfigurationError("grid", "size must be at least 3x3, got %dx%d", spec.Nx, spec.Ny)
	}
	if spec.Resolution <= 0 || math.IsNaN(spec.Resolution) || math.IsInf(spec.Resolution, 0) {
		return nil, models.NewConfigurationError("resolution", "must be positive and finite, got %v", spec.Resolution)
	}
	if spec.Courant == 0 {
		spec.Courant = DefaultCourant
	}
	if spec.Courant < 0 {
		return nil, models.NewConfigurationError("courant", "must be positive, got %v", spec.Courant)
	}
	if spec.Absorber < 0 || 2*spec.Absorber >= spec.Nx || 2*spec.Absorber >= spec.Ny {
		return nil, models.NewConfigurationError("absorber", "thickness %d does not fit a %dx%d grid", spec.Absorber, spec.Nx, spec.Ny)
	}
	if spec.Reflection == 0 {
		spec.Reflection = DefaultReflection
	}
	if spec.Reflection <= 0 || spec.Reflection >= 1 {
		return nil, models.NewConfigurationError("reflection", "must be in (0,1), got %v", spec.Reflection)
	}
	if spec.Background == 0 {
		spec.Background = 1
	}
	if spec.Background < 0 {
		return nil, models.NewConfigurationError("background", "permittivity must be positive, got %v", spec.Background)
	}

	n := spec.Nx * spec.Ny
	dx := 1 / spec.Resolution
	g := &Grid{
		Nx:       spec.Nx,
		Ny:       spec.Ny,
		Dx:       dx,
		Dt:       spec.Courant * dx,
		Courant:  spec.Courant,
		Absorber: spec.Absorber,
		Eps:      fill(n, spec.Background),
		Mu:       fill(n, 1),
		SigE:     make([]float64, n),
		SigM:     make([]float64, n),
		CA:       make([]float64, n),
		CB:       make([]float64, n),
		DAx:      make([]float64, n),
		DBx:      make([]float64, n),
		DAy:      make([]float64, n),
		DBy:      make([]float64, n),
		Ez:       make([]float64, n),
		Hx:       make([]float64, n),
		Hy:       make([]float64, n),
		absE:     make([]float64, n),
		absX:     make([]float64, n),
		absY:     make([]float64, n),
	}
	g.gradeAbsorber(spec.Reflection)
	g.updateCoefficients()
	return g, nil
}

func fill(n int, v float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}

// Index returns the flat index of cell (i,j)
func (g *Grid) Index(i, j int) int {
	return i*g.Ny + j
}

// Coords returns the cell of a flat index
func (g *Grid) Coords(idx int) (int, int) {
	return idx / g.Ny, idx % g.Ny
}

// Cells returns the number of lattice cells
func (g *Grid) Cells() int {
	return g.Nx * g.Ny
}

// Bounds returns the box covering the whole lattice
func (g *Grid) Bounds() Box {
	return Box{I0: 0, J0: 0, I1: g.Nx, J1: g.Ny}
}

// Interior returns the box inside the absorbing layer
func (g *Grid) Interior() Box {
	a := g.Absorber
	return Box{I0: a, J0: a, I1: g.Nx - a, J1: g.Ny - a}
}

// Field returns the array backing a component
func (g *Grid) Field(c Component) []float64 {
	switch c {
	case Hx:
		return g.Hx
	case Hy:
		return g.Hy
	default:
		return g.Ez
	}
}

// Reset zeroes every field for in-place reuse
func (g *Grid) Reset() {
	clear(g.Ez)
	clear(g.Hx)
	clear(g.Hy)
}

// SetEpsilon overwrites the permittivity of the listed cells and refreshes
// their update coefficients. Values must be positive.
func (g *Grid) SetEpsilon(cells []int, eps []float64) error {
	if len(cells) != len(eps) {
		return &models.DimensionMismatch{What: "permittivity values", Got: len(eps), Want: len(cells)}
	}
	for k, c := range cells {
		if c < 0 || c >= len(g.Eps) {
			return &models.DomainError{Object: "permittivity", Reason: fmt.Sprintf("cell %d outside grid", c)}
		}
		if !(eps[k] > 0) || math.IsInf(eps[k], 0) {
			return models.NewConfigurationError("epsilon", "cell %d: permittivity must be positive, got %v", c, eps[k])
		}
	}
	for k, c := range cells {
		g.Eps[c] = eps[k]
		g.updateCell(c)
	}
	return nil
}

// FillBox sets permittivity and electric conductivity over a box
func (g *Grid) FillBox(b Box, eps, sigma float64) error {
	if !b.Within(g.Nx, g.Ny) {
		return &models.DomainError{Object: "block", Reason: fmt.Sprintf("%v outside %dx%d grid", b, g.Nx, g.Ny)}
	}
	if !(eps > 0) || sigma < 0 {
		return models.NewConfigurationError("block", "need eps>0 and sigma>=0, got eps=%v sigma=%v", eps, sigma)
	}
	b.Each(func(i, j int) {
		c := g.Index(i, j)
		g.Eps[c] = eps
		g.SigE[c] = sigma
		g.updateCell(c)
	})
	return nil
}

// StabilityLimit returns the largest stable time step for the current materials
func (g *Grid) StabilityLimit() float64 {
	minEps, minMu := math.Inf(1), math.Inf(1)
	for c := range g.Eps {
		minEps = math.Min(minEps, g.Eps[c])
		minMu = math.Min(minMu, g.Mu[c])
	}
	vmax := 1 / math.Sqrt(minEps*minMu)
	return 1 / (vmax * math.Sqrt(2/(g.Dx*g.Dx)))
}

// CheckStability returns a StabilityError when Δt exceeds the Courant limit
func (g *Grid) CheckStability() error {
	limit := g.StabilityLimit()
	if g.Dt > limit {
		return &models.StabilityError{Dt: g.Dt, Limit: limit}
	}
	return nil
}

// CoefficientDerivatives returns ∂CA/∂ε and ∂CB/∂ε at a cell, holding the
// conductivity fixed.
func (g *Grid) CoefficientDerivatives(c int) (dCA, dCB float64) {
	s := g.SigE[c] + g.absE[c]*g.Eps[c]
	d := g.Eps[c]/g.Dt + s/2
	return (s / g.Dt) / (d * d), -(1 / g.Dt) / (d * d)
}

// InAbsorber reports whether a cell carries absorber conductivity
func (g *Grid) InAbsorber(c int) bool {
	return g.absE[c] != 0 || g.absX[c] != 0 || g.absY[c] != 0
}

func (g *Grid) updateCoefficients() {
	for c := range g.Eps {
		g.updateCell(c)
	}
}

func (g *Grid) updateCell(c int) {
	se := g.SigE[c] + g.absE[c]*g.Eps[c]
	g.CA[c], g.CB[c] = lossy(g.Eps[c], se, g.Dt)

	mu := g.Mu[c]
	g.DAx[c], g.DBx[c] = lossy(mu, g.SigM[c]+g.absX[c]*mu, g.Dt)
	g.DAy[c], g.DBy[c] = lossy(mu, g.SigM[c]+g.absY[c]*mu, g.Dt)
}

// lossy returns the semi-implicit coefficients of m·∂f/∂t + σf = rhs
func lossy(m, sigma, dt float64) (float64, float64) {
	d := m/dt + sigma/2
	return (m/dt - sigma/2) / d, 1 / d
}

// gradeAbsorber fills the polynomially graded conductivity σ(d)=σmax(d/L)^m
// with σmax = −(m+1)ln(R)/(2L). Matched layers use σ/ε = σm/μ, so the
// stored profile is normalised by the local material.
func (g *Grid) gradeAbsorber(reflection float64) {
	if g.Absorber == 0 {
		return
	}
	thick := float64(g.Absorber) * g.Dx
	sigmaMax := -(gradingOrder + 1) * math.Log(reflection) / (2 * thick)
	depth := func(x, hi float64) float64 {
		l := float64(g.Absorber)
		d := 0.0
		if x < l {
			d = l - x
		} else if x > hi-l {
			d = x - (hi - l)
		}
		if d <= 0 {
			return 0
		}
		return sigmaMax * math.Pow(math.Min(d, l)/l, gradingOrder)
	}
	// Ez(i,j) sits at (i,j); the interior is [L, N-1-L] in each axis
	hiX, hiY := float64(g.Nx-1), float64(g.Ny-1)
	for i := 0; i < g.Nx; i++ {
		for j := 0; j < g.Ny; j++ {
			c := g.Index(i, j)
			fi, fj := float64(i), float64(j)
			g.absE[c] = math.Max(depth(fi, hiX), depth(fj, hiY))
			g.absX[c] = math.Max(depth(fi, hiX), depth(fj+0.5, hiY))
			g.absY[c] = math.Max(depth(fi+0.5, hiX), depth(fj, hiY))
		}
	}
}
