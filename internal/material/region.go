// Package material maps design parameters to permittivity on the lattice
// and differentiates that map.
package material

import (
	"fmt"
	"math"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/grid"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
)

// DesignRegion is a named block of lattice cells whose permittivity is
// driven by an Nx×Ny grid of parameters in [0,1].
type DesignRegion struct {
	Name    string
	Box     grid.Box
	Shape   Shape
	EpsLow  float64
	EpsHigh float64

	transforms Pipeline
	interp     Interpolation
	// rows[c] holds the interpolation taps of box cell c (x-major)
	rows [][]tap
}

// RegionOption configures a DesignRegion
type RegionOption func(*DesignRegion)

// WithTransforms appends filters and symmetry operations applied before interpolation
func WithTransforms(ts ...Transform) RegionOption {
	return func(r *DesignRegion) { r.transforms = append(r.transforms, ts...) }
}

// WithInterpolation selects how parameters reach cell centres
func WithInterpolation(in Interpolation) RegionOption {
	return func(r *DesignRegion) { r.interp = in }
}

// NewDesignRegion validates and builds a design region
func NewDesignRegion(name string, box grid.Box, nx, ny int, epsLow, epsHigh float64, opts ...RegionOption) (*DesignRegion, error) {
	if box.Empty() {
		return nil, models.NewConfigurationError("design.region", "%s: empty cell box %v", name, box)
	}
	if nx < 1 || ny < 1 {
		return nil, models.NewConfigurationError("design.shape", "%s: design grid must be at least 1x1, got %dx%d", name, nx, ny)
	}
	if !(epsLow > 0) || math.IsInf(epsHigh, 0) || !(epsHigh > epsLow) {
		return nil, models.NewConfigurationError("design.epsilon", "%s: need 0 < low < high, got [%v, %v]", name, epsLow, epsHigh)
	}
	r := &DesignRegion{
		Name:    name,
		Box:     box,
		Shape:   Shape{Nx: nx, Ny: ny},
		EpsLow:  epsLow,
		EpsHigh: epsHigh,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.transforms.Validate(r.Shape); err != nil {
		return nil, err
	}
	if r.transforms.rotates() && box.Width() != box.Height() {
		return nil, models.NewConfigurationError("transforms", "%s: rotate_90 needs a square cell box, got %v", name, box)
	}
	r.buildStencil()
	return r, nil
}

func (r *DesignRegion) buildStencil() {
	w, h := r.Box.Width(), r.Box.Height()
	r.rows = make([][]tap, 0, w*h)
	for ci := 0; ci < w; ci++ {
		xs := r.interp.stencil1D(ci, w, r.Shape.Nx)
		for cj := 0; cj < h; cj++ {
			ys := r.interp.stencil1D(cj, h, r.Shape.Ny)
			row := make([]tap, 0, len(xs)*len(ys))
			for _, x := range xs {
				for _, y := range ys {
					row = append(row, tap{idx: r.Shape.index(x.idx, y.idx), w: x.w * y.w})
				}
			}
			r.rows = append(r.rows, row)
		}
	}
}

// NumParams returns Nx·Ny
func (r *DesignRegion) NumParams() int { return r.Shape.Len() }

// NumCells returns the number of lattice cells covered
func (r *DesignRegion) NumCells() int { return r.Box.Size() }

// Transforms returns the configured transform chain
func (r *DesignRegion) Transforms() Pipeline { return r.transforms }

// Interpolation returns the configured interpolation
func (r *DesignRegion) Interpolation() Interpolation { return r.interp }

// Cells returns the flat lattice indices of the region, x-major
func (r *DesignRegion) Cells(g *grid.Grid) []int {
	return g.Indices(r.Box)
}

// Validate checks the region against a lattice: it must lie inside the
// grid and clear of the absorbing layer.
func (r *DesignRegion) Validate(g *grid.Grid) error {
	if !r.Box.Within(g.Nx, g.Ny) {
		return &models.DomainError{Object: "design region " + r.Name, Reason: fmt.Sprintf("%v outside %dx%d grid", r.Box, g.Nx, g.Ny)}
	}
	for _, c := range r.Cells(g) {
		if g.InAbsorber(c) {
			i, j := g.Coords(c)
			return models.NewConfigurationError("design.region", "%s overlaps the absorbing layer at cell (%d,%d)", r.Name, i, j)
		}
	}
	return nil
}

func (r *DesignRegion) checkLen(p []float64) error {
	if len(p) != r.NumParams() {
		return &models.DimensionMismatch{What: "design parameters of " + r.Name, Got: len(p), Want: r.NumParams()}
	}
	for i, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return models.NewConfigurationError("design.parameters", "%s: parameter %d is not finite", r.Name, i)
		}
	}
	return nil
}

func clamp01(p []float64) ([]float64, []bool) {
	out := make([]float64, len(p))
	active := make([]bool, len(p))
	for i, v := range p {
		switch {
		case v < 0:
			out[i] = 0
		case v > 1:
			out[i] = 1
		default:
			out[i] = v
			active[i] = true
		}
	}
	return out, active
}

// Density returns the transformed parameters before interpolation
func (r *DesignRegion) Density(p []float64) ([]float64, error) {
	if err := r.checkLen(p); err != nil {
		return nil, err
	}
	clamped, _ := clamp01(p)
	return r.transforms.Apply(r.Shape, clamped), nil
}

// Epsilon returns the permittivity of every region cell, x-major
func (r *DesignRegion) Epsilon(p []float64) ([]float64, error) {
	rho, err := r.Density(p)
	if err != nil {
		return nil, err
	}
	return r.interpolate(rho), nil
}

func (r *DesignRegion) interpolate(rho []float64) []float64 {
	span := r.EpsHigh - r.EpsLow
	eps := make([]float64, len(r.rows))
	for c, row := range r.rows {
		v := 0.0
		for _, t := range row {
			v += t.w * rho[t.idx]
		}
		eps[c] = r.EpsLow + span*v
	}
	return eps
}

// Apply writes the permittivity for p into the lattice
func (r *DesignRegion) Apply(g *grid.Grid, p []float64) error {
	eps, err := r.Epsilon(p)
	if err != nil {
		return err
	}
	return g.SetEpsilon(r.Cells(g), eps)
}
