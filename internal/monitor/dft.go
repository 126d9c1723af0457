// Package monitor accumulates frequency-domain fields during a run and
// reduces them to the complex quantities an objective consumes.
package monitor

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/engine"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/grid"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
)

var _ engine.Observer = (*DFTFields)(nil)

// DFTFields keeps running sums F(ω) = Σ Δt·f·exp(iωt) over a box. Ez is
// sampled at t = (k+1)Δt, Hx and Hy at (k+½)Δt.
type DFTFields struct {
	Name       string
	Box        grid.Box
	Components []grid.Component
	Freqs      []float64

	cells []int
	dt    float64
	// sums[component][freq][cell]
	sums map[grid.Component][][]complex128
}

// NewDFTFields validates the frequency list and component set
func NewDFTFields(name string, box grid.Box, comps []grid.Component, freqs []float64) (*DFTFields, error) {
	if box.Empty() {
		return nil, models.NewConfigurationError("monitor", "%s: empty box", name)
	}
	if len(comps) == 0 {
		return nil, models.NewConfigurationError("monitor", "%s: no field components", name)
	}
	if len(freqs) == 0 {
		return nil, models.NewConfigurationError("monitor", "%s: no frequencies", name)
	}
	for _, f := range freqs {
		if !(f > 0) || math.IsInf(f, 0) {
			return nil, models.NewConfigurationError("monitor", "%s: frequency must be positive, got %v", name, f)
		}
	}
	return &DFTFields{
		Name:       name,
		Box:        box,
		Components: comps,
		Freqs:      freqs,
	}, nil
}

// Reset checks the box against the grid and zeroes the sums
func (d *DFTFields) Reset(g *grid.Grid) error {
	if !d.Box.Within(g.Nx, g.Ny) {
		return &models.DomainError{Object: "monitor " + d.Name, Reason: fmt.Sprintf("%v outside %dx%d grid", d.Box, g.Nx, g.Ny)}
	}
	d.cells = g.Indices(d.Box)
	d.dt = g.Dt
	d.sums = make(map[grid.Component][][]complex128, len(d.Components))
	for _, c := range d.Components {
		per := make([][]complex128, len(d.Freqs))
		for f := range per {
			per[f] = make([]complex128, len(d.cells))
		}
		d.sums[c] = per
	}
	return nil
}

func (d *DFTFields) accumulate(comp grid.Component, t float64, field []float64) {
	per, ok := d.sums[comp]
	if !ok {
		return
	}
	for f, freq := range d.Freqs {
		w := complex(d.dt, 0) * cmplx.Exp(complex(0, 2*math.Pi*freq*t))
		row := per[f]
		for k, c := range d.cells {
			row[k] += w * complex(field[c], 0)
		}
	}
}

func (d *DFTFields) AfterH(k int, g *grid.Grid) {
	t := (float64(k) + 0.5) * g.Dt
	d.accumulate(grid.Hx, t, g.Hx)
	d.accumulate(grid.Hy, t, g.Hy)
}

func (d *DFTFields) AfterE(k int, g *grid.Grid) {
	d.accumulate(grid.Ez, float64(k+1)*g.Dt, g.Ez)
}

// Cells returns the lattice indices of the box, valid after Reset
func (d *DFTFields) Cells() []int { return d.cells }

// Get returns the accumulated transform of a component at frequency index f
func (d *DFTFields) Get(comp grid.Component, f int) []complex128 {
	per, ok := d.sums[comp]
	if !ok || f < 0 || f >= len(per) {
		return nil
	}
	return per[f]
}

// Merge adds the sums of another monitor over the same box and frequencies.
// Runs split into chunks of steps combine this way.
func (d *DFTFields) Merge(o *DFTFields) error {
	if d.Box != o.Box || len(d.Freqs) != len(o.Freqs) || len(d.Components) != len(o.Components) {
		return fmt.Errorf("monitor %s: cannot merge %s with a different layout", d.Name, o.Name)
	}
	for f := range d.Freqs {
		if d.Freqs[f] != o.Freqs[f] {
			return fmt.Errorf("monitor %s: frequency %d differs (%v vs %v)", d.Name, f, d.Freqs[f], o.Freqs[f])
		}
	}
	for comp, per := range d.sums {
		other, ok := o.sums[comp]
		if !ok {
			return fmt.Errorf("monitor %s: %s missing %s", d.Name, o.Name, comp)
		}
		for f := range per {
			for k := range per[f] {
				per[f][k] += other[f][k]
			}
		}
	}
	return nil
}
