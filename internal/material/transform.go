package material

import (
	"fmt"
	"math"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
)

// Shape is the size of a design parameter grid, stored x-major
type Shape struct {
	Nx, Ny int
}

// Len returns Nx·Ny
func (s Shape) Len() int { return s.Nx * s.Ny }

func (s Shape) index(a, b int) int { return a*s.Ny + b }

// Transform is a differentiable map on design parameters
type Transform interface {
	Name() string
	Validate(s Shape) error
	Apply(s Shape, p []float64) []float64
	// VJP pulls g back through the transform evaluated at p
	VJP(s Shape, p, g []float64) []float64
}

// symmetrize averages every parameter over the orbit produced by maps.
// The operator is symmetric, so its VJP is itself.
func symmetrize(s Shape, p []float64, maps []func(a, b int) (int, int)) []float64 {
	out := make([]float64, len(p))
	w := 1 / float64(len(maps)+1)
	for a := 0; a < s.Nx; a++ {
		for b := 0; b < s.Ny; b++ {
			sum := p[s.index(a, b)]
			for _, m := range maps {
				ma, mb := m(a, b)
				sum += p[s.index(ma, mb)]
			}
			out[s.index(a, b)] = sum * w
		}
	}
	return out
}

// MirrorX makes the design symmetric under a → Nx−1−a
type MirrorX struct{}

func (MirrorX) Name() string { return "mirror_x" }

func (MirrorX) Validate(Shape) error { return nil }

func (MirrorX) maps(s Shape) []func(a, b int) (int, int) {
	return []func(a, b int) (int, int){func(a, b int) (int, int) { return s.Nx - 1 - a, b }}
}

func (m MirrorX) Apply(s Shape, p []float64) []float64 { return symmetrize(s, p, m.maps(s)) }

func (m MirrorX) VJP(s Shape, _ []float64, g []float64) []float64 { return symmetrize(s, g, m.maps(s)) }

// MirrorY makes the design symmetric under b → Ny−1−b
type MirrorY struct{}

func (MirrorY) Name() string { return "mirror_y" }

func (MirrorY) Validate(Shape) error { return nil }

func (MirrorY) maps(s Shape) []func(a, b int) (int, int) {
	return []func(a, b int) (int, int){func(a, b int) (int, int) { return a, s.Ny - 1 - b }}
}

func (m MirrorY) Apply(s Shape, p []float64) []float64 { return symmetrize(s, p, m.maps(s)) }

func (m MirrorY) VJP(s Shape, _ []float64, g []float64) []float64 { return symmetrize(s, g, m.maps(s)) }

// Rotate180 makes the design invariant under a half turn
type Rotate180 struct{}

func (Rotate180) Name() string { return "rotate_180" }

func (Rotate180) Validate(Shape) error { return nil }

func (Rotate180) maps(s Shape) []func(a, b int) (int, int) {
	return []func(a, b int) (int, int){func(a, b int) (int, int) { return s.Nx - 1 - a, s.Ny - 1 - b }}
}

func (r Rotate180) Apply(s Shape, p []float64) []float64 { return symmetrize(s, p, r.maps(s)) }

func (r Rotate180) VJP(s Shape, _ []float64, g []float64) []float64 { return symmetrize(s, g, r.maps(s)) }

// Rotate90 makes a square design invariant under quarter turns
type Rotate90 struct{}

func (Rotate90) Name() string { return "rotate_90" }

func (Rotate90) Validate(s Shape) error {
	if s.Nx != s.Ny {
		return models.NewConfigurationError("transforms", "rotate_90 needs a square design grid, got %dx%d", s.Nx, s.Ny)
	}
	return nil
}

func (Rotate90) maps(s Shape) []func(a, b int) (int, int) {
	n := s.Nx - 1
	return []func(a, b int) (int, int){
		func(a, b int) (int, int) { return b, n - a },
		func(a, b int) (int, int) { return n - a, n - b },
		func(a, b int) (int, int) { return n - b, a },
	}
}

func (r Rotate90) Apply(s Shape, p []float64) []float64 { return symmetrize(s, p, r.maps(s)) }

func (r Rotate90) VJP(s Shape, _ []float64, g []float64) []float64 { return symmetrize(s, g, r.maps(s)) }

// TanhProjection pushes parameters towards 0 or 1 around threshold Eta
// with steepness Beta.
type TanhProjection struct {
	Beta float64
	Eta  float64
}

func (t TanhProjection) Name() string { return fmt.Sprintf("tanh(beta=%g,eta=%g)", t.Beta, t.Eta) }

func (t TanhProjection) Validate(Shape) error {
	if !(t.Beta > 0) {
		return models.NewConfigurationError("transforms.beta", "must be positive, got %v", t.Beta)
	}
	if t.Eta < 0 || t.Eta > 1 {
		return models.NewConfigurationError("transforms.eta", "must be in [0,1], got %v", t.Eta)
	}
	return nil
}

func (t TanhProjection) denom() float64 {
	return math.Tanh(t.Beta*t.Eta) + math.Tanh(t.Beta*(1-t.Eta))
}

func (t TanhProjection) Apply(_ Shape, p []float64) []float64 {
	out := make([]float64, len(p))
	d := t.denom()
	off := math.Tanh(t.Beta * t.Eta)
	for i, v := range p {
		out[i] = (off + math.Tanh(t.Beta*(v-t.Eta))) / d
	}
	return out
}

func (t TanhProjection) VJP(_ Shape, p, g []float64) []float64 {
	out := make([]float64, len(p))
	d := t.denom()
	for i, v := range p {
		c := math.Cosh(t.Beta * (v - t.Eta))
		out[i] = g[i] * t.Beta / (c * c * d)
	}
	return out
}

// Pipeline composes transforms left to right
type Pipeline []Transform

func (pl Pipeline) Validate(s Shape) error {
	for _, t := range pl {
		if err := t.Validate(s); err != nil {
			return err
		}
	}
	return nil
}

func (pl Pipeline) rotates() bool {
	for _, t := range pl {
		switch t.(type) {
		case Rotate90, *Rotate90:
			return true
		}
	}
	return false
}

// forward returns the inputs of every stage and the final output
func (pl Pipeline) forward(s Shape, p []float64) ([][]float64, []float64) {
	inputs := make([][]float64, len(pl))
	cur := p
	for k, t := range pl {
		inputs[k] = cur
		cur = t.Apply(s, cur)
	}
	return inputs, cur
}

// Apply runs every transform in order
func (pl Pipeline) Apply(s Shape, p []float64) []float64 {
	_, out := pl.forward(s, p)
	return out
}

func (pl Pipeline) vjp(s Shape, inputs [][]float64, g []float64) []float64 {
	for k := len(pl) - 1; k >= 0; k-- {
		g = pl[k].VJP(s, inputs[k], g)
	}
	return g
}
