package monitor

import (
	"fmt"
	"math"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/engine"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/grid"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
)

// PhasorTerm is the adjoint excitation of one component at one frequency:
// Amp[c] = Σ_v w_v·∂α_v/∂F̂[c] over the quantity's values.
type PhasorTerm struct {
	Component grid.Component
	Cells     []int
	Omega     float64
	Amp       []complex128
}

// Quantity is a linear functional of DFT fields
type Quantity interface {
	engine.Observer
	Name() string
	Frequencies() []float64
	// Values returns the quantity after a run
	Values() []complex128
	// AdjointTerms folds one weight per value into source phasors
	AdjointTerms(weights []complex128) ([]PhasorTerm, error)
	// Footprint is the cell box the quantity reads
	Footprint() grid.Box
}

// Direction selects the forward (+) or backward (−) travelling amplitude
type Direction int

const (
	Forward  Direction = 1
	Backward Direction = -1
)

// ParseDirection accepts "+", "forward", "-" or "backward"
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "+", "forward", "":
		return Forward, nil
	case "-", "backward":
		return Backward, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// EigenmodeCoefficient is α± = ½(E·Em/(Em·Em) ± H·Hm/(Hm·Hm)) per
// frequency. The tangential H sits half a cell past the line, so E is
// averaged over the line and its downstream neighbour.
type EigenmodeCoefficient struct {
	name      string
	Line      Line
	Freqs     []float64
	ModeIndex int
	Direction Direction

	dft   *DFTFields
	next  *DFTFields
	modes []*Mode
	gE    [][]float64
	gH    [][]float64
}

var _ Quantity = (*EigenmodeCoefficient)(nil)

// NewEigenmodeCoefficient builds a mode overlap monitor
func NewEigenmodeCoefficient(name string, l Line, freqs []float64, mode int, dir Direction) (*EigenmodeCoefficient, error) {
	if l.Len() < 2 {
		return nil, models.NewConfigurationError("monitor", "%s: line needs at least 2 cells", name)
	}
	if dir != Forward && dir != Backward {
		return nil, models.NewConfigurationError("monitor", "%s: direction must be ±1", name)
	}
	dft, err := NewDFTFields(name, l.Box(), []grid.Component{grid.Ez, l.Tangential()}, freqs)
	if err != nil {
		return nil, err
	}
	shifted := l
	shifted.Pos++
	next, err := NewDFTFields(name+"+1", shifted.Box(), []grid.Component{grid.Ez}, freqs)
	if err != nil {
		return nil, err
	}
	return &EigenmodeCoefficient{name: name, Line: l, Freqs: freqs, ModeIndex: mode, Direction: dir, dft: dft, next: next}, nil
}

func (q *EigenmodeCoefficient) Name() string { return q.name }

func (q *EigenmodeCoefficient) Frequencies() []float64 { return q.Freqs }

// Footprint covers the line and its downstream neighbour
func (q *EigenmodeCoefficient) Footprint() grid.Box {
	b := q.Line.Box()
	if q.Line.Normal == AxisY {
		b.J1++
	} else {
		b.I1++
	}
	return b
}

// Modes returns the profiles solved at the last Reset
func (q *EigenmodeCoefficient) Modes() []*Mode { return q.modes }

// Reset solves the mode profiles from the current materials and zeroes the sums
func (q *EigenmodeCoefficient) Reset(g *grid.Grid) error {
	if err := q.dft.Reset(g); err != nil {
		return err
	}
	if err := q.next.Reset(g); err != nil {
		return err
	}
	q.modes = make([]*Mode, len(q.Freqs))
	q.gE = make([][]float64, len(q.Freqs))
	q.gH = make([][]float64, len(q.Freqs))
	sign := float64(q.Direction)
	for f, freq := range q.Freqs {
		m, err := SolveModeOnGrid(g, q.Line, 2*math.Pi*freq, q.ModeIndex)
		if err != nil {
			return fmt.Errorf("monitor %s: %w", q.name, err)
		}
		q.modes[f] = m
		q.gE[f] = overlapWeights(m.E, 0.5)
		q.gH[f] = overlapWeights(m.H, 0.5*sign)
	}
	return nil
}

func overlapWeights(profile []float64, scale float64) []float64 {
	norm := 0.0
	for _, v := range profile {
		norm += v * v
	}
	out := make([]float64, len(profile))
	for i, v := range profile {
		out[i] = scale * v / norm
	}
	return out
}

func (q *EigenmodeCoefficient) AfterH(k int, g *grid.Grid) { q.dft.AfterH(k, g) }

func (q *EigenmodeCoefficient) AfterE(k int, g *grid.Grid) {
	q.dft.AfterE(k, g)
	q.next.AfterE(k, g)
}

func (q *EigenmodeCoefficient) Values() []complex128 {
	out := make([]complex128, len(q.Freqs))
	ht := q.Line.Tangential()
	for f := range q.Freqs {
		e0 := q.dft.Get(grid.Ez, f)
		e1 := q.next.Get(grid.Ez, f)
		h := q.dft.Get(ht, f)
		var a complex128
		for c := range e0 {
			a += complex(q.gE[f][c]/2, 0)*(e0[c]+e1[c]) + complex(q.gH[f][c], 0)*h[c]
		}
		out[f] = a
	}
	return out
}

func (q *EigenmodeCoefficient) AdjointTerms(w []complex128) ([]PhasorTerm, error) {
	if len(w) != len(q.Freqs) {
		return nil, &models.DimensionMismatch{What: "weights of " + q.name, Got: len(w), Want: len(q.Freqs)}
	}
	terms := make([]PhasorTerm, 0, 3*len(w))
	for f, wf := range w {
		if wf == 0 {
			continue
		}
		omega := 2 * math.Pi * q.Freqs[f]
		half := scaled(q.gE[f], wf/2)
		terms = append(terms,
			PhasorTerm{Component: grid.Ez, Cells: q.dft.Cells(), Omega: omega, Amp: half},
			PhasorTerm{Component: grid.Ez, Cells: q.next.Cells(), Omega: omega, Amp: half},
			PhasorTerm{Component: q.Line.Tangential(), Cells: q.dft.Cells(), Omega: omega, Amp: scaled(q.gH[f], wf)},
		)
	}
	return terms, nil
}

func scaled(v []float64, w complex128) []complex128 {
	out := make([]complex128, len(v))
	for i, x := range v {
		out[i] = w * complex(x, 0)
	}
	return out
}

// FourierFields exposes the raw Ez transform of a box, frequency-major:
// value f·len(cells)+c is Ê at cell c and frequency f.
type FourierFields struct {
	name string
	dft  *DFTFields
}

var _ Quantity = (*FourierFields)(nil)

// NewFourierFields builds an Ez DFT quantity over a box
func NewFourierFields(name string, box grid.Box, freqs []float64) (*FourierFields, error) {
	dft, err := NewDFTFields(name, box, []grid.Component{grid.Ez}, freqs)
	if err != nil {
		return nil, err
	}
	return &FourierFields{name: name, dft: dft}, nil
}

func (q *FourierFields) Name() string { return q.name }

func (q *FourierFields) Frequencies() []float64 { return q.dft.Freqs }

func (q *FourierFields) Footprint() grid.Box { return q.dft.Box }

func (q *FourierFields) Reset(g *grid.Grid) error { return q.dft.Reset(g) }

func (q *FourierFields) AfterH(k int, g *grid.Grid) { q.dft.AfterH(k, g) }

func (q *FourierFields) AfterE(k int, g *grid.Grid) { q.dft.AfterE(k, g) }

func (q *FourierFields) Values() []complex128 {
	n := len(q.dft.Cells())
	out := make([]complex128, 0, n*len(q.dft.Freqs))
	for f := range q.dft.Freqs {
		out = append(out, q.dft.Get(grid.Ez, f)...)
	}
	return out
}

func (q *FourierFields) AdjointTerms(w []complex128) ([]PhasorTerm, error) {
	cells := q.dft.Cells()
	n := len(cells)
	if len(w) != n*len(q.dft.Freqs) {
		return nil, &models.DimensionMismatch{What: "weights of " + q.name, Got: len(w), Want: n * len(q.dft.Freqs)}
	}
	terms := make([]PhasorTerm, 0, len(q.dft.Freqs))
	for f, freq := range q.dft.Freqs {
		amp := append([]complex128(nil), w[f*n:(f+1)*n]...)
		terms = append(terms, PhasorTerm{Component: grid.Ez, Cells: cells, Omega: 2 * math.Pi * freq, Amp: amp})
	}
	return terms, nil
}
