package monitor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/engine"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/grid"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
)

// Axis is the normal direction of a monitor line
type Axis int

const (
	AxisX Axis = iota
	AxisY
)

func (a Axis) String() string {
	if a == AxisY {
		return "y"
	}
	return "x"
}

// ParseAxis accepts "x" or "y"
func ParseAxis(s string) (Axis, error) {
	switch s {
	case "x", "X":
		return AxisX, nil
	case "y", "Y":
		return AxisY, nil
	}
	return 0, fmt.Errorf("unknown axis %q", s)
}

// Line is a row of cells normal to an axis: cells (Pos, From..To−1) for an
// x-normal line and (From..To−1, Pos) for a y-normal one.
type Line struct {
	Normal   Axis
	Pos      int
	From, To int
}

// Box returns the cells covered by the line
func (l Line) Box() grid.Box {
	if l.Normal == AxisY {
		return grid.Box{I0: l.From, J0: l.Pos, I1: l.To, J1: l.Pos + 1}
	}
	return grid.Box{I0: l.Pos, J0: l.From, I1: l.Pos + 1, J1: l.To}
}

// Len returns the number of cells along the line
func (l Line) Len() int { return l.To - l.From }

// Tangential returns the H component tangential to the line
func (l Line) Tangential() grid.Component {
	if l.Normal == AxisY {
		return grid.Hx
	}
	return grid.Hy
}

// Mode is a guided eigenmode profile along a line, normalised to unit power
type Mode struct {
	Index int
	Omega float64
	Beta  float64
	E     []float64
	H     []float64
}

// SolveMode finds mode m of (ω²με − DᵀD/dℓ²)E = β²E along a line with
// zero field beyond both ends. Mode 0 is the most confined.
func SolveMode(l Line, eps, mu []float64, dl, omega float64, m int) (*Mode, error) {
	n := len(eps)
	if n < 2 || len(mu) != n {
		return nil, &models.DimensionMismatch{What: "mode solver materials", Got: len(mu), Want: n}
	}
	if m < 0 || m >= n {
		return nil, models.NewConfigurationError("mode", "index %d out of range for %d cells", m, n)
	}

	inv := 1 / (dl * dl)
	a := mat.NewSymDense(n, nil)
	for j := 0; j < n; j++ {
		a.SetSym(j, j, omega*omega*mu[j]*eps[j]-2*inv)
		if j+1 < n {
			a.SetSym(j, j+1, inv)
		}
	}

	var es mat.EigenSym
	if ok := es.Factorize(a, true); !ok {
		return nil, fmt.Errorf("mode solver: eigendecomposition did not converge")
	}
	values := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	col := n - 1 - m
	beta2 := values[col]
	if beta2 <= 0 {
		return nil, models.NewConfigurationError("mode", "mode %d is cut off at ω=%.4g (β²=%.4g)", m, omega, beta2)
	}
	beta := math.Sqrt(beta2)

	e := mat.Col(nil, col, &vecs)
	// fix the sign so the largest lobe is positive
	if e[floats.MaxIdx(absAll(e))] < 0 {
		floats.Scale(-1, e)
	}

	h := make([]float64, n)
	power := 0.0
	for j := range e {
		z := beta / (omega * mu[j])
		power += 0.5 * e[j] * e[j] * z * dl
		h[j] = z * e[j]
	}
	scale := 1 / math.Sqrt(power)
	floats.Scale(scale, e)
	floats.Scale(scale, h)
	// forward-travelling waves: Hy = −β/(ωμ)Ez along x, Hx = +β/(ωμ)Ez along y
	if l.Normal == AxisX {
		floats.Scale(-1, h)
	}

	return &Mode{Index: m, Omega: omega, Beta: beta, E: e, H: h}, nil
}

func absAll(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = math.Abs(x)
	}
	return out
}

// lineMaterials extracts ε and μ along a line
func lineMaterials(g *grid.Grid, l Line) ([]float64, []float64) {
	cells := g.Indices(l.Box())
	eps := make([]float64, len(cells))
	mu := make([]float64, len(cells))
	for k, c := range cells {
		eps[k] = g.Eps[c]
		mu[k] = g.Mu[c]
	}
	return eps, mu
}

// SolveModeOnGrid solves for a mode using the current lattice materials
func SolveModeOnGrid(g *grid.Grid, l Line, omega float64, m int) (*Mode, error) {
	if !l.Box().Within(g.Nx, g.Ny) {
		return nil, &models.DomainError{Object: "mode line", Reason: fmt.Sprintf("%v outside %dx%d grid", l.Box(), g.Nx, g.Ny)}
	}
	eps, mu := lineMaterials(g, l)
	return SolveMode(l, eps, mu, g.Dx, omega, m)
}

// NewModeSource launches mode m along a line as an Ez current whose spatial
// profile is the mode solved at the envelope's centre frequency
func NewModeSource(g *grid.Grid, l Line, m int, env engine.TimeProfile) (*engine.ProfileSource, error) {
	mode, err := SolveModeOnGrid(g, l, 2*math.Pi*env.Frequency(), m)
	if err != nil {
		return nil, err
	}
	return &engine.ProfileSource{
		Comp:     grid.Ez,
		Indices:  g.Indices(l.Box()),
		Profile:  mode.E,
		Envelope: env,
	}, nil
}
