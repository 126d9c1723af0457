package adjoint

import (
	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/grid"
)

// history stores Ez on the design cells at every integer step E^0..E^N
type history struct {
	cells []int
	steps [][]float64
}

func (h *history) Reset(g *grid.Grid) error {
	h.steps = h.steps[:0]
	h.steps = append(h.steps, make([]float64, len(h.cells)))
	return nil
}

func (h *history) AfterH(int, *grid.Grid) {}

func (h *history) AfterE(_ int, g *grid.Grid) {
	row := make([]float64, len(h.cells))
	for k, c := range h.cells {
		row[k] = g.Ez[c]
	}
	h.steps = append(h.steps, row)
}

// correlator accumulates ∂f/∂ε on the design cells during the adjoint run.
// The adjoint field after update k is CB·λ at forward step n+1 = N−k, and
// each forward step contributes λ·(∂CA·E^n + ∂CB·(E^{n+1} − CA·E^n)/CB).
type correlator struct {
	cells []int
	hist  *history
	total int

	ca, cb, dca, dcb []float64
	grad             []float64
}

func newCorrelator(g *grid.Grid, cells []int, hist *history) *correlator {
	n := len(cells)
	c := &correlator{
		cells: cells,
		hist:  hist,
		total: len(hist.steps) - 1,
		ca:    make([]float64, n),
		cb:    make([]float64, n),
		dca:   make([]float64, n),
		dcb:   make([]float64, n),
		grad:  make([]float64, n),
	}
	for k, cell := range cells {
		c.ca[k], c.cb[k] = g.CA[cell], g.CB[cell]
		c.dca[k], c.dcb[k] = g.CoefficientDerivatives(cell)
	}
	return c
}

func (c *correlator) Reset(*grid.Grid) error {
	clear(c.grad)
	return nil
}

func (c *correlator) AfterH(int, *grid.Grid) {}

func (c *correlator) AfterE(k int, g *grid.Grid) {
	n := c.total - 1 - k
	if n < 0 {
		return
	}
	en, en1 := c.hist.steps[n], c.hist.steps[n+1]
	for i, cell := range c.cells {
		a := g.Ez[cell]
		if a == 0 {
			continue
		}
		cb := c.cb[i]
		s := c.dca[i]*en[i] + c.dcb[i]*(en1[i]-c.ca[i]*en[i])/cb
		c.grad[i] += a / cb * s
	}
}
