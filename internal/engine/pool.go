package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/grid"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/utils"
)

// ErrWorkerTimeout is returned when a strip worker misses the phase
// barrier after every retry.
var ErrWorkerTimeout = errors.New("engine: strip worker did not reach the barrier in time")

// ErrEngineUnusable is returned by every run after a timed-out worker failed
// to exit, since it may still write into the grid.
var ErrEngineUnusable = errors.New("engine: a stuck strip worker still owns the grid")

type phase int

const (
	phaseH phase = iota
	phaseE
)

// stripPool splits the lattice into x-strips, one per worker. Each phase
// only writes its own strip and only reads neighbour fields that the phase
// does not write, so a barrier per phase is enough.
type stripPool struct {
	g       *grid.Grid
	strips  [][2]int
	cmds    []chan phase
	done    chan struct{}
	wg      sync.WaitGroup
	timeout time.Duration
	backoff utils.BackoffStrategy
	retries int
	logger  *slog.Logger

	// hook runs on worker w before its kernel; nil outside tests
	hook func(w int, ph phase)
}

func newStripPool(g *grid.Grid, workers int, timeout time.Duration, backoff utils.BackoffStrategy, retries int, logger *slog.Logger) *stripPool {
	if workers > g.Nx {
		workers = g.Nx
	}
	if workers < 1 {
		workers = 1
	}
	p := &stripPool{
		g:       g,
		strips:  partition(g.Nx, workers),
		timeout: timeout,
		backoff: backoff,
		retries: retries,
		logger:  logger,
	}
	if workers == 1 {
		return p
	}
	p.done = make(chan struct{}, workers)
	p.cmds = make([]chan phase, workers)
	for w := range p.cmds {
		p.cmds[w] = make(chan phase, 1)
		p.wg.Add(1)
		go p.work(w)
	}
	return p
}

// partition splits [0,n) into w contiguous ranges whose sizes differ by at most one
func partition(n, w int) [][2]int {
	out := make([][2]int, w)
	size, rem := n/w, n%w
	start := 0
	for k := 0; k < w; k++ {
		end := start + size
		if k < rem {
			end++
		}
		out[k] = [2]int{start, end}
		start = end
	}
	return out
}

func (p *stripPool) work(w int) {
	defer p.wg.Done()
	s := p.strips[w]
	for ph := range p.cmds[w] {
		if p.hook != nil {
			p.hook(w, ph)
		}
		p.kernel(ph, s[0], s[1])
		p.done <- struct{}{}
	}
}

func (p *stripPool) kernel(ph phase, i0, i1 int) {
	if ph == phaseH {
		updateH(p.g, i0, i1)
	} else {
		updateE(p.g, i0, i1)
	}
}

// run executes one phase on every strip and waits at the barrier
func (p *stripPool) run(ph phase) error {
	if p.cmds == nil {
		p.kernel(ph, 0, p.g.Nx)
		return nil
	}
	for _, c := range p.cmds {
		c <- ph
	}

	pending := len(p.cmds)
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	attempt := 0
	for pending > 0 {
		select {
		case <-p.done:
			pending--
		case <-timer.C:
			if attempt >= p.retries {
				p.logger.Error("Strip workers missed barrier", "pending", pending, "attempts", attempt)
				return ErrWorkerTimeout
			}
			attempt++
			wait := p.backoff.NextDelay(attempt)
			p.logger.Warn("Waiting for strip workers",
				"pending", pending,
				"attempt", attempt,
				"wait", wait)
			timer.Reset(wait)
		}
	}
	return nil
}

// close stops the workers and waits up to wait for them to exit. It
// reports false if a worker is still running, which can only happen after
// a barrier timeout. done is buffered so a late worker never blocks.
func (p *stripPool) close(wait time.Duration) bool {
	for _, c := range p.cmds {
		close(c)
	}
	exited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(exited)
	}()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-exited:
		return true
	case <-timer.C:
		return false
	}
}

func updateH(g *grid.Grid, i0, i1 int) {
	ny := g.Ny
	inv := 1 / g.Dx
	last := g.Nx - 1
	for i := i0; i < i1; i++ {
		row := i * ny
		for j := 0; j < ny; j++ {
			c := row + j
			e := g.Ez[c]
			up := 0.0
			if j < ny-1 {
				up = g.Ez[c+1]
			}
			right := 0.0
			if i < last {
				right = g.Ez[c+ny]
			}
			g.Hx[c] = g.DAx[c]*g.Hx[c] - g.DBx[c]*((up-e)*inv)
			g.Hy[c] = g.DAy[c]*g.Hy[c] + g.DBy[c]*((right-e)*inv)
		}
	}
}

func updateE(g *grid.Grid, i0, i1 int) {
	ny := g.Ny
	inv := 1 / g.Dx
	for i := i0; i < i1; i++ {
		row := i * ny
		for j := 0; j < ny; j++ {
			c := row + j
			left := 0.0
			if i > 0 {
				left = g.Hy[c-ny]
			}
			down := 0.0
			if j > 0 {
				down = g.Hx[c-1]
			}
			curl := (g.Hy[c]-left)*inv - (g.Hx[c]-down)*inv
			g.Ez[c] = g.CA[c]*g.Ez[c] + g.CB[c]*curl
		}
	}
}
