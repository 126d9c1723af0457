// Package engine advances a Yee lattice with the explicit leapfrog update
// and feeds observers after every half step.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/grid"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/logger"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/utils"
)

const (
	DefaultExchangeTimeout = 10 * time.Second
	DefaultExchangeRetries = 3
)

// Observer is fed the fields after each half step. AfterH sees H^{k+½}
// and AfterE sees E^{k+1}.
type Observer interface {
	// Reset validates geometry against the grid and zeroes accumulators
	Reset(g *grid.Grid) error
	AfterH(k int, g *grid.Grid)
	AfterE(k int, g *grid.Grid)
}

// ProgressFunc receives the step count and total field energy
type ProgressFunc func(label string, steps int, energy float64)

// RunSpec describes one solver invocation
type RunSpec struct {
	Label       string
	Sources     []Source
	Observers   []Observer
	Termination Termination
}

// RunResult summarises a finished run
type RunResult struct {
	Steps    int
	Elapsed  time.Duration
	Energy   float64
	Warnings []*models.ConvergenceWarning
}

// Engine runs the time-domain solver on one grid. Runs are serialised.
type Engine struct {
	grid          *grid.Grid
	workers       int
	timeout       time.Duration
	backoff       utils.BackoffStrategy
	retries       int
	logger        *slog.Logger
	progress      ProgressFunc
	progressEvery int
	runs          atomic.Int64
	busy          atomic.Bool
	broken        atomic.Bool

	poolHook func(w int, ph phase)
}

// Option configures an Engine
type Option func(*Engine)

// WithWorkers sets the number of strip workers; values below 1 select GOMAXPROCS
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithLogger sets the engine's logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithExchangeTimeout sets how long the barrier waits before retrying
func WithExchangeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithRetryPolicy sets the backoff between barrier retries and their count
func WithRetryPolicy(b utils.BackoffStrategy, retries int) Option {
	return func(e *Engine) {
		e.backoff = b
		e.retries = retries
	}
}

// WithProgress reports progress every n steps
func WithProgress(every int, fn ProgressFunc) Option {
	return func(e *Engine) {
		e.progressEvery = every
		e.progress = fn
	}
}

// New creates an engine for g
func New(g *grid.Grid, opts ...Option) (*Engine, error) {
	if g == nil {
		return nil, models.NewConfigurationError("grid", "must not be nil")
	}
	e := &Engine{
		grid:    g,
		workers: 1,
		timeout: DefaultExchangeTimeout,
		backoff: utils.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, nil),
		retries: DefaultExchangeRetries,
		logger:  logger.Default,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers < 1 {
		e.workers = runtime.GOMAXPROCS(0)
	}
	if e.timeout <= 0 {
		return nil, models.NewConfigurationError("exchange_timeout", "must be positive, got %v", e.timeout)
	}
	if e.retries < 0 {
		return nil, models.NewConfigurationError("exchange_retries", "must not be negative, got %d", e.retries)
	}
	return e, nil
}

// Grid returns the lattice the engine advances
func (e *Engine) Grid() *grid.Grid { return e.grid }

// Workers returns the number of strip workers
func (e *Engine) Workers() int { return e.workers }

// Runs returns the number of completed solver invocations
func (e *Engine) Runs() int64 { return e.runs.Load() }

// SetProgress replaces the progress callback
func (e *Engine) SetProgress(every int, fn ProgressFunc) {
	e.progressEvery = every
	e.progress = fn
}

type boundSource struct {
	src    Source
	cells  []int
	coef   []float64
	field  []float64
	buffer []float64
}

func (e *Engine) bind(s Source) boundSource {
	g := e.grid
	b := boundSource{src: s, cells: s.Cells(), field: g.Field(s.Component())}
	switch s.Component() {
	case grid.Hx:
		b.coef = g.DBx
	case grid.Hy:
		b.coef = g.DBy
	default:
		b.coef = g.CB
	}
	b.buffer = make([]float64, len(b.cells))
	return b
}

func (b *boundSource) inject(k int, dt float64) {
	b.src.Amplitude(k, dt, b.buffer)
	for i, c := range b.cells {
		b.field[c] -= b.coef[c] * b.buffer[i]
	}
}

// Run zeroes the fields and advances them until the termination policy
// stops. Stability, geometry and policy errors are returned before the
// first step.
func (e *Engine) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("engine: run %q started while another run is active", spec.Label)
	}
	defer e.busy.Store(false)
	if e.broken.Load() {
		return nil, ErrEngineUnusable
	}

	g := e.grid
	if spec.Termination == nil {
		return nil, models.NewConfigurationError("termination", "run %q has no termination policy", spec.Label)
	}
	if err := g.CheckStability(); err != nil {
		return nil, err
	}
	var jSources, mSources []boundSource
	for _, s := range spec.Sources {
		if err := validateSource(g, s); err != nil {
			return nil, err
		}
		if s.Component() == grid.Ez {
			jSources = append(jSources, e.bind(s))
		} else {
			mSources = append(mSources, e.bind(s))
		}
	}
	stopper, err := spec.Termination.NewStopper(g)
	if err != nil {
		return nil, err
	}
	for _, o := range spec.Observers {
		if err := o.Reset(g); err != nil {
			return nil, err
		}
	}

	g.Reset()
	pool := newStripPool(g, e.workers, e.timeout, e.backoff, e.retries, e.logger)
	pool.hook = e.poolHook
	log := e.logger.With("run", spec.Label)
	defer func() {
		if !pool.close(e.timeout) {
			e.broken.Store(true)
			log.Error("Strip worker did not exit; engine disabled")
		}
	}()

	log.Debug("Starting solver run",
		"nx", g.Nx,
		"ny", g.Ny,
		"dt", g.Dt,
		"workers", len(pool.strips),
		"sources", len(spec.Sources))

	start := time.Now()
	steps := 0
	for k := 0; ; k++ {
		if err := ctx.Err(); err != nil {
			log.Info("Solver run cancelled", "steps", steps)
			return nil, err
		}

		if err := pool.run(phaseH); err != nil {
			return nil, err
		}
		for i := range mSources {
			mSources[i].inject(k, g.Dt)
		}
		for _, o := range spec.Observers {
			o.AfterH(k, g)
		}

		if err := pool.run(phaseE); err != nil {
			return nil, err
		}
		for i := range jSources {
			jSources[i].inject(k, g.Dt)
		}
		for _, o := range spec.Observers {
			o.AfterE(k, g)
		}

		steps = k + 1
		if e.progress != nil && e.progressEvery > 0 && steps%e.progressEvery == 0 {
			e.progress(spec.Label, steps, Energy(g))
		}
		if stopper.Stop(steps, g) {
			break
		}
	}

	res := &RunResult{Steps: steps, Elapsed: time.Since(start), Energy: Energy(g)}
	if w := stopper.Warning(steps); w != nil {
		log.Warn("Run stopped before fields decayed", "steps", steps, "decay", w.Decay, "threshold", w.Threshold)
		res.Warnings = append(res.Warnings, w)
	}
	if math.IsNaN(res.Energy) || math.IsInf(res.Energy, 0) {
		return nil, fmt.Errorf("engine: run %q diverged after %d steps", spec.Label, steps)
	}
	e.runs.Add(1)

	log.Info("Solver run completed",
		"steps", steps,
		"elapsed", res.Elapsed,
		"energy", res.Energy)
	return res, nil
}

// Energy returns ½Σ(εEz² + μ(Hx²+Hy²))·Δx²
func Energy(g *grid.Grid) float64 {
	sum := 0.0
	for c := range g.Ez {
		sum += g.Eps[c]*g.Ez[c]*g.Ez[c] + g.Mu[c]*(g.Hx[c]*g.Hx[c]+g.Hy[c]*g.Hy[c])
	}
	return 0.5 * sum * g.Dx * g.Dx
}
