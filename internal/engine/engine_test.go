package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/grid"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/utils"
)

func newTestGrid(t *testing.T, n int) *grid.Grid {
	t.Helper()
	g, err := grid.New(grid.Spec{Nx: n, Ny: n, Resolution: 10, Absorber: 8})
	if err != nil {
		t.Fatalf("grid.New: %v", err)
	}
	return g
}

func pointPulse(t *testing.T, g *grid.Grid) Source {
	t.Helper()
	src, err := NewPointSource(g, grid.Ez, g.Nx/2, g.Ny/2, GaussianPulse{Freq: 1, FWidth: 0.2})
	if err != nil {
		t.Fatalf("NewPointSource: %v", err)
	}
	return src
}

func TestNew(t *testing.T) {
	g := newTestGrid(t, 20)
	e, err := New(g, WithWorkers(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.Workers() != 3 {
		t.Errorf("Workers() = %d, want 3", e.Workers())
	}
	if e.Runs() != 0 {
		t.Errorf("Runs() = %d, want 0", e.Runs())
	}

	if _, err := New(nil); !models.IsConfigurationError(err) {
		t.Errorf("expected ConfigurationError for nil grid, got %v", err)
	}
	if _, err := New(g, WithExchangeTimeout(0)); !models.IsConfigurationError(err) {
		t.Errorf("expected ConfigurationError for zero timeout, got %v", err)
	}
}

func TestRunDeterministicAcrossWorkers(t *testing.T) {
	var fields [][]float64
	for _, workers := range []int{1, 2, 5} {
		g := newTestGrid(t, 31)
		e, err := New(g, WithWorkers(workers))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		res, err := e.Run(context.Background(), RunSpec{
			Label:       "determinism",
			Sources:     []Source{pointPulse(t, g)},
			Termination: FixedSteps(120),
		})
		if err != nil {
			t.Fatalf("Run with %d workers: %v", workers, err)
		}
		if res.Steps != 120 {
			t.Fatalf("Steps = %d, want 120", res.Steps)
		}
		snapshot := append(append(append([]float64{}, g.Ez...), g.Hx...), g.Hy...)
		fields = append(fields, snapshot)
	}

	for w := 1; w < len(fields); w++ {
		for i := range fields[0] {
			if fields[w][i] != fields[0][i] {
				t.Fatalf("worker layout %d differs at %d: %v vs %v", w, i, fields[w][i], fields[0][i])
			}
		}
	}
}

func TestRunRepeatable(t *testing.T) {
	g := newTestGrid(t, 25)
	e, _ := New(g, WithWorkers(2))
	spec := RunSpec{Sources: []Source{pointPulse(t, g)}, Termination: FixedSteps(60)}

	if _, err := e.Run(context.Background(), spec); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := append([]float64{}, g.Ez...)
	if _, err := e.Run(context.Background(), spec); err != nil {
		t.Fatalf("second run: %v", err)
	}
	for i := range first {
		if first[i] != g.Ez[i] {
			t.Fatalf("fields differ at %d after reuse", i)
		}
	}
	if e.Runs() != 2 {
		t.Errorf("Runs() = %d, want 2", e.Runs())
	}
}

func TestAbsorberRemovesEnergy(t *testing.T) {
	g := newTestGrid(t, 40)
	var peak float64
	e, _ := New(g, WithWorkers(2), WithProgress(1, func(_ string, _ int, energy float64) {
		peak = math.Max(peak, energy)
	}))
	res, err := e.Run(context.Background(), RunSpec{
		Sources:     []Source{pointPulse(t, g)},
		Termination: FixedSteps(600),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak == 0 {
		t.Fatal("no energy was injected")
	}
	if ratio := res.Energy / peak; ratio > 1e-2 {
		t.Errorf("energy left in grid = %.3g of peak, absorber is not absorbing", ratio)
	}
}

func TestRunStabilityError(t *testing.T) {
	g, err := grid.New(grid.Spec{Nx: 20, Ny: 20, Resolution: 10, Courant: 0.9})
	if err != nil {
		t.Fatalf("grid.New: %v", err)
	}
	e, _ := New(g)
	_, err = e.Run(context.Background(), RunSpec{Sources: []Source{pointPulse(t, g)}, Termination: FixedSteps(10)})
	if !models.IsStabilityError(err) {
		t.Fatalf("expected StabilityError, got %v", err)
	}
	if e.Runs() != 0 {
		t.Errorf("failed run should not be counted")
	}
}

func TestRunDomainErrors(t *testing.T) {
	g := newTestGrid(t, 20)
	e, _ := New(g)

	if _, err := NewPointSource(g, grid.Ez, 20, 3, ContinuousWave{Freq: 1}); !models.IsDomainError(err) {
		t.Errorf("expected DomainError from NewPointSource, got %v", err)
	}

	bad := &ProfileSource{Comp: grid.Ez, Indices: []int{g.Cells()}, Profile: []float64{1}, Envelope: ContinuousWave{Freq: 1}}
	_, err := e.Run(context.Background(), RunSpec{Sources: []Source{bad}, Termination: FixedSteps(5)})
	if !models.IsDomainError(err) {
		t.Errorf("expected DomainError, got %v", err)
	}

	_, err = e.Run(context.Background(), RunSpec{Termination: UntilDecayed{I: -1, J: 0, Interval: 10, MaxSteps: 100}})
	if !models.IsDomainError(err) {
		t.Errorf("expected DomainError for decay point, got %v", err)
	}

	_, err = e.Run(context.Background(), RunSpec{})
	if !models.IsConfigurationError(err) {
		t.Errorf("expected ConfigurationError without termination, got %v", err)
	}
}

func TestRunUntilDecayed(t *testing.T) {
	g := newTestGrid(t, 40)
	e, _ := New(g, WithWorkers(2))
	res, err := e.Run(context.Background(), RunSpec{
		Sources: []Source{pointPulse(t, g)},
		Termination: UntilDecayed{
			I: 20, J: 20, Component: grid.Ez,
			Interval: 20, DecayBy: 1e-2, MaxSteps: 4000,
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Steps >= 4000 {
		t.Errorf("run hit the step budget (%d steps)", res.Steps)
	}
	if res.Steps%20 != 0 {
		t.Errorf("decay run should stop on an interval boundary, got %d", res.Steps)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings[0])
	}
}

func TestRunConvergenceWarning(t *testing.T) {
	g := newTestGrid(t, 30)
	e, _ := New(g)
	res, err := e.Run(context.Background(), RunSpec{
		Sources:     []Source{pointPulse(t, g)},
		Termination: UntilDecayed{I: 15, J: 15, Interval: 10, MaxSteps: 50},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Steps != 50 {
		t.Errorf("Steps = %d, want 50", res.Steps)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].MaxSteps != 50 {
		t.Fatalf("expected one ConvergenceWarning, got %v", res.Warnings)
	}
}

func TestRunCancelled(t *testing.T) {
	g := newTestGrid(t, 20)
	e, _ := New(g, WithWorkers(2))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Run(ctx, RunSpec{Sources: []Source{pointPulse(t, g)}, Termination: FixedSteps(10)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// stallWorker blocks worker 1 until the returned release func runs
func stallWorker(t *testing.T) (func(w int, ph phase), func()) {
	t.Helper()
	release := make(chan struct{})
	var once sync.Once
	free := func() { once.Do(func() { close(release) }) }
	t.Cleanup(free)
	return func(w int, _ phase) {
		if w == 1 {
			<-release
		}
	}, free
}

func TestStripPoolTimeout(t *testing.T) {
	g := newTestGrid(t, 20)
	p := newStripPool(g, 2, time.Millisecond, utils.NewConstantBackoff(time.Millisecond), 1, discardLogger())
	hook, free := stallWorker(t)
	p.hook = hook

	if err := p.run(phaseH); !errors.Is(err, ErrWorkerTimeout) {
		t.Fatalf("expected ErrWorkerTimeout, got %v", err)
	}
	if p.close(10 * time.Millisecond) {
		t.Fatalf("expected close to report the stalled worker")
	}
	free()
	p.wg.Wait()
}

func TestStripPoolCloseWaitsForWorkers(t *testing.T) {
	g := newTestGrid(t, 20)
	p := newStripPool(g, 3, time.Second, utils.NewConstantBackoff(time.Millisecond), 0, discardLogger())
	if err := p.run(phaseH); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !p.close(time.Second) {
		t.Fatalf("expected idle workers to exit")
	}
}

func TestEngineUnusableAfterStuckWorker(t *testing.T) {
	g := newTestGrid(t, 20)
	e, err := New(g,
		WithWorkers(2),
		WithExchangeTimeout(time.Millisecond),
		WithRetryPolicy(utils.NewConstantBackoff(time.Millisecond), 0),
		WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hook, _ := stallWorker(t)
	e.poolHook = hook

	spec := RunSpec{Sources: []Source{pointPulse(t, g)}, Termination: FixedSteps(5)}
	if _, err := e.Run(context.Background(), spec); !errors.Is(err, ErrWorkerTimeout) {
		t.Fatalf("expected ErrWorkerTimeout, got %v", err)
	}
	if _, err := e.Run(context.Background(), spec); !errors.Is(err, ErrEngineUnusable) {
		t.Fatalf("expected ErrEngineUnusable on the next run, got %v", err)
	}
}

func TestPartition(t *testing.T) {
	parts := partition(10, 3)
	want := [][2]int{{0, 4}, {4, 7}, {7, 10}}
	for i := range want {
		if parts[i] != want[i] {
			t.Fatalf("partition(10,3) = %v, want %v", parts, want)
		}
	}
}
