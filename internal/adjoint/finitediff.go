package adjoint

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/utils"
)

// DefaultFDStep is the parameter perturbation used when none is given
const DefaultFDStep = 1e-3

// FDOptions controls a finite-difference check
type FDOptions struct {
	// Indices to perturb; when empty Samples indices are drawn from Rand
	Indices []int
	Samples int
	Step    float64
	Central bool
	Rand    *utils.RandSource
}

// FDResult holds finite-difference slopes for a subset of parameters
type FDResult struct {
	Indices []int
	Slopes  []float64
	// Runs is the number of forward runs spent
	Runs int
}

// FiniteDifference estimates ∂f/∂p_i by perturbing individual parameters.
// Central differences fall back to a one-sided step when p_i ± h would
// leave [0,1]. The design is restored to params afterwards.
func (p *Problem) FiniteDifference(ctx context.Context, params []float64, opts FDOptions) (*FDResult, error) {
	n := p.NumParams()
	if len(params) != n {
		return nil, &models.DimensionMismatch{What: "design parameters", Got: len(params), Want: n}
	}
	h := opts.Step
	if h == 0 {
		h = DefaultFDStep
	}
	if !(h > 0 && h < 0.5) {
		return nil, models.NewConfigurationError("fd.step", "must be in (0, 0.5), got %v", h)
	}

	indices := opts.Indices
	if len(indices) == 0 {
		if opts.Rand == nil {
			return nil, models.NewConfigurationError("fd.rand", "a random source is required to sample indices")
		}
		if opts.Samples <= 0 {
			return nil, models.NewConfigurationError("fd.samples", "must be positive, got %d", opts.Samples)
		}
		indices = opts.Rand.SampleIndices(n, opts.Samples)
	}
	for _, i := range indices {
		if i < 0 || i >= n {
			return nil, &models.DimensionMismatch{What: fmt.Sprintf("parameter index %d", i), Got: i, Want: n}
		}
	}

	res := &FDResult{Indices: append([]int(nil), indices...), Slopes: make([]float64, len(indices))}
	eval := func(x []float64) (float64, error) {
		f, _, err := p.Value(ctx, x)
		if err == nil {
			res.Runs++
		}
		return f, err
	}

	var (
		f0     float64
		haveF0 bool
	)
	base := func() (float64, error) {
		if haveF0 {
			return f0, nil
		}
		v, err := eval(params)
		if err != nil {
			return 0, err
		}
		f0, haveF0 = v, true
		return f0, nil
	}

	restored := false
	defer func() {
		if restored {
			return
		}
		if err := p.region.Apply(p.grid, params); err != nil {
			p.logger.Warn("failed to restore design after finite-difference error", "error", err)
		}
	}()

	x := append([]float64(nil), params...)
	for k, i := range indices {
		up := params[i]+h <= 1
		down := params[i]-h >= 0
		var slope float64
		switch {
		case opts.Central && up && down:
			x[i] = params[i] + h
			fp, err := eval(x)
			if err != nil {
				return nil, err
			}
			x[i] = params[i] - h
			fm, err := eval(x)
			if err != nil {
				return nil, err
			}
			slope = (fp - fm) / (2 * h)
		case up:
			fb, err := base()
			if err != nil {
				return nil, err
			}
			x[i] = params[i] + h
			fp, err := eval(x)
			if err != nil {
				return nil, err
			}
			slope = (fp - fb) / h
		default:
			fb, err := base()
			if err != nil {
				return nil, err
			}
			x[i] = params[i] - h
			fm, err := eval(x)
			if err != nil {
				return nil, err
			}
			slope = (fb - fm) / h
		}
		x[i] = params[i]
		res.Slopes[k] = slope
	}

	restored = true
	if err := p.region.Apply(p.grid, params); err != nil {
		return nil, err
	}
	return res, nil
}

// Comparison summarises agreement between adjoint and finite-difference slopes
type Comparison struct {
	// Slope and Intercept fit adjoint = Intercept + Slope·fd
	Slope       float64
	Intercept   float64
	MaxRelError float64
}

// CompareGradients fits the adjoint derivatives against the finite
// differences by least squares and reports the worst relative error.
func CompareGradients(adj, fd []float64) (Comparison, error) {
	if len(adj) != len(fd) {
		return Comparison{}, &models.DimensionMismatch{What: "adjoint samples", Got: len(adj), Want: len(fd)}
	}
	if len(fd) < 2 {
		return Comparison{}, fmt.Errorf("need at least 2 samples to fit, got %d", len(fd))
	}
	scale := math.Max(utils.MaxAbs(adj), utils.MaxAbs(fd))
	c := Comparison{}
	for i := range adj {
		c.MaxRelError = math.Max(c.MaxRelError, utils.RelativeError(adj[i], fd[i], 1e-3*scale))
	}
	if stat.Variance(fd, nil) == 0 {
		return c, fmt.Errorf("finite differences are constant, slope is undefined")
	}
	c.Intercept, c.Slope = stat.LinearRegression(fd, adj, nil, false)
	return c, nil
}

// Pick returns the entries of v at the given indices
func Pick(v []float64, indices []int) []float64 {
	out := make([]float64, len(indices))
	for k, i := range indices {
		out[k] = v[i]
	}
	return out
}
