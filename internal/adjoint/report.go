package adjoint

import (
	"context"
	"fmt"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
)

// Report converts the result into its serialisable form
func (r *Result) Report() *models.GradientReport {
	rep := &models.GradientReport{
		Objective:    r.Value,
		Coefficients: make([]models.Complex, len(r.Values)),
		Gradient:     append([]float64(nil), r.Gradient...),
		SolverRuns:   r.SolverRuns,
		Steps:        r.Steps,
	}
	for i, v := range r.Values {
		rep.Coefficients[i] = models.FromComplex(v)
	}
	for _, w := range r.Warnings {
		rep.Warnings = append(rep.Warnings, w.Error())
	}
	return rep
}

// CheckGradient evaluates the adjoint gradient at params and compares it
// against finite differences on the parameters chosen by opts.
func (p *Problem) CheckGradient(ctx context.Context, params []float64, opts FDOptions) (*models.FDReport, error) {
	res, err := p.ValueAndGradient(ctx, params)
	if err != nil {
		return nil, err
	}
	fd, err := p.FiniteDifference(ctx, params, opts)
	if err != nil {
		return nil, fmt.Errorf("finite differences: %w", err)
	}
	adj := Pick(res.Gradient, fd.Indices)
	cmp, err := CompareGradients(adj, fd.Slopes)
	if err != nil {
		return nil, err
	}

	rep := &models.FDReport{
		Indices:     fd.Indices,
		Adjoint:     adj,
		Finite:      fd.Slopes,
		Slope:       cmp.Slope,
		Intercept:   cmp.Intercept,
		MaxRelError: cmp.MaxRelError,
		ExtraRuns:   fd.Runs,
		Gradient:    res.Report(),
	}
	if opts.Rand != nil && len(opts.Indices) == 0 {
		rep.Seed = opts.Rand.Seed()
	}
	return rep, nil
}
