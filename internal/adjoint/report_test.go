package adjoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/utils"
)

func TestCheckGradientReport(t *testing.T) {
	p := newPointProblem(t, setup{})
	params := utils.NewRandSource(11).UniformVector(9, 0.2, 0.8)

	before := p.Engine().Runs()
	rep, err := p.CheckGradient(context.Background(), params, FDOptions{Samples: 4, Central: true, Step: 1e-3, Rand: utils.NewRandSource(5)})
	require.NoError(t, err)

	assert.Len(t, rep.Indices, 4)
	assert.Equal(t, int64(5), rep.Seed)
	assert.Equal(t, 8, rep.ExtraRuns, "two forward runs per central sample")
	assert.Equal(t, int64(2+rep.ExtraRuns), p.Engine().Runs()-before)
	assert.InDelta(t, 1.0, rep.Slope, 1e-3)
	assert.Less(t, rep.MaxRelError, 1e-3)

	require.NotNil(t, rep.Gradient)
	assert.Equal(t, 2, rep.Gradient.SolverRuns)
	assert.Len(t, rep.Gradient.Gradient, 9)
	assert.NotEmpty(t, rep.Gradient.Coefficients)
	for k, i := range rep.Indices {
		assert.Equal(t, rep.Gradient.Gradient[i], rep.Adjoint[k])
	}
}

func TestResultReportCopiesGradient(t *testing.T) {
	r := &Result{Value: 1.5, Values: []complex128{complex(3, 4)}, Gradient: []float64{1, 2}, SolverRuns: 2, Steps: 10}
	rep := r.Report()
	rep.Gradient[0] = 99
	assert.Equal(t, 1.0, r.Gradient[0])
	assert.Equal(t, 5.0, rep.Coefficients[0].Abs())
	assert.Empty(t, rep.Warnings)
}
