package adjoint

import (
	"fmt"
	"math"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/autodiff"
)

// Objective maps the monitored complex values to a real figure of merit.
// The returned gradient holds ∂f/∂Re α + i·∂f/∂Im α for every value.
type Objective interface {
	Evaluate(values []complex128) (float64, []complex128, error)
}

// ObjectiveFunc adapts a closed-form function
type ObjectiveFunc func(values []complex128) (float64, []complex128, error)

func (f ObjectiveFunc) Evaluate(values []complex128) (float64, []complex128, error) {
	return f(values)
}

// TapeObjective builds the objective on an autodiff tape and differentiates it
type TapeObjective func(t *autodiff.Tape, in []autodiff.Var) autodiff.Var

func (o TapeObjective) Evaluate(values []complex128) (float64, []complex128, error) {
	t := autodiff.New()
	out := o(t, t.Inputs(values))
	grads, err := t.Gradient(out)
	if err != nil {
		return 0, nil, err
	}
	return real(out.Value()), grads, nil
}

// SumPower is Σ|α|²
func SumPower() TapeObjective {
	return func(t *autodiff.Tape, in []autodiff.Var) autodiff.Var {
		terms := make([]autodiff.Var, len(in))
		for i, v := range in {
			terms[i] = t.Abs2(v)
		}
		return t.Sum(terms...)
	}
}

// MeanPower is Σ|α|²/n
func MeanPower() TapeObjective {
	return func(t *autodiff.Tape, in []autodiff.Var) autodiff.Var {
		return t.Scale(SumPower()(t, in), complex(1/float64(max(len(in), 1)), 0))
	}
}

// LogPower is ln Σ|α|²
func LogPower() TapeObjective {
	return func(t *autodiff.Tape, in []autodiff.Var) autodiff.Var {
		return t.Real(t.Log(SumPower()(t, in)))
	}
}

// PowerRatio is |α₀|²/Σ|α|², the share of power in the first value
func PowerRatio() TapeObjective {
	return func(t *autodiff.Tape, in []autodiff.Var) autodiff.Var {
		if len(in) == 0 {
			return t.Const(0)
		}
		return t.Real(t.Div(t.Abs2(in[0]), SumPower()(t, in)))
	}
}

// objectives maps configuration names to builders
var objectives = map[string]func() Objective{
	"sum_power":   func() Objective { return SumPower() },
	"mean_power":  func() Objective { return MeanPower() },
	"log_power":   func() Objective { return LogPower() },
	"power_ratio": func() Objective { return PowerRatio() },
}

// NamedObjective returns a built-in objective
func NamedObjective(name string) (Objective, error) {
	build, ok := objectives[name]
	if !ok {
		return nil, fmt.Errorf("unknown objective %q", name)
	}
	return build(), nil
}

// ObjectiveNames lists the built-in objectives
func ObjectiveNames() []string {
	return []string{"sum_power", "mean_power", "log_power", "power_ratio"}
}

func checkObjective(value float64, grads []complex128, n int) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("objective is not finite: %v", value)
	}
	if len(grads) != n {
		return fmt.Errorf("objective returned %d gradient entries for %d values", len(grads), n)
	}
	return nil
}
