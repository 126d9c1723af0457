// Package autodiff is a reverse-mode tape over complex values for
// real-valued objectives. The adjoint of a node z is ∂f/∂Re z + i·∂f/∂Im z.
package autodiff

import (
	"fmt"
	"math/cmplx"
)

type node struct {
	val  complex128
	args []int
	// back adds the contribution of this node's adjoint to its arguments
	back func(adj complex128, grads []complex128)
}

// Tape records operations in evaluation order
type Tape struct {
	nodes  []node
	inputs []int
}

// Var is a handle to a value on a tape
type Var struct {
	t  *Tape
	id int
}

// New returns an empty tape
func New() *Tape {
	return &Tape{}
}

func (t *Tape) push(val complex128, back func(adj complex128, grads []complex128), args ...Var) Var {
	ids := make([]int, len(args))
	for i, a := range args {
		if a.t != t {
			panic("autodiff: mixing variables from different tapes")
		}
		ids[i] = a.id
	}
	t.nodes = append(t.nodes, node{val: val, args: ids, back: back})
	return Var{t: t, id: len(t.nodes) - 1}
}

// Input registers an independent variable
func (t *Tape) Input(v complex128) Var {
	x := t.push(v, nil)
	t.inputs = append(t.inputs, x.id)
	return x
}

// Inputs registers one independent variable per value
func (t *Tape) Inputs(vs []complex128) []Var {
	out := make([]Var, len(vs))
	for i, v := range vs {
		out[i] = t.Input(v)
	}
	return out
}

// Const records a constant
func (t *Tape) Const(v complex128) Var {
	return t.push(v, nil)
}

// Value returns the value held by a variable
func (v Var) Value() complex128 {
	return v.t.nodes[v.id].val
}

// Add returns a+b
func (t *Tape) Add(a, b Var) Var {
	ia, ib := a.id, b.id
	return t.push(a.Value()+b.Value(), func(adj complex128, g []complex128) {
		g[ia] += adj
		g[ib] += adj
	}, a, b)
}

// Sub returns a−b
func (t *Tape) Sub(a, b Var) Var {
	ia, ib := a.id, b.id
	return t.push(a.Value()-b.Value(), func(adj complex128, g []complex128) {
		g[ia] += adj
		g[ib] -= adj
	}, a, b)
}

// Mul returns a·b
func (t *Tape) Mul(a, b Var) Var {
	ia, ib := a.id, b.id
	va, vb := a.Value(), b.Value()
	return t.push(va*vb, func(adj complex128, g []complex128) {
		g[ia] += cmplx.Conj(vb) * adj
		g[ib] += cmplx.Conj(va) * adj
	}, a, b)
}

// Div returns a/b
func (t *Tape) Div(a, b Var) Var {
	ia, ib := a.id, b.id
	va, vb := a.Value(), b.Value()
	q := va / vb
	return t.push(q, func(adj complex128, g []complex128) {
		g[ia] += cmplx.Conj(1/vb) * adj
		g[ib] += cmplx.Conj(-q/vb) * adj
	}, a, b)
}

// Scale returns k·a for a constant k
func (t *Tape) Scale(a Var, k complex128) Var {
	ia := a.id
	return t.push(k*a.Value(), func(adj complex128, g []complex128) {
		g[ia] += cmplx.Conj(k) * adj
	}, a)
}

// Conj returns the complex conjugate
func (t *Tape) Conj(a Var) Var {
	ia := a.id
	return t.push(cmplx.Conj(a.Value()), func(adj complex128, g []complex128) {
		g[ia] += cmplx.Conj(adj)
	}, a)
}

// Abs2 returns |a|² as a real value
func (t *Tape) Abs2(a Var) Var {
	ia := a.id
	va := a.Value()
	return t.push(complex(real(va)*real(va)+imag(va)*imag(va), 0), func(adj complex128, g []complex128) {
		g[ia] += 2 * va * complex(real(adj), 0)
	}, a)
}

// Real returns Re a
func (t *Tape) Real(a Var) Var {
	ia := a.id
	return t.push(complex(real(a.Value()), 0), func(adj complex128, g []complex128) {
		g[ia] += complex(real(adj), 0)
	}, a)
}

// Log returns the principal logarithm
func (t *Tape) Log(a Var) Var {
	ia := a.id
	va := a.Value()
	return t.push(cmplx.Log(va), func(adj complex128, g []complex128) {
		g[ia] += cmplx.Conj(1/va) * adj
	}, a)
}

// Sum adds any number of variables
func (t *Tape) Sum(vs ...Var) Var {
	if len(vs) == 0 {
		return t.Const(0)
	}
	var s complex128
	ids := make([]int, len(vs))
	for i, v := range vs {
		s += v.Value()
		ids[i] = v.id
	}
	return t.push(s, func(adj complex128, g []complex128) {
		for _, id := range ids {
			g[id] += adj
		}
	}, vs...)
}

// Gradient back-propagates from a real-valued output and returns the
// adjoint of every input in registration order.
func (t *Tape) Gradient(out Var) ([]complex128, error) {
	if out.t != t {
		return nil, fmt.Errorf("autodiff: output belongs to another tape")
	}
	if v := out.Value(); imag(v) != 0 {
		return nil, fmt.Errorf("autodiff: output must be real, got %v", v)
	}
	adj := make([]complex128, len(t.nodes))
	adj[out.id] = 1
	for i := out.id; i >= 0; i-- {
		n := t.nodes[i]
		if n.back == nil || adj[i] == 0 {
			continue
		}
		n.back(adj[i], adj)
	}
	grads := make([]complex128, len(t.inputs))
	for k, id := range t.inputs {
		grads[k] = adj[id]
	}
	return grads, nil
}
