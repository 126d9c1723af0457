package material

// Jacobian is ∂ε_cell/∂p_i for a region at a fixed parameter vector. It
// keeps the sparse interpolation taps and the transform stage inputs, so
// it is applied matrix-free.
type Jacobian struct {
	region *DesignRegion
	inputs [][]float64
	active []bool
}

// Jacobian linearises the mapping at p
func (r *DesignRegion) Jacobian(p []float64) (*Jacobian, error) {
	if err := r.checkLen(p); err != nil {
		return nil, err
	}
	clamped, active := clamp01(p)
	inputs, _ := r.transforms.forward(r.Shape, clamped)
	return &Jacobian{region: r, inputs: inputs, active: active}, nil
}

// VJP returns Σ_c v_c·∂ε_c/∂p_i for every parameter i. v is indexed like
// the region cells.
func (j *Jacobian) VJP(v []float64) []float64 {
	r := j.region
	span := r.EpsHigh - r.EpsLow
	g := make([]float64, r.NumParams())
	for c, row := range r.rows {
		if v[c] == 0 {
			continue
		}
		for _, t := range row {
			g[t.idx] += span * t.w * v[c]
		}
	}
	g = r.transforms.vjp(r.Shape, j.inputs, g)
	for i := range g {
		if !j.active[i] {
			g[i] = 0
		}
	}
	return g
}

// Dense materialises the Jacobian as rows per cell. Intended for checks on
// small regions.
func (j *Jacobian) Dense() [][]float64 {
	n := j.region.NumCells()
	out := make([][]float64, n)
	unit := make([]float64, n)
	for c := 0; c < n; c++ {
		unit[c] = 1
		out[c] = j.VJP(unit)
		unit[c] = 0
	}
	return out
}
