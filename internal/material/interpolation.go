package material

import "math"

// Interpolation maps design parameters onto simulation cell centres
type Interpolation int

const (
	Bilinear Interpolation = iota
	Nearest
)

func (in Interpolation) String() string {
	if in == Nearest {
		return "nearest"
	}
	return "bilinear"
}

// ParseInterpolation accepts "bilinear" (or empty) and "nearest"
func ParseInterpolation(s string) (Interpolation, bool) {
	switch s {
	case "", "bilinear":
		return Bilinear, true
	case "nearest":
		return Nearest, true
	}
	return Bilinear, false
}

type tap struct {
	idx int
	w   float64
}

// stencil1D returns the design points and weights for cell c of a row of
// cells mapped onto n design points spanning the row end to end.
func (in Interpolation) stencil1D(c, cells, n int) []tap {
	if n == 1 {
		return []tap{{0, 1}}
	}
	s := (float64(c) + 0.5) / float64(cells) * float64(n-1)
	if in == Nearest {
		k := int(math.Floor(s + 0.5))
		if k > n-1 {
			k = n - 1
		}
		return []tap{{k, 1}}
	}
	k := int(math.Floor(s))
	if k >= n-1 {
		return []tap{{n - 1, 1}}
	}
	f := s - float64(k)
	if f == 0 {
		return []tap{{k, 1}}
	}
	return []tap{{k, 1 - f}, {k + 1, f}}
}
