package utils

import (
	"math"
)

// ClampFloat64 clamps a float64 value between min and max
func ClampFloat64(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// MaxAbs returns the largest absolute value in values, or 0 for an empty slice
func MaxAbs(values []float64) float64 {
	m := 0.0
	for _, v := range values {
		if a := math.Abs(v); a > m {
			m = a
		}
	}
	return m
}

// RelativeError returns |a-b| / max(|a|, |b|, floor)
func RelativeError(a, b, floor float64) float64 {
	den := math.Max(math.Max(math.Abs(a), math.Abs(b)), floor)
	if den == 0 {
		return 0
	}
	return math.Abs(a-b) / den
}
