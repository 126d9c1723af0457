package utils

import (
	"math/rand"
	"time"
)

// RandSource is an explicitly threaded pseudo-random generator. Nothing in
// this module draws from a process-wide source; callers that need
// reproducibility pass a seeded RandSource down to every stochastic step.
type RandSource struct {
	seed int64
	rng  *rand.Rand
}

// NewRandSource creates a new random source with the given seed.
// A zero seed picks one from the wall clock.
func NewRandSource(seed int64) *RandSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandSource{
		seed: seed,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Seed returns the seed the source was created with
func (r *RandSource) Seed() int64 {
	return r.seed
}

// Float64 returns a random float64 in [0.0, 1.0)
func (r *RandSource) Float64() float64 {
	return r.rng.Float64()
}

// Intn returns a random int in [0, n)
func (r *RandSource) Intn(n int) int {
	return r.rng.Intn(n)
}

// NormFloat64 returns a normally distributed random number with mean and stddev
func (r *RandSource) NormFloat64(mean, stddev float64) float64 {
	return r.rng.NormFloat64()*stddev + mean
}

// UniformFloat64 returns a uniformly distributed random number in [min, max)
func (r *RandSource) UniformFloat64(min, max float64) float64 {
	return min + r.rng.Float64()*(max-min)
}

// UniformVector fills a new slice of length n with values in [min, max)
func (r *RandSource) UniformVector(n int, min, max float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = r.UniformFloat64(min, max)
	}
	return out
}

// SampleIndices returns k distinct indices drawn from [0, n) in the order
// they were drawn. If k >= n every index is returned in a shuffled order.
func (r *RandSource) SampleIndices(n, k int) []int {
	if n <= 0 || k <= 0 {
		return nil
	}
	perm := r.rng.Perm(n)
	if k > n {
		k = n
	}
	return perm[:k]
}
