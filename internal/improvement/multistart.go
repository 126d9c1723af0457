package improvement

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Factory builds an independent evaluator for one start. Every concurrent
// start needs its own lattice, so starts never share one.
type Factory func(start int) (Evaluator, error)

// MultiStartOptions configures MultiStart
type MultiStartOptions struct {
	MaxParallel   int
	MaxIterations int
	StepSize      float64
	// NewStrategy builds a fresh convergence strategy per start; nil uses combined
	NewStrategy func() ConvergenceStrategy
	// OnStep, when set, observes every step of every start
	OnStep func(start int, step OptimizationStep)
}

// StartResult is the outcome of one start
type StartResult struct {
	Index   int
	Initial []float64
	Result  *OptimizationResult
	Err     error
}

// MultiStart optimises from several starting designs in parallel, with at
// most MaxParallel starts running at once. Results come back in start
// order together with the index of the best successful one.
func MultiStart(ctx context.Context, factory Factory, starts [][]float64, opts MultiStartOptions) ([]*StartResult, int, error) {
	if len(starts) == 0 {
		return nil, -1, fmt.Errorf("no starting designs provided")
	}
	if factory == nil {
		return nil, -1, fmt.Errorf("factory is required")
	}
	parallel := opts.MaxParallel
	if parallel <= 0 {
		parallel = 1
	}

	semaphore := make(chan struct{}, parallel)
	var wg sync.WaitGroup
	results := make([]*StartResult, len(starts))

	for i, start := range starts {
		wg.Add(1)
		go func(idx int, initial []float64) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			r := &StartResult{Index: idx, Initial: initial}
			results[idx] = r
			if err := ctx.Err(); err != nil {
				r.Err = err
				return
			}
			ev, err := factory(idx)
			if err != nil {
				r.Err = fmt.Errorf("start %d: %w", idx, err)
				return
			}
			opt := NewOptimizer(ev, opts.MaxIterations, opts.StepSize)
			if opts.NewStrategy != nil {
				opt.WithStrategy(opts.NewStrategy())
			}
			if opts.OnStep != nil {
				opt.WithCallback(func(s OptimizationStep) { opts.OnStep(idx, s) })
			}
			r.Result, r.Err = opt.Optimize(ctx, initial)
		}(i, start)
	}
	wg.Wait()

	best := SelectBest(results)
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	if best < 0 {
		return results, -1, fmt.Errorf("all starts failed: %w", errors.Join(errs...))
	}
	return results, best, nil
}

// SelectBest returns the index of the successful start with the highest
// objective, or -1 when none succeeded
func SelectBest(results []*StartResult) int {
	best := -1
	for i, r := range results {
		if r == nil || r.Err != nil || r.Result == nil {
			continue
		}
		if best < 0 || r.Result.BestObjective > results[best].Result.BestObjective {
			best = i
		}
	}
	return best
}
