package simd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/metrics"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/config"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/logger"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
)

// RunExecutor manages asynchronous run execution and per-run cancellation.
type RunExecutor struct {
	store       *RunStore
	notifier    *Notifier
	logger      *slog.Logger
	maxParallel int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrRunTerminal  = errors.New("run is terminal")
	ErrRunIDMissing = errors.New("run_id is required")
)

// ExecutorOption configures a RunExecutor
type ExecutorOption func(*RunExecutor)

// WithNotifier enables completion callbacks
func WithNotifier(n *Notifier) ExecutorOption {
	return func(e *RunExecutor) { e.notifier = n }
}

// WithExecutorLogger sets the logger runs derive theirs from
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *RunExecutor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMaxParallelStarts bounds how many starts of one optimize run solve at once
func WithMaxParallelStarts(n int) ExecutorOption {
	return func(e *RunExecutor) { e.maxParallel = n }
}

func NewRunExecutor(store *RunStore, opts ...ExecutorOption) *RunExecutor {
	e := &RunExecutor{
		store:       store,
		logger:      logger.Default,
		maxParallel: 2,
		cancels:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins executing a run asynchronously.
// Returns the updated run state (RUNNING) or an error.
func (e *RunExecutor) Start(runID string) (*RunRecord, error) {
	if runID == "" {
		return nil, ErrRunIDMissing
	}

	rec, ok := e.store.Get(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	switch {
	case rec.Run.Status == models.RunStatusRunning:
		return rec, nil
	case rec.Run.Status.IsTerminal():
		return nil, fmt.Errorf("%w: %s", ErrRunTerminal, runID)
	}

	updated, err := e.store.SetStatus(runID, models.RunStatusRunning, "")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	if old, exists := e.cancels[runID]; exists {
		old()
	}
	e.cancels[runID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runJob(ctx, runID)
	return updated, nil
}

// Stop requests cancellation for a run and marks it cancelled.
func (e *RunExecutor) Stop(runID string) (*RunRecord, error) {
	if runID == "" {
		return nil, ErrRunIDMissing
	}

	e.mu.Lock()
	cancel, running := e.cancels[runID]
	e.mu.Unlock()
	if running {
		cancel()
	}

	updated, err := e.store.SetStatus(runID, models.RunStatusCancelled, "")
	if err != nil {
		return nil, err
	}
	if !running {
		e.notify(updated)
	}
	return updated, nil
}

// Wait blocks until every started run has finished
func (e *RunExecutor) Wait() {
	e.wg.Wait()
}

// Shutdown cancels every active run and waits for them, or for ctx
func (e *RunExecutor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.cancels))
	for id := range e.cancels {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		if _, err := e.Stop(id); err != nil && !errors.Is(err, ErrRunTerminal) {
			e.logger.Warn("failed to stop run during shutdown", "run_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *RunExecutor) cleanup(runID string) {
	e.mu.Lock()
	if cancel, ok := e.cancels[runID]; ok {
		cancel()
		delete(e.cancels, runID)
	}
	e.mu.Unlock()
}

func (e *RunExecutor) runJob(ctx context.Context, runID string) {
	defer e.wg.Done()
	defer e.cleanup(runID)

	rec, ok := e.store.Get(runID)
	if !ok {
		e.logger.Error("run not found", "run_id", runID)
		return
	}
	log := logger.ForRun(e.logger, runID, string(rec.Input.Kind))

	cfg, err := config.ParseConfig([]byte(rec.Input.Config), rec.Input.Format)
	if err != nil {
		log.Error("failed to parse config", "error", err)
		e.finish(runID, models.RunStatusFailed, fmt.Sprintf("invalid config: %v", err))
		return
	}

	collector := metrics.NewCollector()
	collector.Start()
	if err := e.store.SetCollector(runID, collector); err != nil {
		log.Error("failed to store collector", "error", err)
	}

	j := &job{
		id:          runID,
		input:       rec.Input,
		cfg:         cfg,
		store:       e.store,
		collector:   collector,
		log:         log,
		maxParallel: e.maxParallel,
	}
	log.Info("starting run")
	result, err := j.execute(ctx)
	collector.Stop()

	if ctx.Err() != nil {
		log.Info("run cancelled")
		e.finish(runID, models.RunStatusCancelled, "")
		return
	}
	if err != nil {
		log.Error("run failed", "error", err)
		e.finish(runID, models.RunStatusFailed, err.Error())
		return
	}
	if err := e.store.SetResult(runID, result); err != nil {
		log.Error("failed to set result", "error", err)
	}
	e.finish(runID, models.RunStatusCompleted, "")
	log.Info("run completed", "solver_runs", metrics.TotalAcrossLabels(collector, metrics.MetricSolverRuns))
}

// finish moves the run to a terminal status unless Stop already did, then
// sends the callback
func (e *RunExecutor) finish(runID string, status models.RunStatus, errMsg string) {
	rec, err := e.store.SetStatus(runID, status, errMsg)
	if errors.Is(err, ErrRunTerminal) {
		rec, _ = e.store.Get(runID)
	} else if err != nil {
		e.logger.Error("failed to set status", "run_id", runID, "status", status, "error", err)
		return
	}
	e.notify(rec)
}

func (e *RunExecutor) notify(rec *RunRecord) {
	if e.notifier == nil || rec == nil || rec.Input == nil || rec.Input.CallbackURL == "" {
		return
	}
	e.notifier.Notify(rec.Input.CallbackURL, getCallbackSecret(rec), rec)
}
