package simd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/metrics"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
)

func startRun(t *testing.T, exec *RunExecutor, store *RunStore, id string, input *RunInput) {
	t.Helper()
	_, err := store.Create(id, input)
	require.NoError(t, err)
	rec, err := exec.Start(id)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusRunning, rec.Run.Status)
}

func TestRunExecutorGradientRun(t *testing.T) {
	store := NewRunStore()
	exec := NewRunExecutor(store)
	startRun(t, exec, store, "grad", &RunInput{Kind: models.RunKindGradient, Config: testConfig})

	rec := waitForTerminal(t, store, "grad", 30*time.Second)
	require.Equal(t, models.RunStatusCompleted, rec.Run.Status, rec.Run.Error)

	rep, ok := rec.Result.(*models.GradientReport)
	require.True(t, ok, "unexpected result type %T", rec.Result)
	assert.Equal(t, 2, rep.SolverRuns)
	assert.Len(t, rep.Gradient, 9)
	assert.Greater(t, rep.Objective, 0.0)
	assert.Equal(t, 120, rep.Steps)

	collector, ok := store.GetCollector("grad")
	require.True(t, ok)
	assert.Equal(t, 2.0, metrics.TotalAcrossLabels(collector, metrics.MetricSolverRuns))
	assert.NotEmpty(t, collector.GetTimeSeries(metrics.MetricFieldEnergy, map[string]string{"run_id": "grad", "phase": "forward"}))
	assert.False(t, rec.Run.EndedAt.IsZero())
}

func TestRunExecutorFDCheckRun(t *testing.T) {
	store := NewRunStore()
	exec := NewRunExecutor(store)
	startRun(t, exec, store, "fd", &RunInput{Kind: models.RunKindFDCheck, Config: testConfig, Seed: 3})

	rec := waitForTerminal(t, store, "fd", 60*time.Second)
	require.Equal(t, models.RunStatusCompleted, rec.Run.Status, rec.Run.Error)

	rep, ok := rec.Result.(*models.FDReport)
	require.True(t, ok, "unexpected result type %T", rec.Result)
	assert.Len(t, rep.Indices, defaultFDSamples)
	assert.Equal(t, 2*defaultFDSamples, rep.ExtraRuns)
	assert.Equal(t, int64(3), rep.Seed)
	require.NotNil(t, rep.Gradient)
	assert.Equal(t, 2, rep.Gradient.SolverRuns)
	assert.Len(t, rep.Finite, defaultFDSamples)
}

func TestRunExecutorOptimizeRun(t *testing.T) {
	cfg := testConfig + `
optimization:
  max_iterations: 2
  step_size: 0.2
`
	tests := []struct {
		name    string
		starts  int
		minRuns int
	}{
		{"single start", 1, 2},
		{"multi start", 2, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewRunStore()
			exec := NewRunExecutor(store, WithMaxParallelStarts(2))
			startRun(t, exec, store, "opt", &RunInput{Kind: models.RunKindOptimize, Config: cfg, Starts: tt.starts, Seed: 9})

			rec := waitForTerminal(t, store, "opt", 60*time.Second)
			require.Equal(t, models.RunStatusCompleted, rec.Run.Status, rec.Run.Error)

			rep, ok := rec.Result.(*models.OptimizationReport)
			require.True(t, ok, "unexpected result type %T", rec.Result)
			assert.GreaterOrEqual(t, rep.SolverRuns, tt.minRuns)
			assert.Zero(t, rep.SolverRuns%2, "every evaluation costs two solves")
			assert.Len(t, rep.BestDesign, 9)
			assert.LessOrEqual(t, rep.Iterations, 2)

			collector, _ := store.GetCollector("opt")
			assert.NotEmpty(t, collector.GetLabelsForMetric(metrics.MetricObjective))
		})
	}
}

func TestRunExecutorInvalidConfig(t *testing.T) {
	store := NewRunStore()
	exec := NewRunExecutor(store)
	startRun(t, exec, store, "bad", &RunInput{Config: "grid: ["})

	rec := waitForTerminal(t, store, "bad", 5*time.Second)
	assert.Equal(t, models.RunStatusFailed, rec.Run.Status)
	assert.True(t, strings.HasPrefix(rec.Run.Error, "invalid config"), rec.Run.Error)
	assert.Nil(t, rec.Result)
}

func TestRunExecutorStopCancelsRun(t *testing.T) {
	store := NewRunStore()
	exec := NewRunExecutor(store)
	startRun(t, exec, store, "slow", &RunInput{Config: slowConfig})

	time.Sleep(50 * time.Millisecond)
	rec, err := exec.Stop("slow")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, rec.Run.Status)

	exec.Wait()
	rec, _ = store.Get("slow")
	assert.Equal(t, models.RunStatusCancelled, rec.Run.Status)
	assert.Nil(t, rec.Result)
}

func TestRunExecutorStartErrors(t *testing.T) {
	store := NewRunStore()
	exec := NewRunExecutor(store)

	_, err := exec.Start("")
	assert.ErrorIs(t, err, ErrRunIDMissing)
	_, err = exec.Start("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = exec.Stop("")
	assert.ErrorIs(t, err, ErrRunIDMissing)
	_, err = exec.Stop("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = store.Create("done", &RunInput{Config: "x"})
	require.NoError(t, err)
	_, err = store.SetStatus("done", models.RunStatusCompleted, "")
	require.NoError(t, err)
	_, err = exec.Start("done")
	assert.ErrorIs(t, err, ErrRunTerminal)
}

func TestRunExecutorStartTwiceReturnsSameRun(t *testing.T) {
	store := NewRunStore()
	exec := NewRunExecutor(store)
	startRun(t, exec, store, "slow", &RunInput{Config: slowConfig})

	rec, err := exec.Start("slow")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, rec.Run.Status)

	_, err = exec.Stop("slow")
	require.NoError(t, err)
	exec.Wait()
}

func TestRunExecutorShutdown(t *testing.T) {
	store := NewRunStore()
	exec := NewRunExecutor(store)
	startRun(t, exec, store, "a", &RunInput{Config: slowConfig})
	startRun(t, exec, store, "b", &RunInput{Config: slowConfig})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, exec.Shutdown(ctx))

	for _, id := range []string{"a", "b"} {
		rec, _ := store.Get(id)
		assert.Equal(t, models.RunStatusCancelled, rec.Run.Status, id)
	}
}

func TestRunExecutorCallback(t *testing.T) {
	var (
		mu       sync.Mutex
		payloads []NotificationPayload
		secret   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p NotificationPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			mu.Lock()
			payloads = append(payloads, p)
			secret = r.Header.Get("X-Callback-Secret")
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	serverURL, _ := url.Parse(server.URL)

	store := NewRunStore()
	exec := NewRunExecutor(store, WithNotifier(NewNotifier().WithRetries(0, nil)))
	startRun(t, exec, store, "cb", &RunInput{
		Config:         testConfig,
		CallbackURL:    "http://localhost:" + serverURL.Port() + "/done/{run_id}",
		CallbackSecret: "s3cret",
	})
	waitForTerminal(t, store, "cb", 30*time.Second)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "cb", payloads[0].RunID)
	assert.Equal(t, models.RunStatusCompleted, payloads[0].Status)
	assert.NotNil(t, payloads[0].Result)
	assert.Equal(t, "s3cret", secret)
}

func TestRunExecutorStopPendingRunNotifies(t *testing.T) {
	done := make(chan NotificationPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p NotificationPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		done <- p
	}))
	defer server.Close()
	serverURL, _ := url.Parse(server.URL)

	store := NewRunStore()
	exec := NewRunExecutor(store, WithNotifier(NewNotifier().WithRetries(0, nil)))
	_, err := store.Create("p", &RunInput{Config: testConfig, CallbackURL: "http://localhost:" + serverURL.Port()})
	require.NoError(t, err)

	rec, err := exec.Stop("p")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, rec.Run.Status)

	select {
	case p := <-done:
		assert.Equal(t, models.RunStatusCancelled, p.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no callback for a run cancelled before it started")
	}

	_, err = exec.Stop("p")
	assert.True(t, errors.Is(err, ErrRunTerminal))
}
