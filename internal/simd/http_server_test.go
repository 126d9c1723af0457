package simd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/policy"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
)

func newTestHTTPServer() (*HTTPServer, *RunStore) {
	store := NewRunStore()
	return NewHTTPServer(store, NewRunExecutor(store)), store
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestHTTPHealthz(t *testing.T) {
	srv, _ := newTestHTTPServer()
	rr := doRequest(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decodeBody(t, rr)["status"])
}

func TestHTTPCreateRunValidation(t *testing.T) {
	srv, store := newTestHTTPServer()
	_, err := store.Create("taken", &RunInput{Config: "x"})
	require.NoError(t, err)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing input", map[string]any{}, http.StatusBadRequest},
		{"empty config", map[string]any{"input": map[string]any{"config": " "}}, http.StatusBadRequest},
		{"unknown kind", map[string]any{"input": map[string]any{"config": "x", "kind": "anneal"}}, http.StatusBadRequest},
		{"duplicate id", map[string]any{"run_id": "taken", "input": map[string]any{"config": "x"}}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, srv.Handler(), http.MethodPost, "/v1/runs", tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
			assert.NotEmpty(t, decodeBody(t, rr)["error"])
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHTTPRunLifecycle(t *testing.T) {
	srv, store := newTestHTTPServer()
	h := srv.Handler()

	rr := doRequest(t, h, http.MethodPost, "/v1/runs", map[string]any{
		"run_id": "run-http",
		"input":  map[string]any{"kind": "gradient", "config": testConfig},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	run := decodeBody(t, rr)["run"].(map[string]any)
	assert.Equal(t, "run-http", run["id"])
	assert.Equal(t, string(models.RunStatusRunning), run["status"])

	waitForTerminal(t, store, "run-http", 30*time.Second)

	rr = doRequest(t, h, http.MethodGet, "/v1/runs/run-http", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	run = decodeBody(t, rr)["run"].(map[string]any)
	assert.Equal(t, string(models.RunStatusCompleted), run["status"])

	rr = doRequest(t, h, http.MethodGet, "/v1/runs/run-http/result", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	result := decodeBody(t, rr)["result"].(map[string]any)
	assert.EqualValues(t, 2, result["solver_runs"])
	assert.Len(t, result["gradient"], 9)

	rr = doRequest(t, h, http.MethodGet, "/v1/runs/run-http/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, decodeBody(t, rr), "metrics")

	rr = doRequest(t, h, http.MethodGet, "/v1/runs/run-http/metrics/timeseries?metric=field_energy&phase=adjoint", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	points := decodeBody(t, rr)["points"].([]any)
	require.NotEmpty(t, points)
	for _, p := range points {
		labels := p.(map[string]any)["labels"].(map[string]any)
		assert.Equal(t, "adjoint", labels["phase"])
	}

	rr = doRequest(t, h, http.MethodGet, "/v1/runs/run-http/export", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	export := decodeBody(t, rr)
	assert.Contains(t, export, "input")
	assert.Contains(t, export, "result")
	assert.Contains(t, export, "time_series")

	rr = doRequest(t, h, http.MethodPost, "/v1/runs/run-http:start", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestHTTPCreateWithoutStartThenStart(t *testing.T) {
	srv, store := newTestHTTPServer()
	h := srv.Handler()

	rr := doRequest(t, h, http.MethodPost, "/v1/runs", map[string]any{
		"run_id": "later",
		"input":  map[string]any{"config": testConfig},
		"start":  false,
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, string(models.RunStatusPending), decodeBody(t, rr)["run"].(map[string]any)["status"])

	rr = doRequest(t, h, http.MethodGet, "/v1/runs/later/result", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rr.Code)
	rr = doRequest(t, h, http.MethodGet, "/v1/runs/later/metrics", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rr.Code)

	rr = doRequest(t, h, http.MethodPost, "/v1/runs/later:start", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	waitForTerminal(t, store, "later", 30*time.Second)
}

func TestHTTPCreateFromYAMLBody(t *testing.T) {
	srv, store := newTestHTTPServer()

	req := httptest.NewRequest(http.MethodPost, "/v1/runs?run_id=raw&kind=gradient", strings.NewReader(testConfig))
	req.Header.Set("Content-Type", "application/yaml")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rec := waitForTerminal(t, store, "raw", 30*time.Second)
	assert.Equal(t, models.RunStatusCompleted, rec.Run.Status, rec.Run.Error)
}

func TestHTTPStopRun(t *testing.T) {
	srv, store := newTestHTTPServer()
	h := srv.Handler()

	rr := doRequest(t, h, http.MethodPost, "/v1/runs", map[string]any{
		"run_id": "slow",
		"input":  map[string]any{"config": slowConfig},
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = doRequest(t, h, http.MethodPost, "/v1/runs/slow:stop", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, string(models.RunStatusCancelled), decodeBody(t, rr)["run"].(map[string]any)["status"])
	srv.Executor.Wait()

	rr = doRequest(t, h, http.MethodPost, "/v1/runs/missing:stop", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rec, _ := store.Get("slow")
	assert.Equal(t, models.RunStatusCancelled, rec.Run.Status)
}

func TestHTTPListRuns(t *testing.T) {
	srv, store := newTestHTTPServer()
	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Create(id, &RunInput{Config: "x"})
		require.NoError(t, err)
	}
	_, err := store.SetStatus("b", models.RunStatusFailed, "x")
	require.NoError(t, err)

	tests := []struct {
		name  string
		query string
		count int
	}{
		{"default", "", 3},
		{"limit", "?limit=2", 2},
		{"offset", "?offset=2", 1},
		{"status", "?status=FAILED", 1},
		{"bad limit ignored", "?limit=nope", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, srv.Handler(), http.MethodGet, "/v1/runs"+tt.query, nil)
			require.Equal(t, http.StatusOK, rr.Code)
			body := decodeBody(t, rr)
			assert.Len(t, body["runs"], tt.count)
			assert.EqualValues(t, tt.count, body["pagination"].(map[string]any)["count"])
		})
	}
}

func TestHTTPRouting(t *testing.T) {
	srv, store := newTestHTTPServer()
	_, err := store.Create("r", &RunInput{Config: "x"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"missing id", http.MethodGet, "/v1/runs/", http.StatusBadRequest},
		{"unknown run", http.MethodGet, "/v1/runs/nope", http.StatusNotFound},
		{"unknown endpoint", http.MethodGet, "/v1/runs/r/bogus", http.StatusNotFound},
		{"wrong method on stop", http.MethodGet, "/v1/runs/r:stop", http.StatusMethodNotAllowed},
		{"wrong method on collection", http.MethodDelete, "/v1/runs", http.StatusMethodNotAllowed},
		{"timeseries before start", http.MethodGet, "/v1/runs/r/metrics/timeseries", http.StatusPreconditionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, srv.Handler(), tt.method, tt.path, nil)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestHTTPCreateRunRateLimited(t *testing.T) {
	srv, _ := newTestHTTPServer()
	srv.WithRateLimiter(policy.NewRateLimiter(0.001, 2))
	body := map[string]any{"input": map[string]any{"config": "x"}, "start": false}

	for i := 0; i < 2; i++ {
		rr := doRequest(t, srv.Handler(), http.MethodPost, "/v1/runs", body)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	}
	rr := doRequest(t, srv.Handler(), http.MethodPost, "/v1/runs", body)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	// listing is not limited
	rr = doRequest(t, srv.Handler(), http.MethodGet, "/v1/runs", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"1700000000000", time.UnixMilli(1700000000000).UTC(), false},
		{"2024-01-02T03:04:05Z", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), false},
		{"2024-01-02T03:04:05", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), false},
		{"soon", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTime(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}
}
