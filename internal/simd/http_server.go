package simd

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/metrics"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/policy"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/logger"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
)

// maxBodyBytes bounds a submitted run, config text included
const maxBodyBytes = 4 << 20

type HTTPServer struct {
	mux      *http.ServeMux
	store    *RunStore
	Executor *RunExecutor
	upgrader websocket.Upgrader
	// limiter throttles run creation per client address; nil disables it
	limiter *policy.RateLimiter
}

func NewHTTPServer(store *RunStore, executor *RunExecutor) *HTTPServer {
	s := &HTTPServer{
		mux:      http.NewServeMux(),
		store:    store,
		Executor: executor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/v1/runs", s.handleRuns)
	s.mux.HandleFunc("/v1/runs/", s.handleRunByID)

	return s
}

// WithRateLimiter throttles POST /v1/runs per client address
func (s *HTTPServer) WithRateLimiter(l *policy.RateLimiter) *HTTPServer {
	s.limiter = l
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.mux
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleRuns handles /v1/runs endpoint
func (s *HTTPServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateRun(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// route is one /v1/runs/{id}<suffix> endpoint
type route struct {
	suffix  string
	method  string
	handler func(w http.ResponseWriter, r *http.Request, runID string)
}

// handleRunByID handles /v1/runs/{id} and related endpoints
func (s *HTTPServer) handleRunByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if path == "" {
		s.writeError(w, http.StatusBadRequest, "run ID is required")
		return
	}

	// longer suffixes first so /metrics/timeseries is not taken for /metrics
	routes := []route{
		{":start", http.MethodPost, s.handleStartRun},
		{":stop", http.MethodPost, s.handleStopRun},
		{"/metrics/timeseries", http.MethodGet, s.handleTimeSeries},
		{"/metrics", http.MethodGet, s.handleGetRunMetrics},
		{"/result", http.MethodGet, s.handleGetResult},
		{"/export", http.MethodGet, s.handleExportRun},
		{"/events", http.MethodGet, s.handleEvents},
		{"", http.MethodGet, s.handleGetRun},
	}
	for _, rt := range routes {
		if !strings.HasSuffix(path, rt.suffix) {
			continue
		}
		runID := strings.TrimSuffix(path, rt.suffix)
		if rt.suffix == "" && strings.ContainsAny(runID, "/:") {
			break
		}
		if r.Method != rt.method {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		rt.handler(w, r, runID)
		return
	}
	s.writeError(w, http.StatusNotFound, "unknown endpoint")
}

// createRunRequest is the JSON body of POST /v1/runs. A body sent as
// application/yaml or text/plain is taken as the config itself, with
// kind, format and run_id read from the query string.
type createRunRequest struct {
	RunID string    `json:"run_id,omitempty"`
	Input *RunInput `json:"input"`
	// Start defaults to true
	Start *bool `json:"start,omitempty"`
}

func (s *HTTPServer) decodeCreateRun(w http.ResponseWriter, r *http.Request) (*createRunRequest, error) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "yaml") || strings.HasPrefix(ct, "text/plain") {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		q := r.URL.Query()
		format := q.Get("format")
		if format == "" && strings.HasPrefix(ct, "text/plain") {
			format = "ini"
		}
		seed, _ := strconv.ParseInt(q.Get("seed"), 10, 64)
		starts, _ := strconv.Atoi(q.Get("starts"))
		return &createRunRequest{
			RunID: q.Get("run_id"),
			Input: &RunInput{
				Kind:   models.RunKind(q.Get("kind")),
				Config: string(data),
				Format: format,
				Seed:   seed,
				Starts: starts,
			},
		}, nil
	}

	var req createRunRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// handleCreateRun handles POST /v1/runs
func (s *HTTPServer) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientAddr(r), time.Now()) {
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusTooManyRequests, "too many runs created, slow down")
		return
	}
	req, err := s.decodeCreateRun(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Input == nil || strings.TrimSpace(req.Input.Config) == "" {
		s.writeError(w, http.StatusBadRequest, "input.config is required")
		return
	}

	rec, err := s.store.Create(req.RunID, req.Input)
	if err != nil {
		switch {
		case models.IsConfigurationError(err):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case strings.Contains(err.Error(), "already exists"):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	logger.Info("run created (HTTP)", "run_id", rec.Run.ID, "kind", rec.Run.Kind)

	if req.Start == nil || *req.Start {
		started, err := s.Executor.Start(rec.Run.ID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		rec = started
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"run": rec.Run})
}

// handleListRuns handles GET /v1/runs with pagination and filtering
func (s *HTTPServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = min(parsed, 1000)
		}
	}
	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	status := models.RunStatus(strings.ToLower(r.URL.Query().Get("status")))

	recs := s.store.List(limit, offset, status)
	runs := make([]models.Run, 0, len(recs))
	for _, rec := range recs {
		runs = append(runs, rec.Run)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"runs": runs,
		"pagination": map[string]any{
			"limit":  limit,
			"offset": offset,
			"count":  len(runs),
		},
	})
}

// handleGetRun handles GET /v1/runs/{id}
func (s *HTTPServer) handleGetRun(w http.ResponseWriter, _ *http.Request, runID string) {
	rec, ok := s.store.Get(runID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": rec.Run})
}

// handleStartRun handles POST /v1/runs/{id}:start
func (s *HTTPServer) handleStartRun(w http.ResponseWriter, _ *http.Request, runID string) {
	updated, err := s.Executor.Start(runID)
	if err != nil {
		s.writeExecutorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": updated.Run})
}

// handleStopRun handles POST /v1/runs/{id}:stop
func (s *HTTPServer) handleStopRun(w http.ResponseWriter, _ *http.Request, runID string) {
	updated, err := s.Executor.Stop(runID)
	if err != nil {
		s.writeExecutorError(w, err)
		return
	}
	logger.Info("run cancelled (HTTP)", "run_id", runID)
	s.writeJSON(w, http.StatusOK, map[string]any{"run": updated.Run})
}

// handleGetResult handles GET /v1/runs/{id}/result
func (s *HTTPServer) handleGetResult(w http.ResponseWriter, _ *http.Request, runID string) {
	rec, ok := s.store.Get(runID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if rec.Result == nil {
		s.writeError(w, http.StatusPreconditionFailed, "result not available (run is "+string(rec.Run.Status)+")")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"kind":   rec.Run.Kind,
		"result": rec.Result,
	})
}

// handleGetRunMetrics handles GET /v1/runs/{id}/metrics
func (s *HTTPServer) handleGetRunMetrics(w http.ResponseWriter, _ *http.Request, runID string) {
	if _, ok := s.store.Get(runID); !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	collector, ok := s.store.GetCollector(runID)
	if !ok {
		s.writeError(w, http.StatusPreconditionFailed, "metrics not available")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"metrics": collector.GetSummary()})
}

// handleTimeSeries handles GET /v1/runs/{id}/metrics/timeseries. Every
// query parameter other than metric, start_time and end_time filters on
// the label of the same name.
func (s *HTTPServer) handleTimeSeries(w http.ResponseWriter, r *http.Request, runID string) {
	if _, ok := s.store.Get(runID); !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	collector, ok := s.store.GetCollector(runID)
	if !ok {
		s.writeError(w, http.StatusPreconditionFailed, "time-series metrics not available")
		return
	}

	q := r.URL.Query()
	var startTime, endTime time.Time
	var err error
	if v := q.Get("start_time"); v != "" {
		if startTime, err = parseTime(v); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid start_time format: "+err.Error())
			return
		}
	}
	if v := q.Get("end_time"); v != "" {
		if endTime, err = parseTime(v); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid end_time format: "+err.Error())
			return
		}
	}
	filter := make(map[string]string)
	for k := range q {
		switch k {
		case "metric", "start_time", "end_time":
		default:
			filter[k] = q.Get(k)
		}
	}

	names := collector.GetMetricNames()
	if m := q.Get("metric"); m != "" {
		names = []string{m}
	}
	var points []*models.MetricPoint
	for _, name := range names {
		for _, labels := range collector.GetLabelsForMetric(name) {
			if !matchesLabels(labels, filter) {
				continue
			}
			for _, p := range collector.GetTimeSeries(name, labels) {
				if !startTime.IsZero() && p.Timestamp.Before(startTime) {
					continue
				}
				if !endTime.IsZero() && p.Timestamp.After(endTime) {
					continue
				}
				points = append(points, p)
			}
		}
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	s.writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"points": pointsJSON(points),
	})
}

// handleExportRun handles GET /v1/runs/{id}/export
func (s *HTTPServer) handleExportRun(w http.ResponseWriter, _ *http.Request, runID string) {
	rec, ok := s.store.Get(runID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}

	export := map[string]any{"run": rec.Run}
	if rec.Input != nil {
		export["input"] = map[string]any{
			"kind":   rec.Input.Kind,
			"config": rec.Input.Config,
			"format": rec.Input.Format,
			"starts": rec.Input.Starts,
			"seed":   rec.Input.Seed,
		}
	}
	if rec.Result != nil {
		export["result"] = rec.Result
	}
	if collector, ok := s.store.GetCollector(runID); ok {
		if series := exportTimeSeriesData(collector); len(series) > 0 {
			export["time_series"] = series
		}
	}
	s.writeJSON(w, http.StatusOK, export)
}

// exportTimeSeriesData exports all time-series data from collector
func exportTimeSeriesData(collector *metrics.Collector) []map[string]any {
	var result []map[string]any
	for _, name := range collector.GetMetricNames() {
		var points []*models.MetricPoint
		for _, labels := range collector.GetLabelsForMetric(name) {
			points = append(points, collector.GetTimeSeries(name, labels)...)
		}
		if len(points) > 0 {
			result = append(result, map[string]any{
				"metric": name,
				"points": pointsJSON(points),
			})
		}
	}
	return result
}

func pointsJSON(points []*models.MetricPoint) []map[string]any {
	out := make([]map[string]any, 0, len(points))
	for _, p := range points {
		out = append(out, map[string]any{
			"timestamp": p.Timestamp.Format(time.RFC3339Nano),
			"metric":    p.Name,
			"value":     p.Value,
			"labels":    p.Labels,
		})
	}
	return out
}

func matchesLabels(labels, filter map[string]string) bool {
	for k, v := range filter {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// parseTime parses time from ISO 8601 or Unix milliseconds
func parseTime(timeStr string) (time.Time, error) {
	if unixMs, err := strconv.ParseInt(timeStr, 10, 64); err == nil {
		return time.UnixMilli(unixMs).UTC(), nil
	}
	for _, format := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(format, timeStr); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.New("unable to parse time format")
}

// Helper functions

func (s *HTTPServer) writeExecutorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRunNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrRunIDMissing):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrRunTerminal):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": message,
	})
}
