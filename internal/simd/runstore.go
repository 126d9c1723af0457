package simd

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/metrics"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/utils"
)

// eventBuffer is the per-subscriber queue length; slow subscribers lose
// progress events but never status changes of a finished run
const eventBuffer = 64

// RunInput is what a client submits for a run
type RunInput struct {
	Kind models.RunKind `json:"kind"`
	// Config is the problem description in YAML or INI
	Config string `json:"config"`
	Format string `json:"format,omitempty"`
	// Starts is the number of starting designs of an optimize run
	Starts int `json:"starts,omitempty"`
	// Seed drives the random starting designs and the finite-difference sample
	Seed           int64  `json:"seed,omitempty"`
	CallbackURL    string `json:"callback_url,omitempty"`
	CallbackSecret string `json:"callback_secret,omitempty"`
}

// RunRecord is a snapshot of one run. Result holds a *models.GradientReport,
// *models.FDReport or *models.OptimizationReport once the run completes.
type RunRecord struct {
	Run    models.Run
	Input  *RunInput
	Result any
}

// RunEvent is pushed to subscribers on every status or progress change
type RunEvent struct {
	Type     string           `json:"type"` // status or progress
	RunID    string           `json:"run_id"`
	At       time.Time        `json:"at"`
	Status   models.RunStatus `json:"status"`
	Progress *models.Progress `json:"progress,omitempty"`
}

type runEntry struct {
	run       models.Run
	input     *RunInput
	result    any
	collector *metrics.Collector
	subs      map[chan RunEvent]struct{}
}

// RunStore keeps every run in memory
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]*runEntry
}

func NewRunStore() *RunStore {
	return &RunStore{
		runs: make(map[string]*runEntry),
	}
}

func (e *runEntry) snapshot() *RunRecord {
	run := e.run
	if e.run.Progress != nil {
		p := *e.run.Progress
		run.Progress = &p
	}
	return &RunRecord{Run: run, Input: e.input, Result: e.result}
}

func (s *RunStore) Create(runID string, input *RunInput) (*RunRecord, error) {
	if input == nil {
		return nil, models.NewConfigurationError("input", "is required")
	}
	kind := input.Kind
	if kind == "" {
		kind = models.RunKindGradient
	}
	switch kind {
	case models.RunKindGradient, models.RunKindFDCheck, models.RunKindOptimize:
	default:
		return nil, models.NewConfigurationError("kind", "unknown run kind %q", kind)
	}
	if strings.ContainsAny(runID, "/:") {
		return nil, models.NewConfigurationError("run_id", "cannot contain '/' or ':'")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if runID == "" {
		runID = utils.GenerateRunID()
	}
	if _, exists := s.runs[runID]; exists {
		return nil, fmt.Errorf("run already exists: %s", runID)
	}

	in := *input
	in.Kind = kind
	e := &runEntry{
		run: models.Run{
			ID:        runID,
			Kind:      kind,
			Status:    models.RunStatusPending,
			CreatedAt: time.Now().UTC(),
		},
		input: &in,
		subs:  make(map[chan RunEvent]struct{}),
	}
	s.runs[runID] = e
	return e.snapshot(), nil
}

func (s *RunStore) Get(runID string) (*RunRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[runID]
	if !ok {
		return nil, false
	}
	return e.snapshot(), true
}

// List returns runs newest first, optionally filtered by status
func (s *RunStore) List(limit, offset int, status models.RunStatus) []*RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	out := make([]*RunRecord, 0, len(s.runs))
	for _, e := range s.runs {
		if status != "" && e.run.Status != status {
			continue
		}
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Run.CreatedAt.Equal(out[j].Run.CreatedAt) {
			return out[i].Run.ID < out[j].Run.ID
		}
		return out[i].Run.CreatedAt.After(out[j].Run.CreatedAt)
	})
	if offset >= len(out) {
		return []*RunRecord{}
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SetStatus moves a run to status. Terminal runs never change again.
func (s *RunStore) SetStatus(runID string, status models.RunStatus, errMsg string) (*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if e.run.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, e.run.Status)
	}

	e.run.Status = status
	if errMsg != "" {
		e.run.Error = errMsg
	}
	now := time.Now().UTC()
	switch status {
	case models.RunStatusRunning:
		if e.run.StartedAt.IsZero() {
			e.run.StartedAt = now
		}
	case models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled:
		e.run.EndedAt = now
		if !e.run.StartedAt.IsZero() {
			e.run.Duration = now.Sub(e.run.StartedAt)
		}
	}

	s.publishLocked(e, RunEvent{Type: "status", RunID: runID, At: now, Status: status, Progress: e.run.Progress})
	if status.IsTerminal() {
		for ch := range e.subs {
			close(ch)
		}
		e.subs = make(map[chan RunEvent]struct{})
	}
	return e.snapshot(), nil
}

// SetProgress records the latest progress snapshot of a running run
func (s *RunStore) SetProgress(runID string, p models.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if e.run.Status.IsTerminal() {
		return nil
	}
	e.run.Progress = &p
	s.publishLocked(e, RunEvent{Type: "progress", RunID: runID, At: time.Now().UTC(), Status: e.run.Status, Progress: &p})
	return nil
}

func (s *RunStore) SetResult(runID string, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	e.result = result
	return nil
}

func (s *RunStore) SetCollector(runID string, c *metrics.Collector) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	e.collector = c
	return nil
}

func (s *RunStore) GetCollector(runID string) (*metrics.Collector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[runID]
	if !ok || e.collector == nil {
		return nil, false
	}
	return e.collector, true
}

// Subscribe returns the current state of a run and a channel of later
// events. The channel is closed once the run is terminal, or immediately
// when it already is. cancel releases the subscription.
func (s *RunStore) Subscribe(runID string) (*RunRecord, <-chan RunEvent, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[runID]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	ch := make(chan RunEvent, eventBuffer)
	if e.run.Status.IsTerminal() {
		close(ch)
		return e.snapshot(), ch, func() {}, nil
	}
	e.subs[ch] = struct{}{}
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, live := e.subs[ch]; live {
			delete(e.subs, ch)
			close(ch)
		}
	}
	return e.snapshot(), ch, cancel, nil
}

// publishLocked fans ev out without blocking; caller must hold s.mu
func (s *RunStore) publishLocked(e *runEntry, ev RunEvent) {
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			if ev.Type == "status" {
				// make room so the final status is never lost
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- ev:
				default:
				}
			}
		}
	}
}
