package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jobagent/leadpipe/internal/pipeline"
	"github.com/jobagent/leadpipe/internal/store"
)

// RunStore is an in-memory run registry for development and tests.
type RunStore struct {
	mu     sync.RWMutex
	runs   map[string]store.RunRecord
	stages map[string][]store.StageRecord
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:   make(map[string]store.RunRecord),
		stages: make(map[string][]store.StageRecord),
	}
}

// UpsertRunPending registers a queued run; existing rows are left untouched
// so a run already started is never demoted.
func (s *RunStore) UpsertRunPending(_ context.Context, runID string, submittedAt time.Time) error {
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; ok {
		return nil
	}
	s.runs[runID] = store.RunRecord{
		RunID:     runID,
		StartedAt: submittedAt,
		Status:    pipeline.RunStatusPending,
	}
	return nil
}

// UpsertRunStart records the run as running from startedAt.
func (s *RunStore) UpsertRunStart(_ context.Context, runID string, startedAt time.Time) error {
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[runID]
	if !ok {
		rec = store.RunRecord{RunID: runID}
	}
	rec.StartedAt = startedAt
	rec.Status = pipeline.RunStatusRunning
	s.runs[runID] = rec
	return nil
}

// CompleteRun marks the run terminal with its final metrics.
func (s *RunStore) CompleteRun(_ context.Context, runID string, completedAt time.Time, status pipeline.RunStatus, errMsg *string, metrics pipeline.RunMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	rec.CompletedAt = &completedAt
	rec.Status = status
	rec.ErrorMessage = errMsg
	rec.Metrics = metrics
	s.runs[runID] = rec
	return nil
}

// UpsertStage inserts or replaces one stage row keyed by (run, stage, start).
func (s *RunStore) UpsertStage(_ context.Context, rec store.StageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.stages[rec.RunID]
	for i, existing := range rows {
		if existing.Stage == rec.Stage && existing.StartedAt.Equal(rec.StartedAt) {
			rows[i] = rec
			return nil
		}
	}
	s.stages[rec.RunID] = append(rows, rec)
	return nil
}

// GetRun loads one run record.
func (s *RunStore) GetRun(_ context.Context, runID string) (store.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[runID]
	if !ok {
		return store.RunRecord{}, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return rec, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *RunStore) ListRuns(_ context.Context, status *pipeline.RunStatus, limit, offset int) ([]store.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		if status != nil && rec.Status != *status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ListRunStages returns the run's stage rows in start order.
func (s *RunStore) ListRunStages(_ context.Context, runID string) ([]store.StageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.stages[runID]
	out := make([]store.StageRecord, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}
