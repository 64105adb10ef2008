package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jobagent/leadpipe/internal/pipeline"
	"github.com/jobagent/leadpipe/internal/store"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	runID := "20260314_092653_deadbeef"
	started := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	if err := s.UpsertRunStart(ctx, runID, started); err != nil {
		t.Fatalf("UpsertRunStart() error = %v", err)
	}

	rec, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if rec.Status != pipeline.RunStatusRunning || !rec.StartedAt.Equal(started) {
		t.Fatalf("unexpected record after start: %+v", rec)
	}

	stage := store.StageRecord{
		RunID:     runID,
		Stage:     "collect",
		Status:    "running",
		ItemsIn:   3,
		StartedAt: started.Add(time.Second),
	}
	if err := s.UpsertStage(ctx, stage); err != nil {
		t.Fatalf("UpsertStage() error = %v", err)
	}
	done := started.Add(5 * time.Second)
	stage.Status = "completed"
	stage.ItemsOut = 3
	stage.CompletedAt = &done
	if err := s.UpsertStage(ctx, stage); err != nil {
		t.Fatalf("UpsertStage() update error = %v", err)
	}

	stages, err := s.ListRunStages(ctx, runID)
	if err != nil {
		t.Fatalf("ListRunStages() error = %v", err)
	}
	if len(stages) != 1 || stages[0].Status != "completed" || stages[0].ItemsOut != 3 {
		t.Fatalf("expected stage upsert to replace row, got %+v", stages)
	}

	errMsg := "boom"
	metrics := pipeline.RunMetrics{NumFetchTasks: 3, NumSnapshotsSuccess: 2, NumSnapshotsFailed: 1}
	if err := s.CompleteRun(ctx, runID, done, pipeline.RunStatusFailed, &errMsg, metrics); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}

	final, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun() final error = %v", err)
	}
	if final.Status != pipeline.RunStatusFailed || final.CompletedAt == nil || final.ErrorMessage == nil {
		t.Fatalf("expected terminal fields set, got %+v", final)
	}
	if final.Metrics.NumSnapshotsFailed != 1 {
		t.Fatalf("expected metrics to persist, got %+v", final.Metrics)
	}
}

func TestRunStorePendingPromotion(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	submitted := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)

	if err := s.UpsertRunPending(ctx, "run-q", submitted); err != nil {
		t.Fatalf("UpsertRunPending() error = %v", err)
	}
	rec, err := s.GetRun(ctx, "run-q")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if rec.Status != pipeline.RunStatusPending {
		t.Fatalf("expected pending, got %+v", rec)
	}

	started := submitted.Add(30 * time.Second)
	if err := s.UpsertRunStart(ctx, "run-q", started); err != nil {
		t.Fatalf("UpsertRunStart() error = %v", err)
	}
	rec, err = s.GetRun(ctx, "run-q")
	if err != nil {
		t.Fatalf("GetRun() after start error = %v", err)
	}
	if rec.Status != pipeline.RunStatusRunning || !rec.StartedAt.Equal(started) {
		t.Fatalf("expected running from %v, got %+v", started, rec)
	}

	if err := s.UpsertRunPending(ctx, "run-q", submitted); err != nil {
		t.Fatalf("UpsertRunPending() repeat error = %v", err)
	}
	rec, _ = s.GetRun(ctx, "run-q")
	if rec.Status != pipeline.RunStatusRunning {
		t.Fatalf("pending upsert demoted run: %+v", rec)
	}
}

func TestRunStoreNotFound(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.CompleteRun(ctx, "missing", time.Now(), pipeline.RunStatusCompleted, nil, pipeline.RunMetrics{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunStoreListRunsFiltersAndPaginates(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	ids := []string{"run-a", "run-b", "run-c"}
	for i, id := range ids {
		if err := s.UpsertRunStart(ctx, id, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("UpsertRunStart(%s) error = %v", id, err)
		}
	}
	if err := s.CompleteRun(ctx, "run-b", base.Add(time.Hour), pipeline.RunStatusCompleted, nil, pipeline.RunMetrics{}); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}

	all, err := s.ListRuns(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(all) != 3 || all[0].RunID != "run-c" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	completed := pipeline.RunStatusCompleted
	filtered, err := s.ListRuns(ctx, &completed, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns(completed) error = %v", err)
	}
	if len(filtered) != 1 || filtered[0].RunID != "run-b" {
		t.Fatalf("expected only run-b, got %+v", filtered)
	}

	page, err := s.ListRuns(ctx, nil, 1, 1)
	if err != nil {
		t.Fatalf("ListRuns(page) error = %v", err)
	}
	if len(page) != 1 || page[0].RunID != "run-b" {
		t.Fatalf("expected second newest, got %+v", page)
	}

	empty, err := s.ListRuns(ctx, nil, 10, 99)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty page, got %v err %v", empty, err)
	}
}
