package store

import (
	"context"
	"errors"
	"time"

	"github.com/jobagent/leadpipe/internal/pipeline"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunRecord models the pipeline_runs table for API responses.
type RunRecord struct {
	// RunID is the sharding key shared with snapshot and parse storage.
	RunID string
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// CompletedAt is nil until the run reaches a terminal status.
	CompletedAt *time.Time
	// Status is pending/running/completed/failed.
	Status pipeline.RunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
	// Metrics holds the aggregate counters at last write.
	Metrics pipeline.RunMetrics
}

// StageRecord models the run_stages table: one row per stage execution.
type StageRecord struct {
	RunID           string
	Stage           string
	Status          string
	ItemsIn         int
	ItemsOut        int
	ErrorCount      int
	DurationSeconds float64
	StartedAt       time.Time
	CompletedAt     *time.Time
}

// RunRepository persists run lifecycle progress for the summary API.
type RunRepository interface {
	// UpsertRunPending registers a queued run; it never demotes a run that
	// has already started.
	UpsertRunPending(ctx context.Context, runID string, submittedAt time.Time) error
	// UpsertRunStart inserts (or idempotently updates) the run's started_at.
	UpsertRunStart(ctx context.Context, runID string, startedAt time.Time) error
	// CompleteRun marks the run terminal with its final metrics.
	CompleteRun(ctx context.Context, runID string, completedAt time.Time, status pipeline.RunStatus, errMsg *string, metrics pipeline.RunMetrics) error
	// UpsertStage inserts or updates one stage row keyed by (run_id, stage, started_at).
	UpsertStage(ctx context.Context, rec StageRecord) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID string) (RunRecord, error)
	// ListRuns returns runs filtered by optional status plus limit/offset,
	// newest first.
	ListRuns(ctx context.Context, status *pipeline.RunStatus, limit, offset int) ([]RunRecord, error)
	// ListRunStages returns stage rows for one run in start order.
	ListRunStages(ctx context.Context, runID string) ([]StageRecord, error)
}
