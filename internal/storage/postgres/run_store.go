// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobagent/leadpipe/internal/pipeline"
	"github.com/jobagent/leadpipe/internal/store"
)

// Config controls the Postgres connection pool used by the run registry.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RunStore implements store.RunRepository against the pipeline_runs and
// run_stages tables.
type RunStore struct {
	pool dbPool
}

// NewRunStore creates a Postgres-backed run registry using the provided config.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool dbPool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertRunPending registers a queued run. Conflicts are ignored so a run
// that already started is never demoted back to pending.
func (s *RunStore) UpsertRunPending(ctx context.Context, runID string, submittedAt time.Time) error {
	query := `
		INSERT INTO pipeline_runs (run_id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, query, runID, submittedAt, pipeline.RunStatusPending)
	if err != nil {
		return fmt.Errorf("failed to upsert run pending: %w", err)
	}
	return nil
}

// UpsertRunStart inserts the run as running, or promotes a pending row and
// refreshes its started_at.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID string, startedAt time.Time) error {
	query := `
		INSERT INTO pipeline_runs (run_id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO UPDATE
		SET started_at = EXCLUDED.started_at, status = EXCLUDED.status;
	`
	_, err := s.pool.Exec(ctx, query, runID, startedAt, pipeline.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks the run terminal with its final status and metrics.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID string,
	completedAt time.Time,
	status pipeline.RunStatus,
	errMsg *string,
	metrics pipeline.RunMetrics,
) error {
	query := `
		UPDATE pipeline_runs
		SET completed_at = $1, status = $2, error_message = $3,
			num_fetch_tasks = $4, num_snapshots_success = $5, num_snapshots_failed = $6,
			num_parse_success = $7, num_parse_failed = $8
		WHERE run_id = $9;
	`
	_, err := s.pool.Exec(ctx, query,
		completedAt,
		status,
		errMsg,
		metrics.NumFetchTasks,
		metrics.NumSnapshotsSuccess,
		metrics.NumSnapshotsFailed,
		metrics.NumParseSuccess,
		metrics.NumParseFailed,
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// UpsertStage inserts or updates one stage row keyed by (run_id, stage, started_at).
func (s *RunStore) UpsertStage(ctx context.Context, rec store.StageRecord) error {
	query := `
		INSERT INTO run_stages (run_id, stage, status, items_in, items_out, error_count, duration_seconds, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, stage, started_at) DO UPDATE
		SET status = EXCLUDED.status,
			items_in = EXCLUDED.items_in,
			items_out = EXCLUDED.items_out,
			error_count = EXCLUDED.error_count,
			duration_seconds = EXCLUDED.duration_seconds,
			completed_at = EXCLUDED.completed_at;
	`
	_, err := s.pool.Exec(ctx, query,
		rec.RunID,
		rec.Stage,
		rec.Status,
		rec.ItemsIn,
		rec.ItemsOut,
		rec.ErrorCount,
		rec.DurationSeconds,
		rec.StartedAt,
		rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert stage: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (store.RunRecord, error) {
	query := `
		SELECT run_id, started_at, completed_at, status, error_message,
			num_fetch_tasks, num_snapshots_success, num_snapshots_failed,
			num_parse_success, num_parse_failed
		FROM pipeline_runs
		WHERE run_id = $1;
	`
	var rec store.RunRecord
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&rec.RunID,
		&rec.StartedAt,
		&rec.CompletedAt,
		&rec.Status,
		&rec.ErrorMessage,
		&rec.Metrics.NumFetchTasks,
		&rec.Metrics.NumSnapshotsSuccess,
		&rec.Metrics.NumSnapshotsFailed,
		&rec.Metrics.NumParseSuccess,
		&rec.Metrics.NumParseFailed,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return store.RunRecord{}, store.ErrNotFound
		}
		return store.RunRecord{}, fmt.Errorf("failed to get run: %w", err)
	}
	return rec, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *pipeline.RunStatus,
	limit,
	offset int,
) ([]store.RunRecord, error) {
	query := `
		SELECT run_id, started_at, completed_at, status, error_message,
			num_fetch_tasks, num_snapshots_success, num_snapshots_failed,
			num_parse_success, num_parse_failed
		FROM pipeline_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var recs []store.RunRecord
	for rows.Next() {
		var rec store.RunRecord
		err := rows.Scan(
			&rec.RunID,
			&rec.StartedAt,
			&rec.CompletedAt,
			&rec.Status,
			&rec.ErrorMessage,
			&rec.Metrics.NumFetchTasks,
			&rec.Metrics.NumSnapshotsSuccess,
			&rec.Metrics.NumSnapshotsFailed,
			&rec.Metrics.NumParseSuccess,
			&rec.Metrics.NumParseFailed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run rows: %w", err)
	}
	return recs, nil
}

// ListRunStages retrieves stage rows for a run in start order.
func (s *RunStore) ListRunStages(ctx context.Context, runID string) ([]store.StageRecord, error) {
	query := `
		SELECT run_id, stage, status, items_in, items_out, error_count, duration_seconds, started_at, completed_at
		FROM run_stages
		WHERE run_id = $1
		ORDER BY started_at ASC;
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run stages: %w", err)
	}
	defer rows.Close()

	var recs []store.StageRecord
	for rows.Next() {
		var rec store.StageRecord
		err := rows.Scan(
			&rec.RunID,
			&rec.Stage,
			&rec.Status,
			&rec.ItemsIn,
			&rec.ItemsOut,
			&rec.ErrorCount,
			&rec.DurationSeconds,
			&rec.StartedAt,
			&rec.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stage rows: %w", err)
	}
	return recs, nil
}
