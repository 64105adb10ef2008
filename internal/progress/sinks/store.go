package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jobagent/leadpipe/internal/pipeline"
	"github.com/jobagent/leadpipe/internal/progress"
	"github.com/jobagent/leadpipe/internal/store"
)

// StoreSink persists run lifecycle events via a store.RunRepository. Stage
// rows are collapsed per batch to reduce write amplification: only the most
// recent state of each stage execution is written.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies run lifecycle events in order, then flushes the collapsed
// stage rows. It respects ctx deadlines and returns repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stages := make(map[stageKey]store.StageRecord)

	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindRunStart, progress.KindRunDone, progress.KindRunError:
			if err := s.handleRunEvent(ctx, evt); err != nil {
				return err
			}
		case progress.KindStageStart, progress.KindStageDone:
			recordStage(stages, evt)
		}
	}

	for _, rec := range stages {
		if err := s.repo.UpsertStage(ctx, rec); err != nil {
			return fmt.Errorf("upsert stage: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) handleRunEvent(ctx context.Context, evt progress.Event) error {
	switch evt.Kind {
	case progress.KindRunStart:
		if err := s.repo.UpsertRunStart(ctx, evt.RunID, evt.TS); err != nil {
			return fmt.Errorf("upsert run start: %w", err)
		}
	case progress.KindRunDone:
		if err := s.repo.CompleteRun(ctx, evt.RunID, evt.TS, pipeline.RunStatusCompleted, nil, evt.Metrics); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	case progress.KindRunError:
		var errMsg *string
		if evt.Note != "" {
			errMsg = &evt.Note
		}
		if err := s.repo.CompleteRun(ctx, evt.RunID, evt.TS, pipeline.RunStatusFailed, errMsg, evt.Metrics); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

func recordStage(stages map[stageKey]store.StageRecord, evt progress.Event) {
	started := evt.StageStarted
	if started.IsZero() {
		started = evt.TS
	}
	rec := store.StageRecord{
		RunID:     evt.RunID,
		Stage:     evt.Stage,
		ItemsIn:   evt.ItemsIn,
		StartedAt: started,
	}
	if evt.Kind == progress.KindStageDone {
		completed := evt.TS
		rec.Status = evt.StageStatus
		rec.ItemsOut = evt.ItemsOut
		rec.ErrorCount = evt.ErrorCount
		rec.DurationSeconds = evt.Dur.Seconds()
		rec.CompletedAt = &completed
	} else {
		rec.Status = "running"
	}

	key := stageKey{runID: evt.RunID, stage: evt.Stage, started: started.UnixNano()}
	// Never demote a closed stage row back to running.
	if existing, ok := stages[key]; ok && existing.CompletedAt != nil && rec.CompletedAt == nil {
		return
	}
	stages[key] = rec
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type stageKey struct {
	runID   string
	stage   string
	started int64
}
