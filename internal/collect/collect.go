// Package collect implements the fetch stage: a bounded worker pool drains
// planned tasks through one shared rate-limited session and folds every
// result, success or failure, into a durable snapshot.
package collect

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jobagent/leadpipe/internal/pipeline"
	"github.com/jobagent/leadpipe/internal/run"
)

// SessionFactory builds the fetch session for one stage execution. All
// workers of that execution share the session and its rate limiter.
type SessionFactory func() (pipeline.Fetcher, error)

// Stage fetches planned tasks and persists snapshots.
type Stage struct {
	newSession  SessionFactory
	store       pipeline.SnapshotStore
	hasher      pipeline.Hasher
	ids         pipeline.IDGenerator
	clock       pipeline.Clock
	publisher   pipeline.Publisher
	concurrency int
	logger      *zap.Logger
}

// NewStage wires the collect stage. A nil publisher disables event
// publishing; concurrency below one runs sequentially.
func NewStage(
	newSession SessionFactory,
	store pipeline.SnapshotStore,
	hasher pipeline.Hasher,
	ids pipeline.IDGenerator,
	clock pipeline.Clock,
	publisher pipeline.Publisher,
	concurrency int,
	logger *zap.Logger,
) *Stage {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Stage{
		newSession:  newSession,
		store:       store,
		hasher:      hasher,
		ids:         ids,
		clock:       clock,
		publisher:   publisher,
		concurrency: concurrency,
		logger:      logger.Named("collect"),
	}
}

type collectResult struct {
	processed bool
	stored    bool
	snapshot  pipeline.Snapshot
	err       string
}

// Run fetches every task and stores one snapshot per task, failed fetches
// included. Item-level failures never abort the stage; the stage log is
// marked failed when nothing was stored, but an error comes back only when
// the session cannot be built or the context ends.
// Snapshots come back in task order regardless of worker interleaving.
func (s *Stage) Run(ctx context.Context, rc *run.Context, tasks []pipeline.FetchTask) ([]pipeline.Snapshot, error) {
	rc.StartStage("collect", len(tasks))
	s.logger.Info("collect stage starting",
		zap.String("run_id", rc.RunID),
		zap.Int("tasks", len(tasks)),
		zap.Int("concurrency", s.concurrency))

	fetcher, err := s.newSession()
	if err != nil {
		rc.CompleteStage("collect", 0, []string{fmt.Sprintf("fetch session: %v", err)}, "failed")
		return nil, fmt.Errorf("build fetch session: %w", err)
	}

	results := make([]collectResult, len(tasks))
	taskCh := make(chan int)
	var wg sync.WaitGroup

	workers := s.concurrency
	if workers > len(tasks) {
		workers = len(tasks)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range taskCh {
				results[idx] = s.collectOne(ctx, fetcher, rc, tasks[idx])
			}
		}()
	}

feed:
	for idx := range tasks {
		select {
		case taskCh <- idx:
		case <-ctx.Done():
			break feed
		}
	}
	close(taskCh)
	wg.Wait()

	snapshots := make([]pipeline.Snapshot, 0, len(tasks))
	var errs []string
	for _, res := range results {
		if !res.processed {
			continue
		}
		if res.stored {
			snapshots = append(snapshots, res.snapshot)
		}
		if res.err != "" {
			errs = append(errs, res.err)
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		errs = append(errs, fmt.Sprintf("collect interrupted: %v", ctxErr))
		rc.CompleteStage("collect", len(snapshots), errs, "failed")
		return snapshots, fmt.Errorf("collect interrupted: %w", ctxErr)
	}

	status := "completed"
	if len(snapshots) == 0 {
		status = "failed"
	}
	rc.CompleteStage("collect", len(snapshots), errs, status)
	s.logger.Info("collect stage done",
		zap.Int("snapshots", len(snapshots)),
		zap.Int("errors", len(errs)),
		zap.String("status", status))
	return snapshots, nil
}

func (s *Stage) collectOne(ctx context.Context, fetcher pipeline.Fetcher, rc *run.Context, task pipeline.FetchTask) collectResult {
	s.logger.Debug("fetching",
		zap.String("source_id", task.SourceID),
		zap.String("url", task.URL))
	result := fetcher.Fetch(ctx, task)
	s.logger.Debug("fetched",
		zap.String("source_id", task.SourceID),
		zap.Int("status_code", result.StatusCode),
		zap.Int("bytes", len(result.Content)),
		zap.Int64("duration_ms", result.DurationMS),
		zap.Bool("headless", result.UsedHeadless))

	snapshot, err := s.buildSnapshot(rc.RunID, task, result)
	if err != nil {
		return collectResult{processed: true, err: fmt.Sprintf("%s: %v", task.SourceID, err)}
	}

	stored, err := s.store.Save(ctx, snapshot, result.Content)
	if err != nil {
		s.logger.Error("snapshot save failed",
			zap.String("source_id", task.SourceID),
			zap.Error(err))
		return collectResult{processed: true, err: fmt.Sprintf("%s: %v", task.SourceID, err)}
	}

	if stored.Success {
		rc.AddMetrics(pipeline.RunMetrics{NumSnapshotsSuccess: 1})
	} else {
		rc.AddMetrics(pipeline.RunMetrics{NumSnapshotsFailed: 1})
	}

	s.publishStored(ctx, stored)

	res := collectResult{processed: true, stored: true, snapshot: stored}
	if !result.Success {
		errText := result.Error
		if errText == "" {
			errText = fmt.Sprintf("HTTP %d", result.StatusCode)
		}
		res.err = fmt.Sprintf("%s: %s", task.SourceID, errText)
	}
	return res
}

// buildSnapshot folds one fetch result into the evidence record. The hash
// covers the raw bytes only; empty bodies carry no hash.
func (s *Stage) buildSnapshot(runID string, task pipeline.FetchTask, result pipeline.FetchResult) (pipeline.Snapshot, error) {
	snapshotID, err := s.ids.NewSnapshotID()
	if err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("allocate snapshot id: %w", err)
	}

	canonical, err := pipeline.CanonicalizeURL(task.URL)
	if err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("canonicalize url: %w", err)
	}

	contentHash := ""
	if len(result.Content) > 0 {
		contentHash, err = s.hasher.Hash(result.Content)
		if err != nil {
			return pipeline.Snapshot{}, fmt.Errorf("hash content: %w", err)
		}
	}

	return pipeline.Snapshot{
		SnapshotID:    snapshotID,
		RunID:         runID,
		SourceID:      task.SourceID,
		SourceType:    task.SourceType,
		OriginalURL:   task.OriginalURL,
		CanonicalURL:  canonical,
		FetchedAt:     s.clock.Now(),
		StatusCode:    result.StatusCode,
		Success:       result.Success,
		ContentHash:   contentHash,
		ContentType:   result.ContentType,
		ContentLength: len(result.Content),
		DurationMS:    result.DurationMS,
		Error:         result.Error,
		Headers:       result.Headers,
		Metadata:      task.Metadata,
	}, nil
}

// publishStored emits snapshot.stored after the durable write. Publish
// failures are logged, never fatal to the run.
func (s *Stage) publishStored(ctx context.Context, snapshot pipeline.Snapshot) {
	if s.publisher == nil {
		return
	}
	payload := map[string]any{
		"run_id":        snapshot.RunID,
		"snapshot_id":   snapshot.SnapshotID,
		"source_id":     snapshot.SourceID,
		"canonical_url": snapshot.CanonicalURL,
		"status_code":   snapshot.StatusCode,
		"success":       snapshot.Success,
		"content_hash":  snapshot.ContentHash,
	}
	if _, err := s.publisher.Publish(ctx, pipeline.EventSnapshotStored, payload); err != nil {
		s.logger.Warn("snapshot event publish failed",
			zap.String("snapshot_id", snapshot.SnapshotID),
			zap.Error(err))
	}
}
