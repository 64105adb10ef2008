// Package run tracks one pipeline run: lifecycle status, per-stage logs,
// aggregate metrics, and the immutable config artifact written at boot.
// A Context is shared by every stage of its run and is safe for concurrent
// use by collect workers.
package run

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jobagent/leadpipe/internal/config"
	"github.com/jobagent/leadpipe/internal/pipeline"
	"github.com/jobagent/leadpipe/internal/progress"
)

// StageLog records one stage execution within a run.
type StageLog struct {
	Stage           string     `json:"stage"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Status          string     `json:"status"`
	ItemsIn         int        `json:"items_in"`
	ItemsOut        int        `json:"items_out"`
	Errors          []string   `json:"errors,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
}

// Context carries one run through all pipeline stages.
type Context struct {
	RunID     string
	StartedAt time.Time
	Config    config.Config
	Sources   []pipeline.SourceConfig

	clock  pipeline.Clock
	logger *zap.Logger
	events progress.Emitter

	mu          sync.Mutex
	status      pipeline.RunStatus
	completedAt *time.Time
	metrics     pipeline.RunMetrics
	stageLogs   []StageLog
}

// SetEmitter attaches the run-event emitter used for stage transitions.
// Call it before stages execute; a nil emitter disables emission.
func (c *Context) SetEmitter(events progress.Emitter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = events
}

// Boot allocates the run identity and writes the immutable config artifact
// before any stage executes. A runID of "" mints a fresh one. Artifact
// write failure is logged, never fatal: the run proceeds without it.
func Boot(cfg config.Config, sources []pipeline.SourceConfig, runID string, ids pipeline.IDGenerator, clock pipeline.Clock, logger *zap.Logger) (*Context, error) {
	startedAt := clock.Now()
	if runID == "" {
		id, err := ids.NewRunID(startedAt)
		if err != nil {
			return nil, fmt.Errorf("allocate run id: %w", err)
		}
		runID = id
	}

	rc := &Context{
		RunID:     runID,
		StartedAt: startedAt,
		Config:    cfg,
		Sources:   sources,
		clock:     clock,
		logger:    logger,
		status:    pipeline.RunStatusRunning,
	}

	if err := writeConfigArtifact(cfg, sources, runID, startedAt); err != nil {
		logger.Warn("config artifact write failed",
			zap.String("run_id", runID),
			zap.Error(err))
	}

	return rc, nil
}

// configArtifact is the immutable record of what one run was configured
// with, written as {run_id}_config.json.
type configArtifact struct {
	RunID     string                  `json:"run_id"`
	StartedAt time.Time               `json:"started_at"`
	Settings  config.Config           `json:"settings"`
	Sources   []pipeline.SourceConfig `json:"sources"`
}

func writeConfigArtifact(cfg config.Config, sources []pipeline.SourceConfig, runID string, startedAt time.Time) error {
	dir := cfg.Storage.ConfigSnapshotsDir
	if dir == "" {
		return fmt.Errorf("config snapshots dir not set")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create config snapshots dir: %w", err)
	}

	artifact := configArtifact{
		RunID:     runID,
		StartedAt: startedAt,
		Settings:  cfg.Redacted(),
		Sources:   sources,
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config artifact: %w", err)
	}

	path := filepath.Join(dir, runID+"_config.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config artifact: %w", err)
	}
	return nil
}

// StartStage appends an open stage log.
func (c *Context) StartStage(stage string, itemsIn int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	startedAt := c.clock.Now()
	c.stageLogs = append(c.stageLogs, StageLog{
		Stage:     stage,
		StartedAt: startedAt,
		Status:    "running",
		ItemsIn:   itemsIn,
	})
	c.emit(progress.Event{
		RunID:        c.RunID,
		TS:           startedAt,
		Kind:         progress.KindStageStart,
		Stage:        stage,
		StageStarted: startedAt,
		ItemsIn:      itemsIn,
	})
}

// CompleteStage closes the most recent open log for the named stage,
// recording outputs, errors, and duration. No-op when none is open.
func (c *Context) CompleteStage(stage string, itemsOut int, errs []string, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.stageLogs) - 1; i >= 0; i-- {
		log := &c.stageLogs[i]
		if log.Stage != stage || log.CompletedAt != nil {
			continue
		}
		now := c.clock.Now()
		log.CompletedAt = &now
		log.ItemsOut = itemsOut
		log.Status = status
		if len(errs) > 0 {
			log.Errors = errs
		}
		log.DurationSeconds = now.Sub(log.StartedAt).Seconds()
		c.emit(progress.Event{
			RunID:        c.RunID,
			TS:           now,
			Kind:         progress.KindStageDone,
			Stage:        stage,
			StageStatus:  status,
			StageStarted: log.StartedAt,
			ItemsIn:      log.ItemsIn,
			ItemsOut:     itemsOut,
			ErrorCount:   len(log.Errors),
			Dur:          now.Sub(log.StartedAt),
		})
		return
	}
}

// emit forwards one event when an emitter is attached. Emitters never block,
// so holding the run mutex here is safe.
func (c *Context) emit(evt progress.Event) {
	if c.events == nil {
		return
	}
	c.events.Emit(evt)
}

// AnnotateError appends message to the most recent open stage log, falling
// back to the last log when everything is closed. No-op on an empty run.
func (c *Context) AnnotateError(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stageLogs) == 0 {
		return
	}
	for i := len(c.stageLogs) - 1; i >= 0; i-- {
		if c.stageLogs[i].CompletedAt == nil {
			c.stageLogs[i].Errors = append(c.stageLogs[i].Errors, message)
			return
		}
	}
	last := &c.stageLogs[len(c.stageLogs)-1]
	last.Errors = append(last.Errors, message)
}

// CompleteRun marks the run terminal.
func (c *Context) CompleteRun(status pipeline.RunStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	now := c.clock.Now()
	c.completedAt = &now
}

// AddMetrics folds delta into the run counters.
func (c *Context) AddMetrics(delta pipeline.RunMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.NumFetchTasks += delta.NumFetchTasks
	c.metrics.NumSnapshotsSuccess += delta.NumSnapshotsSuccess
	c.metrics.NumSnapshotsFailed += delta.NumSnapshotsFailed
	c.metrics.NumParseSuccess += delta.NumParseSuccess
	c.metrics.NumParseFailed += delta.NumParseFailed
}

// Status returns the current run status.
func (c *Context) Status() pipeline.RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// CompletedAt returns the terminal timestamp, nil while running.
func (c *Context) CompletedAt() *time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completedAt == nil {
		return nil
	}
	t := *c.completedAt
	return &t
}

// Metrics returns a copy of the aggregate counters.
func (c *Context) Metrics() pipeline.RunMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// StageLogs returns a copy of the stage logs in execution order.
func (c *Context) StageLogs() []StageLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	logs := make([]StageLog, len(c.stageLogs))
	copy(logs, c.stageLogs)
	for i := range logs {
		if c.stageLogs[i].CompletedAt != nil {
			t := *c.stageLogs[i].CompletedAt
			logs[i].CompletedAt = &t
		}
		logs[i].Errors = append([]string(nil), c.stageLogs[i].Errors...)
	}
	return logs
}
