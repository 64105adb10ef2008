// Package orchestrator sequences one pipeline run end to end: source
// planning, rate-limited collection, and structured parsing. It owns the
// run lifecycle and publishes run-level events; stage internals live in
// their own packages.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jobagent/leadpipe/internal/config"
	"github.com/jobagent/leadpipe/internal/metrics"
	"github.com/jobagent/leadpipe/internal/pipeline"
	"github.com/jobagent/leadpipe/internal/progress"
	"github.com/jobagent/leadpipe/internal/run"
)

// SourcePlanner resolves configured sources into fetch tasks.
type SourcePlanner interface {
	Plan(rc *run.Context) []pipeline.FetchTask
}

// Collector executes planned fetches and persists snapshots.
type Collector interface {
	Run(ctx context.Context, rc *run.Context, tasks []pipeline.FetchTask) ([]pipeline.Snapshot, error)
}

// Parser turns stored snapshots into structured company profiles.
type Parser interface {
	Run(ctx context.Context, rc *run.Context, snapshots []pipeline.Snapshot) (pipeline.ParseSummary, error)
}

// Runner drives one pipeline run through every stage.
type Runner struct {
	cfg     config.Config
	sources []pipeline.SourceConfig
	planner SourcePlanner
	collect Collector
	parse   Parser
	ids     pipeline.IDGenerator
	clock   pipeline.Clock
	events  progress.Emitter
	logger  *zap.Logger
}

// New wires a Runner. A nil events emitter disables run-event publication.
func New(
	cfg config.Config,
	sources []pipeline.SourceConfig,
	planner SourcePlanner,
	collect Collector,
	parse Parser,
	ids pipeline.IDGenerator,
	clock pipeline.Clock,
	events progress.Emitter,
	logger *zap.Logger,
) *Runner {
	return &Runner{
		cfg:     cfg,
		sources: sources,
		planner: planner,
		collect: collect,
		parse:   parse,
		ids:     ids,
		clock:   clock,
		events:  events,
		logger:  logger,
	}
}

// Run executes one full pipeline run. A runID of "" mints a fresh one.
// The returned context carries stage logs and metrics even when the run
// fails; callers inspect it for reporting.
func (r *Runner) Run(ctx context.Context, runID string) (*run.Context, error) {
	rc, err := run.Boot(r.cfg, r.sources, runID, r.ids, r.clock, r.logger)
	if err != nil {
		return nil, err
	}
	rc.SetEmitter(r.events)

	r.logger.Info("run started",
		zap.String("run_id", rc.RunID),
		zap.Int("sources", len(r.sources)))
	r.emit(progress.Event{
		RunID: rc.RunID,
		TS:    rc.StartedAt,
		Kind:  progress.KindRunStart,
	})

	tasks := r.planner.Plan(rc)
	if len(tasks) == 0 {
		r.logger.Info("no fetch tasks planned", zap.String("run_id", rc.RunID))
		r.finish(rc)
		return rc, nil
	}

	snapshots, err := r.collect.Run(ctx, rc, tasks)
	if err != nil {
		return rc, r.fail(rc, err)
	}
	r.emitFetches(rc, snapshots)

	summary, err := r.parse.Run(ctx, rc, snapshots)
	if err != nil {
		return rc, r.fail(rc, err)
	}
	r.emitParses(rc, summary)

	r.finish(rc)
	return rc, nil
}

// Plan boots a run context and executes only the planning stage: the caller
// gets the tasks a real run would fetch, nothing touches the network. No
// run events are emitted and the registry is left untouched.
func (r *Runner) Plan(runID string) (*run.Context, []pipeline.FetchTask, error) {
	rc, err := run.Boot(r.cfg, r.sources, runID, r.ids, r.clock, r.logger)
	if err != nil {
		return nil, nil, err
	}
	tasks := r.planner.Plan(rc)
	return rc, tasks, nil
}

// finish marks the run completed and publishes the terminal event.
func (r *Runner) finish(rc *run.Context) {
	rc.CompleteRun(pipeline.RunStatusCompleted)
	completedAt := r.terminalTime(rc)
	m := rc.Metrics()
	r.emit(progress.Event{
		RunID:   rc.RunID,
		TS:      completedAt,
		Kind:    progress.KindRunDone,
		Dur:     completedAt.Sub(rc.StartedAt),
		Metrics: m,
	})
	r.logger.Info("run completed",
		zap.String("run_id", rc.RunID),
		zap.Int("fetch_tasks", m.NumFetchTasks),
		zap.Int("snapshots_success", m.NumSnapshotsSuccess),
		zap.Int("snapshots_failed", m.NumSnapshotsFailed),
		zap.Int("parse_success", m.NumParseSuccess),
		zap.Int("parse_failed", m.NumParseFailed))
}

// fail marks the run failed, annotates the trailing stage log with the
// error text, and publishes the terminal event. The error comes back
// unwrapped so callers see exactly what the stage reported.
func (r *Runner) fail(rc *run.Context, err error) error {
	rc.AnnotateError(err.Error())
	rc.CompleteRun(pipeline.RunStatusFailed)
	completedAt := r.terminalTime(rc)
	r.emit(progress.Event{
		RunID:   rc.RunID,
		TS:      completedAt,
		Kind:    progress.KindRunError,
		Dur:     completedAt.Sub(rc.StartedAt),
		Note:    err.Error(),
		Metrics: rc.Metrics(),
	})
	r.logger.Error("run failed",
		zap.String("run_id", rc.RunID),
		zap.Error(err))
	return err
}

func (r *Runner) terminalTime(rc *run.Context) time.Time {
	if t := rc.CompletedAt(); t != nil {
		return *t
	}
	return r.clock.Now()
}

func (r *Runner) emitFetches(rc *run.Context, snapshots []pipeline.Snapshot) {
	for _, snap := range snapshots {
		r.emit(progress.Event{
			RunID:       rc.RunID,
			TS:          snap.FetchedAt,
			Kind:        progress.KindFetchDone,
			Site:        metrics.SanitizeSite(snap.CanonicalURL),
			URL:         snap.CanonicalURL,
			Bytes:       int64(snap.ContentLength),
			StatusClass: progress.ClassifyStatus(snap.StatusCode),
			Dur:         time.Duration(snap.DurationMS) * time.Millisecond,
			Note:        snap.Error,
		})
	}
}

func (r *Runner) emitParses(rc *run.Context, summary pipeline.ParseSummary) {
	for _, log := range summary.Logs {
		evt := progress.Event{
			RunID:       rc.RunID,
			TS:          r.clock.Now(),
			Kind:        progress.KindParseDone,
			ParseStatus: string(log.Status),
			Tokens:      log.TokensUsed,
			Dur:         time.Duration(log.DurationMS) * time.Millisecond,
		}
		if len(log.Errors) > 0 {
			evt.Note = log.Errors[0]
		}
		r.emit(evt)
	}
}

// emit forwards one event when an emitter is attached.
func (r *Runner) emit(evt progress.Event) {
	if r.events == nil {
		return
	}
	r.events.Emit(evt)
}
