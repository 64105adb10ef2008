package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jobagent/leadpipe/internal/config"
	"github.com/jobagent/leadpipe/internal/pipeline"
	"github.com/jobagent/leadpipe/internal/progress"
	"github.com/jobagent/leadpipe/internal/run"
)

func TestRunHappyPath(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, []pipeline.FetchTask{task("acme"), task("initech")})
	fetchedAt := fx.clock.now.Add(time.Second)
	fx.collect.elapse = 2 * time.Second
	fx.collect.snapshots = []pipeline.Snapshot{
		{
			SnapshotID:    "snap-1",
			RunID:         "run-orch",
			SourceID:      "acme",
			CanonicalURL:  "https://acme.example/careers",
			FetchedAt:     fetchedAt,
			StatusCode:    200,
			Success:       true,
			ContentLength: 2048,
			DurationMS:    120,
		},
		{
			SnapshotID:   "snap-2",
			RunID:        "run-orch",
			SourceID:     "initech",
			CanonicalURL: "https://initech.example/jobs",
			FetchedAt:    fetchedAt,
			StatusCode:   503,
			DurationMS:   80,
			Error:        "HTTP 503",
		},
	}
	fx.parse.elapse = time.Second
	fx.parse.summary = pipeline.ParseSummary{
		NumSuccess:  1,
		NumSkipped:  1,
		TotalTokens: 150,
		Profiles: []pipeline.CompanyProfile{
			{CompanyID: "c0ffee", Name: "Acme Robotics", Domain: "acme.example"},
		},
		Logs: []pipeline.ParsedItemLog{
			{SnapshotID: "snap-1", Status: pipeline.ParseStatusSuccess, TokensUsed: 150, DurationMS: 900},
			{SnapshotID: "snap-2", Status: pipeline.ParseStatusSkipped, Errors: []string{"fetch was not successful"}},
		},
	}

	rc, err := fx.runner.Run(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, rc)
	assert.Equal(t, "run-orch", rc.RunID)
	assert.Equal(t, pipeline.RunStatusCompleted, rc.Status())
	require.NotNil(t, rc.CompletedAt())

	events := fx.events.Events()
	require.Equal(t, []progress.Kind{
		progress.KindRunStart,
		progress.KindStageStart, progress.KindStageDone,
		progress.KindStageStart, progress.KindStageDone,
		progress.KindFetchDone, progress.KindFetchDone,
		progress.KindStageStart, progress.KindStageDone,
		progress.KindParseDone, progress.KindParseDone,
		progress.KindRunDone,
	}, kinds(events))

	start := events[0]
	assert.Equal(t, "run-orch", start.RunID)
	assert.True(t, start.TS.Equal(rc.StartedAt))

	fetchOK := events[5]
	assert.Equal(t, "acme.example", fetchOK.Site)
	assert.Equal(t, "https://acme.example/careers", fetchOK.URL)
	assert.Equal(t, int64(2048), fetchOK.Bytes)
	assert.Equal(t, progress.Status2xx, fetchOK.StatusClass)
	assert.Equal(t, 120*time.Millisecond, fetchOK.Dur)
	assert.True(t, fetchOK.TS.Equal(fetchedAt))
	assert.Empty(t, fetchOK.Note)

	fetchBad := events[6]
	assert.Equal(t, "initech.example", fetchBad.Site)
	assert.Equal(t, progress.Status5xx, fetchBad.StatusClass)
	assert.Equal(t, "HTTP 503", fetchBad.Note)

	parseOK := events[9]
	assert.Equal(t, "success", parseOK.ParseStatus)
	assert.Equal(t, 150, parseOK.Tokens)
	assert.Equal(t, 900*time.Millisecond, parseOK.Dur)

	parseSkipped := events[10]
	assert.Equal(t, "skipped", parseSkipped.ParseStatus)
	assert.Equal(t, "fetch was not successful", parseSkipped.Note)

	done := events[11]
	assert.True(t, done.TS.Equal(rc.StartedAt.Add(3*time.Second)))
	assert.Equal(t, 3*time.Second, done.Dur)
	assert.Equal(t, rc.Metrics(), done.Metrics)
	assert.Equal(t, 2, done.Metrics.NumFetchTasks)
	assert.Equal(t, 1, done.Metrics.NumSnapshotsSuccess)
	assert.Equal(t, 1, done.Metrics.NumSnapshotsFailed)
}

func TestRunNoTasksCompletesWithoutCollect(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)

	rc, err := fx.runner.Run(context.Background(), "run-empty")
	require.NoError(t, err)
	assert.Equal(t, "run-empty", rc.RunID, "caller-provided run id is kept")
	assert.Equal(t, pipeline.RunStatusCompleted, rc.Status())
	assert.False(t, fx.collect.called)
	assert.False(t, fx.parse.called)

	require.Equal(t, []progress.Kind{
		progress.KindRunStart,
		progress.KindStageStart, progress.KindStageDone,
		progress.KindRunDone,
	}, kinds(fx.events.Events()))
}

func TestRunCollectErrorFailsRun(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, []pipeline.FetchTask{task("acme")})
	fx.collect.err = errors.New("build fetch session: browser exploded")

	rc, err := fx.runner.Run(context.Background(), "")
	require.ErrorIs(t, err, fx.collect.err, "stage errors propagate unwrapped")
	assert.Equal(t, pipeline.RunStatusFailed, rc.Status())
	require.NotNil(t, rc.CompletedAt())
	assert.False(t, fx.parse.called)

	logs := rc.StageLogs()
	require.Len(t, logs, 2)
	last := logs[len(logs)-1]
	assert.Equal(t, "collect", last.Stage)
	assert.Equal(t, []string{"build fetch session: browser exploded"}, last.Errors,
		"terminal error lands on the trailing stage log")

	events := fx.events.Events()
	final := events[len(events)-1]
	assert.Equal(t, progress.KindRunError, final.Kind)
	assert.Equal(t, "build fetch session: browser exploded", final.Note)
	for _, evt := range events {
		assert.NotEqual(t, progress.KindFetchDone, evt.Kind, "no fetch events after a failed collect")
	}
}

func TestRunParseErrorAnnotatesOpenLog(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, []pipeline.FetchTask{task("acme")})
	fx.collect.snapshots = []pipeline.Snapshot{
		{SnapshotID: "snap-1", RunID: "run-orch", SourceID: "acme",
			CanonicalURL: "https://acme.example/careers", StatusCode: 200, Success: true},
	}
	fx.parse.err = errors.New("persist profiles: disk full")

	rc, err := fx.runner.Run(context.Background(), "")
	require.EqualError(t, err, "persist profiles: disk full")
	assert.Equal(t, pipeline.RunStatusFailed, rc.Status())

	logs := rc.StageLogs()
	last := logs[len(logs)-1]
	assert.Equal(t, "parse", last.Stage)
	assert.Nil(t, last.CompletedAt, "persistence failures leave the parse log open")
	assert.Equal(t, []string{"persist profiles: disk full"}, last.Errors)

	events := fx.events.Events()
	final := events[len(events)-1]
	assert.Equal(t, progress.KindRunError, final.Kind)
	assert.Equal(t, "persist profiles: disk full", final.Note)
}

func TestRunBootFailurePropagates(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	fx.runner.ids = failingIDGen{}

	rc, err := fx.runner.Run(context.Background(), "")
	require.ErrorContains(t, err, "allocate run id")
	assert.Nil(t, rc)
	assert.Empty(t, fx.events.Events(), "nothing is emitted for a run that never booted")
}

func TestRunWithoutEmitter(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	fx.runner.events = nil

	rc, err := fx.runner.Run(context.Background(), "run-quiet")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunStatusCompleted, rc.Status())
}

func TestPlanStopsBeforeCollect(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, []pipeline.FetchTask{task("acme"), task("initech")})

	rc, tasks, err := fx.runner.Plan("run-dry")
	require.NoError(t, err)
	assert.Equal(t, "run-dry", rc.RunID)
	require.Len(t, tasks, 2)
	assert.Equal(t, "acme", tasks[0].SourceID)

	assert.False(t, fx.collect.called)
	assert.False(t, fx.parse.called)
	assert.Empty(t, fx.events.Events(), "planning alone publishes no run events")
	assert.Equal(t, pipeline.RunStatusRunning, rc.Status(), "a dry run never reaches a terminal status")
}

type fixture struct {
	runner  *Runner
	planner *fakePlanner
	collect *fakeCollector
	parse   *fakeParser
	events  *captureEmitter
	clock   *fakeClock
}

func newFixture(t *testing.T, tasks []pipeline.FetchTask) *fixture {
	t.Helper()

	clk := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	cfg := config.Config{}
	cfg.Storage.ConfigSnapshotsDir = t.TempDir()
	sources := []pipeline.SourceConfig{
		{SourceID: "acme", SourceType: "careers_page", URL: "https://acme.example/careers", Enabled: true},
	}

	planner := &fakePlanner{tasks: tasks}
	collect := &fakeCollector{clk: clk}
	parse := &fakeParser{clk: clk}
	events := &captureEmitter{}
	runner := New(cfg, sources, planner, collect, parse, staticIDGen{}, clk, events, zap.NewNop())

	return &fixture{
		runner:  runner,
		planner: planner,
		collect: collect,
		parse:   parse,
		events:  events,
		clock:   clk,
	}
}

func task(sourceID string) pipeline.FetchTask {
	return pipeline.FetchTask{
		URL:         "https://" + sourceID + ".example/careers",
		OriginalURL: "https://" + sourceID + ".example/careers",
		SourceID:    sourceID,
		SourceType:  pipeline.SourceTypeCareersPage,
	}
}

func kinds(events []progress.Event) []progress.Kind {
	out := make([]progress.Kind, len(events))
	for i, evt := range events {
		out[i] = evt.Kind
	}
	return out
}

// fakePlanner mirrors the real planner's stage bookkeeping: it always
// closes its log as completed and records the task count.
type fakePlanner struct {
	tasks []pipeline.FetchTask
}

func (p *fakePlanner) Plan(rc *run.Context) []pipeline.FetchTask {
	rc.StartStage("plan_sources", len(rc.Sources))
	rc.AddMetrics(pipeline.RunMetrics{NumFetchTasks: len(p.tasks)})
	rc.CompleteStage("plan_sources", len(p.tasks), nil, "completed")
	return p.tasks
}

// fakeCollector closes its stage log before returning an error, matching
// the real collect stage.
type fakeCollector struct {
	clk       *fakeClock
	elapse    time.Duration
	snapshots []pipeline.Snapshot
	err       error
	called    bool
}

func (c *fakeCollector) Run(_ context.Context, rc *run.Context, tasks []pipeline.FetchTask) ([]pipeline.Snapshot, error) {
	c.called = true
	rc.StartStage("collect", len(tasks))
	c.clk.now = c.clk.now.Add(c.elapse)
	if c.err != nil {
		rc.CompleteStage("collect", 0, nil, "failed")
		return nil, c.err
	}
	success, failed := 0, 0
	for _, snap := range c.snapshots {
		if snap.Success {
			success++
		} else {
			failed++
		}
	}
	rc.AddMetrics(pipeline.RunMetrics{NumSnapshotsSuccess: success, NumSnapshotsFailed: failed})
	rc.CompleteStage("collect", len(c.snapshots), nil, "completed")
	return c.snapshots, nil
}

// fakeParser leaves its stage log open when failing, matching the real
// parse stage's persistence-failure behavior.
type fakeParser struct {
	clk     *fakeClock
	elapse  time.Duration
	summary pipeline.ParseSummary
	err     error
	called  bool
}

func (p *fakeParser) Run(_ context.Context, rc *run.Context, snapshots []pipeline.Snapshot) (pipeline.ParseSummary, error) {
	p.called = true
	rc.StartStage("parse", len(snapshots))
	p.clk.now = p.clk.now.Add(p.elapse)
	if p.err != nil {
		return pipeline.ParseSummary{}, p.err
	}
	rc.AddMetrics(pipeline.RunMetrics{
		NumParseSuccess: p.summary.NumSuccess,
		NumParseFailed:  p.summary.NumFailed,
	})
	rc.CompleteStage("parse", len(p.summary.Profiles), nil, "completed")
	return p.summary, nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) Events() []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Event, len(c.events))
	copy(out, c.events)
	return out
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time                  { return c.now }
func (c *fakeClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }

type staticIDGen struct{}

func (staticIDGen) NewRunID(time.Time) (string, error) { return "run-orch", nil }

func (staticIDGen) NewSnapshotID() (string, error) { return "snap-x", nil }

type failingIDGen struct{}

func (failingIDGen) NewRunID(time.Time) (string, error) {
	return "", errors.New("entropy exhausted")
}

func (failingIDGen) NewSnapshotID() (string, error) { return "", errors.New("entropy exhausted") }
