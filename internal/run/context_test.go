package run

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jobagent/leadpipe/internal/config"
	"github.com/jobagent/leadpipe/internal/pipeline"
	"github.com/jobagent/leadpipe/internal/progress"
)

func TestBootMintsRunIDAndWritesArtifact(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := config.Config{}
	cfg.Storage.ConfigSnapshotsDir = dir
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "super-secret"
	cfg.LLM.Model = "gpt-4o-mini"

	sources := []pipeline.SourceConfig{
		{SourceID: "acme", SourceType: "careers_page", URL: "https://acme.example/careers", Enabled: true},
	}

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ids := &fakeIDGen{runID: "run-20260301-abcd1234"}

	rc, err := Boot(cfg, sources, "", ids, clock, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, "run-20260301-abcd1234", rc.RunID)
	require.Equal(t, clock.now, rc.StartedAt)
	require.Equal(t, pipeline.RunStatusRunning, rc.Status())
	require.Nil(t, rc.CompletedAt())

	data, err := os.ReadFile(filepath.Join(dir, "run-20260301-abcd1234_config.json"))
	require.NoError(t, err)

	var artifact struct {
		RunID     string                  `json:"run_id"`
		StartedAt time.Time               `json:"started_at"`
		Settings  config.Config           `json:"settings"`
		Sources   []pipeline.SourceConfig `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(data, &artifact))
	assert.Equal(t, rc.RunID, artifact.RunID)
	assert.Equal(t, clock.now, artifact.StartedAt)
	assert.Equal(t, "gpt-4o-mini", artifact.Settings.LLM.Model)
	assert.Equal(t, "[redacted]", artifact.Settings.Auth.APIKey, "credentials must not land in the artifact")
	require.Len(t, artifact.Sources, 1)
	assert.Equal(t, "acme", artifact.Sources[0].SourceID)
}

func TestBootKeepsProvidedRunID(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Storage.ConfigSnapshotsDir = t.TempDir()

	ids := &fakeIDGen{err: errors.New("should not be consulted")}
	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}

	rc, err := Boot(cfg, nil, "run-fixed", ids, clock, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "run-fixed", rc.RunID)
}

func TestBootRunIDAllocationFailure(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Storage.ConfigSnapshotsDir = t.TempDir()

	ids := &fakeIDGen{err: errors.New("entropy exhausted")}
	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}

	_, err := Boot(cfg, nil, "", ids, clock, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allocate run id")
}

func TestBootToleratesArtifactWriteFailure(t *testing.T) {
	t.Parallel()

	// A regular file where the artifact dir should go makes MkdirAll fail
	// for any user, root included.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfg := config.Config{}
	cfg.Storage.ConfigSnapshotsDir = filepath.Join(blocker, "config_snapshots")

	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}
	rc, err := Boot(cfg, nil, "", &fakeIDGen{runID: "run-x"}, clock, zap.NewNop())
	require.NoError(t, err, "artifact write failure must not abort the run")
	assert.Equal(t, pipeline.RunStatusRunning, rc.Status())
}

func TestStageLifecycle(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(5000, 0).UTC()}
	rc := newTestContext(t, clock)

	rc.StartStage("collect", 5)
	clock.Advance(1500 * time.Millisecond)
	rc.CompleteStage("collect", 4, []string{"acme: connection refused"}, "completed")

	logs := rc.StageLogs()
	require.Len(t, logs, 1)
	log := logs[0]
	assert.Equal(t, "collect", log.Stage)
	assert.Equal(t, "completed", log.Status)
	assert.Equal(t, 5, log.ItemsIn)
	assert.Equal(t, 4, log.ItemsOut)
	assert.Equal(t, []string{"acme: connection refused"}, log.Errors)
	require.NotNil(t, log.CompletedAt)
	assert.InDelta(t, 1.5, log.DurationSeconds, 0.0001)
}

func TestCompleteStageClosesMostRecentOpen(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(5000, 0).UTC()}
	rc := newTestContext(t, clock)

	rc.StartStage("parse", 3)
	clock.Advance(time.Second)
	rc.StartStage("parse", 7)
	clock.Advance(time.Second)
	rc.CompleteStage("parse", 7, nil, "completed")

	logs := rc.StageLogs()
	require.Len(t, logs, 2)
	assert.Nil(t, logs[0].CompletedAt, "earlier open log must stay open")
	require.NotNil(t, logs[1].CompletedAt)
	assert.Equal(t, 7, logs[1].ItemsOut)
	assert.InDelta(t, 1.0, logs[1].DurationSeconds, 0.0001)
}

func TestCompleteStageWithoutOpenLog(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(5000, 0).UTC()}
	rc := newTestContext(t, clock)

	rc.StartStage("collect", 1)
	rc.CompleteStage("collect", 1, nil, "completed")
	rc.CompleteStage("parse", 9, nil, "completed")

	logs := rc.StageLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, 1, logs[0].ItemsOut, "closed log must not be touched again")
}

func TestAnnotateError(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(5000, 0).UTC()}

	t.Run("OpenStage", func(t *testing.T) {
		rc := newTestContext(t, clock)
		rc.StartStage("collect", 2)
		rc.AnnotateError("run aborted: context canceled")

		logs := rc.StageLogs()
		require.Len(t, logs, 1)
		assert.Equal(t, []string{"run aborted: context canceled"}, logs[0].Errors)
	})

	t.Run("AllClosedFallsBackToLast", func(t *testing.T) {
		rc := newTestContext(t, clock)
		rc.StartStage("collect", 2)
		rc.CompleteStage("collect", 2, nil, "completed")
		rc.StartStage("parse", 2)
		rc.CompleteStage("parse", 0, nil, "failed")
		rc.AnnotateError("parse stage failed")

		logs := rc.StageLogs()
		require.Len(t, logs, 2)
		assert.Empty(t, logs[0].Errors)
		assert.Equal(t, []string{"parse stage failed"}, logs[1].Errors)
	})

	t.Run("NoStages", func(t *testing.T) {
		rc := newTestContext(t, clock)
		rc.AnnotateError("boot failed")
		assert.Empty(t, rc.StageLogs())
	})
}

func TestStageTransitionsEmitEvents(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(5000, 0).UTC()}
	rc := newTestContext(t, clock)
	emitter := &captureEmitter{}
	rc.SetEmitter(emitter)

	started := clock.Now()
	rc.StartStage("collect", 3)
	clock.Advance(2 * time.Second)
	rc.CompleteStage("collect", 2, []string{"acme: HTTP 503"}, "completed")

	events := emitter.Events()
	require.Len(t, events, 2)

	start := events[0]
	assert.Equal(t, progress.KindStageStart, start.Kind)
	assert.Equal(t, rc.RunID, start.RunID)
	assert.Equal(t, "collect", start.Stage)
	assert.Equal(t, 3, start.ItemsIn)
	assert.True(t, start.StageStarted.Equal(started))

	done := events[1]
	assert.Equal(t, progress.KindStageDone, done.Kind)
	assert.Equal(t, "completed", done.StageStatus)
	assert.Equal(t, 2, done.ItemsOut)
	assert.Equal(t, 1, done.ErrorCount)
	assert.Equal(t, 2*time.Second, done.Dur)
	assert.True(t, done.StageStarted.Equal(started), "stage events must share one execution key")
}

func TestCompleteRun(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(5000, 0).UTC()}
	rc := newTestContext(t, clock)

	clock.Advance(42 * time.Second)
	rc.CompleteRun(pipeline.RunStatusCompleted)

	assert.Equal(t, pipeline.RunStatusCompleted, rc.Status())
	require.NotNil(t, rc.CompletedAt())
	assert.Equal(t, clock.Now(), *rc.CompletedAt())
}

func TestAddMetricsConcurrent(t *testing.T) {
	t.Parallel()

	rc := newTestContext(t, &fakeClock{now: time.Unix(5000, 0).UTC()})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc.AddMetrics(pipeline.RunMetrics{NumFetchTasks: 1, NumSnapshotsSuccess: 1})
		}()
	}
	wg.Wait()

	got := rc.Metrics()
	assert.Equal(t, 50, got.NumFetchTasks)
	assert.Equal(t, 50, got.NumSnapshotsSuccess)
	assert.Equal(t, 0, got.NumParseFailed)
}

func TestStageLogsReturnsCopy(t *testing.T) {
	t.Parallel()

	rc := newTestContext(t, &fakeClock{now: time.Unix(5000, 0).UTC()})
	rc.StartStage("collect", 1)

	logs := rc.StageLogs()
	logs[0].Stage = "mutated"
	logs[0].Errors = append(logs[0].Errors, "mutated")

	fresh := rc.StageLogs()
	assert.Equal(t, "collect", fresh[0].Stage)
	assert.Empty(t, fresh[0].Errors)
}

func newTestContext(t *testing.T, clock *fakeClock) *Context {
	t.Helper()
	cfg := config.Config{}
	cfg.Storage.ConfigSnapshotsDir = t.TempDir()
	rc, err := Boot(cfg, nil, "run-test", &fakeIDGen{}, clock, zap.NewNop())
	require.NoError(t, err)
	return rc
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *captureEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *captureEmitter) Events() []progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]progress.Event(nil), e.events...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeIDGen struct {
	runID string
	err   error
}

func (g *fakeIDGen) NewRunID(time.Time) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	if g.runID != "" {
		return g.runID, nil
	}
	return "run-generated", nil
}

func (g *fakeIDGen) NewSnapshotID() (string, error) {
	return "snap-generated", nil
}
