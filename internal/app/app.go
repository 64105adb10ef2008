// Package app assembles the pipeline service from configuration: storage
// backends, the run registry, the event hub, the orchestrator, and the
// serve-mode queue, dispatcher, and HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/jobagent/leadpipe/internal/api"
	"github.com/jobagent/leadpipe/internal/clock/system"
	"github.com/jobagent/leadpipe/internal/collect"
	"github.com/jobagent/leadpipe/internal/config"
	"github.com/jobagent/leadpipe/internal/content"
	"github.com/jobagent/leadpipe/internal/dispatcher"
	"github.com/jobagent/leadpipe/internal/extract"
	"github.com/jobagent/leadpipe/internal/fetch"
	"github.com/jobagent/leadpipe/internal/fetch/detector"
	"github.com/jobagent/leadpipe/internal/fetch/headless"
	"github.com/jobagent/leadpipe/internal/hash/sha256"
	"github.com/jobagent/leadpipe/internal/id/uuid"
	"github.com/jobagent/leadpipe/internal/llm"
	"github.com/jobagent/leadpipe/internal/logging"
	"github.com/jobagent/leadpipe/internal/metrics"
	"github.com/jobagent/leadpipe/internal/orchestrator"
	"github.com/jobagent/leadpipe/internal/pipeline"
	"github.com/jobagent/leadpipe/internal/planner"
	"github.com/jobagent/leadpipe/internal/progress"
	progresssinks "github.com/jobagent/leadpipe/internal/progress/sinks"
	memorypublisher "github.com/jobagent/leadpipe/internal/publisher/memory"
	gcppublisher "github.com/jobagent/leadpipe/internal/publisher/pubsub"
	queueMemory "github.com/jobagent/leadpipe/internal/queue/memory"
	"github.com/jobagent/leadpipe/internal/ratelimit"
	"github.com/jobagent/leadpipe/internal/run"
	fsstorage "github.com/jobagent/leadpipe/internal/storage/fs"
	gcsstorage "github.com/jobagent/leadpipe/internal/storage/gcs"
	memoryStorage "github.com/jobagent/leadpipe/internal/storage/memory"
	pgstore "github.com/jobagent/leadpipe/internal/storage/postgres"
	"github.com/jobagent/leadpipe/internal/store"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	runner    *orchestrator.Runner
	queue     *queueMemory.Queue
	hub       *progress.Hub

	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	gcsClient       *gcs.Client
	pgRuns          *pgstore.RunStore
	renderer        *headless.Renderer
}

// Build creates the application's dependencies from the configuration.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("llm_provider", cfg.LLM.Provider))

	sources, err := config.LoadSources(cfg.Sources.Path)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	logger.Info("sources loaded",
		zap.String("path", cfg.Sources.Path),
		zap.Int("sources", len(sources)))

	snapshots, parsed, err := a.setupStorage(ctx)
	if err != nil {
		return nil, err
	}

	runRepo, err := a.setupRegistry(ctx)
	if err != nil {
		return nil, err
	}

	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	emitter := a.setupEvents(ctx, runRepo)

	ids := uuid.New()
	clock := system.New()
	a.runner = a.setupRunner(sources, snapshots, parsed, publisher, emitter, ids, clock)

	a.queue = queueMemory.NewQueue(cfg.Collect.QueueDepth)
	execute := dispatcher.RunnerFunc(func(ctx context.Context, req pipeline.RunRequest) error {
		_, err := a.runner.Run(ctx, req.RunID)
		return err
	})
	a.dispatch = dispatcher.New(a.queue, execute, cfg.Collect.Executors, logger)

	a.apiServer = api.NewServer(runRepo, snapshots, parsed, a.dispatch, ids, clock, cfg, logger)

	return a, nil
}

// Run starts serve mode and blocks until the context is canceled or a
// termination signal arrives: dispatcher executors drain the run queue while
// the HTTP API accepts submissions and serves run summaries.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("dispatcher started", zap.Int("queue_depth", a.cfg.Collect.QueueDepth))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// RunOnce executes a single pipeline run in the foreground. The caller still
// owns Close, which flushes buffered run events into the registry.
func (a *App) RunOnce(ctx context.Context, runID string) error {
	rc, err := a.runner.Run(ctx, runID)
	if err != nil {
		return err
	}
	m := rc.Metrics()
	a.logger.Info("run finished",
		zap.String("run_id", rc.RunID),
		zap.String("status", string(rc.Status())),
		zap.Int("fetch_tasks", m.NumFetchTasks),
		zap.Int("snapshots_success", m.NumSnapshotsSuccess),
		zap.Int("snapshots_failed", m.NumSnapshotsFailed),
		zap.Int("parse_success", m.NumParseSuccess),
		zap.Int("parse_failed", m.NumParseFailed))
	return nil
}

// DryRun plans the tasks a run would execute without fetching anything.
func (a *App) DryRun(runID string) (*run.Context, []pipeline.FetchTask, error) {
	return a.runner.Plan(runID)
}

// Logger exposes the application logger for command-level reporting.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Close gracefully shuts down the application. The event hub is drained
// before the registry closes so buffered run events still land.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("run event hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.pgRuns != nil {
		a.pgRuns.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

// setupStorage selects the snapshot and parse stores. Parse output stays on
// the local filesystem for the gcs backend; only snapshot evidence moves to
// the bucket.
func (a *App) setupStorage(ctx context.Context) (pipeline.SnapshotStore, pipeline.ParseStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS snapshot backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		snapshots, err := gcsstorage.NewSnapshotStore(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.GCSPrefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("gcs snapshot store init failed: %w", err)
		}
		parsed, err := fsstorage.NewParseStore(fsstorage.Config{BaseDir: a.cfg.Storage.ParsedDir})
		if err != nil {
			return nil, nil, fmt.Errorf("parse store init failed: %w", err)
		}
		return snapshots, parsed, nil
	case "memory":
		a.logger.Info("using in-memory storage backend")
		return memoryStorage.NewSnapshotStore(), memoryStorage.NewParseStore(), nil
	default:
		a.logger.Info("using filesystem storage backend",
			zap.String("snapshots_dir", a.cfg.Storage.SnapshotsDir),
			zap.String("parsed_dir", a.cfg.Storage.ParsedDir))
		snapshots, err := fsstorage.NewSnapshotStore(fsstorage.Config{BaseDir: a.cfg.Storage.SnapshotsDir})
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot store init failed: %w", err)
		}
		parsed, err := fsstorage.NewParseStore(fsstorage.Config{BaseDir: a.cfg.Storage.ParsedDir})
		if err != nil {
			return nil, nil, fmt.Errorf("parse store init failed: %w", err)
		}
		return snapshots, parsed, nil
	}
}

// setupRegistry opens the run registry: Postgres when a DSN is configured,
// in-memory otherwise.
func (a *App) setupRegistry(ctx context.Context) (store.RunRepository, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("no database DSN configured, using in-memory run registry")
		return memoryStorage.NewRunStore(), nil
	}
	pg, err := pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		MaxConns: int32(a.cfg.DB.MaxConns),
	})
	if err != nil {
		return nil, fmt.Errorf("run registry init failed: %w", err)
	}
	a.pgRuns = pg
	a.logger.Info("postgres run registry initialized")
	return pg, nil
}

// setupPublisher wires the downstream event publisher: Pub/Sub when a
// project and topic are configured, in-memory otherwise.
func (a *App) setupPublisher(ctx context.Context) (pipeline.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPublisher = client.Publisher(a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName))
	return gcppublisher.New(a.pubsubPublisher), nil
}

// setupEvents builds the run-event hub feeding the registry, Prometheus, and
// optionally the log. A nil return disables run events entirely.
func (a *App) setupEvents(ctx context.Context, runRepo store.RunRepository) progress.Emitter {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("run event hub disabled")
		return nil
	}
	sinks := []progress.Sink{
		progresssinks.NewStoreSink(runRepo, a.logger.Named("progress_store")),
		progresssinks.NewPrometheusSink(),
	}
	if a.cfg.Progress.LogEvents {
		sinks = append(sinks, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.BatchWait(),
		SinkTimeout:    a.cfg.Progress.SinkTimeout(),
		BaseContext:    ctx,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinks...)
	a.logger.Info("run event hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Int("sinks", len(sinks)))
	return a.hub
}

// setupRunner assembles the three pipeline stages and the orchestrator that
// sequences them.
func (a *App) setupRunner(
	sources []pipeline.SourceConfig,
	snapshots pipeline.SnapshotStore,
	parsed pipeline.ParseStore,
	publisher pipeline.Publisher,
	emitter progress.Emitter,
	ids pipeline.IDGenerator,
	clock pipeline.Clock,
) *orchestrator.Runner {
	cfg := a.cfg

	if cfg.Headless.Enabled {
		renderer, err := headless.NewChromedp(headless.Config{
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			a.logger.Warn("headless renderer init failed, promotion disabled", zap.Error(err))
		} else {
			a.renderer = renderer
			a.logger.Info("headless renderer initialized")
		}
	}
	detect := detector.NewHeuristic(0)

	// Each stage execution gets its own session so the token bucket starts
	// full per run.
	sessionFactory := func() (pipeline.Fetcher, error) {
		limiter := ratelimit.New(ratelimit.Config{
			RPS:   cfg.Fetch.DefaultRateLimitRPS,
			Burst: cfg.Fetch.Burst,
		}, metrics.ObserveRateLimitDelay)
		var renderer pipeline.Renderer
		if a.renderer != nil {
			renderer = a.renderer
		}
		return fetch.NewClient(fetch.Config{
			UserAgent:       cfg.Fetch.UserAgent,
			Timeout:         cfg.FetchTimeout(),
			HeadlessEnabled: cfg.Headless.Enabled,
		}, limiter, renderer, detect, clock, a.logger.Named("fetch")), nil
	}

	completer := llm.NewClient(llm.Config{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
		Timeout:  cfg.LLMTimeout(),
	}, llm.WithLogger(a.logger.Named("llm")))
	extractor := extract.NewExtractor(completer, cfg.LLM.Temperature, cfg.LLM.MaxTokens, clock, a.logger)

	plan := planner.New(cfg.Fetch, a.logger)
	collectStage := collect.NewStage(sessionFactory, snapshots, sha256.New(), ids, clock, publisher, cfg.Collect.Concurrency, a.logger)
	parseStage := extract.NewStage(extractor, content.NewRegistry(), snapshots, parsed, publisher, a.logger)

	return orchestrator.New(cfg, sources, plan, collectStage, parseStage, ids, clock, emitter, a.logger)
}
