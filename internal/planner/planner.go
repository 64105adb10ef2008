// Package planner turns declarative source configuration into the ordered
// fetch tasks the collect stage executes.
package planner

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/jobagent/leadpipe/internal/config"
	"github.com/jobagent/leadpipe/internal/pipeline"
	"github.com/jobagent/leadpipe/internal/run"
)

// Planner converts enabled sources into fetch tasks. It performs no I/O.
type Planner struct {
	defaults config.FetchConfig
	logger   *zap.Logger
}

// New creates a Planner carrying the global fetch defaults that unset
// per-source limits fall back to.
func New(defaults config.FetchConfig, logger *zap.Logger) *Planner {
	return &Planner{defaults: defaults, logger: logger.Named("planner")}
}

// Plan translates the run's sources into fetch tasks, preserving
// configuration order. Disabled sources are skipped silently. A malformed
// source records a stage error and planning continues with the rest;
// partial success is the normal outcome.
func (p *Planner) Plan(rc *run.Context) []pipeline.FetchTask {
	sources := rc.Sources
	rc.StartStage("plan_sources", len(sources))

	tasks := make([]pipeline.FetchTask, 0, len(sources))
	var errs []string

	for _, source := range sources {
		if !source.Enabled {
			p.logger.Debug("source disabled, skipped",
				zap.String("source_id", source.SourceID))
			continue
		}

		task, err := p.taskFor(source)
		if err != nil {
			errs = append(errs, fmt.Sprintf("failed to plan source %s: %v", source.SourceID, err))
			p.logger.Warn("source rejected",
				zap.String("source_id", source.SourceID),
				zap.Error(err))
			continue
		}
		tasks = append(tasks, task)
		p.logger.Info("task planned",
			zap.String("source_id", task.SourceID),
			zap.String("source_type", string(task.SourceType)),
			zap.String("url", task.URL))
	}

	rc.AddMetrics(pipeline.RunMetrics{NumFetchTasks: len(tasks)})
	rc.CompleteStage("plan_sources", len(tasks), errs, "completed")
	p.logger.Info("planning done",
		zap.Int("tasks", len(tasks)),
		zap.Int("errors", len(errs)))
	return tasks
}

func (p *Planner) taskFor(source pipeline.SourceConfig) (pipeline.FetchTask, error) {
	if strings.TrimSpace(source.SourceID) == "" {
		return pipeline.FetchTask{}, fmt.Errorf("source_id is required")
	}

	sourceType, err := pipeline.ParseSourceType(source.SourceType)
	if err != nil {
		return pipeline.FetchTask{}, err
	}

	parsed, err := url.Parse(strings.TrimSpace(source.URL))
	if err != nil {
		return pipeline.FetchTask{}, fmt.Errorf("parse url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return pipeline.FetchTask{}, fmt.Errorf("url must be absolute: %q", source.URL)
	}

	canonical, err := pipeline.CanonicalizeURL(source.URL)
	if err != nil {
		return pipeline.FetchTask{}, err
	}

	return pipeline.FetchTask{
		URL:         canonical,
		OriginalURL: source.URL,
		SourceID:    source.SourceID,
		SourceType:  sourceType,
		Policy:      p.policyFor(source),
		Metadata:    source.Metadata,
	}, nil
}

// policyFor resolves per-task limits: explicit source values win, zeros
// fall back to the global fetch defaults.
func (p *Planner) policyFor(source pipeline.SourceConfig) pipeline.FetchPolicy {
	policy := pipeline.FetchPolicy{
		RateLimitRPS:   source.RateLimitRPS,
		TimeoutSeconds: source.TimeoutSeconds,
		MaxRetries:     source.MaxRetries,
		FollowLinks:    source.FollowLinks,
	}
	if policy.RateLimitRPS <= 0 {
		policy.RateLimitRPS = p.defaults.DefaultRateLimitRPS
	}
	if policy.TimeoutSeconds <= 0 {
		policy.TimeoutSeconds = p.defaults.DefaultTimeoutSeconds
	}
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = p.defaults.DefaultMaxRetries
	}
	return policy
}
