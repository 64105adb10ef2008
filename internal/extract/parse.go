package extract

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jobagent/leadpipe/internal/pipeline"
	"github.com/jobagent/leadpipe/internal/run"
)

// Stage drives the parse stage: snapshot to ContentBlock via adapter,
// ContentBlock to CompanyProfile via the extractor, results persisted
// per run.
type Stage struct {
	extractor *Extractor
	registry  pipeline.AdapterRegistry
	snapshots pipeline.SnapshotStore
	parsed    pipeline.ParseStore
	publisher pipeline.Publisher
	logger    *zap.Logger
}

// NewStage wires the parse stage dependencies. A nil publisher disables
// event publishing.
func NewStage(extractor *Extractor, registry pipeline.AdapterRegistry, snapshots pipeline.SnapshotStore, parsed pipeline.ParseStore, publisher pipeline.Publisher, logger *zap.Logger) *Stage {
	return &Stage{
		extractor: extractor,
		registry:  registry,
		snapshots: snapshots,
		parsed:    parsed,
		publisher: publisher,
		logger:    logger.Named("parse"),
	}
}

// Run parses collected snapshots sequentially, persists profiles and
// per-item logs, and closes the parse stage log. Item failures never abort
// the stage; only persistence errors do.
func (s *Stage) Run(ctx context.Context, rc *run.Context, snapshots []pipeline.Snapshot) (pipeline.ParseSummary, error) {
	rc.StartStage("parse", len(snapshots))
	s.logger.Info("parse stage starting",
		zap.String("run_id", rc.RunID),
		zap.Int("snapshots", len(snapshots)))

	var summary pipeline.ParseSummary
	for _, snapshot := range snapshots {
		profile, itemLog := s.parseOne(ctx, snapshot, rc.Sources)
		summary.Observe(itemLog)

		switch itemLog.Status {
		case pipeline.ParseStatusSuccess, pipeline.ParseStatusPartial:
			// Partial counts as success for run metrics.
			rc.AddMetrics(pipeline.RunMetrics{NumParseSuccess: 1})
			if profile != nil {
				summary.Profiles = append(summary.Profiles, *profile)
			}
		case pipeline.ParseStatusFailed:
			rc.AddMetrics(pipeline.RunMetrics{NumParseFailed: 1})
		}
	}

	if err := s.parsed.SaveProfiles(ctx, rc.RunID, summary.Profiles); err != nil {
		return summary, fmt.Errorf("save profiles: %w", err)
	}
	s.publishProfiles(ctx, rc.RunID, summary.Profiles)
	if err := s.parsed.SaveLogs(ctx, rc.RunID, summary.Logs); err != nil {
		return summary, fmt.Errorf("save parse logs: %w", err)
	}

	rc.CompleteStage("parse", len(summary.Profiles), stageErrors(summary.Logs), "completed")
	s.logger.Info("parse stage done",
		zap.String("run_id", rc.RunID),
		zap.Int("success", summary.NumSuccess),
		zap.Int("partial", summary.NumPartial),
		zap.Int("failed", summary.NumFailed),
		zap.Int("skipped", summary.NumSkipped),
		zap.Int("tokens", summary.TotalTokens))
	return summary, nil
}

func (s *Stage) parseOne(ctx context.Context, snapshot pipeline.Snapshot, sources []pipeline.SourceConfig) (*pipeline.CompanyProfile, pipeline.ParsedItemLog) {
	if !snapshot.Success {
		s.logger.Debug("skipping failed snapshot",
			zap.String("source_id", snapshot.SourceID),
			zap.Int("status_code", snapshot.StatusCode))
		return nil, skippedLog(snapshot, fmt.Sprintf("snapshot not successful (HTTP %d)", snapshot.StatusCode))
	}

	adapter := s.registry.AdapterFor(snapshot.SourceType)
	if adapter == nil {
		s.logger.Debug("no adapter",
			zap.String("source_id", snapshot.SourceID),
			zap.String("source_type", string(snapshot.SourceType)))
		return nil, skippedLog(snapshot, fmt.Sprintf("no adapter for source_type=%s", snapshot.SourceType))
	}

	raw, err := s.snapshots.GetContent(ctx, snapshot.SnapshotID)
	if err != nil {
		s.logger.Warn("snapshot content missing",
			zap.String("snapshot_id", snapshot.SnapshotID),
			zap.Error(err))
		return nil, failedLog(snapshot, "could not load snapshot content")
	}

	block, err := adapter.ExtractContent(snapshot, raw, sourceMetadata(sources, snapshot.SourceID))
	if err != nil {
		return nil, failedLog(snapshot, fmt.Sprintf("content extraction failed: %v", err))
	}

	profile, itemLog := s.extractor.Extract(ctx, block, snapshot.SnapshotID, snapshot.SourceID, snapshot.CanonicalURL)
	if profile != nil {
		// Identity fields are derived from the snapshot URL, never trusted
		// from model output.
		domain := Domain(snapshot.CanonicalURL)
		profile.Domain = domain
		profile.Website = snapshot.CanonicalURL
		profile.CompanyID = CompanyID(profile.Name, domain)
	}
	return profile, itemLog
}

func skippedLog(snapshot pipeline.Snapshot, warning string) pipeline.ParsedItemLog {
	return pipeline.ParsedItemLog{
		SnapshotID: snapshot.SnapshotID,
		SourceID:   snapshot.SourceID,
		Status:     pipeline.ParseStatusSkipped,
		Warnings:   []string{warning},
	}
}

func failedLog(snapshot pipeline.Snapshot, message string) pipeline.ParsedItemLog {
	return pipeline.ParsedItemLog{
		SnapshotID: snapshot.SnapshotID,
		SourceID:   snapshot.SourceID,
		Status:     pipeline.ParseStatusFailed,
		Errors:     []string{message},
	}
}

// publishProfiles emits profile.extracted for each persisted profile.
// Publish failures are logged, never fatal to the run.
func (s *Stage) publishProfiles(ctx context.Context, runID string, profiles []pipeline.CompanyProfile) {
	if s.publisher == nil {
		return
	}
	for _, profile := range profiles {
		payload := map[string]any{
			"run_id":     runID,
			"company_id": profile.CompanyID,
			"name":       profile.Name,
			"domain":     profile.Domain,
			"website":    profile.Website,
			"confidence": profile.Confidence,
		}
		if _, err := s.publisher.Publish(ctx, pipeline.EventProfileExtracted, payload); err != nil {
			s.logger.Warn("profile event publish failed",
				zap.String("company_id", profile.CompanyID),
				zap.Error(err))
		}
	}
}

// sourceMetadata looks up the configured metadata for a source, nil when
// the source is no longer configured.
func sourceMetadata(sources []pipeline.SourceConfig, sourceID string) map[string]string {
	for _, src := range sources {
		if src.SourceID == sourceID {
			return src.Metadata
		}
	}
	return nil
}

// stageErrors lifts the first error of each failed item into the stage log.
func stageErrors(logs []pipeline.ParsedItemLog) []string {
	var errs []string
	for _, itemLog := range logs {
		if len(itemLog.Errors) > 0 {
			errs = append(errs, itemLog.Errors[0])
		}
	}
	return errs
}
