// Package extract turns content blocks into validated CompanyProfiles via a
// completion model, and drives the parse stage over collected snapshots.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jobagent/leadpipe/internal/llm"
	"github.com/jobagent/leadpipe/internal/pipeline"
)

// salvageConfidenceCap bounds the confidence of profiles that only passed
// validation after fallback injection.
const salvageConfidenceCap = 0.3

// Completer is the completion surface the extractor needs from the llm
// client.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
	Model() string
}

// Extractor runs one model call per snapshot and decodes the result.
type Extractor struct {
	completer   Completer
	temperature float64
	maxTokens   int
	clock       pipeline.Clock
	logger      *zap.Logger
}

// NewExtractor creates an Extractor bound to one provider+model.
func NewExtractor(completer Completer, temperature float64, maxTokens int, clock pipeline.Clock, logger *zap.Logger) *Extractor {
	return &Extractor{
		completer:   completer,
		temperature: temperature,
		maxTokens:   maxTokens,
		clock:       clock,
		logger:      logger.Named("extract"),
	}
}

// Extract asks the model for a CompanyProfile over the prepared content.
// The returned log is always populated, model name included, even when the
// call never went out. A nil profile means the item failed.
func (e *Extractor) Extract(ctx context.Context, block pipeline.ContentBlock, snapshotID, sourceID, canonicalURL string) (*pipeline.CompanyProfile, pipeline.ParsedItemLog) {
	start := e.clock.Now()
	log := pipeline.ParsedItemLog{
		SnapshotID: snapshotID,
		SourceID:   sourceID,
		Status:     pipeline.ParseStatusFailed,
		ModelName:  e.completer.Model(),
	}

	temperature := e.temperature
	resp, err := e.completer.Complete(ctx, llm.Request{
		Messages:    buildMessages(block, canonicalURL),
		Temperature: &temperature,
		MaxTokens:   e.maxTokens,
		JSONMode:    true,
	})
	log.DurationMS = e.clock.Since(start).Milliseconds()
	if err != nil {
		log.Errors = append(log.Errors, fmt.Sprintf("llm call failed: %v", err))
		e.logger.Warn("model call failed",
			zap.String("source_id", sourceID),
			zap.Error(err))
		return nil, log
	}
	log.TokensUsed = resp.TokensUsed

	raw := resp.Content
	profile, err := decodeProfile(raw)
	if err == nil {
		profile.RawModelResponse = raw
		log.Status = pipeline.ParseStatusSuccess
		e.logger.Debug("profile extracted",
			zap.String("source_id", sourceID),
			zap.String("name", profile.Name),
			zap.Float64("confidence", profile.Confidence))
		return profile, log
	}
	log.Errors = append(log.Errors, fmt.Sprintf("validation failed: %v", err))
	log.Warnings = append(log.Warnings, "raw model output stored for debugging")

	profile = salvageProfile(raw, block.CompanyHint, canonicalURL)
	if profile == nil {
		e.logger.Warn("profile unsalvageable",
			zap.String("source_id", sourceID),
			zap.Error(err))
		return nil, log
	}
	profile.RawModelResponse = raw
	if profile.Confidence > salvageConfidenceCap {
		profile.Confidence = salvageConfidenceCap
	}
	log.Status = pipeline.ParseStatusPartial
	e.logger.Info("salvaged partial profile",
		zap.String("source_id", sourceID),
		zap.String("name", profile.Name))
	return profile, log
}

// decodeProfile is the strict path: exact JSON, then schema validation.
func decodeProfile(raw string) (*pipeline.CompanyProfile, error) {
	var profile pipeline.CompanyProfile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return nil, err
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// salvageProfile takes one more pass at malformed output: loose JSON
// extraction, fallbacks injected into the required fields, revalidation.
func salvageProfile(raw, companyHint, canonicalURL string) *pipeline.CompanyProfile {
	cleaned := llm.ExtractJSON(raw)
	if cleaned == "" {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return nil
	}

	fallbackName := companyHint
	if fallbackName == "" {
		fallbackName = "Unknown"
	}
	setDefault(data, "company_id", "unknown")
	setDefault(data, "name", fallbackName)
	setDefault(data, "domain", "unknown")
	setDefault(data, "website", canonicalURL)
	setDefault(data, "summary", "Extraction incomplete")

	patched, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	profile, err := decodeProfile(string(patched))
	if err != nil {
		return nil
	}
	return profile
}

// setDefault fills key when it is missing, not a string, or blank. The
// validator rejects blank strings, so absent-only filling would leave them
// unsalvageable.
func setDefault(data map[string]any, key, value string) {
	if s, ok := data[key].(string); ok && strings.TrimSpace(s) != "" {
		return
	}
	data[key] = value
}
