package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jobagent/leadpipe/internal/pipeline"
)

const (
	profilesFile = "profiles.json"
	parseLogFile = "parse_log.json"
)

// ParseStore persists parse-stage output per run: profiles.json with the
// extracted company profiles and parse_log.json with the per-snapshot log.
// Saves overwrite the whole file, so re-parsing a run replaces its output.
type ParseStore struct {
	baseDir string
}

// NewParseStore validates the base directory and probes writability.
func NewParseStore(cfg Config) (*ParseStore, error) {
	baseDir, err := ensureBaseDir(cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	return &ParseStore{baseDir: baseDir}, nil
}

// SaveProfiles replaces the profile document for the run.
func (s *ParseStore) SaveProfiles(_ context.Context, runID string, profiles []pipeline.CompanyProfile) error {
	if profiles == nil {
		profiles = []pipeline.CompanyProfile{}
	}
	return s.writeJSON(runID, profilesFile, profiles)
}

// SaveLogs replaces the parse log document for the run.
func (s *ParseStore) SaveLogs(_ context.Context, runID string, logs []pipeline.ParsedItemLog) error {
	if logs == nil {
		logs = []pipeline.ParsedItemLog{}
	}
	return s.writeJSON(runID, parseLogFile, logs)
}

// ListProfiles loads the profiles saved for the run.
func (s *ParseStore) ListProfiles(_ context.Context, runID string) ([]pipeline.CompanyProfile, error) {
	var profiles []pipeline.CompanyProfile
	if err := s.readJSON(runID, profilesFile, &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

// ListLogs loads the parse log saved for the run.
func (s *ParseStore) ListLogs(_ context.Context, runID string) ([]pipeline.ParsedItemLog, error) {
	var logs []pipeline.ParsedItemLog
	if err := s.readJSON(runID, parseLogFile, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *ParseStore) writeJSON(runID, name string, v any) error {
	if err := validateID(runID); err != nil {
		return fmt.Errorf("run_id: %w", err)
	}
	runDir := filepath.Join(s.baseDir, runID)
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(runDir, name), data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (s *ParseStore) readJSON(runID, name string, v any) error {
	if err := validateID(runID); err != nil {
		return fmt.Errorf("run_id: %w", err)
	}
	path := filepath.Join(s.baseDir, runID, name)
	data, err := os.ReadFile(path) // #nosec G304 -- path is derived from a validated id under baseDir.
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s for run %s: %w", name, runID, pipeline.ErrNotFound)
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}
