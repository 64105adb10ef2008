package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/jobagent/leadpipe/internal/pipeline"
)

// ParseStore keeps per-run parse outputs in memory with whole-run overwrite
// semantics.
type ParseStore struct {
	mu       sync.RWMutex
	profiles map[string][]pipeline.CompanyProfile
	logs     map[string][]pipeline.ParsedItemLog
}

// NewParseStore constructs an empty ParseStore.
func NewParseStore() *ParseStore {
	return &ParseStore{
		profiles: make(map[string][]pipeline.CompanyProfile),
		logs:     make(map[string][]pipeline.ParsedItemLog),
	}
}

// SaveProfiles replaces the run's profile list.
func (s *ParseStore) SaveProfiles(_ context.Context, runID string, profiles []pipeline.CompanyProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[runID] = append([]pipeline.CompanyProfile(nil), profiles...)
	return nil
}

// SaveLogs replaces the run's parse log list.
func (s *ParseStore) SaveLogs(_ context.Context, runID string, logs []pipeline.ParsedItemLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[runID] = append([]pipeline.ParsedItemLog(nil), logs...)
	return nil
}

// ListProfiles returns a copy of the run's profiles.
func (s *ParseStore) ListProfiles(_ context.Context, runID string) ([]pipeline.CompanyProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profiles, ok := s.profiles[runID]
	if !ok {
		return nil, fmt.Errorf("profiles for run %s: %w", runID, pipeline.ErrNotFound)
	}
	return append([]pipeline.CompanyProfile(nil), profiles...), nil
}

// ListLogs returns a copy of the run's parse logs.
func (s *ParseStore) ListLogs(_ context.Context, runID string) ([]pipeline.ParsedItemLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs, ok := s.logs[runID]
	if !ok {
		return nil, fmt.Errorf("parse logs for run %s: %w", runID, pipeline.ErrNotFound)
	}
	return append([]pipeline.ParsedItemLog(nil), logs...), nil
}
