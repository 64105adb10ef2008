// Package memory stores pipeline artifacts in process memory for tests and
// development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jobagent/leadpipe/internal/pipeline"
)

// SnapshotStore keeps snapshot metadata and content in memory.
type SnapshotStore struct {
	mu      sync.RWMutex
	meta    map[string]pipeline.Snapshot
	content map[string][]byte
	byRun   map[string][]string
}

// NewSnapshotStore constructs an empty SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		meta:    make(map[string]pipeline.Snapshot),
		content: make(map[string][]byte),
		byRun:   make(map[string][]string),
	}
}

// Save persists the snapshot and its content, filling ContentPath.
func (s *SnapshotStore) Save(_ context.Context, snapshot pipeline.Snapshot, content []byte) (pipeline.Snapshot, error) {
	if snapshot.SnapshotID == "" {
		return pipeline.Snapshot{}, fmt.Errorf("snapshot_id is required")
	}
	if snapshot.RunID == "" {
		return pipeline.Snapshot{}, fmt.Errorf("run_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot.ContentPath = fmt.Sprintf("memory://%s/%s.content", snapshot.RunID, snapshot.SnapshotID)
	s.meta[snapshot.SnapshotID] = snapshot
	s.content[snapshot.SnapshotID] = append([]byte(nil), content...)
	s.byRun[snapshot.RunID] = append(s.byRun[snapshot.RunID], snapshot.SnapshotID)
	return snapshot, nil
}

// GetMetadata returns the snapshot document for the id.
func (s *SnapshotStore) GetMetadata(_ context.Context, snapshotID string) (pipeline.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.meta[snapshotID]
	if !ok {
		return pipeline.Snapshot{}, fmt.Errorf("snapshot %s: %w", snapshotID, pipeline.ErrNotFound)
	}
	return snap, nil
}

// GetContent returns a copy of the raw content bytes for the id.
func (s *SnapshotStore) GetContent(_ context.Context, snapshotID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	content, ok := s.content[snapshotID]
	if !ok {
		return nil, fmt.Errorf("snapshot content %s: %w", snapshotID, pipeline.ErrNotFound)
	}
	return append([]byte(nil), content...), nil
}

// ListByRun returns all snapshots for the run, ascending by fetch time.
func (s *SnapshotStore) ListByRun(_ context.Context, runID string) ([]pipeline.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byRun[runID]
	out := make([]pipeline.Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.meta[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FetchedAt.Before(out[j].FetchedAt)
	})
	return out, nil
}
