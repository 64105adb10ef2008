// Package fs persists pipeline evidence on the local filesystem, one
// directory per run.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jobagent/leadpipe/internal/pipeline"
)

const (
	metaSuffix    = ".meta.json"
	contentSuffix = ".content"
)

// Config captures the parameters for filesystem-backed stores.
type Config struct {
	// BaseDir is the root directory where run artifacts are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// SnapshotStore writes snapshot evidence as two artifacts per snapshot under
// {base}/{run_id}/: {snapshot_id}.meta.json and {snapshot_id}.content.
type SnapshotStore struct {
	baseDir string
}

// NewSnapshotStore validates the base directory and probes writability.
func NewSnapshotStore(cfg Config) (*SnapshotStore, error) {
	baseDir, err := ensureBaseDir(cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	return &SnapshotStore{baseDir: baseDir}, nil
}

// Save durably persists content and metadata, filling ContentPath. Safe to
// call concurrently for distinct snapshot ids within a run.
func (s *SnapshotStore) Save(_ context.Context, snapshot pipeline.Snapshot, content []byte) (pipeline.Snapshot, error) {
	if err := validateID(snapshot.RunID); err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("run_id: %w", err)
	}
	if err := validateID(snapshot.SnapshotID); err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("snapshot_id: %w", err)
	}

	runDir := filepath.Join(s.baseDir, snapshot.RunID)
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("failed to create run directory: %w", err)
	}

	contentPath := filepath.Join(runDir, snapshot.SnapshotID+contentSuffix)
	if err := os.WriteFile(contentPath, content, 0o600); err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("failed to write content: %w", err)
	}
	snapshot.ContentPath = contentPath

	meta, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metaPath := filepath.Join(runDir, snapshot.SnapshotID+metaSuffix)
	if err := os.WriteFile(metaPath, meta, 0o600); err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("failed to write metadata: %w", err)
	}

	return snapshot, nil
}

// GetMetadata loads the snapshot document for the id, searching across runs.
func (s *SnapshotStore) GetMetadata(_ context.Context, snapshotID string) (pipeline.Snapshot, error) {
	if err := validateID(snapshotID); err != nil {
		return pipeline.Snapshot{}, err
	}
	path, err := s.findArtifact(snapshotID + metaSuffix)
	if err != nil {
		return pipeline.Snapshot{}, err
	}
	return readSnapshotMeta(path)
}

// GetContent loads the raw content bytes for the id, searching across runs.
func (s *SnapshotStore) GetContent(_ context.Context, snapshotID string) ([]byte, error) {
	if err := validateID(snapshotID); err != nil {
		return nil, err
	}
	path, err := s.findArtifact(snapshotID + contentSuffix)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is derived from a validated id under baseDir.
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	return data, nil
}

// ListByRun returns all snapshots for the run, ascending by fetch time. A
// run with no directory yields an empty list, not an error.
func (s *SnapshotStore) ListByRun(_ context.Context, runID string) ([]pipeline.Snapshot, error) {
	if err := validateID(runID); err != nil {
		return nil, err
	}

	runDir := filepath.Join(s.baseDir, runID)
	entries, err := os.ReadDir(runDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read run directory: %w", err)
	}

	snaps := make([]pipeline.Snapshot, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		snap, err := readSnapshotMeta(filepath.Join(runDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].FetchedAt.Before(snaps[j].FetchedAt)
	})
	return snaps, nil
}

func (s *SnapshotStore) findArtifact(name string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.baseDir, "*", name))
	if err != nil {
		return "", fmt.Errorf("failed to scan store: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("artifact %s: %w", name, pipeline.ErrNotFound)
	}
	sort.Strings(matches)
	return matches[0], nil
}

func readSnapshotMeta(path string) (pipeline.Snapshot, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is derived from a validated id under baseDir.
	if err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var snap pipeline.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("failed to decode metadata %s: %w", filepath.Base(path), err)
	}
	return snap, nil
}

func ensureBaseDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
				return "", fmt.Errorf("failed to create base directory: %w", mkErr)
			}
		} else {
			return "", fmt.Errorf("failed to stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return "", fmt.Errorf("base directory path is not a directory")
	}

	// Probe for write permissions up front so runs fail fast.
	testFile := filepath.Join(dir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return "", fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return "", fmt.Errorf("failed to clean up test file: %w", err)
	}

	return dir, nil
}

// validateID rejects identifiers that could escape the run directory.
func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("identifier is required")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("identifier %q contains path separators", id)
	}
	return nil
}
