// Package gcs persists snapshot evidence in Google Cloud Storage using the
// same two-artifact layout as the filesystem store.
package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/jobagent/leadpipe/internal/pipeline"
)

const (
	metaSuffix    = ".meta.json"
	contentSuffix = ".content"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// SnapshotStore writes snapshot artifacts to a GCS bucket, two objects per
// snapshot under {prefix}/{run_id}/.
type SnapshotStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewSnapshotStore creates a GCS-backed snapshot store.
func NewSnapshotStore(client *storage.Client, cfg Config) (*SnapshotStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &SnapshotStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Dial creates a GCS client and verifies the bucket is reachable, so a bad
// bucket or missing credentials fail at startup instead of mid-run.
// Authentication uses Google's Application Default Credentials.
func Dial(ctx context.Context, bucket string) (*storage.Client, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to get GCS bucket %q attributes: %w (close client: %v)", bucket, err, closeErr)
		}
		return nil, fmt.Errorf("failed to get GCS bucket %q attributes: %w", bucket, err)
	}
	return client, nil
}

// Save uploads the content and metadata artifacts, filling ContentPath with
// the gs:// URI of the content object.
func (s *SnapshotStore) Save(ctx context.Context, snapshot pipeline.Snapshot, content []byte) (pipeline.Snapshot, error) {
	if err := validateID(snapshot.RunID); err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("run_id: %w", err)
	}
	if err := validateID(snapshot.SnapshotID); err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("snapshot_id: %w", err)
	}

	contentType := snapshot.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	contentObj := s.objectName(snapshot.RunID, snapshot.SnapshotID+contentSuffix)
	if err := s.upload(ctx, contentObj, contentType, content); err != nil {
		return pipeline.Snapshot{}, err
	}
	snapshot.ContentPath = fmt.Sprintf("gs://%s/%s", s.bucket, contentObj)

	meta, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metaObj := s.objectName(snapshot.RunID, snapshot.SnapshotID+metaSuffix)
	if err := s.upload(ctx, metaObj, "application/json", meta); err != nil {
		return pipeline.Snapshot{}, err
	}

	return snapshot, nil
}

// GetMetadata loads the snapshot document for the id, searching across runs.
func (s *SnapshotStore) GetMetadata(ctx context.Context, snapshotID string) (pipeline.Snapshot, error) {
	if err := validateID(snapshotID); err != nil {
		return pipeline.Snapshot{}, err
	}
	object, err := s.findArtifact(ctx, snapshotID+metaSuffix)
	if err != nil {
		return pipeline.Snapshot{}, err
	}
	data, err := s.download(ctx, object)
	if err != nil {
		return pipeline.Snapshot{}, err
	}
	var snap pipeline.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("failed to decode metadata %s: %w", object, err)
	}
	return snap, nil
}

// GetContent loads the raw content bytes for the id, searching across runs.
func (s *SnapshotStore) GetContent(ctx context.Context, snapshotID string) ([]byte, error) {
	if err := validateID(snapshotID); err != nil {
		return nil, err
	}
	object, err := s.findArtifact(ctx, snapshotID+contentSuffix)
	if err != nil {
		return nil, err
	}
	return s.download(ctx, object)
}

// ListByRun returns all snapshots for the run, ascending by fetch time. A
// run with no objects yields an empty list, not an error.
func (s *SnapshotStore) ListByRun(ctx context.Context, runID string) ([]pipeline.Snapshot, error) {
	if err := validateID(runID); err != nil {
		return nil, err
	}

	runPrefix := s.objectName(runID, "") + "/"
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: runPrefix})
	var snaps []pipeline.Snapshot
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list run objects: %w", err)
		}
		if !strings.HasSuffix(attrs.Name, metaSuffix) {
			continue
		}
		data, err := s.download(ctx, attrs.Name)
		if err != nil {
			return nil, err
		}
		var snap pipeline.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("failed to decode metadata %s: %w", attrs.Name, err)
		}
		snaps = append(snaps, snap)
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].FetchedAt.Before(snaps[j].FetchedAt)
	})
	return snaps, nil
}

func (s *SnapshotStore) objectName(runID, name string) string {
	if s.prefix == "" {
		return path.Join(runID, name)
	}
	return path.Join(s.prefix, runID, name)
}

func (s *SnapshotStore) upload(ctx context.Context, object, contentType string, data []byte) error {
	writer := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := writer.Write(data); err != nil {
		// Close must still run to release resources; the write failure is
		// the primary error.
		if closeErr := writer.Close(); closeErr != nil {
			return fmt.Errorf("failed to write object %s: %w (close writer: %v)", object, err, closeErr)
		}
		return fmt.Errorf("failed to write object %s: %w", object, err)
	}
	// Close finalizes the upload and flushes buffered data.
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer for object %s: %w", object, err)
	}
	return nil
}

func (s *SnapshotStore) download(ctx context.Context, object string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(object).NewReader(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, fmt.Errorf("object %s: %w", object, pipeline.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open object %s: %w", object, err)
	}
	data, readErr := io.ReadAll(reader)
	if closeErr := reader.Close(); closeErr != nil && readErr == nil {
		return nil, fmt.Errorf("failed to close reader for object %s: %w", object, closeErr)
	}
	if readErr != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", object, readErr)
	}
	return data, nil
}

// findArtifact locates the object holding the named artifact. Run ids never
// contain separators, so a single-segment glob is sufficient.
func (s *SnapshotStore) findArtifact(ctx context.Context, name string) (string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{MatchGlob: s.objectName("*", name)})
	var matches []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to scan bucket: %w", err)
		}
		matches = append(matches, attrs.Name)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("artifact %s: %w", name, pipeline.ErrNotFound)
	}
	sort.Strings(matches)
	return matches[0], nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("identifier is required")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("identifier %q contains path separators", id)
	}
	return nil
}
