package pipeline

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a lookup misses. Callers check it
// with errors.Is rather than matching message text.
var ErrNotFound = errors.New("not found")

// ErrQueueFull is returned by bounded queues when a run cannot be admitted.
var ErrQueueFull = errors.New("queue full")

// Fetcher executes one fetch task. All failures are folded into the result,
// never returned as an error.
type Fetcher interface {
	Fetch(ctx context.Context, task FetchTask) FetchResult
}

// Limiter paces outbound requests for one fetch session.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Renderer loads a page in a headless browser for JS-heavy sources.
type Renderer interface {
	Render(ctx context.Context, rawURL string, timeout time.Duration) (FetchResult, error)
}

// HeadlessDetector decides whether a probe result warrants a headless retry.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResult) bool
}

// SnapshotStore persists fetch evidence as two linked artifacts per snapshot:
// a metadata document and the raw content bytes. Snapshots are write-once.
type SnapshotStore interface {
	Save(ctx context.Context, snapshot Snapshot, content []byte) (Snapshot, error)
	GetMetadata(ctx context.Context, snapshotID string) (Snapshot, error)
	GetContent(ctx context.Context, snapshotID string) ([]byte, error)
	ListByRun(ctx context.Context, runID string) ([]Snapshot, error)
}

// ParseStore persists parse outputs per run with whole-file overwrite
// semantics.
type ParseStore interface {
	SaveProfiles(ctx context.Context, runID string, profiles []CompanyProfile) error
	SaveLogs(ctx context.Context, runID string, logs []ParsedItemLog) error
	ListProfiles(ctx context.Context, runID string) ([]CompanyProfile, error)
	ListLogs(ctx context.Context, runID string) ([]ParsedItemLog, error)
}

// Adapter turns raw snapshot bytes into model-ready text and metadata.
type Adapter interface {
	ExtractContent(snapshot Snapshot, raw []byte, sourceMetadata map[string]string) (ContentBlock, error)
}

// AdapterRegistry resolves the extraction strategy for a source type.
// A nil adapter signals skip, not failure.
type AdapterRegistry interface {
	AdapterFor(sourceType SourceType) Adapter
}

// Event names published after durable writes.
const (
	EventSnapshotStored   = "snapshot.stored"
	EventProfileExtracted = "profile.extracted"
)

// Publisher pushes pipeline events downstream (Pub/Sub or similar). The
// event argument names the logical channel; implementations decide how it
// maps onto their transport.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// Hasher computes content digests for snapshot addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock supplies time, swappable in tests.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// IDGenerator mints run and snapshot identifiers.
type IDGenerator interface {
	NewRunID(now time.Time) (string, error)
	NewSnapshotID() (string, error)
}

// Queue provides enqueue/dequeue semantics for serve-mode run requests.
type Queue interface {
	Enqueue(ctx context.Context, req RunRequest) error
	Dequeue(ctx context.Context) (RunRequest, error)
}

// RunRequest wraps a pipeline run waiting to execute.
type RunRequest struct {
	RunID     string
	Submitted int64
}
