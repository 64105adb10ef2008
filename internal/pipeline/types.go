// Package pipeline defines the domain types and contracts shared by the
// evidence pipeline stages: planning, collection, and structured parsing.
package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SourceType identifies the extraction strategy for a configured source.
type SourceType string

const (
	SourceTypeCareersPage SourceType = "careers_page"
	SourceTypeATSBoard    SourceType = "ats_board"
	SourceTypeRSS         SourceType = "rss"
)

// ParseSourceType validates a raw config value against the known source types.
func ParseSourceType(raw string) (SourceType, error) {
	switch st := SourceType(raw); st {
	case SourceTypeCareersPage, SourceTypeATSBoard, SourceTypeRSS:
		return st, nil
	default:
		return "", fmt.Errorf("unknown source_type %q", raw)
	}
}

// SourceConfig is one declarative source entry from the sources file.
type SourceConfig struct {
	SourceID       string            `json:"source_id" yaml:"source_id" mapstructure:"source_id"`
	SourceType     string            `json:"source_type" yaml:"source_type" mapstructure:"source_type"`
	URL            string            `json:"url" yaml:"url" mapstructure:"url"`
	Enabled        bool              `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	RateLimitRPS   float64           `json:"rate_limit_rps" yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	TimeoutSeconds float64           `json:"timeout_seconds" yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxRetries     int               `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	FollowLinks    bool              `json:"follow_links" yaml:"follow_links" mapstructure:"follow_links"`
	Metadata       map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty" mapstructure:"metadata"`
}

// FetchPolicy captures the per-task limits the planner resolved from source
// config and global defaults.
type FetchPolicy struct {
	RateLimitRPS   float64 `json:"rate_limit_rps"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
	MaxRetries     int     `json:"max_retries"`
	FollowLinks    bool    `json:"follow_links"`
}

// Timeout converts the configured seconds into a duration.
func (p FetchPolicy) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds * float64(time.Second))
}

// FetchTask is one planned fetch. Immutable once planned; URL holds the
// canonical form while OriginalURL preserves the configured value verbatim.
type FetchTask struct {
	URL         string            `json:"url"`
	OriginalURL string            `json:"original_url"`
	SourceID    string            `json:"source_id"`
	SourceType  SourceType        `json:"source_type"`
	Policy      FetchPolicy       `json:"fetch_policy"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// FetchResult is the outcome of one fetch call. It is never persisted
// directly; the collect stage folds it into a Snapshot.
type FetchResult struct {
	URL          string
	StatusCode   int
	Content      []byte
	Headers      map[string]string
	ContentType  string
	DurationMS   int64
	Success      bool
	Error        string
	RetryCount   int
	UsedHeadless bool
}

// Snapshot is the immutable evidence record of one fetch attempt. Written
// once by the collect stage, read-only afterward.
type Snapshot struct {
	SnapshotID    string            `json:"snapshot_id"`
	RunID         string            `json:"run_id"`
	SourceID      string            `json:"source_id"`
	SourceType    SourceType        `json:"source_type"`
	OriginalURL   string            `json:"original_url"`
	CanonicalURL  string            `json:"canonical_url"`
	FetchedAt     time.Time         `json:"fetched_at"`
	StatusCode    int               `json:"status_code"`
	Success       bool              `json:"success"`
	ContentHash   string            `json:"content_hash"`
	ContentType   string            `json:"content_type,omitempty"`
	ContentLength int               `json:"content_length"`
	DurationMS    int64             `json:"duration_ms"`
	Error         string            `json:"error,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ContentPath   string            `json:"content_path,omitempty"`
}

// ContentBlock is adapter output prepared for the extraction model.
// Not persisted standalone.
type ContentBlock struct {
	MainText    string            `json:"main_text"`
	Meta        map[string]string `json:"meta,omitempty"`
	KeyLinks    []string          `json:"key_links,omitempty"`
	CompanyHint string            `json:"company_hint,omitempty"`
}

// EvidenceSnippet ties a signal back to the text it was read from.
type EvidenceSnippet struct {
	Text    string `json:"text"`
	Context string `json:"context,omitempty"`
}

// Signal is one observed fact about a company with its supporting evidence.
type Signal struct {
	Name     string          `json:"name"`
	Value    string          `json:"value"`
	Evidence EvidenceSnippet `json:"evidence"`
}

// CompanyProfile is the structured extraction result for one snapshot.
// CompanyID is always recomputed deterministically after extraction; the
// model's own value is never trusted.
type CompanyProfile struct {
	CompanyID        string   `json:"company_id"`
	Name             string   `json:"name"`
	Domain           string   `json:"domain"`
	Website          string   `json:"website"`
	Summary          string   `json:"summary"`
	Tags             []string `json:"tags,omitempty"`
	Signals          []Signal `json:"signals,omitempty"`
	Confidence       float64  `json:"confidence"`
	Unknowns         []string `json:"unknowns,omitempty"`
	RawModelResponse string   `json:"raw_model_response,omitempty"`
}

// Validate enforces the structural schema for extracted profiles. Semantic
// correctness of the content is out of scope; only shape is checked.
func (p CompanyProfile) Validate() error {
	if strings.TrimSpace(p.CompanyID) == "" {
		return errors.New("company_id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(p.Domain) == "" {
		return errors.New("domain is required")
	}
	if strings.TrimSpace(p.Website) == "" {
		return errors.New("website is required")
	}
	if strings.TrimSpace(p.Summary) == "" {
		return errors.New("summary is required")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0, 1]", p.Confidence)
	}
	for i, sig := range p.Signals {
		if strings.TrimSpace(sig.Name) == "" {
			return fmt.Errorf("signal %d: name is required", i)
		}
		if strings.TrimSpace(sig.Value) == "" {
			return fmt.Errorf("signal %d: value is required", i)
		}
		if strings.TrimSpace(sig.Evidence.Text) == "" {
			return fmt.Errorf("signal %d: evidence text is required", i)
		}
	}
	return nil
}

// ParseStatus is the terminal outcome of one parse attempt.
type ParseStatus string

const (
	ParseStatusSuccess ParseStatus = "success"
	ParseStatusPartial ParseStatus = "partial"
	ParseStatusFailed  ParseStatus = "failed"
	ParseStatusSkipped ParseStatus = "skipped"
)

// ParsedItemLog is the per-snapshot audit record. One is always emitted for
// every snapshot the parse stage touches, whatever the outcome.
type ParsedItemLog struct {
	SnapshotID string      `json:"snapshot_id"`
	SourceID   string      `json:"source_id"`
	Status     ParseStatus `json:"status"`
	Warnings   []string    `json:"warnings,omitempty"`
	Errors     []string    `json:"errors,omitempty"`
	DurationMS int64       `json:"duration_ms"`
	ModelName  string      `json:"model_name,omitempty"`
	TokensUsed int         `json:"tokens_used,omitempty"`
}

// ParseSummary aggregates one run's parse stage outcomes.
type ParseSummary struct {
	NumSuccess  int              `json:"num_success"`
	NumPartial  int              `json:"num_partial"`
	NumFailed   int              `json:"num_failed"`
	NumSkipped  int              `json:"num_skipped"`
	TotalTokens int              `json:"total_tokens"`
	Profiles    []CompanyProfile `json:"profiles"`
	Logs        []ParsedItemLog  `json:"logs"`
}

// RunStatus is the lifecycle state of one pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunMetrics are the aggregate counters a run accumulates across stages.
type RunMetrics struct {
	NumFetchTasks       int `json:"num_fetch_tasks"`
	NumSnapshotsSuccess int `json:"num_snapshots_success"`
	NumSnapshotsFailed  int `json:"num_snapshots_failed"`
	NumParseSuccess     int `json:"num_parse_success"`
	NumParseFailed      int `json:"num_parse_failed"`
}

// Observe folds one item log into the aggregate counters.
func (s *ParseSummary) Observe(log ParsedItemLog) {
	switch log.Status {
	case ParseStatusSuccess:
		s.NumSuccess++
	case ParseStatusPartial:
		s.NumPartial++
	case ParseStatusFailed:
		s.NumFailed++
	case ParseStatusSkipped:
		s.NumSkipped++
	}
	s.TotalTokens += log.TokensUsed
	s.Logs = append(s.Logs, log)
}
