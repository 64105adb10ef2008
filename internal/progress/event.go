// Package progress defines the run-event structures emitted by the pipeline.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/jobagent/leadpipe/internal/pipeline"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindRunStart   Kind = "RUN_START"
	KindStageStart Kind = "STAGE_START"
	KindStageDone  Kind = "STAGE_DONE"
	KindFetchDone  Kind = "FETCH_DONE"
	KindParseDone  Kind = "PARSE_DONE"
	KindRunDone    Kind = "RUN_DONE"
	KindRunError   Kind = "RUN_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of pipeline progress.
type Event struct {
	// RunID identifies the pipeline run the event belongs to.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind denotes which lifecycle milestone occurred.
	Kind Kind
	// Stage names the pipeline stage for stage-scoped events.
	Stage string
	// StageStatus is the terminal stage status (completed or failed).
	StageStatus string
	// StageStarted anchors stage events to one stage execution.
	StageStarted time.Time
	// ItemsIn and ItemsOut carry the stage input and output counts.
	ItemsIn  int
	ItemsOut int
	// ErrorCount is the number of item-level errors the stage recorded.
	ErrorCount int
	// Site optionally scopes fetch events to a host label.
	Site string
	// URL is the canonical page URL; it should not contain credentials.
	URL string
	// Bytes carries the response size for the fetch.
	Bytes int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// ParseStatus is the terminal parse outcome for parse events.
	ParseStatus string
	// Tokens counts model tokens consumed by a parse.
	Tokens int
	// Dur captures execution latency for fetches, parses, stages, and runs.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
	// Metrics snapshots the final run counters on run_done and run_error.
	Metrics pipeline.RunMetrics
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindRunStart, KindRunDone, KindRunError:
	case KindStageStart, KindStageDone:
		if e.Stage == "" {
			return errors.New("stage events require a stage name")
		}
	case KindFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case KindParseDone:
		if e.ParseStatus == "" {
			return errors.New("parse done requires parse status")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
