package sinks

import (
	"context"
	"sync"

	"github.com/jobagent/leadpipe/internal/metrics"
	"github.com/jobagent/leadpipe/internal/progress"
)

// PrometheusSink feeds run events into the pipeline's Prometheus collectors.
// The collectors themselves live in the metrics package so the /metrics
// endpoint and the event stream share one registry; the sink only translates
// events and tracks which runs are currently in flight.
type PrometheusSink struct {
	tracker *runTracker
}

// NewPrometheusSink initializes the shared collectors and returns the sink.
func NewPrometheusSink() *PrometheusSink {
	metrics.Init()
	return &PrometheusSink{tracker: newRunTracker()}
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindRunStart, progress.KindRunDone, progress.KindRunError:
		s.handleRunEvent(evt)
	case progress.KindStageDone:
		metrics.ObserveStage(evt.Stage, evt.Dur)
	case progress.KindFetchDone:
		metrics.ObserveFetch(evt.Site, evt.StatusClass == progress.Status2xx, int(evt.Bytes))
	case progress.KindParseDone:
		metrics.ObserveParse(evt.ParseStatus, evt.Tokens)
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindRunStart:
		if s.tracker.start(evt.RunID) {
			metrics.IncActiveRuns()
		}
	case progress.KindRunDone:
		metrics.ObserveRun("completed", evt.Dur)
	case progress.KindRunError:
		metrics.ObserveRun("failed", evt.Dur)
	}
	if evt.Kind != progress.KindRunStart && s.tracker.complete(evt.RunID) {
		metrics.DecActiveRuns()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
