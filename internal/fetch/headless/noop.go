package headless

import (
	"context"
	"errors"
	"time"

	"github.com/jobagent/leadpipe/internal/pipeline"
)

// Noop implements pipeline.Renderer but always returns an error to indicate
// that headless rendering is not available in the current configuration.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Render returns an error since this is a stub implementation.
func (Noop) Render(_ context.Context, _ string, _ time.Duration) (pipeline.FetchResult, error) {
	return pipeline.FetchResult{}, errors.New("headless renderer not configured")
}
