// Package memory provides the bounded in-memory run queue used by serve mode.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jobagent/leadpipe/internal/pipeline"
)

// Queue is a bounded in-memory queue with context-aware operations.
// Enqueue never blocks on a full queue; admission control is the caller's
// signal to shed load.
type Queue struct {
	ch      chan pipeline.RunRequest
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan pipeline.RunRequest, capacity),
	}
}

// Enqueue admits a run request or reports why it could not: context end or
// pipeline.ErrQueueFull when the queue is at capacity.
func (q *Queue) Enqueue(ctx context.Context, req pipeline.RunRequest) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- req:
		return nil
	default:
		return pipeline.ErrQueueFull
	}
}

// Dequeue pops the next run request, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (pipeline.RunRequest, error) {
	select {
	case <-ctx.Done():
		return pipeline.RunRequest{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case req, ok := <-q.ch:
		if !ok {
			return pipeline.RunRequest{}, errors.New("queue closed")
		}
		return req, nil
	}
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
