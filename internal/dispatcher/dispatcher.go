// Package dispatcher manages executor fan-out over the run queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jobagent/leadpipe/internal/pipeline"
)

// Runner executes one queued pipeline run.
type Runner interface {
	Execute(ctx context.Context, req pipeline.RunRequest) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req pipeline.RunRequest) error

// Execute calls f.
func (f RunnerFunc) Execute(ctx context.Context, req pipeline.RunRequest) error {
	return f(ctx, req)
}

// Dispatcher fans out queued run requests to a pool of executors. Each
// executor runs one pipeline run at a time.
type Dispatcher struct {
	queue     pipeline.Queue
	runner    Runner
	executors int
	logger    *zap.Logger
}

// New creates a Dispatcher. Executor counts below one are clamped to a
// single executor.
func New(queue pipeline.Queue, runner Runner, executors int, logger *zap.Logger) *Dispatcher {
	if executors < 1 {
		executors = 1
	}
	return &Dispatcher{
		queue:     queue,
		runner:    runner,
		executors: executors,
		logger:    logger.Named("dispatcher"),
	}
}

// Run starts all executors and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.executors; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.consume(ctx, id)
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
}

// consume is one executor loop: dequeue, execute, repeat until the context
// ends. Run failures are logged, never fatal to the loop.
func (d *Dispatcher) consume(ctx context.Context, id int) {
	for {
		req, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("queue dequeue failed",
				zap.Int("executor", id),
				zap.Error(err))
			continue
		}
		d.logger.Debug("dequeued run request",
			zap.Int("executor", id),
			zap.String("run_id", req.RunID))
		if err := d.runner.Execute(ctx, req); err != nil {
			d.logger.Error("run execution failed",
				zap.Int("executor", id),
				zap.String("run_id", req.RunID),
				zap.Error(err))
		}
	}
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, req pipeline.RunRequest) error {
	if err := d.queue.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
