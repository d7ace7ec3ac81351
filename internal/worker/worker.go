// Package worker executes queued crawl attempts.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/metrics"
)

// Executor runs one attempt to a terminal status.
type Executor interface {
	Execute(ctx context.Context, attemptID string) error
}

// Worker consumes queue items and executes the attempts they name.
type Worker struct {
	id       int
	queue    crawler.Queue
	executor Executor
	logger   *zap.Logger
}

// New constructs a Worker.
func New(id int, queue crawler.Queue, executor Executor, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		queue:    queue,
		executor: executor,
		logger:   logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue items until the context finishes. An attempt
// that was already dequeued runs to completion even if ctx ends meanwhile.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			return
		}
		w.logger.Debug("dequeued attempt", zap.String("attempt_id", item.AttemptID))
		w.process(context.WithoutCancel(ctx), item)
	}
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(
		zap.String("attempt_id", item.AttemptID),
		zap.String("source_id", item.SourceID),
	)
	err := w.executor.Execute(ctx, item.AttemptID)
	switch {
	case err == nil:
		logger.Debug("attempt executed")
	case errors.Is(err, crawler.ErrAttemptFinalized):
		logger.Warn("attempt already finalized, skipping")
	case errors.Is(err, crawler.ErrCrawlFailed):
		logger.Info("attempt finished with failure", zap.Error(err))
	default:
		logger.Error("attempt execution failed", zap.Error(err))
	}
}
