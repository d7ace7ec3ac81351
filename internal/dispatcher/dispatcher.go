// Package dispatcher manages worker fan-out over the attempt queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/worker"
)

// Abandoner finalizes attempts that were queued but will never run.
type Abandoner interface {
	Abandon(ctx context.Context, item crawler.QueueItem, reason string)
}

// drainer is implemented by queues that can hand back buffered items.
// Close must make later enqueues fail.
type drainer interface {
	Close()
	Drain() []crawler.QueueItem
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue     crawler.Queue
	workers   []*worker.Worker
	abandoner Abandoner
	logger    *zap.Logger
}

// New creates a Dispatcher. abandoner may be nil.
func New(queue crawler.Queue, workers []*worker.Worker, abandoner Abandoner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:     queue,
		workers:   workers,
		abandoner: abandoner,
		logger:    logger,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned. The queue is then closed, so a late Enqueue fails and
// its caller abandons the attempt, and whatever is still buffered is abandoned
// here. No accepted attempt is left RUNNING.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
	d.abandonBuffered(context.WithoutCancel(ctx))
}

func (d *Dispatcher) abandonBuffered(ctx context.Context) {
	q, ok := d.queue.(drainer)
	if !ok {
		return
	}
	q.Close()
	items := q.Drain()
	if d.abandoner == nil {
		return
	}
	if len(items) > 0 {
		d.logger.Warn("abandoning queued attempts on shutdown", zap.Int("count", len(items)))
	}
	for _, item := range items {
		d.abandoner.Abandon(ctx, item, "service shutting down before the attempt started")
	}
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
