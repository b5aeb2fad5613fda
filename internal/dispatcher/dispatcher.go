// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
	"github.com/JakeFAU/campaign-indexer/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   campaign.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue campaign.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes.
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
}

// Enqueue makes a job immediately available to the workers.
func (d *Dispatcher) Enqueue(ctx context.Context, job campaign.Job) error {
	if err := d.queue.Enqueue(ctx, job, 0); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
