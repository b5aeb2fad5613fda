// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
)

const defaultVisibilityTimeout = 30 * time.Second

type entry struct {
	job campaign.Job
	at  time.Time
}

// Queue is an in-memory delayed queue with visibility timeouts.
// It is safe for concurrent use but does not survive restarts.
type Queue struct {
	mu         sync.Mutex
	ready      map[string]entry
	inflight   map[string]entry
	visibility time.Duration
	now        func() time.Time
	changed    chan struct{}
	closed     bool
	done       chan struct{}
}

// NewQueue constructs a queue whose dequeued jobs are redelivered after visibility.
func NewQueue(visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	return &Queue{
		ready:      make(map[string]entry),
		inflight:   make(map[string]entry),
		visibility: visibility,
		now:        time.Now,
		changed:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Enqueue schedules the job after delay, replacing any job with the same key.
func (q *Queue) Enqueue(ctx context.Context, job campaign.Job, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return campaign.ErrQueueClosed
	}
	key := job.Key()
	delete(q.inflight, key)
	q.ready[key] = entry{job: job, at: q.now().Add(delay)}
	q.broadcastLocked()
	q.mu.Unlock()
	return nil
}

// Dequeue blocks until a job is due, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (campaign.Job, error) {
	for {
		job, wait, changed, ok, err := q.tryDequeue()
		if err != nil {
			return campaign.Job{}, err
		}
		if ok {
			return job, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return campaign.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			timer.Stop()
			return campaign.Job{}, campaign.ErrQueueClosed
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tryDequeue claims the earliest due job. When nothing is due it reports how
// long until the next ready or in-flight deadline.
func (q *Queue) tryDequeue() (campaign.Job, time.Duration, <-chan struct{}, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return campaign.Job{}, 0, nil, false, campaign.ErrQueueClosed
	}
	now := q.now()
	for key, e := range q.inflight {
		if !e.at.After(now) {
			delete(q.inflight, key)
			q.ready[key] = entry{job: e.job, at: now}
		}
	}

	var (
		bestKey string
		best    entry
		found   bool
		next    = q.visibility
	)
	for key, e := range q.ready {
		if e.at.After(now) {
			if d := e.at.Sub(now); d < next {
				next = d
			}
			continue
		}
		if !found || e.at.Before(best.at) {
			bestKey, best, found = key, e, true
		}
	}
	if !found {
		for _, e := range q.inflight {
			if d := e.at.Sub(now); d < next {
				next = d
			}
		}
		return campaign.Job{}, next, q.changed, false, nil
	}
	delete(q.ready, bestKey)
	q.inflight[bestKey] = entry{job: best.job, at: now.Add(q.visibility)}
	return best.job, 0, nil, true, nil
}

// Ack removes the job from the queue.
func (q *Queue) Ack(_ context.Context, job campaign.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := job.Key()
	delete(q.inflight, key)
	delete(q.ready, key)
	return nil
}

// Contains reports whether the key is queued or in flight.
func (q *Queue) Contains(_ context.Context, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, queued := q.ready[key]
	_, leased := q.inflight[key]
	return queued || leased, nil
}

// Len returns the number of queued and in-flight jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.inflight)
}

// Close releases blocked consumers for shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// broadcastLocked wakes every blocked Dequeue. Callers hold q.mu.
func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
