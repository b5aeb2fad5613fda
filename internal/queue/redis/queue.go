// Package redis provides a durable job queue on Redis sorted sets.
//
// Three keys hold the queue state:
//   - {prefix}:ready, a sorted set of job keys scored by the time they become due
//   - {prefix}:inflight, a sorted set of leased job keys scored by their visibility deadline
//   - {prefix}:payload, a hash of job key to JSON-encoded job
//
// A job key lives in exactly one of the two sets while its payload exists.
// Dequeue runs as a Lua script so reclaiming expired leases, claiming the
// next due job, and leasing it happen atomically across consumers.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
)

const (
	defaultPrefix            = "indexing"
	defaultVisibilityTimeout = 30 * time.Second
	defaultPollInterval      = 250 * time.Millisecond
)

var dequeueScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local payload = KEYS[3]
local now = ARGV[1]
local deadline = ARGV[2]

local expired = redis.call('ZRANGEBYSCORE', inflight, '-inf', now)
for _, key in ipairs(expired) do
	redis.call('ZREM', inflight, key)
	redis.call('ZADD', ready, now, key)
end

local due = redis.call('ZRANGEBYSCORE', ready, '-inf', now, 'LIMIT', 0, 1)
if #due == 0 then
	return false
end
local key = due[1]
redis.call('ZREM', ready, key)
local body = redis.call('HGET', payload, key)
if not body then
	return false
end
redis.call('ZADD', inflight, deadline, key)
return body
`)

// Config controls key naming and delivery timing.
type Config struct {
	Prefix            string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// Queue is a Redis-backed implementation of campaign.Queue.
type Queue struct {
	client       redis.Cmdable
	clock        campaign.Clock
	readyKey     string
	inflightKey  string
	payloadKey   string
	visibility   time.Duration
	pollInterval time.Duration
}

// New constructs a Queue over the provided client.
func New(client redis.Cmdable, cfg Config, clock campaign.Clock) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if clock == nil {
		clock = campaign.SystemClock{}
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Queue{
		client:       client,
		clock:        clock,
		readyKey:     prefix + ":ready",
		inflightKey:  prefix + ":inflight",
		payloadKey:   prefix + ":payload",
		visibility:   visibility,
		pollInterval: poll,
	}, nil
}

// Enqueue stores the payload and schedules the key, replacing any lease.
func (q *Queue) Enqueue(ctx context.Context, job campaign.Job, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	key := job.Key()
	due := q.clock.Now().Add(delay).UnixMilli()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.payloadKey, key, body)
		pipe.ZRem(ctx, q.inflightKey, key)
		pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: float64(due), Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", key, err)
	}
	return nil
}

// Dequeue polls until a job is due or the context ends.
func (q *Queue) Dequeue(ctx context.Context) (campaign.Job, error) {
	for {
		job, ok, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return campaign.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return campaign.Job{}, err
		}
		if ok {
			return job, nil
		}
		timer := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return campaign.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context) (campaign.Job, bool, error) {
	now := q.clock.Now()
	deadline := now.Add(q.visibility)
	body, err := dequeueScript.Run(
		ctx,
		q.client,
		[]string{q.readyKey, q.inflightKey, q.payloadKey},
		now.UnixMilli(),
		deadline.UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return campaign.Job{}, false, nil
	}
	if err != nil {
		return campaign.Job{}, false, fmt.Errorf("dequeue script: %w", err)
	}
	var job campaign.Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return campaign.Job{}, false, fmt.Errorf("decode job: %w", err)
	}
	return job, true, nil
}

// Ack deletes the job and its lease.
func (q *Queue) Ack(ctx context.Context, job campaign.Job) error {
	key := job.Key()
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.inflightKey, key)
		pipe.ZRem(ctx, q.readyKey, key)
		pipe.HDel(ctx, q.payloadKey, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", key, err)
	}
	return nil
}

// Contains reports whether a payload exists for the key.
func (q *Queue) Contains(ctx context.Context, key string) (bool, error) {
	ok, err := q.client.HExists(ctx, q.payloadKey, key).Result()
	if err != nil {
		return false, fmt.Errorf("contains %s: %w", key, err)
	}
	return ok, nil
}
