package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrStale marks a job whose configuration disappeared between enqueue and
// execution (chain or token disabled/removed). It is dropped without retry.
var ErrStale = errors.New("stale job")

// Job is the unit of work carried through redis. Delivery is at-least-once;
// handlers must be idempotent.
type Job struct {
	ID       string          `json:"id"`
	Payload  json.RawMessage `json:"payload"`
	DedupKey string          `json:"dedupKey,omitempty"`
	Attempts int             `json:"attempts"`
}

// Queue is one named redis-backed job list with optional per-job
// deduplication. While a dedup marker is held (job pending or in-flight),
// enqueues with the same key collapse into the existing job.
type Queue struct {
	rdb      *redis.Client
	name     string
	dedupTTL time.Duration
}

// Dedup markers expire on their own so a crashed consumer cannot block a
// logical unit of work forever.
const defaultDedupTTL = 10 * time.Minute

func New(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, name: name, dedupTTL: defaultDedupTTL}
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) jobsKey() string {
	return fmt.Sprintf("q:%s:jobs", q.name)
}

func (q *Queue) dedupKey(key string) string {
	return fmt.Sprintf("q:%s:dedup:%s", q.name, key)
}

// Enqueue pushes a job carrying the JSON-encoded payload. With a non-empty
// dedupKey the job is collapsed into an existing pending/in-flight job for
// the same key; the return value reports whether a job was actually queued.
func (q *Queue) Enqueue(ctx context.Context, payload interface{}, dedupKey string) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	job := Job{
		ID:       uuid.NewString(),
		Payload:  raw,
		DedupKey: dedupKey,
		Attempts: 0,
	}
	return q.push(ctx, job)
}

func (q *Queue) push(ctx context.Context, job Job) (bool, error) {
	if job.DedupKey != "" {
		acquired, err := q.rdb.SetNX(ctx, q.dedupKey(job.DedupKey), job.ID, q.dedupTTL).Result()
		if err != nil {
			return false, fmt.Errorf("failed to set dedup marker: %w", err)
		}
		if !acquired {
			return false, nil
		}
	}

	encoded, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.jobsKey(), encoded).Err(); err != nil {
		return false, fmt.Errorf("failed to push job: %w", err)
	}
	return true, nil
}

// dequeue blocks for up to a second waiting for a job; a nil job means the
// wait timed out.
func (q *Queue) dequeue(ctx context.Context) (*Job, error) {
	res, err := q.rdb.BRPop(ctx, time.Second, q.jobsKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (q *Queue) releaseDedup(ctx context.Context, job *Job) error {
	if job.DedupKey == "" {
		return nil
	}
	return q.rdb.Del(ctx, q.dedupKey(job.DedupKey)).Err()
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.jobsKey()).Result()
}
