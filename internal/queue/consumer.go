package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type HandlerFunc func(ctx context.Context, job Job) error

// Consumer drains one queue with a fixed number of worker goroutines.
// Failed jobs are re-enqueued with exponential backoff until MaxAttempts;
// ErrStale drops the job immediately.
type Consumer struct {
	queue       *Queue
	handler     HandlerFunc
	concurrency int
	maxAttempts int
	baseBackoff time.Duration
}

func NewConsumer(queue *Queue, handler HandlerFunc, concurrency, maxAttempts int) *Consumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Consumer{
		queue:       queue,
		handler:     handler,
		concurrency: concurrency,
		maxAttempts: maxAttempts,
		baseBackoff: time.Second,
	}
}

// Run blocks until the context is cancelled and all workers have drained.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.workerLoop(ctx)
		}()
	}
	wg.Wait()
}

func (c *Consumer) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := c.queue.dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			zap.L().Error("Failed to dequeue job",
				zap.String("queue", c.queue.Name()), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}
		c.process(ctx, job)
	}
}

func (c *Consumer) process(ctx context.Context, job *Job) {
	err := c.handler(ctx, *job)

	// The dedup marker covers pending and in-flight work, so it is released
	// only after the handler returns.
	if relErr := c.queue.releaseDedup(ctx, job); relErr != nil {
		zap.L().Warn("Failed to release dedup marker",
			zap.String("queue", c.queue.Name()),
			zap.String("dedupKey", job.DedupKey),
			zap.Error(relErr))
	}

	if err == nil {
		return
	}

	if errors.Is(err, ErrStale) {
		zap.L().Debug("Dropping stale job",
			zap.String("queue", c.queue.Name()), zap.String("jobId", job.ID))
		return
	}

	attempt := job.Attempts + 1
	if attempt >= c.maxAttempts {
		zap.L().Error("Job failed permanently",
			zap.String("queue", c.queue.Name()),
			zap.String("jobId", job.ID),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return
	}

	zap.L().Warn("Job failed, scheduling retry",
		zap.String("queue", c.queue.Name()),
		zap.String("jobId", job.ID),
		zap.Int("attempt", attempt),
		zap.Error(err))
	c.scheduleRetry(ctx, job, attempt)
}

func (c *Consumer) scheduleRetry(ctx context.Context, job *Job, attempt int) {
	retry := *job
	retry.Attempts = attempt
	delay := c.baseBackoff << (attempt - 1)

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		// push re-acquires the dedup marker; if a fresh job for the same
		// unit of work got queued meanwhile, the retry is redundant and
		// collapses into it.
		queued, err := c.queue.push(ctx, retry)
		if err != nil {
			zap.L().Error("Failed to re-enqueue job",
				zap.String("queue", c.queue.Name()),
				zap.String("jobId", retry.ID),
				zap.Error(err))
			return
		}
		if !queued {
			zap.L().Debug("Retry collapsed into newer job",
				zap.String("queue", c.queue.Name()),
				zap.String("jobId", retry.ID))
		}
	}()
}
