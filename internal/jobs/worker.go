package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/vcshub/internal/models"
)

const (
	defaultWorkerCount  = 2
	defaultPollInterval = 250 * time.Millisecond
)

// JobProcessor runs one claimed job. A returned error schedules a retry
// until the job runs out of attempts.
type JobProcessor func(ctx context.Context, job *models.Job) error

type WorkerPoolOptions struct {
	Workers      int
	PollInterval time.Duration
	// JobTimeout bounds a single job run. Zero means no limit.
	JobTimeout time.Duration
	Logger     *slog.Logger
}

// WorkerPool claims jobs from Queue and executes them with JobProcessor.
type WorkerPool struct {
	queue        *Queue
	process      JobProcessor
	workers      int
	pollInterval time.Duration
	jobTimeout   time.Duration
	logger       *slog.Logger

	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewWorkerPool(queue *Queue, process JobProcessor, opts WorkerPoolOptions) *WorkerPool {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		queue:        queue,
		process:      process,
		workers:      workers,
		pollInterval: pollInterval,
		jobTimeout:   opts.JobTimeout,
		logger:       logger,
	}
}

func (w *WorkerPool) Start(parent context.Context) error {
	if w == nil || w.queue == nil || w.process == nil {
		return fmt.Errorf("worker pool is not configured")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.started = true

	go w.run(ctx, done)
	return nil
}

func (w *WorkerPool) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.started = false
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()
	return nil
}

func (w *WorkerPool) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	var wg sync.WaitGroup
	for i := range w.workers {
		wg.Add(1)
		go func(log *slog.Logger) {
			defer wg.Done()
			w.runWorker(ctx, log)
		}(w.logger.With("worker_id", i+1, "kind", w.queue.Kind()))
	}
	wg.Wait()
}

// PoolStats counts job outcomes since the pool was created.
type PoolStats struct {
	Completed int64
	Failed    int64
	Panicked  int64
}

// Stats reports the pool's outcome counters.
func (w *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
		Panicked:  w.panicked.Load(),
	}
}

func (w *WorkerPool) runWorker(ctx context.Context, log *slog.Logger) {
	for ctx.Err() == nil {
		job, err := w.queue.Claim(ctx)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				log.Warn("claim pull request job", "error", err)
			}
			fallthrough
		case job == nil:
			if !idle(ctx, w.pollInterval) {
				return
			}
			continue
		}

		jobLog := log.With("job_id", job.ID, "pull_request_id", job.PullRequestID, "attempt", job.AttemptCount)
		start := time.Now()
		if err := w.runJob(ctx, job); err != nil {
			w.failed.Add(1)
			jobLog.Warn("pull request job failed", "error", err)
			if err := w.queue.RetryOrFail(ctx, job, err); err != nil {
				jobLog.Error("record job failure", "error", err)
			}
			continue
		}
		w.completed.Add(1)
		if err := w.queue.Complete(ctx, job.ID); err != nil {
			jobLog.Error("record job completion", "error", err)
			continue
		}
		jobLog.Debug("pull request job completed", "duration", time.Since(start))
	}
}

// runJob bounds the processor by the job timeout and turns a panic into a
// retryable failure.
func (w *WorkerPool) runJob(ctx context.Context, job *models.Job) (err error) {
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			w.panicked.Add(1)
			err = fmt.Errorf("pull request job %d panicked: %v", job.ID, p)
		}
	}()
	return w.process(ctx, job)
}

// idle waits for the next poll and reports whether the pool is still running.
func idle(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
