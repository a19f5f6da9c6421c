package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/vcshub/internal/database"
	"github.com/odvcencio/vcshub/internal/models"
)

const (
	defaultRetryDelay = 5 * time.Second
	defaultMaxRetries = 3
)

// Queue persists pull request jobs and their status transitions in the
// database. There is at most one job per pull request and kind.
type Queue struct {
	db          database.DB
	retryDelay  time.Duration
	maxAttempts int
	kind        models.JobKind
}

type QueueOptions struct {
	RetryDelay  time.Duration
	MaxAttempts int
	Kind        models.JobKind
}

func NewQueue(db database.DB, opts QueueOptions) *Queue {
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxRetries
	}
	kind := opts.Kind
	if kind == "" {
		kind = models.JobKindPullRequestUpdate
	}
	return &Queue{
		db:          db,
		retryDelay:  retryDelay,
		maxAttempts: maxAttempts,
		kind:        kind,
	}
}

func (q *Queue) Kind() models.JobKind { return q.kind }

// Enqueue schedules work for a pull request. Enqueueing while the job runs
// makes it run once more afterwards.
func (q *Queue) Enqueue(ctx context.Context, prID int64) (*models.Job, error) {
	if prID <= 0 {
		return nil, fmt.Errorf("pull request id is required")
	}
	job := &models.Job{
		Kind:          q.kind,
		PullRequestID: prID,
		Status:        models.JobQueued,
		MaxAttempts:   q.maxAttempts,
		NextAttemptAt: time.Now().UTC(),
	}
	if err := q.db.EnqueueJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) Claim(ctx context.Context) (*models.Job, error) {
	return q.db.ClaimJob(ctx, q.kind)
}

func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	return q.db.CompleteJob(ctx, jobID, models.JobCompleted, "")
}

func (q *Queue) Fail(ctx context.Context, jobID int64, runErr error) error {
	return q.db.CompleteJob(ctx, jobID, models.JobFailed, failureMessage(runErr))
}

func (q *Queue) RetryOrFail(ctx context.Context, job *models.Job, runErr error) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	message := failureMessage(runErr)
	if job.MaxAttempts > 0 && job.AttemptCount >= job.MaxAttempts {
		return q.db.CompleteJob(ctx, job.ID, models.JobFailed, message)
	}
	nextAttempt := time.Now().UTC().Add(q.retryDelay)
	return q.db.RequeueJob(ctx, job.ID, message, nextAttempt)
}

// Status returns nil when no job was ever enqueued for the pull request.
func (q *Queue) Status(ctx context.Context, prID int64) (*models.Job, error) {
	job, err := q.db.GetJob(ctx, q.kind, prID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (q *Queue) Stats(ctx context.Context) (database.JobQueueStats, error) {
	return q.db.JobQueueStats(ctx, q.kind)
}

func failureMessage(err error) string {
	if err == nil {
		return "job failed"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "job failed"
	}
	return msg
}
