package database

import (
	"database/sql"

	"github.com/odvcencio/vcshub/internal/models"
	"github.com/odvcencio/vcshub/internal/vcs"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const jobColumns = `id, kind, pull_request_id, status, attempt_count, max_attempts, last_error, rerun, next_attempt_at, created_at, updated_at, started_at, completed_at`

func scanUser(row rowScanner) (*models.User, error) {
	u := &models.User{}
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.CreatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

func scanRepository(row rowScanner) (*models.Repository, error) {
	r := &models.Repository{}
	var alias string
	var lockedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.Name, &alias, &r.Description, &r.StoragePath,
		&r.LockedBy, &lockedAt, &r.LockReason, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Alias = vcs.Alias(alias)
	if lockedAt.Valid {
		v := lockedAt.Time
		r.LockedAt = &v
	}
	return r, nil
}

func scanPullRequest(row rowScanner) (*models.PullRequest, error) {
	pr := &models.PullRequest{}
	var revisions string
	if err := row.Scan(&pr.ID, &pr.Title, &pr.Description, &pr.State, &pr.AuthorID, &pr.SourceRepoID, &pr.TargetRepoID,
		&pr.SourceRef, &pr.TargetRef, &revisions, &pr.MergeRev, &pr.LastMergeStatus,
		&pr.LastMergeSourceRev, &pr.LastMergeTargetRev, &pr.ShadowMergeRef, &pr.CreatedAt, &pr.UpdatedAt); err != nil {
		return nil, err
	}
	pr.Revisions = splitRevisions(revisions)
	return pr, nil
}

func scanPullRequestVersion(row rowScanner) (*models.PullRequestVersion, error) {
	v := &models.PullRequestVersion{}
	var revisions string
	if err := row.Scan(&v.ID, &v.PullRequestID, &v.Version, &v.SourceRef, &v.TargetRef,
		&revisions, &v.MergeRev, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.Revisions = splitRevisions(revisions)
	return v, nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var kind, status string
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(
		&job.ID,
		&kind,
		&job.PullRequestID,
		&status,
		&job.AttemptCount,
		&job.MaxAttempts,
		&job.LastError,
		&job.Rerun,
		&job.NextAttemptAt,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	job.Kind = models.JobKind(kind)
	job.Status = models.JobStatus(status)
	if startedAt.Valid {
		v := startedAt.Time
		job.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		job.CompletedAt = &v
	}
	return &job, nil
}

// affectedOne turns an update that matched no row into sql.ErrNoRows.
func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
