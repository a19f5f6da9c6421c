package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/odvcencio/vcshub/internal/models"
)

// DB defines the data access interface. Implemented by SQLite and PostgreSQL backends.
// Lookups that match no row return sql.ErrNoRows.
type DB interface {
	Close() error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error

	// Users
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	// Repositories
	CreateRepository(ctx context.Context, repo *models.Repository) error
	GetRepositoryByID(ctx context.Context, id int64) (*models.Repository, error)
	GetRepositoryByName(ctx context.Context, name string) (*models.Repository, error)
	ListRepositories(ctx context.Context) ([]models.Repository, error)
	LockRepository(ctx context.Context, id, userID int64, reason string) error
	UnlockRepository(ctx context.Context, id int64) error

	// Pull Requests
	CreatePullRequest(ctx context.Context, pr *models.PullRequest) error
	GetPullRequest(ctx context.Context, id int64) (*models.PullRequest, error)
	// ListOpenPullRequests returns open pull requests whose source or
	// target is repoID.
	ListOpenPullRequests(ctx context.Context, repoID int64) ([]models.PullRequest, error)
	UpdatePullRequest(ctx context.Context, pr *models.PullRequest) error

	// Pull Request Versions
	CreatePullRequestVersion(ctx context.Context, v *models.PullRequestVersion) error
	// UpdatePullRequestWithVersion stores v and pr in one transaction, so a
	// version exists only for an update that was persisted.
	UpdatePullRequestWithVersion(ctx context.Context, pr *models.PullRequest, v *models.PullRequestVersion) error
	GetPullRequestVersion(ctx context.Context, id int64) (*models.PullRequestVersion, error)
	ListPullRequestVersions(ctx context.Context, prID int64) ([]models.PullRequestVersion, error)

	// Comments
	CreateComment(ctx context.Context, c *models.Comment) error
	ListComments(ctx context.Context, prID int64) ([]models.Comment, error)
	UpdateCommentPosition(ctx context.Context, id int64, lineNo, displayState string) error

	// Jobs
	EnqueueJob(ctx context.Context, job *models.Job) error
	ClaimJob(ctx context.Context, kind models.JobKind) (*models.Job, error)
	CompleteJob(ctx context.Context, jobID int64, status models.JobStatus, errMsg string) error
	RequeueJob(ctx context.Context, jobID int64, errMsg string, nextAttemptAt time.Time) error
	GetJob(ctx context.Context, kind models.JobKind, prID int64) (*models.Job, error)
	JobQueueStats(ctx context.Context, kind models.JobKind) (JobQueueStats, error)
}

// Open picks the implementation from the driver name.
func Open(driver, dsn string) (DB, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(dsn)
	case "postgres", "postgresql", "pgx":
		return OpenPostgres(dsn)
	default:
		return nil, errors.New("unsupported database driver: " + driver)
	}
}

func joinRevisions(revs []string) string {
	return strings.Join(revs, ",")
}

func splitRevisions(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func terminalError(status models.JobStatus, errMsg string) (string, error) {
	trimmed := strings.TrimSpace(errMsg)
	switch status {
	case models.JobCompleted:
		return "", nil
	case models.JobFailed:
		if trimmed == "" {
			trimmed = "job failed"
		}
		return trimmed, nil
	default:
		return "", errors.New("unsupported terminal status " + string(status))
	}
}

func pullRequestUpdateArgs(pr *models.PullRequest) []any {
	return []any{pr.Title, pr.Description, pr.State, pr.SourceRef, pr.TargetRef, joinRevisions(pr.Revisions), pr.MergeRev,
		int(pr.LastMergeStatus), pr.LastMergeSourceRev, pr.LastMergeTargetRev, pr.ShadowMergeRef, pr.ID}
}
