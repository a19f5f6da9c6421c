package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/vcshub/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresDB struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresDB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &PostgresDB{db: db}, nil
}

func (p *PostgresDB) Close() error { return p.db.Close() }

func (p *PostgresDB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresDB) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return err
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS repositories (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	alias TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	storage_path TEXT NOT NULL,
	locked_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
	locked_at TIMESTAMPTZ,
	lock_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS pull_requests (
	id BIGSERIAL PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'open',
	author_id BIGINT NOT NULL REFERENCES users(id),
	source_repo_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	target_repo_id BIGINT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	source_ref TEXT NOT NULL,
	target_ref TEXT NOT NULL,
	revisions TEXT NOT NULL DEFAULT '',
	merge_rev TEXT NOT NULL DEFAULT '',
	last_merge_status INTEGER NOT NULL DEFAULT 0,
	last_merge_source_rev TEXT NOT NULL DEFAULT '',
	last_merge_target_rev TEXT NOT NULL DEFAULT '',
	shadow_merge_ref TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_pull_requests_source ON pull_requests(source_repo_id, state);
CREATE INDEX IF NOT EXISTS idx_pull_requests_target ON pull_requests(target_repo_id, state);

CREATE TABLE IF NOT EXISTS pull_request_versions (
	id BIGSERIAL PRIMARY KEY,
	pull_request_id BIGINT NOT NULL REFERENCES pull_requests(id) ON DELETE CASCADE,
	version INTEGER NOT NULL,
	source_ref TEXT NOT NULL,
	target_ref TEXT NOT NULL,
	revisions TEXT NOT NULL DEFAULT '',
	merge_rev TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(pull_request_id, version)
);

CREATE TABLE IF NOT EXISTS comments (
	id BIGSERIAL PRIMARY KEY,
	pull_request_id BIGINT NOT NULL REFERENCES pull_requests(id) ON DELETE CASCADE,
	version_id BIGINT REFERENCES pull_request_versions(id) ON DELETE SET NULL,
	author_id BIGINT NOT NULL REFERENCES users(id),
	body TEXT NOT NULL,
	file_path TEXT NOT NULL DEFAULT '',
	line_no TEXT NOT NULL DEFAULT '',
	display_state TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_comments_pull_request ON comments(pull_request_id);

CREATE TABLE IF NOT EXISTS jobs (
	id BIGSERIAL PRIMARY KEY,
	kind TEXT NOT NULL,
	pull_request_id BIGINT NOT NULL REFERENCES pull_requests(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error TEXT NOT NULL DEFAULT '',
	rerun BOOLEAN NOT NULL DEFAULT FALSE,
	next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	UNIQUE(kind, pull_request_id)
);

ALTER TABLE jobs ADD COLUMN IF NOT EXISTS rerun BOOLEAN NOT NULL DEFAULT FALSE;

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(kind, status, next_attempt_at);
`

// --- Users ---

func (p *PostgresDB) CreateUser(ctx context.Context, u *models.User) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO users (username, email) VALUES ($1, $2) RETURNING id, created_at`,
		u.Username, u.Email).Scan(&u.ID, &u.CreatedAt)
}

func (p *PostgresDB) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(p.db.QueryRowContext(ctx,
		`SELECT id, username, email, created_at FROM users WHERE id = $1`, id))
}

func (p *PostgresDB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return scanUser(p.db.QueryRowContext(ctx,
		`SELECT id, username, email, created_at FROM users WHERE username = $1`, username))
}

// --- Repositories ---

func (p *PostgresDB) CreateRepository(ctx context.Context, r *models.Repository) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO repositories (name, alias, description, storage_path) VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		r.Name, string(r.Alias), r.Description, r.StoragePath).Scan(&r.ID, &r.CreatedAt)
}

func (p *PostgresDB) GetRepositoryByID(ctx context.Context, id int64) (*models.Repository, error) {
	return scanRepository(p.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = $1`, id))
}

func (p *PostgresDB) GetRepositoryByName(ctx context.Context, name string) (*models.Repository, error) {
	return scanRepository(p.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE name = $1`, name))
}

func (p *PostgresDB) ListRepositories(ctx context.Context) ([]models.Repository, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var repos []models.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *r)
	}
	return repos, rows.Err()
}

func (p *PostgresDB) LockRepository(ctx context.Context, id, userID int64, reason string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE repositories SET locked_by = $1, locked_at = NOW(), lock_reason = $2 WHERE id = $3`,
		userID, reason, id)
	return affectedOne(res, err)
}

func (p *PostgresDB) UnlockRepository(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE repositories SET locked_by = NULL, locked_at = NULL, lock_reason = '' WHERE id = $1`, id)
	return affectedOne(res, err)
}

// --- Pull Requests ---

func (p *PostgresDB) CreatePullRequest(ctx context.Context, pr *models.PullRequest) error {
	if pr.State == "" {
		pr.State = models.PullRequestStateOpen
	}
	return p.db.QueryRowContext(ctx,
		`INSERT INTO pull_requests (title, description, state, author_id, source_repo_id, target_repo_id, source_ref, target_ref, revisions, merge_rev)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at, updated_at`,
		pr.Title, pr.Description, pr.State, pr.AuthorID, pr.SourceRepoID, pr.TargetRepoID,
		pr.SourceRef, pr.TargetRef, joinRevisions(pr.Revisions), pr.MergeRev).
		Scan(&pr.ID, &pr.CreatedAt, &pr.UpdatedAt)
}

func (p *PostgresDB) GetPullRequest(ctx context.Context, id int64) (*models.PullRequest, error) {
	return scanPullRequest(p.db.QueryRowContext(ctx,
		`SELECT `+pullRequestColumns+` FROM pull_requests WHERE id = $1`, id))
}

func (p *PostgresDB) ListOpenPullRequests(ctx context.Context, repoID int64) ([]models.PullRequest, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+pullRequestColumns+` FROM pull_requests
		 WHERE state = $1 AND (source_repo_id = $2 OR target_repo_id = $2)
		 ORDER BY id`, models.PullRequestStateOpen, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var prs []models.PullRequest
	for rows.Next() {
		pr, err := scanPullRequest(rows)
		if err != nil {
			return nil, err
		}
		prs = append(prs, *pr)
	}
	return prs, rows.Err()
}

const postgresUpdatePullRequest = `UPDATE pull_requests SET title=$1, description=$2, state=$3, source_ref=$4, target_ref=$5, revisions=$6, merge_rev=$7,
	 last_merge_status=$8, last_merge_source_rev=$9, last_merge_target_rev=$10, shadow_merge_ref=$11, updated_at=NOW()
	 WHERE id = $12`

func (p *PostgresDB) UpdatePullRequest(ctx context.Context, pr *models.PullRequest) error {
	res, err := p.db.ExecContext(ctx, postgresUpdatePullRequest, pullRequestUpdateArgs(pr)...)
	return affectedOne(res, err)
}

// --- Pull Request Versions ---

func (p *PostgresDB) CreatePullRequestVersion(ctx context.Context, v *models.PullRequestVersion) error {
	return p.createVersion(ctx, v, nil)
}

func (p *PostgresDB) UpdatePullRequestWithVersion(ctx context.Context, pr *models.PullRequest, v *models.PullRequestVersion) error {
	return p.createVersion(ctx, v, pr)
}

func (p *PostgresDB) createVersion(ctx context.Context, v *models.PullRequestVersion, pr *models.PullRequest) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Lock the pull request row so concurrent snapshots get distinct numbers.
	var prID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM pull_requests WHERE id = $1 FOR UPDATE`, v.PullRequestID).Scan(&prID); err != nil {
		return err
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM pull_request_versions WHERE pull_request_id = $1`,
		v.PullRequestID).Scan(&v.Version); err != nil {
		return err
	}
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO pull_request_versions (pull_request_id, version, source_ref, target_ref, revisions, merge_rev)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		v.PullRequestID, v.Version, v.SourceRef, v.TargetRef, joinRevisions(v.Revisions), v.MergeRev).
		Scan(&v.ID, &v.CreatedAt); err != nil {
		return err
	}
	if pr != nil {
		res, err := tx.ExecContext(ctx, postgresUpdatePullRequest, pullRequestUpdateArgs(pr)...)
		if err := affectedOne(res, err); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresDB) GetPullRequestVersion(ctx context.Context, id int64) (*models.PullRequestVersion, error) {
	return scanPullRequestVersion(p.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM pull_request_versions WHERE id = $1`, id))
}

func (p *PostgresDB) ListPullRequestVersions(ctx context.Context, prID int64) ([]models.PullRequestVersion, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM pull_request_versions WHERE pull_request_id = $1 ORDER BY version`, prID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var versions []models.PullRequestVersion
	for rows.Next() {
		v, err := scanPullRequestVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// --- Comments ---

func (p *PostgresDB) CreateComment(ctx context.Context, c *models.Comment) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO comments (pull_request_id, version_id, author_id, body, file_path, line_no, display_state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		c.PullRequestID, c.VersionID, c.AuthorID, c.Body, c.FilePath, c.LineNo, c.DisplayState).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (p *PostgresDB) ListComments(ctx context.Context, prID int64) ([]models.Comment, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, pull_request_id, version_id, author_id, body, file_path, line_no, display_state, created_at, updated_at
		 FROM comments WHERE pull_request_id = $1 ORDER BY id`, prID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var comments []models.Comment
	for rows.Next() {
		var c models.Comment
		if err := rows.Scan(&c.ID, &c.PullRequestID, &c.VersionID, &c.AuthorID, &c.Body, &c.FilePath,
			&c.LineNo, &c.DisplayState, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func (p *PostgresDB) UpdateCommentPosition(ctx context.Context, id int64, lineNo, displayState string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE comments SET line_no = $1, display_state = $2, updated_at = NOW() WHERE id = $3`,
		lineNo, displayState, id)
	return affectedOne(res, err)
}

// --- Jobs ---

func (p *PostgresDB) EnqueueJob(ctx context.Context, job *models.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	nextAttemptAt := job.NextAttemptAt
	if nextAttemptAt.IsZero() {
		nextAttemptAt = time.Now().UTC()
	}

	row := p.db.QueryRowContext(ctx,
		`INSERT INTO jobs (kind, pull_request_id, status, attempt_count, max_attempts, last_error, rerun, next_attempt_at)
		 VALUES ($1, $2, $3, 0, $4, '', FALSE, $5)
		 ON CONFLICT(kind, pull_request_id) DO UPDATE SET
			 rerun = (jobs.status = $6),
			 status = CASE WHEN jobs.status = $6 THEN jobs.status ELSE $3 END,
			 attempt_count = CASE WHEN jobs.status = $6 THEN jobs.attempt_count ELSE 0 END,
			 max_attempts = EXCLUDED.max_attempts,
			 last_error = CASE WHEN jobs.status = $6 THEN jobs.last_error ELSE '' END,
			 next_attempt_at = CASE WHEN jobs.status = $6 THEN jobs.next_attempt_at ELSE EXCLUDED.next_attempt_at END,
			 completed_at = CASE WHEN jobs.status = $6 THEN jobs.completed_at ELSE NULL END,
			 updated_at = NOW()
		 RETURNING `+jobColumns,
		string(job.Kind), job.PullRequestID, string(models.JobQueued), maxAttempts, nextAttemptAt,
		string(models.JobInProgress),
	)
	loaded, err := scanJob(row)
	if err != nil {
		return err
	}
	*job = *loaded
	return nil
}

func (p *PostgresDB) ClaimJob(ctx context.Context, kind models.JobKind) (*models.Job, error) {
	row := p.db.QueryRowContext(ctx,
		`UPDATE jobs
		 SET status = $1,
			 attempt_count = attempt_count + 1,
			 started_at = NOW(),
			 completed_at = NULL,
			 updated_at = NOW()
		 WHERE id = (
			 SELECT id
			 FROM jobs
			 WHERE kind = $2 AND status = $3
			   AND next_attempt_at <= NOW()
			 ORDER BY next_attempt_at ASC, id ASC
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		string(models.JobInProgress), string(kind), string(models.JobQueued),
	)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (p *PostgresDB) CompleteJob(ctx context.Context, jobID int64, status models.JobStatus, errMsg string) error {
	msg, err := terminalError(status, errMsg)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = CASE WHEN rerun THEN $1 ELSE $2 END,
			 attempt_count = CASE WHEN rerun THEN 0 ELSE attempt_count END,
			 last_error = $3,
			 next_attempt_at = CASE WHEN rerun THEN NOW() ELSE next_attempt_at END,
			 started_at = CASE WHEN rerun THEN NULL ELSE started_at END,
			 completed_at = CASE WHEN rerun THEN NULL ELSE NOW() END,
			 rerun = FALSE,
			 updated_at = NOW()
		 WHERE id = $4 AND status = $5`,
		string(models.JobQueued), string(status), msg, jobID, string(models.JobInProgress),
	)
	return affectedOne(res, err)
}

func (p *PostgresDB) RequeueJob(ctx context.Context, jobID int64, errMsg string, nextAttemptAt time.Time) error {
	trimmedErr := strings.TrimSpace(errMsg)
	if trimmedErr == "" {
		trimmedErr = "job failed"
	}
	if nextAttemptAt.IsZero() {
		nextAttemptAt = time.Now().UTC()
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = CASE
				 WHEN rerun THEN $1
				 WHEN attempt_count >= max_attempts THEN $2
				 ELSE $1
			 END,
			 attempt_count = CASE WHEN rerun THEN 0 ELSE attempt_count END,
			 last_error = $3,
			 next_attempt_at = CASE
				 WHEN rerun THEN NOW()
				 WHEN attempt_count >= max_attempts THEN next_attempt_at
				 ELSE $4
			 END,
			 started_at = NULL,
			 completed_at = CASE
				 WHEN NOT rerun AND attempt_count >= max_attempts THEN NOW()
				 ELSE NULL
			 END,
			 rerun = FALSE,
			 updated_at = NOW()
		 WHERE id = $5 AND status = $6`,
		string(models.JobQueued), string(models.JobFailed), trimmedErr, nextAttemptAt,
		jobID, string(models.JobInProgress),
	)
	return affectedOne(res, err)
}

func (p *PostgresDB) GetJob(ctx context.Context, kind models.JobKind, prID int64) (*models.Job, error) {
	return scanJob(p.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE kind = $1 AND pull_request_id = $2`, string(kind), prID))
}

func (p *PostgresDB) JobQueueStats(ctx context.Context, kind models.JobKind) (JobQueueStats, error) {
	var stats JobQueueStats
	var oldestQueued sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT
			 COALESCE(SUM(CASE WHEN status = $1 THEN 1 ELSE 0 END), 0) AS queued,
			 COALESCE(SUM(CASE WHEN status = $2 THEN 1 ELSE 0 END), 0) AS in_progress,
			 COALESCE(SUM(CASE WHEN status = $3 THEN 1 ELSE 0 END), 0) AS failed,
			 MIN(CASE WHEN status = $1 THEN next_attempt_at END) AS oldest_queued_at
		 FROM jobs WHERE kind = $4`,
		string(models.JobQueued),
		string(models.JobInProgress),
		string(models.JobFailed),
		string(kind),
	).Scan(&stats.Queued, &stats.InProgress, &stats.Failed, &oldestQueued)
	if err != nil {
		return JobQueueStats{}, err
	}
	if oldestQueued.Valid {
		t := oldestQueued.Time.UTC()
		stats.OldestQueuedAt = &t
	}
	return stats, nil
}

func (p *PostgresDB) DBStats() sql.DBStats {
	return p.db.Stats()
}
