package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/vcshub/internal/models"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and foreign keys
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	// Backfill schema for databases created before job reruns were tracked.
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE jobs ADD COLUMN rerun BOOLEAN NOT NULL DEFAULT FALSE`); err != nil {
		if !isSQLiteDuplicateColumnErr(err) {
			return err
		}
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS repositories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	alias TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	storage_path TEXT NOT NULL,
	locked_by INTEGER REFERENCES users(id) ON DELETE SET NULL,
	locked_at DATETIME,
	lock_reason TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS pull_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'open',
	author_id INTEGER NOT NULL REFERENCES users(id),
	source_repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	target_repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	source_ref TEXT NOT NULL,
	target_ref TEXT NOT NULL,
	revisions TEXT NOT NULL DEFAULT '',
	merge_rev TEXT NOT NULL DEFAULT '',
	last_merge_status INTEGER NOT NULL DEFAULT 0,
	last_merge_source_rev TEXT NOT NULL DEFAULT '',
	last_merge_target_rev TEXT NOT NULL DEFAULT '',
	shadow_merge_ref TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_pull_requests_source ON pull_requests(source_repo_id, state);
CREATE INDEX IF NOT EXISTS idx_pull_requests_target ON pull_requests(target_repo_id, state);

CREATE TABLE IF NOT EXISTS pull_request_versions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pull_request_id INTEGER NOT NULL REFERENCES pull_requests(id) ON DELETE CASCADE,
	version INTEGER NOT NULL,
	source_ref TEXT NOT NULL,
	target_ref TEXT NOT NULL,
	revisions TEXT NOT NULL DEFAULT '',
	merge_rev TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(pull_request_id, version)
);

CREATE TABLE IF NOT EXISTS comments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pull_request_id INTEGER NOT NULL REFERENCES pull_requests(id) ON DELETE CASCADE,
	version_id INTEGER REFERENCES pull_request_versions(id) ON DELETE SET NULL,
	author_id INTEGER NOT NULL REFERENCES users(id),
	body TEXT NOT NULL,
	file_path TEXT NOT NULL DEFAULT '',
	line_no TEXT NOT NULL DEFAULT '',
	display_state TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_comments_pull_request ON comments(pull_request_id);

CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	pull_request_id INTEGER NOT NULL REFERENCES pull_requests(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error TEXT NOT NULL DEFAULT '',
	rerun BOOLEAN NOT NULL DEFAULT FALSE,
	next_attempt_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at DATETIME,
	completed_at DATETIME,
	UNIQUE(kind, pull_request_id)
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(kind, status, next_attempt_at);
`

// --- Users ---

func (s *SQLiteDB) CreateUser(ctx context.Context, u *models.User) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, email) VALUES (?, ?)`, u.Username, u.Email)
	if err != nil {
		return err
	}
	u.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteDB) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, email, created_at FROM users WHERE id = ?`, id))
}

func (s *SQLiteDB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, email, created_at FROM users WHERE username = ?`, username))
}

// --- Repositories ---

func (s *SQLiteDB) CreateRepository(ctx context.Context, r *models.Repository) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO repositories (name, alias, description, storage_path) VALUES (?, ?, ?, ?)`,
		r.Name, string(r.Alias), r.Description, r.StoragePath)
	if err != nil {
		return err
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

const repositoryColumns = `id, name, alias, description, storage_path, locked_by, locked_at, lock_reason, created_at`

func (s *SQLiteDB) GetRepositoryByID(ctx context.Context, id int64) (*models.Repository, error) {
	return scanRepository(s.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, id))
}

func (s *SQLiteDB) GetRepositoryByName(ctx context.Context, name string) (*models.Repository, error) {
	return scanRepository(s.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE name = ?`, name))
}

func (s *SQLiteDB) ListRepositories(ctx context.Context) ([]models.Repository, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY name`)
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

func (s *SQLiteDB) LockRepository(ctx context.Context, id, userID int64, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET locked_by = ?, locked_at = datetime(?), lock_reason = ? WHERE id = ?`,
		userID, sqliteTimestamp(time.Now()), reason, id)
	return affectedOne(res, err)
}

func (s *SQLiteDB) UnlockRepository(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET locked_by = NULL, locked_at = NULL, lock_reason = '' WHERE id = ?`, id)
	return affectedOne(res, err)
}

// --- Pull Requests ---

func (s *SQLiteDB) CreatePullRequest(ctx context.Context, pr *models.PullRequest) error {
	if pr.State == "" {
		pr.State = models.PullRequestStateOpen
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pull_requests (title, description, state, author_id, source_repo_id, target_repo_id, source_ref, target_ref, revisions, merge_rev)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pr.Title, pr.Description, pr.State, pr.AuthorID, pr.SourceRepoID, pr.TargetRepoID,
		pr.SourceRef, pr.TargetRef, joinRevisions(pr.Revisions), pr.MergeRev)
	if err != nil {
		return err
	}
	pr.ID, _ = res.LastInsertId()
	return nil
}

const pullRequestColumns = `id, title, description, state, author_id, source_repo_id, target_repo_id, source_ref, target_ref,
	revisions, merge_rev, last_merge_status, last_merge_source_rev, last_merge_target_rev, shadow_merge_ref, created_at, updated_at`

func (s *SQLiteDB) GetPullRequest(ctx context.Context, id int64) (*models.PullRequest, error) {
	return scanPullRequest(s.db.QueryRowContext(ctx,
		`SELECT `+pullRequestColumns+` FROM pull_requests WHERE id = ?`, id))
}

func (s *SQLiteDB) ListOpenPullRequests(ctx context.Context, repoID int64) ([]models.PullRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pullRequestColumns+` FROM pull_requests
		 WHERE state = ? AND (source_repo_id = ? OR target_repo_id = ?)
		 ORDER BY id`, models.PullRequestStateOpen, repoID, repoID)
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

const sqliteUpdatePullRequest = `UPDATE pull_requests SET title=?, description=?, state=?, source_ref=?, target_ref=?, revisions=?, merge_rev=?,
	 last_merge_status=?, last_merge_source_rev=?, last_merge_target_rev=?, shadow_merge_ref=?, updated_at=CURRENT_TIMESTAMP
	 WHERE id = ?`

func (s *SQLiteDB) UpdatePullRequest(ctx context.Context, pr *models.PullRequest) error {
	res, err := s.db.ExecContext(ctx, sqliteUpdatePullRequest, pullRequestUpdateArgs(pr)...)
	return affectedOne(res, err)
}

// --- Pull Request Versions ---

func (s *SQLiteDB) CreatePullRequestVersion(ctx context.Context, v *models.PullRequestVersion) error {
	return s.createVersion(ctx, v, nil)
}

func (s *SQLiteDB) UpdatePullRequestWithVersion(ctx context.Context, pr *models.PullRequest, v *models.PullRequestVersion) error {
	return s.createVersion(ctx, v, pr)
}

// createVersion allocates the next version number and inserts v, updating
// pr in the same transaction when it is set.
func (s *SQLiteDB) createVersion(ctx context.Context, v *models.PullRequestVersion, pr *models.PullRequest) error {
	const maxAttempts = 20
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			if isSQLiteBusyErr(err) && attempt < maxAttempts-1 {
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return err
		}

		// Allocate the version number and insert atomically within one transaction.
		var maxVersion int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM pull_request_versions WHERE pull_request_id = ?`, v.PullRequestID).Scan(&maxVersion); err != nil {
			tx.Rollback()
			if isSQLiteBusyErr(err) && attempt < maxAttempts-1 {
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return err
		}
		v.Version = maxVersion + 1

		res, err := tx.ExecContext(ctx,
			`INSERT INTO pull_request_versions (pull_request_id, version, source_ref, target_ref, revisions, merge_rev)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			v.PullRequestID, v.Version, v.SourceRef, v.TargetRef, joinRevisions(v.Revisions), v.MergeRev)
		if err != nil {
			tx.Rollback()
			if (isSQLiteBusyErr(err) || isVersionUniqueConstraintErr(err)) && attempt < maxAttempts-1 {
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return err
		}
		v.ID, _ = res.LastInsertId()

		if pr != nil {
			res, err := tx.ExecContext(ctx, sqliteUpdatePullRequest, pullRequestUpdateArgs(pr)...)
			if err := affectedOne(res, err); err != nil {
				tx.Rollback()
				if isSQLiteBusyErr(err) && attempt < maxAttempts-1 {
					time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
					continue
				}
				return err
			}
		}

		if err := tx.Commit(); err != nil {
			if isSQLiteBusyErr(err) && attempt < maxAttempts-1 {
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("create pull request version: retries exhausted")
}

const versionColumns = `id, pull_request_id, version, source_ref, target_ref, revisions, merge_rev, created_at`

func (s *SQLiteDB) GetPullRequestVersion(ctx context.Context, id int64) (*models.PullRequestVersion, error) {
	return scanPullRequestVersion(s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM pull_request_versions WHERE id = ?`, id))
}

func (s *SQLiteDB) ListPullRequestVersions(ctx context.Context, prID int64) ([]models.PullRequestVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM pull_request_versions WHERE pull_request_id = ? ORDER BY version`, prID)
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

func (s *SQLiteDB) CreateComment(ctx context.Context, c *models.Comment) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (pull_request_id, version_id, author_id, body, file_path, line_no, display_state)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.PullRequestID, c.VersionID, c.AuthorID, c.Body, c.FilePath, c.LineNo, c.DisplayState)
	if err != nil {
		return err
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteDB) ListComments(ctx context.Context, prID int64) ([]models.Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pull_request_id, version_id, author_id, body, file_path, line_no, display_state, created_at, updated_at
		 FROM comments WHERE pull_request_id = ? ORDER BY id`, prID)
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

func (s *SQLiteDB) UpdateCommentPosition(ctx context.Context, id int64, lineNo, displayState string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE comments SET line_no = ?, display_state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		lineNo, displayState, id)
	return affectedOne(res, err)
}

// --- Jobs ---

// EnqueueJob inserts a queued job or revives the existing one for the same
// pull request. A job that is currently running is flagged to run again
// once it finishes.
func (s *SQLiteDB) EnqueueJob(ctx context.Context, job *models.Job) error {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (kind, pull_request_id, status, attempt_count, max_attempts, last_error, rerun, next_attempt_at)
		 VALUES (?, ?, ?, 0, ?, '', FALSE, datetime(?))
		 ON CONFLICT(kind, pull_request_id) DO UPDATE SET
			 rerun = CASE WHEN jobs.status = ? THEN TRUE ELSE FALSE END,
			 status = CASE WHEN jobs.status = ? THEN jobs.status ELSE ? END,
			 attempt_count = CASE WHEN jobs.status = ? THEN jobs.attempt_count ELSE 0 END,
			 max_attempts = excluded.max_attempts,
			 last_error = CASE WHEN jobs.status = ? THEN jobs.last_error ELSE '' END,
			 next_attempt_at = CASE WHEN jobs.status = ? THEN jobs.next_attempt_at ELSE excluded.next_attempt_at END,
			 completed_at = CASE WHEN jobs.status = ? THEN jobs.completed_at ELSE NULL END,
			 updated_at = CURRENT_TIMESTAMP`,
		job.Kind, job.PullRequestID, models.JobQueued, maxAttempts, sqliteTimestamp(nextAttemptAt),
		models.JobInProgress,
		models.JobInProgress, models.JobQueued,
		models.JobInProgress,
		models.JobInProgress,
		models.JobInProgress,
		models.JobInProgress,
	)
	if err != nil {
		return err
	}

	loaded, err := s.GetJob(ctx, job.Kind, job.PullRequestID)
	if err != nil {
		return err
	}
	*job = *loaded
	return nil
}

func (s *SQLiteDB) ClaimJob(ctx context.Context, kind models.JobKind) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs
		 SET status = ?,
			 attempt_count = attempt_count + 1,
			 started_at = CURRENT_TIMESTAMP,
			 completed_at = NULL,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = (
			 SELECT id
			 FROM jobs
			 WHERE kind = ? AND status = ?
			   AND datetime(next_attempt_at) <= CURRENT_TIMESTAMP
			 ORDER BY next_attempt_at ASC, id ASC
			 LIMIT 1
		 )
		 RETURNING `+jobColumns,
		models.JobInProgress, kind, models.JobQueued,
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

// CompleteJob records a terminal status. A job flagged for rerun is queued
// again instead.
func (s *SQLiteDB) CompleteJob(ctx context.Context, jobID int64, status models.JobStatus, errMsg string) error {
	msg, err := terminalError(status, errMsg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = CASE WHEN rerun THEN ? ELSE ? END,
			 attempt_count = CASE WHEN rerun THEN 0 ELSE attempt_count END,
			 last_error = ?,
			 next_attempt_at = CASE WHEN rerun THEN CURRENT_TIMESTAMP ELSE next_attempt_at END,
			 started_at = CASE WHEN rerun THEN NULL ELSE started_at END,
			 completed_at = CASE WHEN rerun THEN NULL ELSE CURRENT_TIMESTAMP END,
			 rerun = FALSE,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		models.JobQueued, status, msg, jobID, models.JobInProgress,
	)
	return affectedOne(res, err)
}

func (s *SQLiteDB) RequeueJob(ctx context.Context, jobID int64, errMsg string, nextAttemptAt time.Time) error {
	trimmedErr := strings.TrimSpace(errMsg)
	if trimmedErr == "" {
		trimmedErr = "job failed"
	}
	if nextAttemptAt.IsZero() {
		nextAttemptAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = CASE
				 WHEN rerun THEN ?
				 WHEN attempt_count >= max_attempts THEN ?
				 ELSE ?
			 END,
			 attempt_count = CASE WHEN rerun THEN 0 ELSE attempt_count END,
			 last_error = ?,
			 next_attempt_at = CASE
				 WHEN rerun THEN CURRENT_TIMESTAMP
				 WHEN attempt_count >= max_attempts THEN next_attempt_at
				 ELSE datetime(?)
			 END,
			 started_at = NULL,
			 completed_at = CASE
				 WHEN NOT rerun AND attempt_count >= max_attempts THEN CURRENT_TIMESTAMP
				 ELSE NULL
			 END,
			 rerun = FALSE,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		models.JobQueued, models.JobFailed, models.JobQueued, trimmedErr, sqliteTimestamp(nextAttemptAt),
		jobID, models.JobInProgress,
	)
	return affectedOne(res, err)
}

func (s *SQLiteDB) GetJob(ctx context.Context, kind models.JobKind, prID int64) (*models.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE kind = ? AND pull_request_id = ?`, kind, prID))
}

func (s *SQLiteDB) JobQueueStats(ctx context.Context, kind models.JobKind) (JobQueueStats, error) {
	var stats JobQueueStats
	var oldestQueued sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS queued,
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS in_progress,
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
			 MIN(CASE WHEN status = ? THEN next_attempt_at END) AS oldest_queued_at
		 FROM jobs WHERE kind = ?`,
		models.JobQueued,
		models.JobInProgress,
		models.JobFailed,
		models.JobQueued,
		kind,
	).Scan(&stats.Queued, &stats.InProgress, &stats.Failed, &oldestQueued)
	if err != nil {
		return JobQueueStats{}, err
	}
	if oldestQueued.Valid {
		for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano} {
			if t, err := time.Parse(layout, oldestQueued.String); err == nil {
				t = t.UTC()
				stats.OldestQueuedAt = &t
				break
			}
		}
	}
	return stats, nil
}

func (s *SQLiteDB) DBStats() sql.DBStats {
	return s.db.Stats()
}

func isSQLiteBusyErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "SQLITE_BUSY") || strings.Contains(s, "database is locked")
}

func isSQLiteDuplicateColumnErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}

func isVersionUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed: pull_request_versions.pull_request_id, pull_request_versions.version")
}

func sqliteTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}
