package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/vcshub/internal/vcs"
)

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository is a hosted repository. StoragePath is relative to the
// configured repository root unless absolute.
type Repository struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Alias       vcs.Alias  `json:"alias"`
	Description string     `json:"description"`
	StoragePath string     `json:"-"`
	LockedBy    *int64     `json:"locked_by,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	LockReason  string     `json:"lock_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Lock returns the lock metadata, or nil when the repository is unlocked.
func (r *Repository) Lock() *vcs.RepositoryLock {
	if r == nil || r.LockedBy == nil {
		return nil
	}
	lock := &vcs.RepositoryLock{UserID: *r.LockedBy, Reason: r.LockReason}
	if r.LockedAt != nil {
		lock.LockedAt = *r.LockedAt
	}
	return lock
}

const (
	PullRequestStateOpen   = "open"
	PullRequestStateClosed = "closed"
	PullRequestStateMerged = "merged"
)

func IsPullRequestState(state string) bool {
	switch state {
	case PullRequestStateOpen, PullRequestStateClosed, PullRequestStateMerged:
		return true
	default:
		return false
	}
}

// PullRequest refs are stored in "type:name:commit_id" form. Revisions is
// the ordered list of source commits the pull request introduces, oldest
// first.
type PullRequest struct {
	ID                 int64                  `json:"id"`
	Title              string                 `json:"title"`
	Description        string                 `json:"description"`
	State              string                 `json:"state"`
	AuthorID           int64                  `json:"author_id"`
	SourceRepoID       int64                  `json:"source_repo_id"`
	TargetRepoID       int64                  `json:"target_repo_id"`
	SourceRef          string                 `json:"source_ref"`
	TargetRef          string                 `json:"target_ref"`
	Revisions          []string               `json:"revisions"`
	MergeRev           string                 `json:"merge_rev,omitempty"`
	LastMergeStatus    vcs.MergeFailureReason `json:"last_merge_status"`
	LastMergeSourceRev string                 `json:"last_merge_source_rev,omitempty"`
	LastMergeTargetRev string                 `json:"last_merge_target_rev,omitempty"`
	ShadowMergeRef     string                 `json:"shadow_merge_ref,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

func (pr *PullRequest) SourceReference() (vcs.Reference, error) {
	return vcs.ParseReference(pr.SourceRef)
}

func (pr *PullRequest) TargetReference() (vcs.Reference, error) {
	return vcs.ParseReference(pr.TargetRef)
}

// WorkspaceID names the shadow workspace merge checks for this pull request
// run in.
func (pr *PullRequest) WorkspaceID() string {
	return fmt.Sprintf("pr-%d", pr.ID)
}

// PullRequestVersion is an immutable snapshot taken before each update.
type PullRequestVersion struct {
	ID            int64     `json:"id"`
	PullRequestID int64     `json:"pull_request_id"`
	Version       int       `json:"version"`
	SourceRef     string    `json:"source_ref"`
	TargetRef     string    `json:"target_ref"`
	Revisions     []string  `json:"revisions"`
	MergeRev      string    `json:"merge_rev,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (v *PullRequestVersion) SourceReference() (vcs.Reference, error) {
	return vcs.ParseReference(v.SourceRef)
}

func (v *PullRequestVersion) TargetReference() (vcs.Reference, error) {
	return vcs.ParseReference(v.TargetRef)
}

const CommentDisplayStateOutdated = "outdated"

// Comment is a review comment. Inline comments carry FilePath and LineNo,
// where LineNo is "n<line>" for the new side of the diff and "o<line>" for
// the old side.
type Comment struct {
	ID            int64     `json:"id"`
	PullRequestID int64     `json:"pull_request_id"`
	VersionID     *int64    `json:"version_id,omitempty"`
	AuthorID      int64     `json:"author_id"`
	Body          string    `json:"body"`
	FilePath      string    `json:"file_path,omitempty"`
	LineNo        string    `json:"line_no,omitempty"`
	DisplayState  string    `json:"display_state,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (c *Comment) IsInline() bool {
	return c.FilePath != "" && c.LineNo != ""
}

func (c *Comment) Outdated() bool {
	return c.DisplayState == CommentDisplayStateOutdated
}

// ParseLineNo splits a comment anchor such as "n12" into its side and line.
func ParseLineNo(s string) (side byte, line int, err error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || (s[0] != 'n' && s[0] != 'o') {
		return 0, 0, fmt.Errorf("invalid line anchor %q", s)
	}
	if _, err := fmt.Sscanf(s[1:], "%d", &line); err != nil || line <= 0 {
		return 0, 0, fmt.Errorf("invalid line anchor %q", s)
	}
	return s[0], line, nil
}

func FormatLineNo(side byte, line int) string {
	return fmt.Sprintf("%c%d", side, line)
}

type JobKind string

const (
	JobKindPullRequestUpdate JobKind = "pull_request_update"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is a persisted background task. Rerun is set when the job was
// enqueued again while in progress; it is queued again on completion.
type Job struct {
	ID            int64      `json:"id"`
	Kind          JobKind    `json:"kind"`
	PullRequestID int64      `json:"pull_request_id"`
	Status        JobStatus  `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts"`
	LastError     string     `json:"last_error,omitempty"`
	Rerun         bool       `json:"rerun"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}
