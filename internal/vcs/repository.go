package vcs

import (
	"context"
	"io"
	"time"
)

// CommitQuery selects a single commit. At most one of ID and Idx may be set;
// with neither the most recent commit is returned.
type CommitQuery struct {
	ID      string
	Idx     *int
	PreLoad []CommitAttr
}

// CommitRange filters a history walk. StartID is inclusive and EndID is
// exclusive.
type CommitRange struct {
	StartID    string
	EndID      string
	StartDate  time.Time
	EndDate    time.Time
	BranchName string
	ShowHidden bool
	PreLoad    []CommitAttr
}

// DefaultDiffContext is the number of context lines when none is requested.
const DefaultDiffContext = 3

// DiffOptions controls diff generation.
type DiffOptions struct {
	Path             string
	Path1            string
	IgnoreWhitespace bool
	// Context is the number of context lines; nil means DefaultDiffContext.
	Context *int
}

// ContextLines resolves Context against the default.
func (o DiffOptions) ContextLines() int {
	if o.Context == nil {
		return DefaultDiffContext
	}
	return *o.Context
}

// Lines returns a pointer to n, for DiffOptions.Context.
func Lines(n int) *int { return &n }

// Comparison is the result of Repository.Compare.
type Comparison struct {
	Commits []*Commit
	// Ancestor is empty unless a merge comparison was requested.
	Ancestor string
}

// ArchiveOptions controls Repository.ArchiveRepo.
type ArchiveOptions struct {
	CommitID      string
	Kind          string
	Prefix        *string
	WriteMetadata bool
	MTime         time.Time
	Subrepos      bool
}

// RepositoryLock is the lock metadata a repository may carry.
type RepositoryLock struct {
	UserID   int64
	LockedAt time.Time
	Reason   string
}

// Repository is the backend-neutral view of a repository.
type Repository interface {
	Alias() Alias
	Path() string
	Name() string

	CommitIDs(ctx context.Context) ([]string, error)
	IsEmpty(ctx context.Context) (bool, error)

	Branches(ctx context.Context) (map[string]string, error)
	BranchesClosed(ctx context.Context) (map[string]string, error)
	Bookmarks(ctx context.Context) (map[string]string, error)
	Tags(ctx context.Context) (map[string]string, error)

	GetCommit(ctx context.Context, q CommitQuery) (*Commit, error)
	GetCommits(ctx context.Context, r CommitRange) (*CommitIter, error)
	LoadCommitAttributes(ctx context.Context, c *Commit, attrs ...CommitAttr) (*Commit, error)
	ListFiles(ctx context.Context, commitID string) ([]string, error)
	FileContent(ctx context.Context, commitID, path string) ([]byte, error)

	GetDiff(ctx context.Context, c1, c2 *Commit, opts DiffOptions) (*Diff, error)
	GetCommonAncestor(ctx context.Context, commitID1, commitID2 string, repo2 Repository) (string, error)
	Compare(ctx context.Context, commitID1, commitID2 string, repo2 Repository, merge bool, preLoad []CommitAttr) (*Comparison, error)

	ArchiveRepo(ctx context.Context, w io.Writer, opts ArchiveOptions) error
	// PathPermissions returns nil when the backend has no path permissions.
	PathPermissions(ctx context.Context, username string) (PathPermissionChecker, error)

	// ResolveRef returns the commit a reference currently points at.
	ResolveRef(ctx context.Context, ref Reference) (string, error)
}

// WorkspaceMerge describes a merge staged in a shadow workspace.
type WorkspaceMerge struct {
	Target      Reference `json:"target"`
	SourcePath  string    `json:"source_path"`
	Source      Reference `json:"source"`
	UserName    string    `json:"user_name"`
	UserEmail   string    `json:"user_email"`
	Message     string    `json:"message"`
	DryRun      bool      `json:"dry_run"`
	UseRebase   bool      `json:"use_rebase"`
	CloseBranch bool      `json:"close_branch"`
}

// WorkspaceMergeResult is what a backend reports after staging a merge.
type WorkspaceMergeResult struct {
	MergeCommitID    string   `json:"merge_commit_id"`
	Conflicts        []string `json:"conflicts"`
	SubrepoConflicts []string `json:"subrepo_conflicts"`
}

// Merger is implemented by repositories that support server-side merges.
type Merger interface {
	Repository

	// CheckMergePreconditions reports a backend-specific failure reason
	// found before any workspace work happens, or MergeNone.
	CheckMergePreconditions(ctx context.Context, target Reference, source Reference, sourceRepo Repository) (MergeFailureReason, map[string]any, error)
	// PrepareWorkspace creates the shadow workspace at path if it is absent
	// and brings it up to date with target otherwise.
	PrepareWorkspace(ctx context.Context, path string, target Reference) error
	MergeInWorkspace(ctx context.Context, path string, m WorkspaceMerge) (*WorkspaceMergeResult, error)
	PushFromWorkspace(ctx context.Context, path, mergeCommitID string, target Reference) error
	// CleanupWorkspace removes the workspace at path. It succeeds when
	// nothing is there.
	CleanupWorkspace(ctx context.Context, path string) error
}
