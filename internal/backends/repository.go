// Package backends implements vcs.Repository for git, Mercurial and
// Subversion repositories served by a vcsserver.
package backends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/odvcencio/vcshub/internal/remote"
	"github.com/odvcencio/vcshub/internal/vcs"
)

// prefetchBatch is how many commits a history walk loads per round trip.
const prefetchBatch = 100

type Options struct {
	// Name is the display name used for archives and hooks. Defaults to
	// the last path element.
	Name string
	// Create initialises the repository before opening it.
	Create bool
	// Bare creates a repository without a working copy (git).
	Bare bool
	// SrcURL clones from another repository when Create is set.
	SrcURL string
	Logger *slog.Logger
}

// Repository is a handle on one repository. It is safe for concurrent use,
// but commits it returns are not.
type Repository struct {
	caller remote.Caller
	d      dialect
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	commits map[string]*vcs.Commit
}

var (
	_ vcs.Repository = (*Repository)(nil)
	_ vcs.Merger     = (*Repository)(nil)
	_ vcs.Committer  = (*Repository)(nil)
)

// Open validates that caller points at a repository of its backend and
// returns a handle on it. With opts.Create the repository is initialised
// first.
func Open(ctx context.Context, caller remote.Caller, opts Options) (*Repository, error) {
	d, err := dialectFor(caller.Backend())
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.Name
	if name == "" {
		name = filepath.Base(caller.Path())
	}
	r := &Repository{
		caller:  caller,
		d:       d,
		name:    name,
		logger:  logger,
		commits: make(map[string]*vcs.Commit),
	}

	if opts.Create {
		kwargs := map[string]any{"bare": opts.Bare}
		if opts.SrcURL != "" {
			kwargs["src_url"] = opts.SrcURL
		}
		if err := caller.Call(ctx, "init", nil, kwargs, nil); err != nil {
			return nil, fmt.Errorf("create %s repository %s: %w", d.alias, caller.Path(), err)
		}
		logger.Info("repository created", "alias", d.alias, "repo", caller.Path())
	}

	var disc discoverResult
	if err := caller.Call(ctx, "discover", nil, nil, &disc); err != nil {
		return nil, err
	}
	if !disc.Valid {
		return nil, fmt.Errorf("%w: %s is not a valid %s repository", vcs.ErrRepository, caller.Path(), d.alias)
	}
	return r, nil
}

func (r *Repository) Alias() vcs.Alias { return r.d.alias }
func (r *Repository) Path() string     { return r.caller.Path() }
func (r *Repository) Name() string     { return r.name }

// Caller exposes the underlying proxy, mainly for tooling.
func (r *Repository) Caller() remote.Caller { return r.caller }

func (r *Repository) commitIDs(ctx context.Context, hidden bool) ([]string, error) {
	var kwargs map[string]any
	if hidden && r.d.hidden {
		kwargs = map[string]any{"show_hidden": true}
	}
	var ids []string
	if err := r.caller.Call(ctx, "commit_ids", nil, kwargs, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// CommitIDs returns every commit id in ascending history order.
func (r *Repository) CommitIDs(ctx context.Context) ([]string, error) {
	return r.commitIDs(ctx, false)
}

func (r *Repository) IsEmpty(ctx context.Context) (bool, error) {
	ids, err := r.CommitIDs(ctx)
	if err != nil {
		return false, err
	}
	return len(ids) == 0, nil
}

func (r *Repository) refs(ctx context.Context) (refsResult, error) {
	var res refsResult
	if err := r.caller.Call(ctx, "refs", nil, nil, &res); err != nil {
		return res, err
	}
	res.fill()
	return res, nil
}

func (r *Repository) Branches(ctx context.Context) (map[string]string, error) {
	res, err := r.refs(ctx)
	return res.Branches, err
}

func (r *Repository) BranchesClosed(ctx context.Context) (map[string]string, error) {
	res, err := r.refs(ctx)
	return res.BranchesClosed, err
}

// Bookmarks is always empty for backends without bookmarks.
func (r *Repository) Bookmarks(ctx context.Context) (map[string]string, error) {
	if !r.d.bookmarks {
		return map[string]string{}, nil
	}
	res, err := r.refs(ctx)
	return res.Bookmarks, err
}

func (r *Repository) Tags(ctx context.Context) (map[string]string, error) {
	res, err := r.refs(ctx)
	return res.Tags, err
}

// ResolveRef returns the commit ref currently points at. Branch lookups
// include closed branches.
func (r *Repository) ResolveRef(ctx context.Context, ref vcs.Reference) (string, error) {
	if ref.Type == vcs.RefRev {
		found, err := r.lookup(ctx, ref.CommitID)
		if err != nil {
			return "", err
		}
		return found.ID, nil
	}
	refs, err := r.refs(ctx)
	if err != nil {
		return "", err
	}
	switch ref.Type {
	case vcs.RefBranch:
		if id, ok := refs.Branches[ref.Name]; ok {
			return id, nil
		}
		if id, ok := refs.BranchesClosed[ref.Name]; ok {
			return id, nil
		}
		return "", fmt.Errorf("%w: %s", vcs.ErrBranchDoesNotExist, ref.Name)
	case vcs.RefBookmark:
		if id, ok := refs.Bookmarks[ref.Name]; ok {
			return id, nil
		}
		return "", fmt.Errorf("%w: bookmark %s", vcs.ErrBranchDoesNotExist, ref.Name)
	case vcs.RefTag:
		if id, ok := refs.Tags[ref.Name]; ok {
			return id, nil
		}
		return "", fmt.Errorf("%w: %s", vcs.ErrTagDoesNotExist, ref.Name)
	}
	return "", fmt.Errorf("%w: reference type %q", vcs.ErrInvalidArgument, ref.Type)
}

// Heads returns the head commits of branch, or of the whole repository
// when branch is empty.
func (r *Repository) Heads(ctx context.Context, branch string) ([]string, error) {
	var heads []string
	var args []any
	if branch != "" {
		args = []any{branch}
	}
	if err := r.caller.Call(ctx, "heads", args, nil, &heads); err != nil {
		return nil, err
	}
	return heads, nil
}

func (r *Repository) lookup(ctx context.Context, ref string) (lookupResult, error) {
	var res lookupResult
	err := r.caller.Call(ctx, "lookup", []any{ref}, nil, &res)
	return res, err
}

// GetCommit returns one commit. With neither an id nor an index the most
// recent commit is returned.
func (r *Repository) GetCommit(ctx context.Context, q vcs.CommitQuery) (*vcs.Commit, error) {
	if q.ID != "" && q.Idx != nil {
		return nil, fmt.Errorf("%w: only one of commit id and index may be given", vcs.ErrInvalidArgument)
	}
	if q.ID == vcs.EmptyCommitID {
		return vcs.EmptyCommit(), nil
	}

	var ref vcs.CommitRef
	switch {
	case q.ID != "":
		found, err := r.lookup(ctx, q.ID)
		if err != nil {
			return nil, err
		}
		ref = vcs.CommitRef{ID: found.ID, Idx: found.Idx}
	default:
		ids, err := r.CommitIDs(ctx)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: %s", vcs.ErrEmptyRepository, r.Path())
		}
		idx := len(ids) - 1
		if q.Idx != nil {
			idx = *q.Idx
			if idx < 0 || idx >= len(ids) {
				return nil, fmt.Errorf("%w: index %d out of range", vcs.ErrCommitDoesNotExist, idx)
			}
		}
		ref = vcs.CommitRef{ID: ids[idx], Idx: idx}
	}
	return r.loadCommit(ctx, ref, q.PreLoad)
}

func (r *Repository) cached(id string) *vcs.Commit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commits[id]
}

func (r *Repository) remember(c *vcs.Commit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits[c.RawID] = c
}

// ForgetCommits drops the per-handle commit cache.
func (r *Repository) ForgetCommits() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = make(map[string]*vcs.Commit)
}

func (r *Repository) loadCommit(ctx context.Context, ref vcs.CommitRef, preLoad []vcs.CommitAttr) (*vcs.Commit, error) {
	c := r.cached(ref.ID)
	if c == nil {
		c = vcs.NewCommit(ref.ID, ref.Idx)
	}
	loaded, err := r.LoadCommitAttributes(ctx, c, preLoad...)
	if err != nil {
		return nil, err
	}
	r.remember(loaded)
	return loaded, nil
}

// LoadCommitAttributes returns a copy of c with attrs loaded. c is returned
// unchanged when nothing is missing. Commits already handed out are never
// modified.
func (r *Repository) LoadCommitAttributes(ctx context.Context, c *vcs.Commit, attrs ...vcs.CommitAttr) (*vcs.Commit, error) {
	if vcs.IsEmptyCommit(c) {
		return c, nil
	}
	missing := c.Missing(attrs)
	if len(missing) == 0 {
		return c, nil
	}
	var a vcs.CommitAttributes
	if err := r.caller.Call(ctx, "commit_attributes", []any{c.RawID, missing}, nil, &a); err != nil {
		return nil, err
	}
	return c.WithAttributes(a), nil
}

// prefetch loads attrs for the commits in refs with one call and caches
// them.
func (r *Repository) prefetch(ctx context.Context, refs []vcs.CommitRef, attrs []vcs.CommitAttr) error {
	var todo []*vcs.Commit
	for _, ref := range refs {
		c := r.cached(ref.ID)
		if c == nil {
			c = vcs.NewCommit(ref.ID, ref.Idx)
		}
		if len(c.Missing(attrs)) > 0 {
			todo = append(todo, c)
		}
	}
	if len(todo) == 0 {
		return nil
	}
	ids := make([]string, len(todo))
	for i, c := range todo {
		ids[i] = c.RawID
	}
	var out []vcs.CommitAttributes
	if err := r.caller.Call(ctx, "bulk_commit_attributes", []any{ids, attrs}, nil, &out); err != nil {
		return err
	}
	if len(out) != len(todo) {
		return fmt.Errorf("bulk_commit_attributes returned %d records for %d commits", len(out), len(todo))
	}
	for i, c := range todo {
		r.remember(c.WithAttributes(out[i]))
	}
	return nil
}

// GetCommits walks history in ascending order. StartID is included and
// EndID is excluded. Date bounds are inclusive.
func (r *Repository) GetCommits(ctx context.Context, q vcs.CommitRange) (*vcs.CommitIter, error) {
	ids, err := r.commitIDs(ctx, q.ShowHidden)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	start, end := 0, len(ids)
	if q.StartID != "" {
		pos, ok := index[q.StartID]
		if !ok {
			return nil, fmt.Errorf("%w: start commit %s", vcs.ErrCommitDoesNotExist, q.StartID)
		}
		start = pos
	}
	if q.EndID != "" {
		pos, ok := index[q.EndID]
		if !ok {
			return nil, fmt.Errorf("%w: end commit %s", vcs.ErrCommitDoesNotExist, q.EndID)
		}
		end = pos
	}
	if start > end {
		return nil, fmt.Errorf("%w: start commit %s is after end commit %s", vcs.ErrInvalidArgument, q.StartID, q.EndID)
	}

	var onBranch map[string]bool
	if q.BranchName != "" {
		var branchIDs []string
		if err := r.caller.Call(ctx, "branch_commit_ids", []any{q.BranchName}, nil, &branchIDs); err != nil {
			return nil, err
		}
		onBranch = make(map[string]bool, len(branchIDs))
		for _, id := range branchIDs {
			onBranch[id] = true
		}
	}

	refs := make([]vcs.CommitRef, 0, end-start)
	for i := start; i < end; i++ {
		if onBranch != nil && !onBranch[ids[i]] {
			continue
		}
		refs = append(refs, vcs.CommitRef{ID: ids[i], Idx: i})
	}

	if !q.StartDate.IsZero() || !q.EndDate.IsZero() {
		if refs, err = r.filterByDate(ctx, refs, q); err != nil {
			return nil, err
		}
	}

	preLoad := q.PreLoad
	loader := func(ctx context.Context, ref vcs.CommitRef, attrs []vcs.CommitAttr) (*vcs.Commit, error) {
		if len(attrs) > 0 && r.cached(ref.ID) == nil {
			pos := sort.Search(len(refs), func(i int) bool { return refs[i].Idx >= ref.Idx })
			if err := r.prefetch(ctx, refs[pos:min(pos+prefetchBatch, len(refs))], attrs); err != nil {
				return nil, err
			}
		}
		return r.loadCommit(ctx, ref, attrs)
	}
	return vcs.NewCommitIter(refs, preLoad, loader), nil
}

func (r *Repository) filterByDate(ctx context.Context, refs []vcs.CommitRef, q vcs.CommitRange) ([]vcs.CommitRef, error) {
	attrs := []vcs.CommitAttr{vcs.AttrDate}
	out := refs[:0:0]
	for lo := 0; lo < len(refs); lo += prefetchBatch {
		batch := refs[lo:min(lo+prefetchBatch, len(refs))]
		if err := r.prefetch(ctx, batch, attrs); err != nil {
			return nil, err
		}
		for _, ref := range batch {
			c := r.cached(ref.ID)
			if c == nil {
				continue
			}
			if !q.StartDate.IsZero() && c.Date.Before(q.StartDate) {
				continue
			}
			if !q.EndDate.IsZero() && c.Date.After(q.EndDate) {
				continue
			}
			out = append(out, ref)
		}
	}
	return out, nil
}

// ListFiles returns the paths of every file in the tree of commitID.
func (r *Repository) ListFiles(ctx context.Context, commitID string) ([]string, error) {
	entries, err := r.listEntries(ctx, commitID)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}
	return paths, nil
}

func (r *Repository) listEntries(ctx context.Context, commitID string) ([]fileEntry, error) {
	var entries []fileEntry
	if err := r.caller.Call(ctx, "list_files", []any{commitID}, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Repository) FileContent(ctx context.Context, commitID, path string) ([]byte, error) {
	var data []byte
	if err := r.caller.Call(ctx, "file_content", []any{commitID, path}, nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// GetDiff returns the changes from c1 to c2. A nil or empty c1 diffs
// against nothing.
func (r *Repository) GetDiff(ctx context.Context, c1, c2 *vcs.Commit, opts vcs.DiffOptions) (*vcs.Diff, error) {
	if vcs.IsEmptyCommit(c1) && vcs.IsEmptyCommit(c2) {
		return nil, fmt.Errorf("%w: cannot diff the empty commit against itself", vcs.ErrInvalidArgument)
	}
	if c2 == nil {
		return nil, fmt.Errorf("%w: diff needs a target commit", vcs.ErrInvalidArgument)
	}
	if opts.Path1 != "" && opts.Path1 != opts.Path && !r.d.divergentPaths {
		return nil, fmt.Errorf("%w: %s cannot diff %q against %q", vcs.ErrInvalidArgument, r.d.alias, opts.Path1, opts.Path)
	}
	id1 := vcs.EmptyCommitID
	if c1 != nil {
		id1 = c1.RawID
	}
	args := diffArgs{
		Path:             opts.Path,
		Path1:            opts.Path1,
		IgnoreWhitespace: opts.IgnoreWhitespace,
		Context:          opts.ContextLines(),
	}
	var raw string
	if err := r.caller.Call(ctx, "diff", []any{id1, c2.RawID, args}, nil, &raw); err != nil {
		return nil, err
	}
	return &vcs.Diff{Raw: raw}, nil
}

// otherPath returns the path of repo2 when it is a different repository of
// the same backend.
func (r *Repository) otherPath(repo2 vcs.Repository) (string, error) {
	if repo2 == nil {
		return "", nil
	}
	if repo2.Alias() != r.d.alias {
		return "", fmt.Errorf("%w: cannot compare %s with %s repository", vcs.ErrInvalidArgument, r.d.alias, repo2.Alias())
	}
	if filepath.Clean(repo2.Path()) == filepath.Clean(r.Path()) {
		return "", nil
	}
	return repo2.Path(), nil
}

// GetCommonAncestor returns the merge base of commitID1 in this repository
// and commitID2 in repo2, or "" when histories are unrelated.
func (r *Repository) GetCommonAncestor(ctx context.Context, commitID1, commitID2 string, repo2 vcs.Repository) (string, error) {
	other, err := r.otherPath(repo2)
	if err != nil {
		return "", err
	}
	if commitID1 == commitID2 && other == "" {
		return commitID1, nil
	}
	var ancestor string
	if err := r.caller.Call(ctx, "ancestor", []any{commitID1, commitID2, other}, nil, &ancestor); err != nil {
		return "", err
	}
	return ancestor, nil
}

// Compare returns the commits of repo2 reachable from commitID2 but not
// from commitID1, in ascending order. The ancestor is only computed when
// merge is set.
func (r *Repository) Compare(ctx context.Context, commitID1, commitID2 string, repo2 vcs.Repository, merge bool, preLoad []vcs.CommitAttr) (*vcs.Comparison, error) {
	if repo2 == nil {
		repo2 = r
	}
	other, err := r.otherPath(repo2)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := r.caller.Call(ctx, "missing_revs", []any{commitID1, commitID2, other}, nil, &ids); err != nil {
		return nil, err
	}
	res := &vcs.Comparison{Commits: make([]*vcs.Commit, 0, len(ids))}
	for _, id := range ids {
		c, err := repo2.GetCommit(ctx, vcs.CommitQuery{ID: id, PreLoad: preLoad})
		if err != nil {
			return nil, err
		}
		res.Commits = append(res.Commits, c)
	}
	if merge {
		if res.Ancestor, err = r.GetCommonAncestor(ctx, commitID1, commitID2, repo2); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// PathPermissions returns nil when the backend or repository has no path
// permission configuration.
func (r *Repository) PathPermissions(ctx context.Context, username string) (vcs.PathPermissionChecker, error) {
	if !r.d.pathPermissions {
		return nil, nil
	}
	var res permissionsResult
	if err := r.caller.Call(ctx, "path_permissions", []any{username}, nil, &res); err != nil {
		return nil, err
	}
	if !res.Configured {
		return nil, nil
	}
	return vcs.NewPathPermissionChecker(res.Includes, res.Excludes), nil
}

// Pull fetches url into the repository and returns the new commit ids.
// Hooks run unless disabled.
func (r *Repository) Pull(ctx context.Context, url string, hooks bool) ([]string, error) {
	var ids []string
	if err := r.caller.Call(ctx, "pull", []any{url}, map[string]any{"hooks": hooks}, &ids); err != nil {
		return nil, err
	}
	r.logger.Info("repository pulled", "repo", r.Path(), "url", url, "commits", len(ids))
	return ids, nil
}

// CommitChanges writes spec as a new commit and returns its id.
func (r *Repository) CommitChanges(ctx context.Context, spec vcs.CommitSpec) (string, error) {
	var id string
	if err := r.caller.Call(ctx, "commit", []any{spec}, nil, &id); err != nil {
		return "", err
	}
	return id, nil
}

// InMemoryCommit starts a commit built without a working copy.
func (r *Repository) InMemoryCommit() *vcs.InMemoryCommit {
	return vcs.NewInMemoryCommit(r)
}

// IsMissingRef reports whether err means a reference or commit does not
// resolve.
func IsMissingRef(err error) bool {
	return errors.Is(err, vcs.ErrCommitDoesNotExist) ||
		errors.Is(err, vcs.ErrBranchDoesNotExist) ||
		errors.Is(err, vcs.ErrTagDoesNotExist)
}

type discoverResult struct {
	Backend vcs.Alias `json:"backend"`
	Version string    `json:"version"`
	Valid   bool      `json:"valid"`
}

type lookupResult struct {
	ID  string `json:"id"`
	Idx int    `json:"idx"`
}

type refsResult struct {
	Branches       map[string]string `json:"branches"`
	BranchesClosed map[string]string `json:"branches_closed"`
	Bookmarks      map[string]string `json:"bookmarks"`
	Tags           map[string]string `json:"tags"`
}

func (r *refsResult) fill() {
	if r.Branches == nil {
		r.Branches = map[string]string{}
	}
	if r.BranchesClosed == nil {
		r.BranchesClosed = map[string]string{}
	}
	if r.Bookmarks == nil {
		r.Bookmarks = map[string]string{}
	}
	if r.Tags == nil {
		r.Tags = map[string]string{}
	}
}

type fileEntry struct {
	Path    string `json:"path"`
	Mode    int64  `json:"mode"`
	Symlink bool   `json:"symlink,omitempty"`
}

type diffArgs struct {
	Path             string `json:"path,omitempty"`
	Path1            string `json:"path1,omitempty"`
	IgnoreWhitespace bool   `json:"ignore_whitespace,omitempty"`
	Context          int    `json:"context"`
}

type permissionsResult struct {
	Configured bool     `json:"configured"`
	Includes   []string `json:"includes"`
	Excludes   []string `json:"excludes"`
}

type mergeCheckResult struct {
	Reason   vcs.MergeFailureReason `json:"reason"`
	Metadata map[string]any         `json:"metadata,omitempty"`
}
