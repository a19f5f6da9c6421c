package vcsserver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/vcshub/internal/vcs"
)

// gitEmptyTreeID is the well-known id of the empty tree. Diffs against the
// empty commit are taken against it.
const gitEmptyTreeID = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

const gitLogFormat = "%H%x00%an <%ae>%x00%cn <%ce>%x00%cI%x00%P%x00%B%x1e"

type gitBackend struct {
	s     *Server
	git   runner
	table map[string]handlerFunc
}

func newGitBackend(s *Server, r runner) *gitBackend {
	b := &gitBackend{s: s, git: r}
	b.table = map[string]handlerFunc{
		"discover":               b.discover,
		"init":                   b.init,
		"clone":                  b.clone,
		"commit_ids":             b.commitIDs,
		"refs":                   b.refs,
		"commit_attributes":      b.commitAttributes,
		"bulk_commit_attributes": b.bulkCommitAttributes,
		"lookup":                 b.lookup,
		"branch_commit_ids":      b.branchCommitIDs,
		"list_files":             b.listFiles,
		"file_content":           b.fileContent,
		"diff":                   b.diff,
		"ancestor":               b.ancestor,
		"missing_revs":           b.missingRevs,
		"heads":                  b.heads,
		"prepare_workspace":      b.prepareWorkspace,
		"workspace_merge":        b.workspaceMerge,
		"cleanup_workspace":      cleanupWorkspace,
		"push":                   b.push,
		"pull":                   b.pull,
		"commit":                 b.commit,
	}
	return b
}

func (b *gitBackend) alias() vcs.Alias                 { return vcs.AliasGit }
func (b *gitBackend) methods() map[string]handlerFunc { return b.table }

func (b *gitBackend) in(path string) runOpts { return runOpts{dir: path} }

// repoErr classifies failures of commands run inside a repository.
func (b *gitBackend) repoErr(err error, path string) error {
	if stderrContains(err, "not a git repository", "cannot change to") {
		return fmt.Errorf("%w: %s is not a git repository", vcs.ErrRepository, path)
	}
	return err
}

func (b *gitBackend) discover(ctx context.Context, c *call) (any, error) {
	out, err := b.git.output(ctx, runOpts{}, "version")
	if err != nil {
		return nil, err
	}
	res := discoverResult{Backend: vcs.AliasGit, Version: parseToolVersion(out)}
	if c.path() != "" {
		_, err := b.git.output(ctx, b.in(c.path()), "rev-parse", "--absolute-git-dir")
		res.Valid = err == nil
	}
	return res, nil
}

func (b *gitBackend) init(ctx context.Context, c *call) (any, error) {
	if err := c.requirePath(); err != nil {
		return nil, err
	}
	var src string
	if err := c.kwarg("src_url", &src); err != nil {
		return nil, err
	}
	if src != "" {
		return b.cloneInto(ctx, src, c.path(), c.boolKwarg("bare"))
	}
	if err := os.MkdirAll(filepath.Dir(c.path()), 0o755); err != nil {
		return nil, fmt.Errorf("create parent: %w", err)
	}
	args := []string{"init", "-q"}
	if c.boolKwarg("bare") {
		args = append(args, "--bare")
	}
	if _, err := b.git.run(ctx, runOpts{}, append(args, c.path())...); err != nil {
		return nil, err
	}
	return true, nil
}

func (b *gitBackend) clone(ctx context.Context, c *call) (any, error) {
	if err := c.requirePath(); err != nil {
		return nil, err
	}
	src, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	return b.cloneInto(ctx, src, c.path(), c.boolKwarg("bare"))
}

func (b *gitBackend) cloneInto(ctx context.Context, src, dest string, bare bool) (any, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("create parent: %w", err)
	}
	args := []string{"clone", "-q"}
	if bare {
		args = append(args, "--bare")
	}
	if _, err := b.git.run(ctx, runOpts{}, append(args, "--", src, dest)...); err != nil {
		return nil, err
	}
	return true, nil
}

func (b *gitBackend) loadIDs(ctx context.Context, path string) ([]string, error) {
	head, err := b.git.output(ctx, b.in(path), "for-each-ref", "--count=1", "--format=%(objectname)", "refs/heads", "refs/tags")
	if err != nil {
		return nil, b.repoErr(err, path)
	}
	if head == "" {
		return nil, nil
	}
	out, err := b.git.run(ctx, b.in(path), "rev-list", "--reverse", "--topo-order", "--branches", "--tags")
	if err != nil {
		return nil, b.repoErr(err, path)
	}
	return splitLines(string(out)), nil
}

func (b *gitBackend) state(ctx context.Context, c *call) (*repoState, error) {
	if err := c.requirePath(); err != nil {
		return nil, err
	}
	return c.state(ctx, b.loadIDs)
}

func (b *gitBackend) commitIDs(ctx context.Context, c *call) (any, error) {
	st, err := b.state(ctx, c)
	if err != nil {
		return nil, err
	}
	if st.ids == nil {
		return []string{}, nil
	}
	return st.ids, nil
}

func (b *gitBackend) loadRefs(ctx context.Context, path string) (refsResult, error) {
	res := newRefsResult()
	out, err := b.git.run(ctx, b.in(path), "for-each-ref", "--format=%(refname)%00%(objectname)%00%(*objectname)", "refs/heads", "refs/tags")
	if err != nil {
		return res, b.repoErr(err, path)
	}
	for _, line := range splitLines(string(out)) {
		parts := strings.Split(line, "\x00")
		if len(parts) != 3 {
			continue
		}
		name, id, peeled := parts[0], parts[1], parts[2]
		switch {
		case strings.HasPrefix(name, "refs/heads/"):
			res.Branches[strings.TrimPrefix(name, "refs/heads/")] = id
		case strings.HasPrefix(name, "refs/tags/"):
			if peeled != "" {
				id = peeled
			}
			res.Tags[strings.TrimPrefix(name, "refs/tags/")] = id
		}
	}
	return res, nil
}

func (b *gitBackend) refs(ctx context.Context, c *call) (any, error) {
	if err := c.requirePath(); err != nil {
		return nil, err
	}
	return b.loadRefs(ctx, c.path())
}

func (b *gitBackend) commitAttributes(ctx context.Context, c *call) (any, error) {
	var id string
	var attrs []vcs.CommitAttr
	if err := c.arg(0, &id); err != nil {
		return nil, err
	}
	if err := c.optArg(1, &attrs); err != nil {
		return nil, err
	}
	out, err := b.loadAttributes(ctx, c.path(), []string{id}, attrs)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (b *gitBackend) bulkCommitAttributes(ctx context.Context, c *call) (any, error) {
	var ids []string
	var attrs []vcs.CommitAttr
	if err := c.arg(0, &ids); err != nil {
		return nil, err
	}
	if err := c.optArg(1, &attrs); err != nil {
		return nil, err
	}
	return b.loadAttributes(ctx, c.path(), ids, attrs)
}

func (b *gitBackend) loadAttributes(ctx context.Context, path string, ids []string, attrs []vcs.CommitAttr) ([]vcs.CommitAttributes, error) {
	if len(attrs) == 0 {
		attrs = vcs.AllCommitAttrs
	}
	out := make([]vcs.CommitAttributes, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	stdin := strings.Join(ids, "\n") + "\n"
	raw, err := b.git.run(ctx, runOpts{dir: path, stdin: strings.NewReader(stdin)},
		"log", "--no-walk=unsorted", "--stdin", "--format="+gitLogFormat)
	if err != nil {
		if stderrContains(err, "bad object", "bad revision", "unknown revision") {
			return nil, fmt.Errorf("%w: %s", vcs.ErrCommitDoesNotExist, strings.Join(ids, ","))
		}
		return nil, b.repoErr(err, path)
	}

	var tips map[string][]string
	if containsAttr(attrs, vcs.AttrBranch) {
		refs, err := b.loadRefs(ctx, path)
		if err != nil {
			return nil, err
		}
		tips = make(map[string][]string)
		for name, id := range refs.Branches {
			tips[id] = append(tips[id], name)
		}
	}

	byID := make(map[string]vcs.CommitAttributes, len(ids))
	for _, rec := range strings.Split(string(raw), "\x1e") {
		rec = strings.TrimLeft(rec, "\n")
		if rec == "" {
			continue
		}
		f := strings.SplitN(rec, "\x00", 6)
		if len(f) != 6 {
			return nil, fmt.Errorf("unexpected git log record %q", rec)
		}
		date, err := time.Parse(time.RFC3339, f[3])
		if err != nil {
			return nil, fmt.Errorf("parse commit date %q: %w", f[3], err)
		}
		a := vcs.CommitAttributes{
			Author:    f[1],
			Committer: f[2],
			Date:      date,
			ParentIDs: strings.Fields(f[4]),
			Message:   strings.TrimRight(f[5], "\n"),
			Loaded:    attrs,
		}
		if names := tips[f[0]]; len(names) > 0 {
			sort.Strings(names)
			a.Branch = names[0]
		}
		byID[f[0]] = a
	}
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", vcs.ErrCommitDoesNotExist, id)
		}
		out = append(out, a)
	}
	return out, nil
}

func containsAttr(attrs []vcs.CommitAttr, attr vcs.CommitAttr) bool {
	for _, a := range attrs {
		if a == attr {
			return true
		}
	}
	return false
}

func (b *gitBackend) revParse(ctx context.Context, path, ref string) (string, error) {
	if ref == "" || ref == vcs.EmptyCommitID || strings.HasPrefix(ref, "-") {
		return "", fmt.Errorf("%w: %q", vcs.ErrCommitDoesNotExist, ref)
	}
	id, err := b.git.output(ctx, b.in(path), "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		if exitCode(err) == 1 || stderrContains(err, "needed a single revision", "unknown revision") {
			return "", fmt.Errorf("%w: %s", vcs.ErrCommitDoesNotExist, ref)
		}
		return "", b.repoErr(err, path)
	}
	return id, nil
}

func (b *gitBackend) lookup(ctx context.Context, c *call) (any, error) {
	ref, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	st, err := b.state(ctx, c)
	if err != nil {
		return nil, err
	}
	id, err := b.revParse(ctx, c.path(), ref)
	if err != nil {
		return nil, err
	}
	return lookupInState(st, id)
}

func (b *gitBackend) branchCommitIDs(ctx context.Context, c *call) (any, error) {
	branch, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	if _, err := b.git.output(ctx, b.in(c.path()), "show-ref", "--verify", "--quiet", "refs/heads/"+branch); err != nil {
		if exitCode(err) == 1 {
			return nil, fmt.Errorf("%w: %s", vcs.ErrBranchDoesNotExist, branch)
		}
		return nil, b.repoErr(err, c.path())
	}
	out, err := b.git.run(ctx, b.in(c.path()), "rev-list", "--reverse", "--topo-order", "refs/heads/"+branch)
	if err != nil {
		return nil, err
	}
	ids := splitLines(string(out))
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (b *gitBackend) listFiles(ctx context.Context, c *call) (any, error) {
	id, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	if _, err := b.revParse(ctx, c.path(), id); err != nil {
		return nil, err
	}
	out, err := b.git.run(ctx, b.in(c.path()), "ls-tree", "-r", "-z", "--full-tree", id)
	if err != nil {
		return nil, b.repoErr(err, c.path())
	}
	entries := []fileEntry{}
	for _, rec := range strings.Split(string(out), "\x00") {
		meta, path, ok := strings.Cut(rec, "\t")
		if !ok {
			continue
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 || fields[1] != "blob" {
			continue
		}
		mode, err := strconv.ParseInt(fields[0], 8, 64)
		if err != nil {
			return nil, fmt.Errorf("parse mode %q: %w", fields[0], err)
		}
		entries = append(entries, fileEntry{Path: path, Mode: mode, Symlink: mode == 0o120000})
	}
	return entries, nil
}

func (b *gitBackend) fileContent(ctx context.Context, c *call) (any, error) {
	id, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	path, err := c.stringArg(1)
	if err != nil {
		return nil, err
	}
	out, err := b.git.run(ctx, b.in(c.path()), "cat-file", "blob", id+":"+path)
	if err != nil {
		if stderrContains(err, "does not exist", "not a valid object name", "exists on disk, but not in") {
			return nil, fmt.Errorf("%w: %s at %s", vcs.ErrNodeDoesNotExist, path, vcs.ShortID(id))
		}
		return nil, b.repoErr(err, c.path())
	}
	return out, nil
}

func gitTreeish(id string) string {
	if id == "" || id == vcs.EmptyCommitID {
		return gitEmptyTreeID
	}
	return id
}

func (b *gitBackend) diff(ctx context.Context, c *call) (any, error) {
	c1, c2, opts, err := c.diffArgs()
	if err != nil {
		return nil, err
	}
	if opts.Path1 != opts.Path {
		return nil, fmt.Errorf("%w: git cannot diff two different paths", vcs.ErrInvalidArgument)
	}
	args := []string{"diff", "--full-index", "--binary", "-p", "-M", "--no-color", "--no-ext-diff",
		"--unified=" + strconv.Itoa(opts.Context)}
	if opts.IgnoreWhitespace {
		args = append(args, "-w")
	}
	args = append(args, gitTreeish(c1), gitTreeish(c2))
	if opts.Path != "" {
		args = append(args, "--", opts.Path)
	}
	out, err := b.git.run(ctx, b.in(c.path()), args...)
	if err != nil {
		if stderrContains(err, "bad object", "unknown revision", "bad revision") {
			return nil, fmt.Errorf("%w: %s..%s", vcs.ErrCommitDoesNotExist, c1, c2)
		}
		return nil, b.repoErr(err, c.path())
	}
	return string(out), nil
}

// alternates lets commands in path see the objects of other.
func (b *gitBackend) alternates(ctx context.Context, path, other string) (runOpts, error) {
	opts := b.in(path)
	if other == "" || filepath.Clean(other) == filepath.Clean(path) {
		return opts, nil
	}
	gitDir, err := b.git.output(ctx, b.in(other), "rev-parse", "--absolute-git-dir")
	if err != nil {
		return opts, b.repoErr(err, other)
	}
	opts.env = []string{"GIT_ALTERNATE_OBJECT_DIRECTORIES=" + filepath.Join(gitDir, "objects")}
	return opts, nil
}

func (b *gitBackend) ancestor(ctx context.Context, c *call) (any, error) {
	var id1, id2, other string
	if err := c.arg(0, &id1); err != nil {
		return nil, err
	}
	if err := c.arg(1, &id2); err != nil {
		return nil, err
	}
	if err := c.optArg(2, &other); err != nil {
		return nil, err
	}
	opts, err := b.alternates(ctx, c.path(), other)
	if err != nil {
		return nil, err
	}
	out, err := b.git.output(ctx, opts, "merge-base", id1, id2)
	if err != nil {
		if exitCode(err) == 1 {
			return "", nil
		}
		return nil, b.repoErr(err, c.path())
	}
	return out, nil
}

func (b *gitBackend) missingRevs(ctx context.Context, c *call) (any, error) {
	var id1, id2, other string
	if err := c.arg(0, &id1); err != nil {
		return nil, err
	}
	if err := c.arg(1, &id2); err != nil {
		return nil, err
	}
	if err := c.optArg(2, &other); err != nil {
		return nil, err
	}
	opts, err := b.alternates(ctx, c.path(), other)
	if err != nil {
		return nil, err
	}
	args := []string{"rev-list", "--reverse", "--topo-order", id2}
	if id1 != "" && id1 != vcs.EmptyCommitID {
		args = append(args, "^"+id1)
	}
	out, err := b.git.run(ctx, opts, args...)
	if err != nil {
		if stderrContains(err, "bad object", "unknown revision", "bad revision") {
			return nil, fmt.Errorf("%w: %s..%s", vcs.ErrCommitDoesNotExist, id1, id2)
		}
		return nil, b.repoErr(err, c.path())
	}
	ids := splitLines(string(out))
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (b *gitBackend) heads(ctx context.Context, c *call) (any, error) {
	var branch string
	if err := c.optArg(0, &branch); err != nil {
		return nil, err
	}
	refs, err := b.loadRefs(ctx, c.path())
	if err != nil {
		return nil, err
	}
	if branch != "" {
		id, ok := refs.Branches[branch]
		if !ok {
			return []string{}, nil
		}
		return []string{id}, nil
	}
	seen := map[string]bool{}
	heads := []string{}
	for _, id := range refs.Branches {
		if !seen[id] {
			seen[id] = true
			heads = append(heads, id)
		}
	}
	sort.Strings(heads)
	return heads, nil
}

// prepareWorkspace clones the target into the shadow path when absent and
// fetches the current target refs into it.
func (b *gitBackend) prepareWorkspace(ctx context.Context, c *call) (any, error) {
	ws, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(ws, ".git")); os.IsNotExist(err) {
		if _, err := b.cloneInto(ctx, c.path(), ws, false); err != nil {
			return nil, err
		}
	}
	if _, err := b.git.run(ctx, b.in(ws), "fetch", "-q", "--no-tags", "--force", c.path(),
		"+refs/heads/*:refs/vcshub/target/heads/*", "+refs/tags/*:refs/vcshub/target/tags/*"); err != nil {
		return nil, err
	}
	return true, nil
}

func (b *gitBackend) workspaceMerge(ctx context.Context, c *call) (any, error) {
	ws, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	var m vcs.WorkspaceMerge
	if err := c.arg(1, &m); err != nil {
		return nil, err
	}
	wsOpts := b.in(ws)
	if _, err := b.git.run(ctx, wsOpts, "fetch", "-q", "--no-tags", "--force", m.SourcePath,
		"+refs/heads/*:refs/vcshub/source/heads/*", "+refs/tags/*:refs/vcshub/source/tags/*"); err != nil {
		return nil, err
	}
	for _, id := range []string{m.Target.CommitID, m.Source.CommitID} {
		if _, err := b.git.output(ctx, wsOpts, "cat-file", "-e", id+"^{commit}"); err != nil {
			return nil, fmt.Errorf("%w: %s not in workspace", vcs.ErrCommitDoesNotExist, id)
		}
	}

	b.git.run(ctx, wsOpts, "merge", "--abort")
	b.git.run(ctx, wsOpts, "rebase", "--abort")
	if _, err := b.git.run(ctx, wsOpts, "checkout", "-q", "-f", "-B", m.Target.Name, m.Target.CommitID); err != nil {
		return nil, err
	}
	if _, err := b.git.run(ctx, wsOpts, "clean", "-q", "-f", "-d", "-x"); err != nil {
		return nil, err
	}

	env := gitIdentityEnv(m.UserName, m.UserEmail, time.Now())
	identity := runOpts{dir: ws, env: env}

	// Source already contained in target: nothing to merge.
	if _, err := b.git.run(ctx, wsOpts, "merge-base", "--is-ancestor", m.Source.CommitID, m.Target.CommitID); err == nil {
		return vcs.WorkspaceMergeResult{MergeCommitID: m.Target.CommitID}, nil
	}

	if m.UseRebase {
		if _, err := b.git.run(ctx, wsOpts, "checkout", "-q", "-f", "-B", "vcshub-rebase", m.Source.CommitID); err != nil {
			return nil, err
		}
		if _, err := b.git.run(ctx, identity, "rebase", "-q", m.Target.CommitID); err != nil {
			res, cerr := b.conflicts(ctx, ws)
			b.git.run(ctx, wsOpts, "rebase", "--abort")
			if cerr != nil {
				return nil, cerr
			}
			if len(res.Conflicts)+len(res.SubrepoConflicts) == 0 {
				return nil, err
			}
			return res, nil
		}
		head, err := b.git.output(ctx, wsOpts, "rev-parse", "HEAD")
		if err != nil {
			return nil, err
		}
		if _, err := b.git.run(ctx, wsOpts, "checkout", "-q", "-f", "-B", m.Target.Name, head); err != nil {
			return nil, err
		}
		return vcs.WorkspaceMergeResult{MergeCommitID: head}, nil
	}

	if _, err := b.git.run(ctx, identity, "merge", "-q", "--no-ff", "--no-edit", "-m", m.Message, m.Source.CommitID); err != nil {
		res, cerr := b.conflicts(ctx, ws)
		b.git.run(ctx, wsOpts, "merge", "--abort")
		if cerr != nil {
			return nil, cerr
		}
		if len(res.Conflicts)+len(res.SubrepoConflicts) == 0 {
			return nil, err
		}
		return res, nil
	}
	head, err := b.git.output(ctx, wsOpts, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	return vcs.WorkspaceMergeResult{MergeCommitID: head}, nil
}

// conflicts lists unmerged paths, separating gitlinks (submodules) from
// regular files.
func (b *gitBackend) conflicts(ctx context.Context, ws string) (vcs.WorkspaceMergeResult, error) {
	var res vcs.WorkspaceMergeResult
	out, err := b.git.run(ctx, b.in(ws), "ls-files", "-u", "-z")
	if err != nil {
		return res, err
	}
	seen := map[string]bool{}
	for _, rec := range strings.Split(string(out), "\x00") {
		meta, path, ok := strings.Cut(rec, "\t")
		if !ok || seen[path] {
			continue
		}
		seen[path] = true
		if strings.HasPrefix(meta, "160000 ") {
			res.SubrepoConflicts = append(res.SubrepoConflicts, path)
		} else {
			res.Conflicts = append(res.Conflicts, path)
		}
	}
	return res, nil
}

func gitIdentityEnv(name, email string, when time.Time) []string {
	date := strconv.FormatInt(when.Unix(), 10) + " " + when.Format("-0700")
	return []string{
		"GIT_AUTHOR_NAME=" + name,
		"GIT_AUTHOR_EMAIL=" + email,
		"GIT_AUTHOR_DATE=" + date,
		"GIT_COMMITTER_NAME=" + name,
		"GIT_COMMITTER_EMAIL=" + email,
		"GIT_COMMITTER_DATE=" + date,
	}
}

// push sends a commit from a workspace into this repository's branch.
func (b *gitBackend) push(ctx context.Context, c *call) (any, error) {
	var src, commitID string
	var target vcs.Reference
	if err := c.arg(0, &src); err != nil {
		return nil, err
	}
	if err := c.arg(1, &commitID); err != nil {
		return nil, err
	}
	if err := c.arg(2, &target); err != nil {
		return nil, err
	}
	if target.Type != vcs.RefBranch {
		return nil, fmt.Errorf("%w: git can only push to branches, got %s", vcs.ErrInvalidArgument, target.Type)
	}

	rangeArgs := []string{"rev-list", "--reverse", commitID}
	if target.CommitID != "" {
		rangeArgs = append(rangeArgs, "^"+target.CommitID)
	}
	out, err := b.git.run(ctx, b.in(src), rangeArgs...)
	if err != nil {
		return nil, err
	}
	pushed := splitLines(string(out))

	if err := b.s.runHook(ctx, c, vcs.AliasGit, vcs.HookPrePush, pushed); err != nil {
		return nil, err
	}
	if _, err := b.git.run(ctx, b.in(src), "push", "-q", c.path(), commitID+":refs/heads/"+target.Name); err != nil {
		return nil, err
	}
	if err := b.s.runHook(ctx, c, vcs.AliasGit, vcs.HookPostPush, pushed); err != nil {
		return nil, err
	}
	return true, nil
}

// pull fetches all branches and tags from url into this repository.
func (b *gitBackend) pull(ctx context.Context, c *call) (any, error) {
	url, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	hooks := true
	if err := c.kwarg("hooks", &hooks); err != nil {
		return nil, err
	}
	before, err := b.loadIDs(ctx, c.path())
	if err != nil {
		return nil, err
	}
	if hooks {
		if err := b.s.runHook(ctx, c, vcs.AliasGit, vcs.HookPrePull, nil); err != nil {
			return nil, err
		}
	}
	if _, err := b.git.run(ctx, b.in(c.path()), "fetch", "-q", "--force", "--prune", url,
		"+refs/heads/*:refs/heads/*", "+refs/tags/*:refs/tags/*"); err != nil {
		return nil, err
	}
	after, err := b.loadIDs(ctx, c.path())
	if err != nil {
		return nil, err
	}
	fetched := newIDs(before, after)
	if hooks {
		if err := b.s.runHook(ctx, c, vcs.AliasGit, vcs.HookPostPull, fetched); err != nil {
			return nil, err
		}
	}
	return fetched, nil
}

func newIDs(before, after []string) []string {
	had := make(map[string]struct{}, len(before))
	for _, id := range before {
		had[id] = struct{}{}
	}
	out := []string{}
	for _, id := range after {
		if _, ok := had[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// commit writes a commit from in-memory nodes through a private index, so
// bare repositories work without a checkout.
func (b *gitBackend) commit(ctx context.Context, c *call) (any, error) {
	var spec vcs.CommitSpec
	if err := c.arg(0, &spec); err != nil {
		return nil, err
	}
	if err := c.requirePath(); err != nil {
		return nil, err
	}
	tmp, err := os.MkdirTemp("", "vcshub-index-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)
	opts := runOpts{dir: c.path(), env: []string{"GIT_INDEX_FILE=" + filepath.Join(tmp, "index")}}

	if len(spec.Parents) > 0 {
		if _, err := b.git.run(ctx, opts, "read-tree", spec.Parents[0]); err != nil {
			return nil, fmt.Errorf("%w: parent %s: %w", vcs.ErrCommitDoesNotExist, spec.Parents[0], err)
		}
	}
	for _, n := range append(append([]vcs.Node(nil), spec.Added...), spec.Changed...) {
		sha, err := b.git.output(ctx, runOpts{dir: c.path(), stdin: bytes.NewReader(n.Content)}, "hash-object", "-w", "--stdin")
		if err != nil {
			return nil, err
		}
		info := gitMode(n.Mode) + "," + sha + "," + n.Path
		if _, err := b.git.run(ctx, opts, "update-index", "--add", "--cacheinfo", info); err != nil {
			return nil, err
		}
	}
	if len(spec.Removed) > 0 {
		// Mode 0 drops the entry; --force-remove would need a work tree.
		var info bytes.Buffer
		for _, p := range spec.Removed {
			fmt.Fprintf(&info, "0 %s\t%s\x00", vcs.EmptyCommitID, p)
		}
		removeOpts := opts
		removeOpts.stdin = &info
		if _, err := b.git.run(ctx, removeOpts, "update-index", "-z", "--index-info"); err != nil {
			return nil, err
		}
	}
	tree, err := b.git.output(ctx, opts, "write-tree")
	if err != nil {
		return nil, err
	}

	name, email := splitIdentity(spec.Author)
	date := spec.Date
	if date.IsZero() {
		date = time.Now()
	}
	commitArgs := []string{"commit-tree", tree, "-m", spec.Message}
	for _, p := range spec.Parents {
		commitArgs = append(commitArgs, "-p", p)
	}
	commitOpts := runOpts{dir: c.path(), env: gitIdentityEnv(name, email, date)}
	id, err := b.git.output(ctx, commitOpts, commitArgs...)
	if err != nil {
		return nil, err
	}

	branch := spec.Branch
	if branch == "" {
		branch, err = b.git.output(ctx, b.in(c.path()), "symbolic-ref", "--short", "HEAD")
		if err != nil || branch == "" {
			branch = "master"
		}
	}
	updateArgs := []string{"update-ref", "refs/heads/" + branch, id}
	if cur, err := b.git.output(ctx, b.in(c.path()), "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		updateArgs = append(updateArgs, cur)
	}
	if _, err := b.git.run(ctx, b.in(c.path()), updateArgs...); err != nil {
		return nil, fmt.Errorf("%w: branch %s moved: %w", vcs.ErrRepository, branch, err)
	}
	return id, nil
}

func gitMode(mode int64) string {
	switch {
	case mode&0o170000 == 0o120000:
		return "120000"
	case mode&0o111 != 0:
		return "100755"
	default:
		return "100644"
	}
}

// splitIdentity splits "Name <email>".
func splitIdentity(s string) (string, string) {
	name, rest, ok := strings.Cut(s, "<")
	if !ok {
		return strings.TrimSpace(s), ""
	}
	return strings.TrimSpace(name), strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), ">"))
}
