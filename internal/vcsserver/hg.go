package vcsserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/odvcencio/vcshub/internal/vcs"
)

const hgLookupChunk = 200

type hgBackend struct {
	s     *Server
	hgBin runner
	table map[string]handlerFunc
}

func newHgBackend(s *Server, r runner) *hgBackend {
	b := &hgBackend{s: s, hgBin: r}
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
		"merge_check":            b.mergeCheck,
		"prepare_workspace":      b.prepareWorkspace,
		"workspace_merge":        b.workspaceMerge,
		"cleanup_workspace":      cleanupWorkspace,
		"push":                   b.push,
		"pull":                   b.pull,
		"commit":                 b.commit,
		"path_permissions":       b.pathPermissions,
	}
	return b
}

func (b *hgBackend) alias() vcs.Alias                 { return vcs.AliasHg }
func (b *hgBackend) methods() map[string]handlerFunc { return b.table }

// hg runs a command against the repository at repo.
func (b *hgBackend) hg(ctx context.Context, repo string, opts runOpts, args ...string) ([]byte, error) {
	if repo != "" {
		args = append([]string{"-R", repo}, args...)
		if opts.dir == "" && !strings.HasPrefix(repo, "union:") {
			opts.dir = repo
		}
	}
	out, err := b.hgBin.run(ctx, opts, args...)
	if stderrContains(err, "no repository found") || (stderrContains(err, "abort: repository") && stderrContains(err, "not found")) {
		return out, fmt.Errorf("%w: %s is not a mercurial repository", vcs.ErrRepository, repo)
	}
	return out, err
}

func (b *hgBackend) hgOut(ctx context.Context, repo string, args ...string) (string, error) {
	out, err := b.hg(ctx, repo, runOpts{}, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// revsetQuote quotes s as a revset string literal.
func revsetQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

func isUnknownRevision(err error) bool {
	return stderrContains(err, "unknown revision", "filtered revision", "ambiguous identifier", "not found in manifest", "hidden revision")
}

func unionRepo(path, other string) string {
	if other == "" || filepath.Clean(other) == filepath.Clean(path) {
		return path
	}
	return "union:" + path + "+" + other
}

func (b *hgBackend) discover(ctx context.Context, c *call) (any, error) {
	out, err := b.hgOut(ctx, "", "version", "-q")
	if err != nil {
		return nil, err
	}
	res := discoverResult{Backend: vcs.AliasHg, Version: parseToolVersion(out)}
	if c.path() != "" {
		_, err := b.hgOut(ctx, c.path(), "root")
		res.Valid = err == nil
	}
	return res, nil
}

func (b *hgBackend) init(ctx context.Context, c *call) (any, error) {
	if err := c.requirePath(); err != nil {
		return nil, err
	}
	var src string
	if err := c.kwarg("src_url", &src); err != nil {
		return nil, err
	}
	if src != "" {
		return b.cloneInto(ctx, src, c.path(), true)
	}
	if err := os.MkdirAll(filepath.Dir(c.path()), 0o755); err != nil {
		return nil, fmt.Errorf("create parent: %w", err)
	}
	if _, err := b.hg(ctx, "", runOpts{}, "init", c.path()); err != nil {
		return nil, err
	}
	return true, nil
}

func (b *hgBackend) clone(ctx context.Context, c *call) (any, error) {
	if err := c.requirePath(); err != nil {
		return nil, err
	}
	src, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	return b.cloneInto(ctx, src, c.path(), c.boolKwarg("bare"))
}

func (b *hgBackend) cloneInto(ctx context.Context, src, dest string, noUpdate bool) (any, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("create parent: %w", err)
	}
	args := []string{"clone", "-q"}
	if noUpdate {
		args = append(args, "-U")
	}
	if _, err := b.hg(ctx, "", runOpts{}, append(args, "--", src, dest)...); err != nil {
		return nil, err
	}
	return true, nil
}

func (b *hgBackend) loadIDs(ctx context.Context, path string, hidden bool) ([]string, error) {
	args := []string{"log", "-r", "all()", "-T", "{node}\n"}
	if hidden {
		args = append(args, "--hidden")
	}
	out, err := b.hg(ctx, path, runOpts{}, args...)
	if err != nil {
		return nil, err
	}
	return splitLines(string(out)), nil
}

func (b *hgBackend) state(ctx context.Context, c *call) (*repoState, error) {
	if err := c.requirePath(); err != nil {
		return nil, err
	}
	return c.state(ctx, func(ctx context.Context, path string) ([]string, error) {
		return b.loadIDs(ctx, path, false)
	})
}

func (b *hgBackend) commitIDs(ctx context.Context, c *call) (any, error) {
	if c.boolKwarg("show_hidden") {
		ids, err := b.loadIDs(ctx, c.path(), true)
		if ids == nil && err == nil {
			ids = []string{}
		}
		return ids, err
	}
	st, err := b.state(ctx, c)
	if err != nil {
		return nil, err
	}
	if st.ids == nil {
		return []string{}, nil
	}
	return st.ids, nil
}

type hgBranchJSON struct {
	Branch string `json:"branch"`
	Node   string `json:"node"`
	Closed bool   `json:"closed"`
}

type hgBookmarkJSON struct {
	Bookmark string `json:"bookmark"`
	Node     string `json:"node"`
}

type hgTagJSON struct {
	Tag  string `json:"tag"`
	Node string `json:"node"`
}

func (b *hgBackend) jsonCmd(ctx context.Context, repo string, out any, args ...string) error {
	raw, err := b.hg(ctx, repo, runOpts{}, append(args, "-T", "json")...)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode hg %s output: %w", args[0], err)
	}
	return nil
}

func (b *hgBackend) loadRefs(ctx context.Context, path string) (refsResult, error) {
	res := newRefsResult()
	var branches []hgBranchJSON
	if err := b.jsonCmd(ctx, path, &branches, "branches", "-c"); err != nil {
		return res, err
	}
	for _, br := range branches {
		if br.Closed {
			res.BranchesClosed[br.Branch] = br.Node
		} else {
			res.Branches[br.Branch] = br.Node
		}
	}
	var bookmarks []hgBookmarkJSON
	if err := b.jsonCmd(ctx, path, &bookmarks, "bookmarks"); err != nil {
		return res, err
	}
	for _, bm := range bookmarks {
		res.Bookmarks[bm.Bookmark] = bm.Node
	}
	var tags []hgTagJSON
	if err := b.jsonCmd(ctx, path, &tags, "tags"); err != nil {
		return res, err
	}
	for _, t := range tags {
		if t.Tag == "tip" {
			continue
		}
		res.Tags[t.Tag] = t.Node
	}
	return res, nil
}

func (b *hgBackend) refs(ctx context.Context, c *call) (any, error) {
	if err := c.requirePath(); err != nil {
		return nil, err
	}
	return b.loadRefs(ctx, c.path())
}

type hgLogJSON struct {
	Node    string     `json:"node"`
	Branch  string     `json:"branch"`
	User    string     `json:"user"`
	Date    [2]float64 `json:"date"`
	Desc    string     `json:"desc"`
	Parents []string   `json:"parents"`
}

func (e hgLogJSON) attributes(attrs []vcs.CommitAttr) vcs.CommitAttributes {
	// hg dates are (unix seconds, seconds west of UTC).
	offset := -int(e.Date[1])
	date := time.Unix(int64(e.Date[0]), 0).In(time.FixedZone("", offset))
	parents := make([]string, 0, len(e.Parents))
	for _, p := range e.Parents {
		if p != vcs.EmptyCommitID {
			parents = append(parents, p)
		}
	}
	return vcs.CommitAttributes{
		Author:    e.User,
		Committer: e.User,
		Message:   e.Desc,
		Date:      date,
		Branch:    e.Branch,
		ParentIDs: parents,
		Loaded:    attrs,
	}
}

func (b *hgBackend) commitAttributes(ctx context.Context, c *call) (any, error) {
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

func (b *hgBackend) bulkCommitAttributes(ctx context.Context, c *call) (any, error) {
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

func (b *hgBackend) loadAttributes(ctx context.Context, path string, ids []string, attrs []vcs.CommitAttr) ([]vcs.CommitAttributes, error) {
	if len(attrs) == 0 {
		attrs = vcs.AllCommitAttrs
	}
	byID := make(map[string]hgLogJSON, len(ids))
	for start := 0; start < len(ids); start += hgLookupChunk {
		end := min(start+hgLookupChunk, len(ids))
		args := []string{"log", "--hidden"}
		for _, id := range ids[start:end] {
			args = append(args, "-r", revsetQuote(id))
		}
		var entries []hgLogJSON
		if err := b.jsonCmd(ctx, path, &entries, args...); err != nil {
			if isUnknownRevision(err) {
				return nil, fmt.Errorf("%w: %v", vcs.ErrCommitDoesNotExist, err)
			}
			return nil, err
		}
		for _, e := range entries {
			byID[e.Node] = e
		}
	}
	out := make([]vcs.CommitAttributes, 0, len(ids))
	for _, id := range ids {
		e, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", vcs.ErrCommitDoesNotExist, id)
		}
		out = append(out, e.attributes(attrs))
	}
	return out, nil
}

func (b *hgBackend) resolve(ctx context.Context, repo, ref string) (string, error) {
	if ref == "" || ref == vcs.EmptyCommitID {
		return "", fmt.Errorf("%w: %q", vcs.ErrCommitDoesNotExist, ref)
	}
	id, err := b.hgOut(ctx, repo, "log", "-r", revsetQuote(ref), "-l", "1", "-T", "{node}")
	if err != nil {
		if isUnknownRevision(err) {
			return "", fmt.Errorf("%w: %s", vcs.ErrCommitDoesNotExist, ref)
		}
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%w: %s", vcs.ErrCommitDoesNotExist, ref)
	}
	return id, nil
}

func (b *hgBackend) lookup(ctx context.Context, c *call) (any, error) {
	ref, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	st, err := b.state(ctx, c)
	if err != nil {
		return nil, err
	}
	id, err := b.resolve(ctx, c.path(), ref)
	if err != nil {
		return nil, err
	}
	return lookupInState(st, id)
}

func (b *hgBackend) branchCommitIDs(ctx context.Context, c *call) (any, error) {
	branch, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	refs, err := b.loadRefs(ctx, c.path())
	if err != nil {
		return nil, err
	}
	_, open := refs.Branches[branch]
	_, closed := refs.BranchesClosed[branch]
	if !open && !closed {
		return nil, fmt.Errorf("%w: %s", vcs.ErrBranchDoesNotExist, branch)
	}
	out, err := b.hg(ctx, c.path(), runOpts{}, "log", "-r", "branch("+revsetQuote(branch)+")", "-T", "{node}\n")
	if err != nil {
		return nil, err
	}
	ids := splitLines(string(out))
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (b *hgBackend) listFiles(ctx context.Context, c *call) (any, error) {
	id, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	out, err := b.hg(ctx, c.path(), runOpts{}, "files", "-r", id, "-T", "{flags}|{path}\n")
	if err != nil {
		if exitCode(err) == 1 && !isUnknownRevision(err) {
			return []fileEntry{}, nil
		}
		if isUnknownRevision(err) {
			return nil, fmt.Errorf("%w: %s", vcs.ErrCommitDoesNotExist, id)
		}
		return nil, err
	}
	entries := []fileEntry{}
	for _, line := range splitLines(string(out)) {
		flags, path, ok := strings.Cut(line, "|")
		if !ok {
			continue
		}
		e := fileEntry{Path: path, Mode: 0o100644}
		switch {
		case strings.Contains(flags, "l"):
			e.Mode, e.Symlink = 0o120000, true
		case strings.Contains(flags, "x"):
			e.Mode = 0o100755
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (b *hgBackend) fileContent(ctx context.Context, c *call) (any, error) {
	id, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	path, err := c.stringArg(1)
	if err != nil {
		return nil, err
	}
	out, err := b.hg(ctx, c.path(), runOpts{}, "cat", "-r", id, "--", "path:"+path)
	if err != nil {
		if isUnknownRevision(err) {
			return nil, fmt.Errorf("%w: %s", vcs.ErrCommitDoesNotExist, id)
		}
		if exitCode(err) == 1 || stderrContains(err, "no such file") {
			return nil, fmt.Errorf("%w: %s at %s", vcs.ErrNodeDoesNotExist, path, vcs.ShortID(id))
		}
		return nil, err
	}
	return out, nil
}

func hgRev(id string) string {
	if id == "" || id == vcs.EmptyCommitID {
		return "null"
	}
	return id
}

func (b *hgBackend) diff(ctx context.Context, c *call) (any, error) {
	c1, c2, opts, err := c.diffArgs()
	if err != nil {
		return nil, err
	}
	if opts.Path1 != opts.Path {
		return nil, fmt.Errorf("%w: mercurial cannot diff two different paths", vcs.ErrInvalidArgument)
	}
	args := []string{"diff", "--git", "--nodates", "-U", fmt.Sprint(opts.Context), "-r", hgRev(c1), "-r", hgRev(c2)}
	if opts.IgnoreWhitespace {
		args = append(args, "-w")
	}
	if opts.Path != "" {
		args = append(args, "--", "path:"+opts.Path)
	}
	out, err := b.hg(ctx, c.path(), runOpts{}, args...)
	if err != nil {
		if isUnknownRevision(err) {
			return nil, fmt.Errorf("%w: %s..%s", vcs.ErrCommitDoesNotExist, c1, c2)
		}
		return nil, err
	}
	return string(out), nil
}

func (b *hgBackend) ancestor(ctx context.Context, c *call) (any, error) {
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
	out, err := b.hgOut(ctx, unionRepo(c.path(), other), "log", "-r", "ancestor("+revsetQuote(id1)+", "+revsetQuote(id2)+")", "-T", "{node}")
	if err != nil {
		if isUnknownRevision(err) {
			return nil, fmt.Errorf("%w: %s, %s", vcs.ErrCommitDoesNotExist, id1, id2)
		}
		return nil, err
	}
	if out == vcs.EmptyCommitID {
		out = ""
	}
	return out, nil
}

func (b *hgBackend) missingRevs(ctx context.Context, c *call) (any, error) {
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
	revset := "::" + revsetQuote(id2)
	if id1 != "" && id1 != vcs.EmptyCommitID {
		revset = "only(" + revsetQuote(id2) + ", " + revsetQuote(id1) + ")"
	}
	out, err := b.hg(ctx, unionRepo(c.path(), other), runOpts{dir: c.path()}, "log", "-r", "sort("+revset+", rev)", "-T", "{node}\n")
	if err != nil {
		if isUnknownRevision(err) {
			return nil, fmt.Errorf("%w: %s..%s", vcs.ErrCommitDoesNotExist, id1, id2)
		}
		return nil, err
	}
	ids := splitLines(string(out))
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (b *hgBackend) branchHeads(ctx context.Context, repo, branch string) ([]string, error) {
	revset := "head() and not closed()"
	if branch != "" {
		revset += " and branch(" + revsetQuote(branch) + ")"
	}
	out, err := b.hg(ctx, repo, runOpts{}, "log", "-r", revset, "-T", "{node}\n")
	if err != nil {
		return nil, err
	}
	heads := splitLines(string(out))
	if heads == nil {
		heads = []string{}
	}
	return heads, nil
}

func (b *hgBackend) heads(ctx context.Context, c *call) (any, error) {
	var branch string
	if err := c.optArg(0, &branch); err != nil {
		return nil, err
	}
	return b.branchHeads(ctx, c.path(), branch)
}

// mergeCheck reports the mercurial-only merge preconditions: a target
// branch with several heads, and a source bringing in more than one named
// branch.
func (b *hgBackend) mergeCheck(ctx context.Context, c *call) (any, error) {
	var target, source vcs.Reference
	var sourcePath string
	if err := c.arg(0, &target); err != nil {
		return nil, err
	}
	if err := c.arg(1, &source); err != nil {
		return nil, err
	}
	if err := c.optArg(2, &sourcePath); err != nil {
		return nil, err
	}
	if target.Type == vcs.RefBranch {
		heads, err := b.branchHeads(ctx, c.path(), target.Name)
		if err != nil {
			return nil, err
		}
		if len(heads) > 1 {
			return mergeCheckResult{
				Reason:   vcs.MergeHgTargetHasMultipleHeads,
				Metadata: map[string]any{"heads": strings.Join(heads, ",")},
			}, nil
		}
	}

	revset := "only(" + revsetQuote(source.CommitID) + ", " + revsetQuote(target.CommitID) + ")"
	out, err := b.hg(ctx, unionRepo(c.path(), sourcePath), runOpts{dir: c.path()}, "log", "-r", revset, "-T", "{branch}\n")
	if err != nil {
		if isUnknownRevision(err) {
			return nil, fmt.Errorf("%w: %v", vcs.ErrCommitDoesNotExist, err)
		}
		return nil, err
	}
	branches := map[string]bool{}
	for _, name := range splitLines(string(out)) {
		branches[name] = true
	}
	if len(branches) > 1 {
		names := make([]string, 0, len(branches))
		for name := range branches {
			names = append(names, name)
		}
		sort.Strings(names)
		return mergeCheckResult{
			Reason:   vcs.MergeHgSourceHasMoreBranches,
			Metadata: map[string]any{"branches": strings.Join(names, ",")},
		}, nil
	}
	return mergeCheckResult{Reason: vcs.MergeNone}, nil
}

func (b *hgBackend) prepareWorkspace(ctx context.Context, c *call) (any, error) {
	ws, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(ws, ".hg")); os.IsNotExist(err) {
		if _, err := b.cloneInto(ctx, c.path(), ws, true); err != nil {
			return nil, err
		}
	}
	if err := b.pullInto(ctx, ws, c.path(), ""); err != nil {
		return nil, err
	}
	return true, nil
}

// pullInto pulls src into repo. Exit status 1 means nothing new.
func (b *hgBackend) pullInto(ctx context.Context, repo, src, rev string) error {
	args := []string{"--config", "phases.publish=false", "pull", "-q"}
	if rev != "" {
		args = append(args, "-r", rev)
	}
	if _, err := b.hg(ctx, repo, runOpts{}, append(args, "--", src)...); err != nil && exitCode(err) != 1 {
		return err
	}
	return nil
}

func (b *hgBackend) isAncestor(ctx context.Context, repo, anc, desc string) bool {
	out, err := b.hgOut(ctx, repo, "log", "-r", revsetQuote(anc)+" and ::"+revsetQuote(desc), "-T", "{node}")
	return err == nil && out != ""
}

func (b *hgBackend) workspaceMerge(ctx context.Context, c *call) (any, error) {
	ws, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	var m vcs.WorkspaceMerge
	if err := c.arg(1, &m); err != nil {
		return nil, err
	}
	if err := b.pullInto(ctx, ws, m.SourcePath, m.Source.CommitID); err != nil {
		return nil, err
	}
	if _, err := b.resolve(ctx, ws, m.Source.CommitID); err != nil {
		return nil, err
	}
	if err := b.cleanWorkspace(ctx, ws, m.Target.CommitID); err != nil {
		return nil, err
	}

	user := m.UserName
	if m.UserEmail != "" {
		user += " <" + m.UserEmail + ">"
	}
	date := hgDate(time.Now())

	if b.isAncestor(ctx, ws, m.Source.CommitID, m.Target.CommitID) {
		return vcs.WorkspaceMergeResult{MergeCommitID: m.Target.CommitID}, nil
	}

	if m.UseRebase {
		return b.rebase(ctx, ws, m, user)
	}

	sourceRev := m.Source.CommitID
	if m.CloseBranch && m.Source.Type == vcs.RefBranch && m.Source.Name != m.Target.Name {
		if _, err := b.hg(ctx, ws, runOpts{}, "update", "-q", "-C", m.Source.CommitID); err != nil {
			return nil, err
		}
		if _, err := b.hg(ctx, ws, runOpts{}, "commit", "-q", "--close-branch", "-u", user, "-d", date,
			"-m", "Closing branch: "+m.Source.Name); err != nil {
			return nil, err
		}
		closed, err := b.hgOut(ctx, ws, "log", "-r", ".", "-T", "{node}")
		if err != nil {
			return nil, err
		}
		sourceRev = closed
		if err := b.cleanWorkspace(ctx, ws, m.Target.CommitID); err != nil {
			return nil, err
		}
	}

	sameBranch := m.Target.Type == vcs.RefBranch && m.Source.Type == vcs.RefBranch && m.Target.Name == m.Source.Name
	if sameBranch && b.isAncestor(ctx, ws, m.Target.CommitID, sourceRev) {
		return vcs.WorkspaceMergeResult{MergeCommitID: sourceRev}, nil
	}

	if _, err := b.hg(ctx, ws, runOpts{}, "--config", "ui.merge=internal:fail", "merge", "-q", "-y", "-r", sourceRev); err != nil {
		if exitCode(err) != 1 {
			return nil, err
		}
		res, cerr := b.unresolved(ctx, ws)
		b.hg(ctx, ws, runOpts{}, "update", "-q", "-C", m.Target.CommitID)
		if cerr != nil {
			return nil, cerr
		}
		return res, nil
	}
	if _, err := b.hg(ctx, ws, runOpts{}, "commit", "-q", "-u", user, "-d", date, "-m", m.Message); err != nil {
		return nil, err
	}
	head, err := b.hgOut(ctx, ws, "log", "-r", ".", "-T", "{node}")
	if err != nil {
		return nil, err
	}
	return vcs.WorkspaceMergeResult{MergeCommitID: head}, nil
}

func (b *hgBackend) rebase(ctx context.Context, ws string, m vcs.WorkspaceMerge, user string) (any, error) {
	const mark = "vcshub-rebase"
	if _, err := b.hg(ctx, ws, runOpts{}, "bookmark", "-f", "-r", m.Source.CommitID, mark); err != nil {
		return nil, err
	}
	defer b.hg(ctx, ws, runOpts{}, "bookmark", "-d", mark)

	_, err := b.hg(ctx, ws, runOpts{}, "--config", "extensions.rebase=", "--config", "ui.merge=internal:fail",
		"--config", "ui.username="+user, "rebase", "-q", "-s", m.Source.CommitID, "-d", m.Target.CommitID)
	if err != nil {
		if exitCode(err) != 1 {
			return nil, err
		}
		res, cerr := b.unresolved(ctx, ws)
		b.hg(ctx, ws, runOpts{}, "--config", "extensions.rebase=", "rebase", "--abort")
		if cerr != nil {
			return nil, cerr
		}
		return res, nil
	}
	head, err := b.hgOut(ctx, ws, "log", "-r", mark, "-T", "{node}")
	if err != nil {
		return nil, err
	}
	return vcs.WorkspaceMergeResult{MergeCommitID: head}, nil
}

func (b *hgBackend) cleanWorkspace(ctx context.Context, ws, rev string) error {
	if _, err := b.hg(ctx, ws, runOpts{}, "update", "-q", "-C", rev); err != nil {
		return err
	}
	_, err := b.hg(ctx, ws, runOpts{}, "--config", "extensions.purge=", "purge", "--all")
	return err
}

// unresolved lists conflicting paths. Conflicts on the subrepo state file
// or inside declared subrepos are reported separately.
func (b *hgBackend) unresolved(ctx context.Context, ws string) (vcs.WorkspaceMergeResult, error) {
	var res vcs.WorkspaceMergeResult
	out, err := b.hg(ctx, ws, runOpts{}, "resolve", "-l", "-T", "{status}|{path}\n")
	if err != nil {
		return res, err
	}
	subrepos := hgSubrepos(ws)
	for _, line := range splitLines(string(out)) {
		status, path, ok := strings.Cut(line, "|")
		if !ok || status != "U" {
			continue
		}
		if path == ".hgsubstate" || underAny(path, subrepos) {
			res.SubrepoConflicts = append(res.SubrepoConflicts, path)
		} else {
			res.Conflicts = append(res.Conflicts, path)
		}
	}
	return res, nil
}

// hgSubrepos reads subrepo paths from .hgsub in the working copy.
func hgSubrepos(ws string) []string {
	data, err := os.ReadFile(filepath.Join(ws, ".hgsub"))
	if err != nil {
		return nil
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		path, _, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if path = strings.TrimSpace(path); path != "" && !strings.HasPrefix(path, "#") {
			out = append(out, path)
		}
	}
	return out
}

func underAny(path string, dirs []string) bool {
	for _, d := range dirs {
		if path == d || strings.HasPrefix(path, d+"/") {
			return true
		}
	}
	return false
}

func hgDate(t time.Time) string {
	_, offset := t.Zone()
	return fmt.Sprintf("%d %d", t.Unix(), -offset)
}

func (b *hgBackend) push(ctx context.Context, c *call) (any, error) {
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
	revset := "::" + revsetQuote(commitID)
	if target.CommitID != "" {
		revset = "only(" + revsetQuote(commitID) + ", " + revsetQuote(target.CommitID) + ")"
	}
	out, err := b.hg(ctx, src, runOpts{}, "log", "-r", revset, "-T", "{node}\n")
	if err != nil {
		return nil, err
	}
	pushed := splitLines(string(out))

	if err := b.s.runHook(ctx, c, vcs.AliasHg, vcs.HookPrePush, pushed); err != nil {
		return nil, err
	}
	args := []string{"push", "-q", "--new-branch", "-r", commitID}
	if target.Type == vcs.RefBookmark {
		if _, err := b.hg(ctx, src, runOpts{}, "bookmark", "-f", "-r", commitID, target.Name); err != nil {
			return nil, err
		}
		args = append(args, "-B", target.Name)
	}
	if _, err := b.hg(ctx, src, runOpts{}, append(args, "--", c.path())...); err != nil && exitCode(err) != 1 {
		return nil, err
	}
	if err := b.s.runHook(ctx, c, vcs.AliasHg, vcs.HookPostPush, pushed); err != nil {
		return nil, err
	}
	return true, nil
}

func (b *hgBackend) pull(ctx context.Context, c *call) (any, error) {
	url, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	hooks := true
	if err := c.kwarg("hooks", &hooks); err != nil {
		return nil, err
	}
	before, err := b.loadIDs(ctx, c.path(), false)
	if err != nil {
		return nil, err
	}
	if hooks {
		if err := b.s.runHook(ctx, c, vcs.AliasHg, vcs.HookPrePull, nil); err != nil {
			return nil, err
		}
	}
	if _, err := b.hg(ctx, c.path(), runOpts{}, "pull", "-q", "--", url); err != nil && exitCode(err) != 1 {
		return nil, err
	}
	after, err := b.loadIDs(ctx, c.path(), false)
	if err != nil {
		return nil, err
	}
	fetched := newIDs(before, after)
	if hooks {
		if err := b.s.runHook(ctx, c, vcs.AliasHg, vcs.HookPostPull, fetched); err != nil {
			return nil, err
		}
	}
	return fetched, nil
}

// commit materialises the nodes in a temporary share of the repository,
// so the new changeset lands in the shared store.
func (b *hgBackend) commit(ctx context.Context, c *call) (any, error) {
	var spec vcs.CommitSpec
	if err := c.arg(0, &spec); err != nil {
		return nil, err
	}
	if err := c.requirePath(); err != nil {
		return nil, err
	}
	tmp, err := os.MkdirTemp("", "vcshub-share-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)
	share := filepath.Join(tmp, "wc")
	if _, err := b.hg(ctx, "", runOpts{}, "--config", "extensions.share=", "share", "-q", "-U", c.path(), share); err != nil {
		return nil, err
	}

	parent := "null"
	if len(spec.Parents) > 0 {
		parent = spec.Parents[0]
	}
	if _, err := b.hg(ctx, share, runOpts{}, "update", "-q", "-C", parent); err != nil {
		if isUnknownRevision(err) {
			return nil, fmt.Errorf("%w: parent %s", vcs.ErrCommitDoesNotExist, parent)
		}
		return nil, err
	}
	if len(spec.Parents) > 1 {
		if _, err := b.hg(ctx, share, runOpts{}, "debugsetparents", spec.Parents[0], spec.Parents[1]); err != nil {
			return nil, err
		}
	}

	var touched []string
	for _, n := range append(append([]vcs.Node(nil), spec.Added...), spec.Changed...) {
		full := filepath.Join(share, filepath.FromSlash(n.Path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, err
		}
		os.Remove(full)
		if n.Mode&0o170000 == 0o120000 {
			if err := os.Symlink(string(n.Content), full); err != nil {
				return nil, err
			}
		} else {
			perm := os.FileMode(0o644)
			if n.Mode&0o111 != 0 {
				perm = 0o755
			}
			if err := os.WriteFile(full, n.Content, perm); err != nil {
				return nil, err
			}
			os.Chmod(full, perm)
		}
		touched = append(touched, "path:"+n.Path)
	}
	if len(touched) > 0 {
		if _, err := b.hg(ctx, share, runOpts{}, append([]string{"add", "-q", "--"}, touched...)...); err != nil && exitCode(err) != 1 {
			return nil, err
		}
	}
	if len(spec.Removed) > 0 {
		args := []string{"remove", "-q", "-f", "--"}
		for _, p := range spec.Removed {
			args = append(args, "path:"+p)
		}
		if _, err := b.hg(ctx, share, runOpts{}, args...); err != nil {
			return nil, err
		}
	}
	if spec.Branch != "" {
		if _, err := b.hg(ctx, share, runOpts{}, "branch", "-q", "-f", spec.Branch); err != nil {
			return nil, err
		}
	}
	date := spec.Date
	if date.IsZero() {
		date = time.Now()
	}
	if _, err := b.hg(ctx, share, runOpts{}, "commit", "-q", "-u", spec.Author, "-d", hgDate(date), "-m", spec.Message); err != nil {
		return nil, err
	}
	return b.hgOut(ctx, share, "log", "-r", ".", "-T", "{node}")
}

// pathPermissions reads the narrowacl section of the repository hgrc.
// Keys are "<user>.includes" and "<user>.excludes", falling back to
// "default.*".
func (b *hgBackend) pathPermissions(ctx context.Context, c *call) (any, error) {
	username, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	out, err := b.hg(ctx, c.path(), runOpts{}, "config", "narrowacl")
	if err != nil {
		if exitCode(err) == 1 {
			return permissionsResult{}, nil
		}
		return nil, err
	}
	values := map[string]string{}
	for _, line := range splitLines(string(out)) {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimPrefix(key, "narrowacl.")] = value
	}
	pick := func(kind string) []string {
		v, ok := values[username+"."+kind]
		if !ok {
			v = values["default."+kind]
		}
		return strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	}
	return permissionsResult{Configured: true, Includes: pick("includes"), Excludes: pick("excludes")}, nil
}
