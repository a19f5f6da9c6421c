package vcsserver

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/vcshub/internal/vcs"
)

// Subversion revisions are numbered from 1; idx is rev-1.
type svnBackend struct {
	s     *Server
	svn   runner
	look  runner
	admin runner
	mucc  runner
	table map[string]handlerFunc
}

func newSvnBackend(s *Server, bins Binaries) *svnBackend {
	env := []string{"LC_ALL=C"}
	b := &svnBackend{
		s:     s,
		svn:   runner{bin: bins.Svn, env: env},
		look:  runner{bin: bins.SvnLook, env: env},
		admin: runner{bin: bins.SvnAdmin, env: env},
		mucc:  runner{bin: bins.SvnMucc, env: env},
	}
	b.table = map[string]handlerFunc{
		"discover":               b.discover,
		"init":                   b.init,
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
		"commit":                 b.commit,
	}
	return b
}

func (b *svnBackend) alias() vcs.Alias                 { return vcs.AliasSvn }
func (b *svnBackend) methods() map[string]handlerFunc { return b.table }

func (b *svnBackend) repoErr(err error, repo string) error {
	if stderrContains(err, "unable to open", "is not a repository", "expected fs format") {
		return fmt.Errorf("%w: %s is not a subversion repository", vcs.ErrRepository, repo)
	}
	return err
}

func (b *svnBackend) discover(ctx context.Context, c *call) (any, error) {
	out, err := b.look.output(ctx, runOpts{}, "--version", "--quiet")
	if err != nil {
		return nil, err
	}
	res := discoverResult{Backend: vcs.AliasSvn, Version: parseToolVersion(out)}
	if c.path() != "" {
		_, err := b.look.output(ctx, runOpts{}, "uuid", c.path())
		res.Valid = err == nil
	}
	return res, nil
}

func (b *svnBackend) init(ctx context.Context, c *call) (any, error) {
	if err := c.requirePath(); err != nil {
		return nil, err
	}
	var src string
	if err := c.kwarg("src_url", &src); err != nil {
		return nil, err
	}
	if src != "" {
		return nil, fmt.Errorf("%w: subversion repositories cannot be cloned", vcs.ErrUnsupported)
	}
	if err := os.MkdirAll(filepath.Dir(c.path()), 0o755); err != nil {
		return nil, fmt.Errorf("create parent: %w", err)
	}
	if _, err := b.admin.run(ctx, runOpts{}, "create", c.path()); err != nil {
		return nil, err
	}
	return true, nil
}

func (b *svnBackend) youngest(ctx context.Context, repo string) (int, error) {
	out, err := b.look.output(ctx, runOpts{}, "youngest", repo)
	if err != nil {
		return 0, b.repoErr(err, repo)
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parse youngest revision %q: %w", out, err)
	}
	return n, nil
}

func (b *svnBackend) loadIDs(ctx context.Context, repo string) ([]string, error) {
	n, err := b.youngest(ctx, repo)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, n)
	for rev := 1; rev <= n; rev++ {
		ids = append(ids, strconv.Itoa(rev))
	}
	return ids, nil
}

func (b *svnBackend) state(ctx context.Context, c *call) (*repoState, error) {
	if err := c.requirePath(); err != nil {
		return nil, err
	}
	return c.state(ctx, b.loadIDs)
}

func (b *svnBackend) commitIDs(ctx context.Context, c *call) (any, error) {
	st, err := b.state(ctx, c)
	if err != nil {
		return nil, err
	}
	return st.ids, nil
}

// lastChanged returns the last revision that touched dir.
func (b *svnBackend) lastChanged(ctx context.Context, repo, dir string) (string, error) {
	out, err := b.look.run(ctx, runOpts{}, "history", "--limit", "1", repo, dir)
	if err != nil {
		return "", err
	}
	for _, line := range splitLines(string(out)) {
		fields := strings.Fields(line)
		if len(fields) == 2 {
			if _, err := strconv.Atoi(fields[0]); err == nil {
				return fields[0], nil
			}
		}
	}
	return "", fmt.Errorf("%w: no history for %s", vcs.ErrRepository, dir)
}

func (b *svnBackend) subdirs(ctx context.Context, repo, dir string) ([]string, error) {
	out, err := b.look.run(ctx, runOpts{}, "tree", "--non-recursive", repo, dir)
	if err != nil {
		if stderrContains(err, "path not found", "not found") {
			return nil, nil
		}
		return nil, err
	}
	lines := splitLines(string(out))
	if len(lines) > 0 {
		lines = lines[1:]
	}
	var names []string
	for _, line := range lines {
		name := strings.TrimSpace(line)
		if strings.HasSuffix(name, "/") {
			names = append(names, strings.TrimSuffix(name, "/"))
		}
	}
	return names, nil
}

// loadRefs maps the standard layout: trunk, branches/* and tags/*.
func (b *svnBackend) loadRefs(ctx context.Context, repo string) (refsResult, error) {
	res := newRefsResult()
	n, err := b.youngest(ctx, repo)
	if err != nil || n == 0 {
		return res, err
	}
	if rev, err := b.lastChanged(ctx, repo, "trunk"); err == nil {
		res.Branches["trunk"] = rev
	}
	for _, kind := range []string{"branches", "tags"} {
		names, err := b.subdirs(ctx, repo, kind)
		if err != nil {
			return res, err
		}
		for _, name := range names {
			rev, err := b.lastChanged(ctx, repo, kind+"/"+name)
			if err != nil {
				return res, err
			}
			if kind == "tags" {
				res.Tags[kind+"/"+name] = rev
			} else {
				res.Branches[kind+"/"+name] = rev
			}
		}
	}
	return res, nil
}

func (b *svnBackend) refs(ctx context.Context, c *call) (any, error) {
	if err := c.requirePath(); err != nil {
		return nil, err
	}
	return b.loadRefs(ctx, c.path())
}

func (b *svnBackend) checkRev(ctx context.Context, repo, id string) (int, error) {
	rev, err := strconv.Atoi(id)
	if err != nil || rev < 1 {
		return 0, fmt.Errorf("%w: %q", vcs.ErrCommitDoesNotExist, id)
	}
	n, err := b.youngest(ctx, repo)
	if err != nil {
		return 0, err
	}
	if rev > n {
		return 0, fmt.Errorf("%w: %s", vcs.ErrCommitDoesNotExist, id)
	}
	return rev, nil
}

const svnDateLayout = "2006-01-02 15:04:05 -0700"

func (b *svnBackend) loadAttributes(ctx context.Context, repo, id string, attrs []vcs.CommitAttr) (vcs.CommitAttributes, error) {
	if len(attrs) == 0 {
		attrs = vcs.AllCommitAttrs
	}
	rev, err := b.checkRev(ctx, repo, id)
	if err != nil {
		return vcs.CommitAttributes{}, err
	}
	out, err := b.look.run(ctx, runOpts{}, "info", "-r", id, repo)
	if err != nil {
		return vcs.CommitAttributes{}, b.repoErr(err, repo)
	}
	lines := strings.SplitN(string(out), "\n", 4)
	if len(lines) < 3 {
		return vcs.CommitAttributes{}, fmt.Errorf("unexpected svnlook info output %q", out)
	}
	a := vcs.CommitAttributes{Author: lines[0], Committer: lines[0], Loaded: attrs}
	if len(lines[1]) >= len(svnDateLayout) {
		if t, err := time.Parse(svnDateLayout, lines[1][:len(svnDateLayout)]); err == nil {
			a.Date = t
		}
	}
	if len(lines) == 4 {
		a.Message = strings.TrimRight(lines[3], "\n")
	}
	if rev > 1 {
		a.ParentIDs = []string{strconv.Itoa(rev - 1)}
	}
	return a, nil
}

func (b *svnBackend) commitAttributes(ctx context.Context, c *call) (any, error) {
	var id string
	var attrs []vcs.CommitAttr
	if err := c.arg(0, &id); err != nil {
		return nil, err
	}
	if err := c.optArg(1, &attrs); err != nil {
		return nil, err
	}
	return b.loadAttributes(ctx, c.path(), id, attrs)
}

func (b *svnBackend) bulkCommitAttributes(ctx context.Context, c *call) (any, error) {
	var ids []string
	var attrs []vcs.CommitAttr
	if err := c.arg(0, &ids); err != nil {
		return nil, err
	}
	if err := c.optArg(1, &attrs); err != nil {
		return nil, err
	}
	out := make([]vcs.CommitAttributes, 0, len(ids))
	for _, id := range ids {
		a, err := b.loadAttributes(ctx, c.path(), id, attrs)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (b *svnBackend) lookup(ctx context.Context, c *call) (any, error) {
	ref, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	st, err := b.state(ctx, c)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(ref, "HEAD") || ref == "tip" {
		if len(st.ids) == 0 {
			return nil, fmt.Errorf("%w: %s", vcs.ErrCommitDoesNotExist, ref)
		}
		ref = st.ids[len(st.ids)-1]
	}
	return lookupInState(st, ref)
}

func svnDir(name string) string {
	return "/" + strings.Trim(name, "/")
}

func (b *svnBackend) branchCommitIDs(ctx context.Context, c *call) (any, error) {
	branch, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	out, err := b.look.run(ctx, runOpts{}, "history", c.path(), svnDir(branch))
	if err != nil {
		if stderrContains(err, "not found") {
			return nil, fmt.Errorf("%w: %s", vcs.ErrBranchDoesNotExist, branch)
		}
		return nil, b.repoErr(err, c.path())
	}
	var revs []int
	for _, line := range splitLines(string(out)) {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if rev, err := strconv.Atoi(fields[0]); err == nil {
			revs = append(revs, rev)
		}
	}
	sort.Ints(revs)
	ids := make([]string, 0, len(revs))
	for _, rev := range revs {
		ids = append(ids, strconv.Itoa(rev))
	}
	return ids, nil
}

func (b *svnBackend) listFiles(ctx context.Context, c *call) (any, error) {
	id, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	if _, err := b.checkRev(ctx, c.path(), id); err != nil {
		return nil, err
	}
	out, err := b.look.run(ctx, runOpts{}, "tree", "--full-paths", "-r", id, c.path())
	if err != nil {
		return nil, b.repoErr(err, c.path())
	}
	entries := []fileEntry{}
	for _, line := range splitLines(string(out)) {
		p := strings.TrimSpace(line)
		if p == "" || strings.HasSuffix(p, "/") {
			continue
		}
		entries = append(entries, fileEntry{Path: p, Mode: 0o100644})
	}
	return entries, nil
}

func (b *svnBackend) fileContent(ctx context.Context, c *call) (any, error) {
	id, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	p, err := c.stringArg(1)
	if err != nil {
		return nil, err
	}
	if _, err := b.checkRev(ctx, c.path(), id); err != nil {
		return nil, err
	}
	out, err := b.look.run(ctx, runOpts{}, "cat", "-r", id, c.path(), p)
	if err != nil {
		if stderrContains(err, "not found", "not a file") {
			return nil, fmt.Errorf("%w: %s at r%s", vcs.ErrNodeDoesNotExist, p, id)
		}
		return nil, b.repoErr(err, c.path())
	}
	return out, nil
}

func svnURL(repo, p string) string {
	abs, err := filepath.Abs(repo)
	if err != nil {
		abs = repo
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	if p != "" {
		u.Path = path.Join(u.Path, p)
	}
	return u.String()
}

var svnIndexLine = regexp.MustCompile(`(?m)^(Index: .*|={67})\n`)

// diff supports different paths on each side; svn tracks copies per path.
func (b *svnBackend) diff(ctx context.Context, c *call) (any, error) {
	c1, c2, opts, err := c.diffArgs()
	if err != nil {
		return nil, err
	}
	rev1 := "0"
	if c1 != "" && c1 != vcs.EmptyCommitID {
		if _, err := b.checkRev(ctx, c.path(), c1); err != nil {
			return nil, err
		}
		rev1 = c1
	}
	if _, err := b.checkRev(ctx, c.path(), c2); err != nil {
		return nil, err
	}
	ext := "-U" + strconv.Itoa(opts.Context)
	if opts.IgnoreWhitespace {
		ext += " -w"
	}
	args := []string{"diff", "--git", "--non-interactive", "-x", ext,
		"--old=" + svnURL(c.path(), opts.Path1) + "@" + rev1,
		"--new=" + svnURL(c.path(), opts.Path) + "@" + c2,
	}
	out, err := b.svn.run(ctx, runOpts{}, args...)
	if err != nil {
		return nil, b.repoErr(err, c.path())
	}
	return svnIndexLine.ReplaceAllString(string(out), ""), nil
}

func (b *svnBackend) sameRepo(c *call, other string) error {
	if other != "" && filepath.Clean(other) != filepath.Clean(c.path()) {
		return fmt.Errorf("%w: subversion cannot compare across repositories", vcs.ErrUnsupported)
	}
	return nil
}

func (b *svnBackend) ancestor(ctx context.Context, c *call) (any, error) {
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
	if err := b.sameRepo(c, other); err != nil {
		return nil, err
	}
	r1, err := b.checkRev(ctx, c.path(), id1)
	if err != nil {
		return nil, err
	}
	r2, err := b.checkRev(ctx, c.path(), id2)
	if err != nil {
		return nil, err
	}
	return strconv.Itoa(min(r1, r2)), nil
}

func (b *svnBackend) missingRevs(ctx context.Context, c *call) (any, error) {
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
	if err := b.sameRepo(c, other); err != nil {
		return nil, err
	}
	r1 := 0
	if id1 != "" && id1 != vcs.EmptyCommitID {
		var err error
		if r1, err = b.checkRev(ctx, c.path(), id1); err != nil {
			return nil, err
		}
	}
	r2, err := b.checkRev(ctx, c.path(), id2)
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for rev := r1 + 1; rev <= r2; rev++ {
		ids = append(ids, strconv.Itoa(rev))
	}
	return ids, nil
}

func (b *svnBackend) heads(ctx context.Context, c *call) (any, error) {
	n, err := b.youngest(ctx, c.path())
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []string{}, nil
	}
	return []string{strconv.Itoa(n)}, nil
}

var svnCommittedRev = regexp.MustCompile(`(?m)^r(\d+) committed`)

// commit applies nodes with svnmucc against the parent revision. Missing
// parent directories are created.
func (b *svnBackend) commit(ctx context.Context, c *call) (any, error) {
	var spec vcs.CommitSpec
	if err := c.arg(0, &spec); err != nil {
		return nil, err
	}
	if err := c.requirePath(); err != nil {
		return nil, err
	}
	base := "0"
	if len(spec.Parents) > 0 {
		if _, err := b.checkRev(ctx, c.path(), spec.Parents[0]); err != nil {
			return nil, err
		}
		base = spec.Parents[0]
	}

	existing := map[string]bool{}
	if base != "0" {
		out, err := b.look.run(ctx, runOpts{}, "tree", "--full-paths", "-r", base, c.path())
		if err != nil {
			return nil, err
		}
		for _, line := range splitLines(string(out)) {
			if p := strings.TrimSpace(line); strings.HasSuffix(p, "/") {
				existing[strings.TrimSuffix(p, "/")] = true
			}
		}
	}

	tmp, err := os.MkdirTemp("", "vcshub-svnmucc-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	name, _ := splitIdentity(spec.Author)
	args := []string{"--non-interactive", "-U", svnURL(c.path(), ""), "-r", base, "-m", spec.Message, "--username", name}
	nodes := append(append([]vcs.Node(nil), spec.Added...), spec.Changed...)
	for i, n := range nodes {
		var dirs []string
		for d := path.Dir(n.Path); d != "." && d != "/" && !existing[d]; d = path.Dir(d) {
			dirs = append(dirs, d)
		}
		for j := len(dirs) - 1; j >= 0; j-- {
			args = append(args, "mkdir", dirs[j])
			existing[dirs[j]] = true
		}
		f := filepath.Join(tmp, strconv.Itoa(i))
		if err := os.WriteFile(f, n.Content, 0o600); err != nil {
			return nil, err
		}
		args = append(args, "put", f, n.Path)
	}
	for _, p := range spec.Removed {
		args = append(args, "rm", p)
	}
	out, err := b.mucc.output(ctx, runOpts{}, args...)
	if err != nil {
		if stderrContains(err, "out of date") {
			return nil, fmt.Errorf("%w: r%s is not the latest revision", vcs.ErrRepository, base)
		}
		return nil, err
	}
	m := svnCommittedRev.FindStringSubmatch(out)
	if m == nil {
		return nil, fmt.Errorf("unexpected svnmucc output %q", out)
	}
	return m[1], nil
}
