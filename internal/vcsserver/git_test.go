package vcsserver

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/vcshub/internal/hooks"
	"github.com/odvcencio/vcshub/internal/remote"
	"github.com/odvcencio/vcshub/internal/vcs"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

type gitFixture struct {
	srv    *Server
	hooks  *hooks.Handler
	repo   remote.Caller
	path   string
	shadow string
}

func newGitFixture(t *testing.T) *gitFixture {
	t.Helper()
	requireGit(t)
	h := hooks.NewHandler(nil)
	srv := New(Options{Hooks: h, Registerer: prometheus.NewRegistry()})
	dir := t.TempDir()
	path := filepath.Join(dir, "target.git")
	repo := NewLocalDialer(srv).Open(vcs.AliasGit, path, nil)
	if err := repo.Call(context.Background(), "init", nil, map[string]any{"bare": true}, nil); err != nil {
		t.Fatalf("init: %v", err)
	}
	return &gitFixture{srv: srv, hooks: h, repo: repo, path: path, shadow: filepath.Join(dir, "shadow")}
}

func (f *gitFixture) commit(t *testing.T, branch string, parents []string, files map[string]string) string {
	t.Helper()
	spec := vcs.CommitSpec{
		Parents: parents,
		Branch:  branch,
		Message: "update " + branch,
		Author:  "Test User <test@example.com>",
		Date:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	for p, content := range files {
		spec.Changed = append(spec.Changed, vcs.Node{Path: p, Content: []byte(content), Mode: 0o100644})
	}
	var id string
	if err := f.repo.Call(context.Background(), "commit", []any{spec}, nil, &id); err != nil {
		t.Fatalf("commit on %s: %v", branch, err)
	}
	return id
}

func TestGitCommitRemovesFileInBareRepository(t *testing.T) {
	f := newGitFixture(t)
	ctx := context.Background()

	c1 := f.commit(t, "master", nil, map[string]string{"file_a": "a\n", "file_c": "c\n"})
	spec := vcs.CommitSpec{
		Parents: []string{c1},
		Branch:  "master",
		Message: "drop file_c",
		Author:  "Test User <test@example.com>",
		Removed: []string{"file_c"},
	}
	var c2 string
	if err := f.repo.Call(ctx, "commit", []any{spec}, nil, &c2); err != nil {
		t.Fatalf("commit removal: %v", err)
	}

	var entries []fileEntry
	if err := f.repo.Call(ctx, "list_files", []any{c2}, nil, &entries); err != nil {
		t.Fatalf("list_files: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "file_a" {
		t.Fatalf("files after removal = %+v, want only file_a", entries)
	}
	var content []byte
	if err := f.repo.Call(ctx, "file_content", []any{c2, "file_c"}, nil, &content); !errors.Is(err, vcs.ErrNodeDoesNotExist) {
		t.Fatalf("removed file err = %v", err)
	}
	var found lookupResult
	if err := f.repo.Call(ctx, "lookup", []any{"master"}, nil, &found); err != nil || found.ID != c2 {
		t.Fatalf("master = %+v, %v; want %s", found, err, c2)
	}
}

func TestGitHistoryAndContent(t *testing.T) {
	f := newGitFixture(t)
	ctx := context.Background()

	var ids []string
	if err := f.repo.Call(ctx, "commit_ids", nil, nil, &ids); err != nil {
		t.Fatalf("commit_ids on empty repo: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("empty repo ids = %v", ids)
	}

	c1 := f.commit(t, "master", nil, map[string]string{"README": "hello\n"})
	c2 := f.commit(t, "master", []string{c1}, map[string]string{"README": "hello world\n"})

	if err := f.repo.Call(ctx, "commit_ids", nil, nil, &ids); err != nil {
		t.Fatalf("commit_ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != c1 || ids[1] != c2 {
		t.Fatalf("ids = %v, want [%s %s]", ids, c1, c2)
	}

	var found lookupResult
	if err := f.repo.Call(ctx, "lookup", []any{"master"}, nil, &found); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found.ID != c2 || found.Idx != 1 {
		t.Fatalf("lookup master = %+v", found)
	}
	if err := f.repo.Call(ctx, "lookup", []any{"no-such-branch"}, nil, nil); !errors.Is(err, vcs.ErrCommitDoesNotExist) {
		t.Fatalf("lookup missing err = %v", err)
	}

	var attrs vcs.CommitAttributes
	if err := f.repo.Call(ctx, "commit_attributes", []any{c2, vcs.AllCommitAttrs}, nil, &attrs); err != nil {
		t.Fatalf("commit_attributes: %v", err)
	}
	if attrs.Author != "Test User <test@example.com>" || attrs.Branch != "master" || len(attrs.ParentIDs) != 1 || attrs.ParentIDs[0] != c1 {
		t.Fatalf("attrs = %+v", attrs)
	}

	var content []byte
	if err := f.repo.Call(ctx, "file_content", []any{c1, "README"}, nil, &content); err != nil {
		t.Fatalf("file_content: %v", err)
	}
	if string(content) != "hello\n" {
		t.Fatalf("content = %q", content)
	}
	if err := f.repo.Call(ctx, "file_content", []any{c1, "missing.txt"}, nil, &content); !errors.Is(err, vcs.ErrNodeDoesNotExist) {
		t.Fatalf("missing file err = %v", err)
	}

	var raw string
	if err := f.repo.Call(ctx, "diff", []any{c1, c2, diffArgs{}}, nil, &raw); err != nil {
		t.Fatalf("diff: %v", err)
	}
	if !strings.Contains(raw, "-hello\n") || !strings.Contains(raw, "+hello world\n") {
		t.Fatalf("diff = %q", raw)
	}
	if err := f.repo.Call(ctx, "diff", []any{c2, c2, diffArgs{}}, nil, &raw); err != nil || raw != "" {
		t.Fatalf("self diff = %q, %v", raw, err)
	}
	if err := f.repo.Call(ctx, "diff", []any{vcs.EmptyCommitID, c1, diffArgs{}}, nil, &raw); err != nil {
		t.Fatalf("diff from empty: %v", err)
	}
	if !strings.Contains(raw, "new file mode") {
		t.Fatalf("diff from empty = %q", raw)
	}
	if err := f.repo.Call(ctx, "diff", []any{c1, c2, diffArgs{Path: "a", Path1: "b"}}, nil, &raw); !errors.Is(err, vcs.ErrInvalidArgument) {
		t.Fatalf("divergent path diff err = %v", err)
	}
}

func TestGitDiffContext(t *testing.T) {
	f := newGitFixture(t)
	ctx := context.Background()

	c1 := f.commit(t, "master", nil, map[string]string{"notes": "1\n2\n3\n4\n5\n"})
	c2 := f.commit(t, "master", []string{c1}, map[string]string{"notes": "1\n2\nthree\n4\n5\n"})

	var raw string
	if err := f.repo.Call(ctx, "diff", []any{c1, c2, map[string]any{}}, nil, &raw); err != nil {
		t.Fatalf("diff with default context: %v", err)
	}
	if !strings.Contains(raw, "@@ -1,5 +1,5 @@") {
		t.Fatalf("default context diff = %q", raw)
	}
	if err := f.repo.Call(ctx, "diff", []any{c1, c2, diffArgs{Context: 0}}, nil, &raw); err != nil {
		t.Fatalf("diff without context: %v", err)
	}
	if !strings.Contains(raw, "@@ -3 +3 @@") || strings.Contains(raw, " 2\n") {
		t.Fatalf("zero context diff = %q", raw)
	}
	if err := f.repo.Call(ctx, "diff", []any{c1, c2, diffArgs{Context: -1}}, nil, &raw); !errors.Is(err, vcs.ErrInvalidArgument) {
		t.Fatalf("negative context err = %v", err)
	}
}

func TestGitWorkspaceMergeAndPush(t *testing.T) {
	f := newGitFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var pushed []string
	f.hooks.Register(vcs.HookPrePush, func(ctx context.Context, extras vcs.HookExtras) (vcs.HookResult, error) {
		mu.Lock()
		defer mu.Unlock()
		pushed = append(pushed, extras.CommitIDs...)
		return vcs.HookResult{}, nil
	})

	base := f.commit(t, "master", nil, map[string]string{"README": "hello\n"})
	tip := f.commit(t, "master", []string{base}, map[string]string{"README": "hello world\n"})
	feature := f.commit(t, "feature", []string{base}, map[string]string{"feature.txt": "new\n"})

	target := vcs.Reference{Type: vcs.RefBranch, Name: "master", CommitID: tip}
	if err := f.repo.Call(ctx, "prepare_workspace", []any{f.shadow}, nil, nil); err != nil {
		t.Fatalf("prepare_workspace: %v", err)
	}
	m := vcs.WorkspaceMerge{
		Target:     target,
		SourcePath: f.path,
		Source:     vcs.Reference{Type: vcs.RefBranch, Name: "feature", CommitID: feature},
		UserName:   "Merger",
		UserEmail:  "merger@example.com",
		Message:    "merge feature",
	}
	var res vcs.WorkspaceMergeResult
	if err := f.repo.Call(ctx, "workspace_merge", []any{f.shadow, m}, nil, &res); err != nil {
		t.Fatalf("workspace_merge: %v", err)
	}
	if res.MergeCommitID == "" || len(res.Conflicts) != 0 {
		t.Fatalf("merge result = %+v", res)
	}

	if err := f.repo.Call(ctx, "push", []any{f.shadow, res.MergeCommitID, target}, nil, nil); err != nil {
		t.Fatalf("push: %v", err)
	}
	var found lookupResult
	if err := f.repo.Call(ctx, "lookup", []any{"master"}, nil, &found); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found.ID != res.MergeCommitID {
		t.Fatalf("master = %s, want merge commit %s", found.ID, res.MergeCommitID)
	}
	mu.Lock()
	if len(pushed) != 2 || pushed[1] != res.MergeCommitID {
		t.Fatalf("pre_push saw %v", pushed)
	}
	mu.Unlock()

	clash := f.commit(t, "clash", []string{base}, map[string]string{"README": "conflicting\n"})
	if err := f.repo.Call(ctx, "prepare_workspace", []any{f.shadow}, nil, nil); err != nil {
		t.Fatalf("prepare_workspace again: %v", err)
	}
	m.Target = target.WithCommit(res.MergeCommitID)
	m.Source = vcs.Reference{Type: vcs.RefBranch, Name: "clash", CommitID: clash}
	var conflict vcs.WorkspaceMergeResult
	if err := f.repo.Call(ctx, "workspace_merge", []any{f.shadow, m}, nil, &conflict); err != nil {
		t.Fatalf("conflicting workspace_merge: %v", err)
	}
	if conflict.MergeCommitID != "" || len(conflict.Conflicts) != 1 || conflict.Conflicts[0] != "README" {
		t.Fatalf("conflict result = %+v", conflict)
	}
}

func TestGitPrePushHookAborts(t *testing.T) {
	f := newGitFixture(t)
	ctx := context.Background()
	f.hooks.Register(vcs.HookPrePush, func(ctx context.Context, extras vcs.HookExtras) (vcs.HookResult, error) {
		return vcs.HookResult{Status: 1, Output: "frozen"}, nil
	})

	base := f.commit(t, "master", nil, map[string]string{"README": "hello\n"})
	feature := f.commit(t, "feature", []string{base}, map[string]string{"b.txt": "b\n"})
	target := vcs.Reference{Type: vcs.RefBranch, Name: "master", CommitID: base}
	if err := f.repo.Call(ctx, "prepare_workspace", []any{f.shadow}, nil, nil); err != nil {
		t.Fatalf("prepare_workspace: %v", err)
	}
	m := vcs.WorkspaceMerge{
		Target:     target,
		SourcePath: f.path,
		Source:     vcs.Reference{Type: vcs.RefBranch, Name: "feature", CommitID: feature},
		UserName:   "Merger",
		UserEmail:  "merger@example.com",
		Message:    "merge",
	}
	var res vcs.WorkspaceMergeResult
	if err := f.repo.Call(ctx, "workspace_merge", []any{f.shadow, m}, nil, &res); err != nil {
		t.Fatalf("workspace_merge: %v", err)
	}
	err := f.repo.Call(ctx, "push", []any{f.shadow, res.MergeCommitID, target}, nil, nil)
	if !errors.Is(err, vcs.ErrHookAbort) {
		t.Fatalf("push err = %v, want hook abort", err)
	}
	if !strings.Contains(err.Error(), "frozen") {
		t.Fatalf("hook output missing from %q", err)
	}
}

func TestCleanupWorkspaceIsIdempotent(t *testing.T) {
	f := newGitFixture(t)
	ctx := context.Background()
	f.commit(t, "master", nil, map[string]string{"README": "hello\n"})
	if err := f.repo.Call(ctx, "prepare_workspace", []any{f.shadow}, nil, nil); err != nil {
		t.Fatalf("prepare_workspace: %v", err)
	}

	var removed bool
	if err := f.repo.Call(ctx, "cleanup_workspace", []any{f.shadow}, nil, &removed); err != nil || !removed {
		t.Fatalf("cleanup_workspace = %t, %v", removed, err)
	}
	if _, err := os.Stat(f.shadow); !os.IsNotExist(err) {
		t.Fatalf("workspace still present: %v", err)
	}
	if err := f.repo.Call(ctx, "cleanup_workspace", []any{f.shadow}, nil, &removed); err != nil || removed {
		t.Fatalf("second cleanup_workspace = %t, %v", removed, err)
	}
	leftovers, _ := filepath.Glob(f.shadow + ".removing-*")
	if len(leftovers) != 0 {
		t.Fatalf("leftover directories %v", leftovers)
	}
	if err := f.repo.Call(ctx, "cleanup_workspace", []any{f.path}, nil, nil); !errors.Is(err, vcs.ErrInvalidArgument) {
		t.Fatalf("cleanup of the repository itself err = %v", err)
	}
}
