package vcsserver

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/vcshub/internal/hooks"
	"github.com/odvcencio/vcshub/internal/remote"
	"github.com/odvcencio/vcshub/internal/vcs"
)

func requireHg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("hg"); err != nil {
		t.Skip("hg not installed")
	}
}

type hgFixture struct {
	repo remote.Caller
	path string
}

func newHgFixture(t *testing.T) *hgFixture {
	t.Helper()
	requireHg(t)
	srv := New(Options{Hooks: hooks.NewHandler(nil), Registerer: prometheus.NewRegistry()})
	path := filepath.Join(t.TempDir(), "target")
	repo := NewLocalDialer(srv).Open(vcs.AliasHg, path, nil)
	if err := repo.Call(context.Background(), "init", nil, nil, nil); err != nil {
		t.Fatalf("init: %v", err)
	}
	return &hgFixture{repo: repo, path: path}
}

func (f *hgFixture) commit(t *testing.T, branch string, parents []string, files map[string]string) string {
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

func (f *hgFixture) mergeCheck(t *testing.T, target, source vcs.Reference) mergeCheckResult {
	t.Helper()
	var res mergeCheckResult
	if err := f.repo.Call(context.Background(), "merge_check", []any{target, source}, nil, &res); err != nil {
		t.Fatalf("merge_check: %v", err)
	}
	return res
}

func TestHgHistoryRefsAndContent(t *testing.T) {
	f := newHgFixture(t)
	ctx := context.Background()

	c1 := f.commit(t, "default", nil, map[string]string{"README": "hello\n", "old.txt": "old\n"})
	c2 := f.commit(t, "default", []string{c1}, map[string]string{"README": "hello world\n"})
	if out, err := exec.Command("hg", "-R", f.path, "bookmark", "-r", c1, "wip").CombinedOutput(); err != nil {
		t.Fatalf("bookmark: %v\n%s", err, out)
	}

	var refs refsResult
	if err := f.repo.Call(ctx, "refs", nil, nil, &refs); err != nil {
		t.Fatalf("refs: %v", err)
	}
	if refs.Branches["default"] != c2 || refs.Bookmarks["wip"] != c1 {
		t.Fatalf("refs = %+v", refs)
	}
	if _, ok := refs.Tags["tip"]; ok {
		t.Fatalf("tip should not be listed as a tag: %+v", refs.Tags)
	}

	var ids []string
	if err := f.repo.Call(ctx, "commit_ids", nil, nil, &ids); err != nil {
		t.Fatalf("commit_ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != c1 || ids[1] != c2 {
		t.Fatalf("ids = %v, want [%s %s]", ids, c1, c2)
	}

	var content []byte
	if err := f.repo.Call(ctx, "file_content", []any{c1, "README"}, nil, &content); err != nil {
		t.Fatalf("file_content: %v", err)
	}
	if string(content) != "hello\n" {
		t.Fatalf("README at c1 = %q", content)
	}

	spec := vcs.CommitSpec{
		Parents: []string{c2},
		Branch:  "default",
		Message: "drop old.txt",
		Author:  "Test User <test@example.com>",
		Removed: []string{"old.txt"},
	}
	var c3 string
	if err := f.repo.Call(ctx, "commit", []any{spec}, nil, &c3); err != nil {
		t.Fatalf("commit removal: %v", err)
	}
	var entries []fileEntry
	if err := f.repo.Call(ctx, "list_files", []any{c3}, nil, &entries); err != nil {
		t.Fatalf("list_files: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "README" {
		t.Fatalf("files after removal = %+v, want only README", entries)
	}
	if err := f.repo.Call(ctx, "file_content", []any{c3, "old.txt"}, nil, &content); !errors.Is(err, vcs.ErrNodeDoesNotExist) {
		t.Fatalf("removed file err = %v", err)
	}
}

func TestHgMergeCheckTargetWithMultipleHeads(t *testing.T) {
	f := newHgFixture(t)

	c1 := f.commit(t, "default", nil, map[string]string{"a": "1\n"})
	c2 := f.commit(t, "default", []string{c1}, map[string]string{"a": "2\n"})
	c3 := f.commit(t, "default", []string{c1}, map[string]string{"b": "3\n"})
	feature := f.commit(t, "feature", []string{c2}, map[string]string{"c": "4\n"})

	res := f.mergeCheck(t,
		vcs.Reference{Type: vcs.RefBranch, Name: "default", CommitID: c2},
		vcs.Reference{Type: vcs.RefBranch, Name: "feature", CommitID: feature},
	)
	if res.Reason != vcs.MergeHgTargetHasMultipleHeads {
		t.Fatalf("reason = %v, want %v", res.Reason, vcs.MergeHgTargetHasMultipleHeads)
	}
	heads, _ := res.Metadata["heads"].(string)
	got := strings.Split(heads, ",")
	sort.Strings(got)
	want := []string{c2, c3}
	sort.Strings(want)
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("heads = %q, want %v", heads, want)
	}

	// a pinned target skips the head count
	res = f.mergeCheck(t,
		vcs.Reference{Type: vcs.RefRev, Name: c2, CommitID: c2},
		vcs.Reference{Type: vcs.RefBranch, Name: "feature", CommitID: feature},
	)
	if res.Reason != vcs.MergeNone {
		t.Fatalf("rev target reason = %v, want none", res.Reason)
	}
}

func TestHgMergeCheckSourceWithMoreBranches(t *testing.T) {
	f := newHgFixture(t)

	c1 := f.commit(t, "default", nil, map[string]string{"a": "1\n"})
	f1 := f.commit(t, "feature", []string{c1}, map[string]string{"b": "2\n"})
	f2 := f.commit(t, "other", []string{f1}, map[string]string{"c": "3\n"})
	target := vcs.Reference{Type: vcs.RefBranch, Name: "default", CommitID: c1}

	tests := []struct {
		name     string
		source   vcs.Reference
		reason   vcs.MergeFailureReason
		branches string
	}{
		{"single branch", vcs.Reference{Type: vcs.RefBranch, Name: "feature", CommitID: f1}, vcs.MergeNone, ""},
		{"two branches", vcs.Reference{Type: vcs.RefBranch, Name: "other", CommitID: f2}, vcs.MergeHgSourceHasMoreBranches, "feature,other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.mergeCheck(t, target, tt.source)
			if res.Reason != tt.reason {
				t.Fatalf("reason = %v, want %v", res.Reason, tt.reason)
			}
			if tt.branches != "" && res.Metadata["branches"] != tt.branches {
				t.Fatalf("branches = %v, want %q", res.Metadata["branches"], tt.branches)
			}
		})
	}
}

func TestHgDiffRejectsDifferentPaths(t *testing.T) {
	f := newHgFixture(t)
	ctx := context.Background()

	c1 := f.commit(t, "default", nil, map[string]string{"docs/a": "1\n2\n3\n"})
	c2 := f.commit(t, "default", []string{c1}, map[string]string{"docs/a": "1\ntwo\n3\n"})

	var raw string
	if err := f.repo.Call(ctx, "diff", []any{c1, c2, diffArgs{Path: "docs", Context: 0}}, nil, &raw); err != nil {
		t.Fatalf("diff: %v", err)
	}
	if !strings.Contains(raw, "-2\n+two\n") || strings.Contains(raw, " 1\n") {
		t.Fatalf("diff = %q", raw)
	}
	err := f.repo.Call(ctx, "diff", []any{c1, c2, diffArgs{Path: "docs", Path1: "other"}}, nil, &raw)
	if !errors.Is(err, vcs.ErrInvalidArgument) {
		t.Fatalf("divergent path err = %v", err)
	}
}

func TestHgPathPermissions(t *testing.T) {
	f := newHgFixture(t)
	ctx := context.Background()

	var perms permissionsResult
	if err := f.repo.Call(ctx, "path_permissions", []any{"alice"}, nil, &perms); err != nil {
		t.Fatalf("path_permissions: %v", err)
	}
	if perms.Configured {
		t.Fatalf("unconfigured repo = %+v", perms)
	}

	hgrc := "[narrowacl]\ndefault.includes = docs/*\nalice.excludes = secret/*\n"
	if err := os.WriteFile(filepath.Join(f.path, ".hg", "hgrc"), []byte(hgrc), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		user     string
		includes []string
		excludes []string
	}{
		{"alice", []string{"docs/*"}, []string{"secret/*"}},
		{"bob", []string{"docs/*"}, nil},
	}
	for _, tt := range tests {
		var got permissionsResult
		if err := f.repo.Call(ctx, "path_permissions", []any{tt.user}, nil, &got); err != nil {
			t.Fatalf("path_permissions %s: %v", tt.user, err)
		}
		if !got.Configured || strings.Join(got.Includes, ",") != strings.Join(tt.includes, ",") || strings.Join(got.Excludes, ",") != strings.Join(tt.excludes, ",") {
			t.Fatalf("%s permissions = %+v", tt.user, got)
		}
	}
}
