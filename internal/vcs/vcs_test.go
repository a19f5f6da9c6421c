package vcs

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

func TestErrorKindsFormHierarchy(t *testing.T) {
	if !errors.Is(ErrCommitDoesNotExist, ErrRepository) {
		t.Fatal("commit lookup should be a repository error")
	}
	if !errors.Is(ErrEmptyRepository, ErrVCS) {
		t.Fatal("empty repository should be a vcs error")
	}
	if errors.Is(ErrCommunication, ErrRepository) {
		t.Fatal("communication errors are not repository errors")
	}
	wrapped := fmt.Errorf("lookup abc: %w", ErrCommitDoesNotExist)
	if WireKind(wrapped) != "lookup" {
		t.Fatalf("WireKind = %q", WireKind(wrapped))
	}
	if WireKind(&ArchiveTypeError{Kind: "rar"}) != "archive" {
		t.Fatalf("archive WireKind = %q", WireKind(&ArchiveTypeError{Kind: "rar"}))
	}
	if WireKind(errors.New("boom")) != "unhandled" {
		t.Fatal("plain errors should be unhandled")
	}
	if KindForWire("empty") != ErrEmptyRepository {
		t.Fatal("empty should map to ErrEmptyRepository")
	}
	if KindForWire("KeyError") != nil {
		t.Fatal("unknown wire kinds map to nil")
	}
}

func TestRemoteErrorPrintsTraceback(t *testing.T) {
	err := &RemoteError{Kind: ErrCommitDoesNotExist, Type: "lookup", Message: "unknown revision 'abc'", Traceback: "File x, line 1"}
	if !errors.Is(err, ErrRepository) {
		t.Fatal("remote lookup error should match ErrRepository")
	}
	short := fmt.Sprintf("%v", err)
	if strings.Contains(short, "File x") {
		t.Fatalf("%%v should omit traceback: %q", short)
	}
	long := fmt.Sprintf("%+v", err)
	if !strings.Contains(long, "remote traceback:\nFile x, line 1") {
		t.Fatalf("%%+v = %q", long)
	}
}

func TestParseReference(t *testing.T) {
	ref, err := ParseReference("branch:feature/x:deadbeef")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ref != (Reference{Type: RefBranch, Name: "feature/x", CommitID: "deadbeef"}) {
		t.Fatalf("ref = %+v", ref)
	}
	if ref.String() != "branch:feature/x:deadbeef" {
		t.Fatalf("String() = %q", ref.String())
	}
	for _, bad := range []string{"", "branch:x", "remote:x:abc", "tag::abc"} {
		if _, err := ParseReference(bad); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("ParseReference(%q) err = %v", bad, err)
		}
	}
}

func TestEmptyCommitSentinel(t *testing.T) {
	if len(EmptyCommitID) != 40 || strings.Trim(EmptyCommitID, "0") != "" {
		t.Fatalf("EmptyCommitID = %q", EmptyCommitID)
	}
	c := EmptyCommit()
	if !IsEmptyCommit(c) {
		t.Fatal("EmptyCommit should be the sentinel")
	}
	if IsEmptyCommit(NewCommit(strings.Repeat("a", 40), 0)) {
		t.Fatal("real commit reported as empty")
	}
}

func TestDiffChunks(t *testing.T) {
	raw := "diff --git a/a.txt b/a.txt\n" +
		"index 0000000..1111111 100644\n" +
		"--- a/a.txt\n" +
		"+++ b/a.txt\n" +
		"@@ -1 +1 @@\n" +
		"-old\n" +
		"+new\n" +
		"diff --git a/b.txt b/b.txt\n" +
		"deleted file mode 100644\n" +
		"index 2222222..0000000\n" +
		"--- a/b.txt\n" +
		"+++ /dev/null\n" +
		"@@ -1 +0,0 @@\n" +
		"-gone\n"
	d := &Diff{Raw: raw}
	chunks := d.Chunks()
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[0].Path() != "a.txt" || chunks[1].Path() != "b.txt" {
		t.Fatalf("paths = %q, %q", chunks[0].Path(), chunks[1].Path())
	}
	if !strings.HasPrefix(chunks[0].Diff, "@@ -1 +1 @@") {
		t.Fatalf("chunk diff = %q", chunks[0].Diff)
	}
	if chunks[0].Raw()+chunks[1].Raw() != raw {
		t.Fatal("chunks do not reassemble the diff")
	}
	files, err := d.Files()
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 2 || !files[1].IsDelete || FilePath(files[1]) != "b.txt" {
		t.Fatalf("files = %+v", files)
	}
	if !(&Diff{}).IsEmpty() {
		t.Fatal("empty diff should report empty")
	}
}

func TestDiffChunksUnquotePaths(t *testing.T) {
	raw := "diff --git \"a/caf\\303\\251 menu.txt\" \"b/caf\\303\\251 menu.txt\"\n" +
		"index 1111111..2222222 100644\n" +
		"--- \"a/caf\\303\\251 menu.txt\"\n" +
		"+++ \"b/caf\\303\\251 menu.txt\"\n" +
		"@@ -1 +1 @@\n" +
		"-tea\n" +
		"+coffee\n"
	d := &Diff{Raw: raw}
	chunks := d.Chunks()
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	files, err := d.Files()
	if err != nil || len(files) != 1 {
		t.Fatalf("files = %v, %v", files, err)
	}
	if chunks[0].Path() != "caf\u00e9 menu.txt" || chunks[0].Path() != FilePath(files[0]) {
		t.Fatalf("chunk path = %q, file path = %q", chunks[0].Path(), FilePath(files[0]))
	}
	if chunks[0].Raw() != raw {
		t.Fatal("chunk does not reassemble the diff")
	}
}

func TestPathPermissionChecker(t *testing.T) {
	if NewPathPermissionChecker([]string{"*"}, nil) != AllowAll {
		t.Fatal("include * should allow all")
	}
	if NewPathPermissionChecker([]string{"*"}, []string{"*"}) != DenyAll {
		t.Fatal("exclude * should deny all")
	}
	if NewPathPermissionChecker(nil, nil) != DenyAll {
		t.Fatal("no includes should deny all")
	}
	p := NewPathPermissionChecker([]string{"docs/*", "README.md"}, []string{"docs/secret/*"})
	cases := map[string]bool{
		"docs/a.md":        true,
		"docs/sub/b.md":    true,
		"docs/secret/k.md": false,
		"README.md":        true,
		"src/main.go":      false,
	}
	for path, want := range cases {
		if got := p.HasAccess(path); got != want {
			t.Fatalf("HasAccess(%q) = %t, want %t", path, got, want)
		}
	}
	if p.HasFullAccess() {
		t.Fatal("pattern checker never has full access")
	}
}

func TestResolveArchivePrefix(t *testing.T) {
	id := "0123456789abcdef0123456789abcdef01234567"
	bad := []string{"/bad", "", "   "}
	for _, p := range bad {
		p := p
		if _, err := ResolveArchivePrefix(&p, "group/repo", id); !errors.Is(err, ErrInvalidArchivePrefix) {
			t.Fatalf("prefix %q err = %v", p, err)
		}
	}
	prefix, err := ResolveArchivePrefix(nil, "group/repo", id)
	if err != nil {
		t.Fatalf("default prefix: %v", err)
	}
	if prefix != "group_repo-0123456789ab" {
		t.Fatalf("prefix = %q", prefix)
	}
	spec, err := LookupArchiveSpec("tgz")
	if err != nil {
		t.Fatal(err)
	}
	if name := ArchiveFileName("group/repo", id, spec); name != "group_repo-0123456789ab.tar.gz" {
		t.Fatalf("file name = %q", name)
	}
	var typeErr *ArchiveTypeError
	if _, err := LookupArchiveSpec("rar"); !errors.As(err, &typeErr) || len(typeErr.Allowed) != 3 {
		t.Fatalf("rar err = %v", err)
	}
}

func TestWriteArchiveIsDeterministic(t *testing.T) {
	entries := []ArchiveEntry{
		{Path: "b.txt", Mode: 0o644, Content: func() ([]byte, error) { return []byte("b"), nil }},
		{Path: "a/run.sh", Mode: 0o755, Content: func() ([]byte, error) { return []byte("#!/bin/sh\n"), nil }},
	}
	info := &ArchivalInfo{RepoName: "repo", Rev: "abc", CreateTime: time.Unix(100, 0), Branch: "main", Tags: []string{"v1"}}
	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	for _, kind := range []string{"tgz", "tbz2", "zip"} {
		var first, second bytes.Buffer
		if err := WriteArchive(&first, kind, "repo-abc", mtime, entries, info); err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if err := WriteArchive(&second, kind, "repo-abc", mtime, entries, info); err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if !bytes.Equal(first.Bytes(), second.Bytes()) {
			t.Fatalf("%s archive is not deterministic", kind)
		}
	}

	var buf bytes.Buffer
	if err := WriteArchive(&buf, "tgz", "repo-abc", mtime, entries, info); err != nil {
		t.Fatal(err)
	}
	gz, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, hdr.Name)
		if !hdr.ModTime.Equal(mtime) {
			t.Fatalf("%s mtime = %v", hdr.Name, hdr.ModTime)
		}
		if hdr.Name == "repo-abc/.archival.txt" {
			data, _ := io.ReadAll(tr)
			if !strings.Contains(string(data), "repo_name:repo\n") || !strings.Contains(string(data), "tags:v1\n") {
				t.Fatalf("archival.txt = %q", data)
			}
		}
	}
	want := "repo-abc/a/run.sh,repo-abc/b.txt,repo-abc/.archival.txt"
	if strings.Join(names, ",") != want {
		t.Fatalf("members = %v", names)
	}
}
