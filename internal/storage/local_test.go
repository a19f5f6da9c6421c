package storage

import (
	"io"
	"sort"
	"strings"
	"testing"
)

func TestLocalBackendRoundTrip(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Write("repo/abc/tgz-1.tar.gz", []byte("archive")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := b.Write("repo/def/zip-1.zip", []byte("zip")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ok, err := b.Has("repo/abc/tgz-1.tar.gz")
	if err != nil || !ok {
		t.Fatalf("has = %v, %v", ok, err)
	}
	rc, err := b.Read("repo/abc/tgz-1.tar.gz")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "archive" {
		t.Fatalf("data = %q", data)
	}

	paths, err := b.List("repo")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	sort.Strings(paths)
	if strings.Join(paths, ",") != "repo/abc/tgz-1.tar.gz,repo/def/zip-1.zip" {
		t.Fatalf("paths = %v", paths)
	}

	if err := b.Delete("repo/abc/tgz-1.tar.gz"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := b.Delete("repo/abc/tgz-1.tar.gz"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if ok, _ := b.Has("repo/abc/tgz-1.tar.gz"); ok {
		t.Fatal("object survived delete")
	}
}

func TestLocalBackendRejectsEscapingPaths(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Write("../outside", []byte("x")); err == nil {
		t.Fatal("expected escaping write to fail")
	}
	if paths, err := b.List("missing"); err != nil || paths != nil {
		t.Fatalf("list missing = %v, %v", paths, err)
	}
}
