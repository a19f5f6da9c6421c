package search

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type memSource map[string]string

func (m memSource) ListFiles(_ context.Context, commitID string) ([]string, error) {
	if commitID != "c1" {
		return nil, errors.New("unknown commit")
	}
	var out []string
	for p := range m {
		out = append(out, p)
	}
	return out, nil
}

func (m memSource) FileContent(_ context.Context, _ string, path string) ([]byte, error) {
	content, ok := m[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return []byte(content), nil
}

func TestSearchFiles(t *testing.T) {
	src := memSource{
		"README.md":       "Project notes\nTODO: write docs\n",
		"cmd/main.go":     "package main\n\n// todo remove\nfunc main() {}\n",
		"assets/logo.png": "\x89PNG\x00todo",
		"docs/empty.txt":  "",
	}
	got, err := SearchFiles(context.Background(), src, "c1", "todo", FileOptions{Concurrency: 2})
	if err != nil {
		t.Fatalf("SearchFiles: %v", err)
	}
	if len(got) != 2 || got[0].Path != "README.md" || got[1].Path != "cmd/main.go" {
		t.Fatalf("matches = %+v", got)
	}
	if !reflect.DeepEqual(got[0].MatchedLines(), []int{2}) || got[0].Lines != 2 {
		t.Fatalf("README match = %+v", got[0])
	}
	if !reflect.DeepEqual(got[1].Matches[3], []Offset{{3, 7}}) {
		t.Fatalf("main.go offsets = %v", got[1].Matches)
	}
}

func TestSearchFilesGlobAndSize(t *testing.T) {
	src := memSource{
		"a/one.go":  "needle\n",
		"b/two.txt": "needle\n",
		"big.go":    "needle needle needle\n",
	}
	got, err := SearchFiles(context.Background(), src, "c1", "needle", FileOptions{Glob: "*.go", MaxFileSize: 10})
	if err != nil {
		t.Fatalf("SearchFiles: %v", err)
	}
	if len(got) != 1 || got[0].Path != "a/one.go" {
		t.Fatalf("matches = %+v", got)
	}
}

func TestSearchFilesPropagatesErrors(t *testing.T) {
	if _, err := SearchFiles(context.Background(), memSource{}, "missing", "x", FileOptions{}); err == nil {
		t.Fatal("expected error for unknown commit")
	}
}
