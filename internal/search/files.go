package search

import (
	"bytes"
	"context"
	"path"
	"regexp"
	"sort"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// Source is the read-only view of a repository a search walks.
type Source interface {
	ListFiles(ctx context.Context, commitID string) ([]string, error)
	FileContent(ctx context.Context, commitID, path string) ([]byte, error)
}

type FileOptions struct {
	// Glob limits the search to paths matching a path.Match pattern,
	// tried against the full path and the base name.
	Glob string
	// Markers are used when no terms are given.
	Markers []*regexp.Regexp
	// MaxFileSize skips larger files. Zero means 1 MiB.
	MaxFileSize int
	// Concurrency bounds parallel content fetches. Zero means 8.
	Concurrency int
}

// FileMatch is one file with at least one matching line.
type FileMatch struct {
	Path  string
	Lines int
	// Matches maps 1-based line numbers to their match offsets.
	Matches map[int][]Offset
}

// MatchedLines returns the matching line numbers in order.
func (m FileMatch) MatchedLines() []int {
	out := make([]int, 0, len(m.Matches))
	for n := range m.Matches {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// SearchFiles runs GetMatchingLineOffsets over every text file of commitID.
// Binary and oversized files are skipped. Results are sorted by path.
func SearchFiles(ctx context.Context, src Source, commitID, terms string, opts FileOptions) ([]FileMatch, error) {
	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = 1 << 20
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 8
	}

	paths, err := src.ListFiles(ctx, commitID)
	if err != nil {
		return nil, err
	}
	paths = filterPaths(paths, opts.Glob)

	results := make([]*FileMatch, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, p := range paths {
		g.Go(func() error {
			content, err := src.FileContent(ctx, commitID, p)
			if err != nil {
				return err
			}
			if len(content) > maxSize || isBinary(content) {
				return nil
			}
			lines, matches := GetMatchingLineOffsets(string(content), terms, opts.Markers)
			if len(matches) > 0 {
				results[i] = &FileMatch{Path: p, Lines: lines, Matches: matches}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []FileMatch
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func filterPaths(paths []string, glob string) []string {
	if glob == "" {
		return paths
	}
	var out []string
	for _, p := range paths {
		if ok, _ := path.Match(glob, p); ok {
			out = append(out, p)
			continue
		}
		if ok, _ := path.Match(glob, path.Base(p)); ok {
			out = append(out, p)
		}
	}
	return out
}

func isBinary(content []byte) bool {
	head := content
	if len(head) > 8000 {
		head = head[:8000]
	}
	return bytes.IndexByte(head, 0) >= 0 || !utf8.Valid(content)
}
