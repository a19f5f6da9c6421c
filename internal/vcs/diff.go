package vcs

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
)

// Diff is a raw unified diff in git format, as produced by every backend.
type Diff struct {
	Raw string
}

// DiffChunk is the part of a diff that covers one file.
type DiffChunk struct {
	// Header is the "diff --git a/x b/y" line plus extended headers.
	Header string
	// Diff is the hunk text following the header.
	Diff string
	// OldPath and NewPath are the unquoted names go-gitdiff reports, so
	// chunks and parsed files agree on paths. NewPath is empty for a
	// deleted file.
	OldPath string
	NewPath string
}

// Raw reassembles the chunk.
func (c DiffChunk) Raw() string { return c.Header + c.Diff }

// Path returns the path the chunk is keyed on: the new path unless the file
// was deleted.
func (c DiffChunk) Path() string {
	if c.NewPath == "" {
		return c.OldPath
	}
	return c.NewPath
}

var diffHeaderRe = regexp.MustCompile(`^diff --git a/(.+?) b/(.+?)$`)

// Chunks splits the diff on "diff --git" lines. Paths come from the parsed
// diff; the header line is only consulted when the diff does not parse.
func (d *Diff) Chunks() []DiffChunk {
	if d == nil || d.Raw == "" {
		return nil
	}
	var chunks []DiffChunk
	var cur *DiffChunk
	var inHeader bool
	lines := strings.SplitAfter(d.Raw, "\n")
	for _, line := range lines {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "diff --git ") {
			if cur != nil {
				chunks = append(chunks, *cur)
			}
			cur = &DiffChunk{Header: line}
			if m := diffHeaderRe.FindStringSubmatch(strings.TrimRight(line, "\n")); m != nil {
				cur.OldPath, cur.NewPath = m[1], m[2]
			}
			inHeader = true
			continue
		}
		if cur == nil {
			continue
		}
		if inHeader && !strings.HasPrefix(line, "@@") && !strings.HasPrefix(line, "GIT binary patch") {
			cur.Header += line
			continue
		}
		inHeader = false
		cur.Diff += line
	}
	if cur != nil {
		chunks = append(chunks, *cur)
	}
	if files, err := d.Files(); err == nil && len(files) == len(chunks) {
		for i, f := range files {
			chunks[i].OldPath = f.OldName
			chunks[i].NewPath = f.NewName
			if f.IsDelete {
				chunks[i].NewPath = ""
			}
		}
	}
	return chunks
}

// Files parses the diff into per-file fragments.
func (d *Diff) Files() ([]*gitdiff.File, error) {
	if d == nil || strings.TrimSpace(d.Raw) == "" {
		return nil, nil
	}
	files, _, err := gitdiff.Parse(strings.NewReader(d.Raw))
	if err != nil {
		return nil, fmt.Errorf("parse diff: %w", err)
	}
	return files, nil
}

// IsEmpty reports whether the diff touches no files.
func (d *Diff) IsEmpty() bool {
	return len(d.Chunks()) == 0
}

// FilePath returns the path a parsed file is keyed on.
func FilePath(f *gitdiff.File) string {
	if f.IsDelete {
		return f.OldName
	}
	return f.NewName
}
