package vcs

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// ArchiveSpec describes one supported archive kind.
type ArchiveSpec struct {
	Kind      string
	MediaType string
	Ext       string
}

// ArchiveSpecs are the supported archive kinds.
var ArchiveSpecs = []ArchiveSpec{
	{Kind: "tbz2", MediaType: "application/x-bzip2", Ext: ".tar.bz2"},
	{Kind: "tgz", MediaType: "application/x-gzip", Ext: ".tar.gz"},
	{Kind: "zip", MediaType: "application/zip", Ext: ".zip"},
}

// LookupArchiveSpec returns the archive format registered for kind or an *ArchiveTypeError.
func LookupArchiveSpec(kind string) (ArchiveSpec, error) {
	allowed := make([]string, 0, len(ArchiveSpecs))
	for _, spec := range ArchiveSpecs {
		if spec.Kind == kind {
			return spec, nil
		}
		allowed = append(allowed, spec.Kind)
	}
	return ArchiveSpec{}, &ArchiveTypeError{Kind: kind, Allowed: allowed}
}

// ArchiveFileName is "{repo_name}-{short_id}{ext}".
func ArchiveFileName(repoName, commitID string, spec ArchiveSpec) string {
	return fmt.Sprintf("%s-%s%s", safeRepoName(repoName), ShortID(commitID), spec.Ext)
}

// ResolveArchivePrefix validates prefix, defaulting a nil prefix to
// "{repo_name}-{short_id}".
func ResolveArchivePrefix(prefix *string, repoName, commitID string) (string, error) {
	if prefix == nil {
		return fmt.Sprintf("%s-%s", safeRepoName(repoName), ShortID(commitID)), nil
	}
	p := *prefix
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: prefix must not be empty", ErrInvalidArchivePrefix)
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: prefix %q must not start with a slash", ErrInvalidArchivePrefix, p)
	}
	for _, r := range p {
		if r > 127 {
			return "", fmt.Errorf("%w: prefix %q must be ascii", ErrInvalidArchivePrefix, p)
		}
	}
	return strings.TrimRight(p, "/"), nil
}

func safeRepoName(name string) string {
	name = strings.Trim(name, "/")
	return strings.ReplaceAll(name, "/", "_")
}

// ArchiveEntry is one file of a tree.
type ArchiveEntry struct {
	Path    string
	Mode    int64
	Symlink bool
	// Content returns the file data; for a symlink, the target.
	Content func() ([]byte, error)
}

// ArchivalInfo is written as .archival.txt when metadata is requested.
type ArchivalInfo struct {
	RepoName   string
	Rev        string
	CreateTime time.Time
	Branch     string
	Tags       []string
}

func (a ArchivalInfo) bytes() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "repo_name:%s\n", a.RepoName)
	fmt.Fprintf(&b, "rev:%s\n", a.Rev)
	fmt.Fprintf(&b, "create_time:%s\n", a.CreateTime.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "branch:%s\n", a.Branch)
	fmt.Fprintf(&b, "tags:%s\n", strings.Join(a.Tags, ","))
	return []byte(b.String())
}

// WriteArchive writes entries under prefix to w. Entries are written in path
// order with mtime on every member, so equal inputs give equal bytes.
func WriteArchive(w io.Writer, kind, prefix string, mtime time.Time, entries []ArchiveEntry, info *ArchivalInfo) error {
	if _, err := LookupArchiveSpec(kind); err != nil {
		return err
	}
	if mtime.IsZero() {
		mtime = time.Unix(0, 0)
	}
	mtime = mtime.UTC().Truncate(time.Second)

	sorted := make([]ArchiveEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	if info != nil {
		data := info.bytes()
		sorted = append(sorted, ArchiveEntry{
			Path:    ".archival.txt",
			Mode:    0o644,
			Content: func() ([]byte, error) { return data, nil },
		})
	}

	switch kind {
	case "zip":
		return writeZip(w, prefix, mtime, sorted)
	case "tgz":
		gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
		if err != nil {
			return err
		}
		gz.ModTime = mtime
		if err := writeTar(gz, prefix, mtime, sorted); err != nil {
			gz.Close()
			return err
		}
		return gz.Close()
	default:
		bz, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
		if err != nil {
			return err
		}
		if err := writeTar(bz, prefix, mtime, sorted); err != nil {
			bz.Close()
			return err
		}
		return bz.Close()
	}
}

func writeTar(w io.Writer, prefix string, mtime time.Time, entries []ArchiveEntry) error {
	tw := tar.NewWriter(w)
	for _, e := range entries {
		data, err := e.Content()
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Path, err)
		}
		hdr := &tar.Header{
			Name:    path.Join(prefix, e.Path),
			Mode:    normalizeMode(e.Mode),
			ModTime: mtime,
			Format:  tar.FormatPAX,
		}
		if e.Symlink {
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = string(data)
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(data))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !e.Symlink {
			if _, err := tw.Write(data); err != nil {
				return err
			}
		}
	}
	return tw.Close()
}

func writeZip(w io.Writer, prefix string, mtime time.Time, entries []ArchiveEntry) error {
	zw := zip.NewWriter(w)
	for _, e := range entries {
		data, err := e.Content()
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Path, err)
		}
		hdr := &zip.FileHeader{
			Name:     path.Join(prefix, e.Path),
			Method:   zip.Deflate,
			Modified: mtime,
		}
		if e.Symlink {
			hdr.SetMode(0o777 | fs.ModeSymlink)
		} else {
			hdr.SetMode(fs.FileMode(normalizeMode(e.Mode)))
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		if _, err := fw.Write(data); err != nil {
			return err
		}
	}
	return zw.Close()
}

func normalizeMode(mode int64) int64 {
	if mode&0o111 != 0 {
		return 0o755
	}
	return 0o644
}
