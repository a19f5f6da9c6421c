package backends

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/odvcencio/vcshub/internal/storage"
	"github.com/odvcencio/vcshub/internal/vcs"
)

// ArchiveRepo writes the full tree of opts.CommitID (the tip when empty) to
// w. Without an explicit mtime the commit date is used, so archives of the
// same commit are byte-identical. Subrepositories are not descended into.
func (r *Repository) ArchiveRepo(ctx context.Context, w io.Writer, opts vcs.ArchiveOptions) error {
	if _, err := vcs.LookupArchiveSpec(opts.Kind); err != nil {
		return err
	}
	commit, err := r.GetCommit(ctx, vcs.CommitQuery{ID: opts.CommitID, PreLoad: []vcs.CommitAttr{vcs.AttrDate, vcs.AttrBranch}})
	if err != nil {
		return err
	}
	if vcs.IsEmptyCommit(commit) {
		return fmt.Errorf("%w: nothing to archive in the empty commit", vcs.ErrEmptyRepository)
	}
	prefix, err := vcs.ResolveArchivePrefix(opts.Prefix, r.name, commit.RawID)
	if err != nil {
		return err
	}
	mtime := opts.MTime
	if mtime.IsZero() {
		mtime = commit.Date
	}

	files, err := r.listEntries(ctx, commit.RawID)
	if err != nil {
		return err
	}
	entries := make([]vcs.ArchiveEntry, len(files))
	for i, f := range files {
		p := f.Path
		entries[i] = vcs.ArchiveEntry{
			Path:    p,
			Mode:    f.Mode,
			Symlink: f.Symlink,
			Content: func() ([]byte, error) { return r.FileContent(ctx, commit.RawID, p) },
		}
	}

	var info *vcs.ArchivalInfo
	if opts.WriteMetadata {
		tags, err := r.Tags(ctx)
		if err != nil {
			return err
		}
		var names []string
		for name, id := range tags {
			if id == commit.RawID {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		info = &vcs.ArchivalInfo{
			RepoName:   r.name,
			Rev:        commit.RawID,
			CreateTime: mtime,
			Branch:     commit.Branch,
			Tags:       names,
		}
	}
	return vcs.WriteArchive(w, opts.Kind, prefix, mtime, entries, info)
}

// ArchiveCache keeps generated archives in a storage backend. Concurrent
// requests for the same archive share one generation.
type ArchiveCache struct {
	store  storage.Backend
	group  singleflight.Group
	logger *slog.Logger
}

func NewArchiveCache(store storage.Backend, logger *slog.Logger) *ArchiveCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveCache{store: store, logger: logger}
}

// Archive is a cached archive ready to be streamed.
type Archive struct {
	io.ReadCloser
	// FileName is "{repo_name}-{short_id}{ext}".
	FileName  string
	MediaType string
	CommitID  string
	Cached    bool
}

// Get returns the archive described by opts, generating and storing it on
// a miss.
func (c *ArchiveCache) Get(ctx context.Context, repo *Repository, opts vcs.ArchiveOptions) (*Archive, error) {
	spec, err := vcs.LookupArchiveSpec(opts.Kind)
	if err != nil {
		return nil, err
	}
	commit, err := repo.GetCommit(ctx, vcs.CommitQuery{ID: opts.CommitID})
	if err != nil {
		return nil, err
	}
	prefix, err := vcs.ResolveArchivePrefix(opts.Prefix, repo.Name(), commit.RawID)
	if err != nil {
		return nil, err
	}
	opts.CommitID = commit.RawID
	key := archiveKey(repo.Name(), commit.RawID, spec, prefix, opts)

	cached, err := c.store.Has(key)
	if err != nil {
		return nil, fmt.Errorf("archive cache lookup: %w", err)
	}
	if !cached {
		_, err, shared := c.group.Do(key, func() (any, error) {
			if ok, err := c.store.Has(key); err == nil && ok {
				return nil, nil
			}
			var buf bytes.Buffer
			if err := repo.ArchiveRepo(ctx, &buf, opts); err != nil {
				return nil, err
			}
			if err := c.store.Write(key, buf.Bytes()); err != nil {
				return nil, fmt.Errorf("archive cache store: %w", err)
			}
			c.logger.Info("archive generated", "repo", repo.Name(), "commit", commit.ShortID(), "kind", spec.Kind, "bytes", buf.Len())
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		if shared {
			c.logger.Debug("archive generation shared", "key", key)
		}
	}

	rc, err := c.store.Read(key)
	if err != nil {
		return nil, fmt.Errorf("archive cache read: %w", err)
	}
	return &Archive{
		ReadCloser: rc,
		FileName:   vcs.ArchiveFileName(repo.Name(), commit.RawID, spec),
		MediaType:  spec.MediaType,
		CommitID:   commit.RawID,
		Cached:     cached,
	}, nil
}

// Evict removes every cached archive of a repository.
func (c *ArchiveCache) Evict(repoName string) error {
	paths, err := c.store.List(safeKeyPart(repoName))
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := c.store.Delete(p); err != nil {
			return err
		}
	}
	return nil
}

func archiveKey(repoName, commitID string, spec vcs.ArchiveSpec, prefix string, opts vcs.ArchiveOptions) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%t\x00%t\x00%d", prefix, opts.WriteMetadata, opts.Subrepos, opts.MTime.Unix())
	variant := hex.EncodeToString(h.Sum(nil))[:16]
	return path.Join(safeKeyPart(repoName), commitID, spec.Kind+"-"+variant+spec.Ext)
}

func safeKeyPart(s string) string {
	s = strings.Trim(s, "/")
	return strings.NewReplacer("/", "_", "..", "_").Replace(s)
}
