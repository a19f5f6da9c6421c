package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/odvcencio/vcshub/internal/vcs"
)

type archiveCommand struct {
	kind     string
	prefix   string
	out      string
	metadata bool
}

func (c *archiveCommand) Register(parent *cobra.Command, root *rootOptions) {
	cmd := &cobra.Command{
		Use:   "archive <repository> [commit]",
		Short: "Write an archive of a repository commit",
		Long: `Write a tbz2, tgz or zip archive of a commit, the tip by default.

With storage.archive_cache_path set, archives are generated once per
commit, kind and prefix and served from the cache afterwards.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			commitID := ""
			if len(args) == 2 {
				commitID = args[1]
			}
			return c.Run(cmd.Context(), root, args[0], commitID)
		},
	}
	cmd.Flags().StringVar(&c.kind, "kind", "tgz", "archive kind: tbz2, tgz or zip")
	cmd.Flags().StringVar(&c.prefix, "prefix", "", "directory prefix inside the archive (default {repo}-{short id})")
	cmd.Flags().StringVarP(&c.out, "output", "o", "", "output file or directory (default current directory)")
	cmd.Flags().BoolVar(&c.metadata, "metadata", true, "include .archival.txt")
	parent.AddCommand(cmd)
}

func (c *archiveCommand) Run(ctx context.Context, root *rootOptions, repoName, commitID string) error {
	a, err := newApp(ctx, root, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	repo, err := a.openRepository(ctx, repoName)
	if err != nil {
		return err
	}
	opts := vcs.ArchiveOptions{CommitID: commitID, Kind: c.kind, WriteMetadata: c.metadata}
	if c.prefix != "" {
		opts.Prefix = &c.prefix
	}

	if a.archives != nil {
		archive, err := a.archives.Get(ctx, repo, opts)
		if err != nil {
			return err
		}
		defer archive.Close()
		path, err := c.write(archive.FileName, archive)
		if err != nil {
			return err
		}
		root.logger.Info("archive written", "path", path, "commit", archive.CommitID, "cached", archive.Cached)
		return nil
	}

	spec, err := vcs.LookupArchiveSpec(c.kind)
	if err != nil {
		return err
	}
	commit, err := repo.GetCommit(ctx, vcs.CommitQuery{ID: commitID})
	if err != nil {
		return err
	}
	opts.CommitID = commit.RawID
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(repo.ArchiveRepo(ctx, pw, opts))
	}()
	path, err := c.write(vcs.ArchiveFileName(repo.Name(), commit.RawID, spec), pr)
	pr.Close()
	if err != nil {
		return err
	}
	root.logger.Info("archive written", "path", path, "commit", commit.RawID)
	return nil
}

// write copies r to the output path and returns it. A directory output
// receives the archive under name.
func (c *archiveCommand) write(name string, r io.Reader) (string, error) {
	path := name
	if c.out != "" {
		path = c.out
		if info, err := os.Stat(c.out); err == nil && info.IsDir() {
			path = filepath.Join(c.out, name)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write archive: %w", err)
	}
	return path, f.Close()
}
