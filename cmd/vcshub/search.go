package main

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/vcshub/internal/search"
	"github.com/odvcencio/vcshub/internal/vcs"
)

type searchCommand struct {
	commitID    string
	glob        string
	markers     []string
	concurrency int
}

func (c *searchCommand) Register(parent *cobra.Command, root *rootOptions) {
	cmd := &cobra.Command{
		Use:   "search <repository> [query]",
		Short: "Find matching lines in the files of a commit",
		Long: `Search the text files of a commit, the tip by default.

Words match case- and punctuation-insensitively; double quotes keep a
phrase together. Without a query the --marker patterns, or the default
highlight marker, are matched verbatim.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 2 {
				query = args[1]
			}
			return c.Run(cmd.Context(), root, cmd.OutOrStdout(), args[0], query)
		},
	}
	cmd.Flags().StringVar(&c.commitID, "commit", "", "commit to search")
	cmd.Flags().StringVar(&c.glob, "glob", "", "only search paths matching this pattern")
	cmd.Flags().StringArrayVar(&c.markers, "marker", nil, "marker regexp with one capture group")
	cmd.Flags().IntVar(&c.concurrency, "concurrency", 8, "files fetched in parallel")
	parent.AddCommand(cmd)
}

func (c *searchCommand) Run(ctx context.Context, root *rootOptions, out io.Writer, repoName, query string) error {
	markers := make([]*regexp.Regexp, 0, len(c.markers))
	for _, m := range c.markers {
		re, err := regexp.Compile(m)
		if err != nil {
			return fmt.Errorf("--marker %q: %w", m, err)
		}
		markers = append(markers, re)
	}

	a, err := newApp(ctx, root, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	repo, err := a.openRepository(ctx, repoName)
	if err != nil {
		return err
	}
	commit, err := repo.GetCommit(ctx, vcs.CommitQuery{ID: c.commitID})
	if err != nil {
		return err
	}
	matches, err := search.SearchFiles(ctx, repo, commit.RawID, query, search.FileOptions{
		Glob:        c.glob,
		Markers:     markers,
		Concurrency: c.concurrency,
	})
	if err != nil {
		return err
	}
	printMatches(out, matches)
	return nil
}

func printMatches(out io.Writer, matches []search.FileMatch) {
	for _, m := range matches {
		for _, line := range m.MatchedLines() {
			spans := make([]string, len(m.Matches[line]))
			for i, o := range m.Matches[line] {
				spans[i] = fmt.Sprintf("%d-%d", o.Start, o.End)
			}
			fmt.Fprintf(out, "%s:%d: %s\n", m.Path, line, strings.Join(spans, " "))
		}
	}
}
