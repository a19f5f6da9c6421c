package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

type updateCommand struct {
	async bool
}

func (c *updateCommand) Register(parent *cobra.Command, root *rootOptions) {
	cmd := &cobra.Command{
		Use:   "update <pull-request-id>",
		Short: "Update a pull request to the current heads of its branches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.Run(cmd.Context(), root, cmd.OutOrStdout(), id)
		},
	}
	cmd.Flags().BoolVar(&c.async, "async", false, "queue the update for the workers instead of running it")
	parent.AddCommand(cmd)
}

func (c *updateCommand) Run(ctx context.Context, root *rootOptions, out io.Writer, prID int64) error {
	a, err := newApp(ctx, root, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if c.async {
		job, err := a.prs.ScheduleUpdate(ctx, prID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "queued job %d for pull request !%d\n", job.ID, prID)
		return nil
	}

	res, err := a.prs.UpdateCommits(ctx, prID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, res.Message())
	if !res.Executed {
		return nil
	}
	fmt.Fprintf(out, "version:   %d\n", res.Version.Version)
	fmt.Fprintf(out, "commits:   +%d -%d (%d common)\n", len(res.Commits.Added), len(res.Commits.Removed), len(res.Commits.Common))
	printPaths(out, "added", res.Files.Added)
	printPaths(out, "modified", res.Files.Modified)
	printPaths(out, "removed", res.Files.Removed)
	if res.Outdated > 0 || res.Relocated > 0 {
		fmt.Fprintf(out, "comments:  %d outdated, %d moved\n", res.Outdated, res.Relocated)
	}
	return nil
}

func printPaths(out io.Writer, label string, paths []string) {
	if len(paths) == 0 {
		return
	}
	fmt.Fprintf(out, "%-10s %s\n", label+":", strings.Join(paths, ", "))
}

type mergeCheckCommand struct {
	merge  bool
	userID int64
}

func (c *mergeCheckCommand) Register(parent *cobra.Command, root *rootOptions) {
	cmd := &cobra.Command{
		Use:   "merge-check <pull-request-id>",
		Short: "Check whether a pull request can be merged",
		Long: `Run a dry-run merge of the pull request in its shadow workspace and
report the result. With --merge the merge is performed and pushed as
--user.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.Run(cmd.Context(), root, cmd.OutOrStdout(), id)
		},
	}
	cmd.Flags().BoolVar(&c.merge, "merge", false, "merge the pull request if possible")
	cmd.Flags().Int64Var(&c.userID, "user", 0, "id of the user merging")
	parent.AddCommand(cmd)
}

func (c *mergeCheckCommand) Run(ctx context.Context, root *rootOptions, out io.Writer, prID int64) error {
	if c.merge && c.userID <= 0 {
		return fmt.Errorf("--merge requires --user")
	}
	a, err := newApp(ctx, root, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if !c.merge {
		ok, msg, err := a.prs.MergeStatus(ctx, prID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "mergeable: %t\n%s\n", ok, msg)
		return nil
	}
	resp, err := a.prs.Merge(ctx, prID, c.userID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, resp.Message())
	if !resp.Executed {
		return fmt.Errorf("pull request !%d was not merged: %s", prID, resp.FailureReason)
	}
	fmt.Fprintf(out, "merged as %s\n", resp.MergeRef.CommitID)
	return nil
}

type cleanupWorkspaceCommand struct{}

func (c *cleanupWorkspaceCommand) Register(parent *cobra.Command, root *rootOptions) {
	parent.AddCommand(&cobra.Command{
		Use:   "cleanup-workspace <pull-request-id>",
		Short: "Remove the shadow merge workspace of a pull request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.Run(cmd.Context(), root, id)
		},
	})
}

func (c *cleanupWorkspaceCommand) Run(ctx context.Context, root *rootOptions, prID int64) error {
	a, err := newApp(ctx, root, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	pr, target, err := a.pullRequestTarget(ctx, prID)
	if err != nil {
		return err
	}
	if err := a.engine.CleanupWorkspace(ctx, target, pr.TargetRepoID, pr.WorkspaceID()); err != nil {
		return err
	}
	root.logger.Info("workspace removed", "pull_request", pr.ID, "path", a.engine.WorkspacePath(target.Path(), pr.TargetRepoID, pr.WorkspaceID()))
	return nil
}
