package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

type workerCommand struct {
	statsInterval time.Duration
}

func (c *workerCommand) Register(parent *cobra.Command, root *rootOptions) {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued pull request updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), root)
		},
	}
	cmd.Flags().DurationVar(&c.statsInterval, "stats-interval", time.Minute, "how often to log queue statistics, 0 to disable")
	parent.AddCommand(cmd)
}

func (c *workerCommand) Run(ctx context.Context, root *rootOptions) error {
	a, err := newApp(ctx, root, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	pool := newWorkerPool(a)
	if err := pool.Start(ctx); err != nil {
		return err
	}
	root.logger.Info("workers started", "workers", a.cfg.Workers.Count, "remote", a.client != nil)

	var tick <-chan time.Time
	if c.statsInterval > 0 {
		t := time.NewTicker(c.statsInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return pool.Stop(stopCtx)
		case <-tick:
			stats, err := a.queue.Stats(ctx)
			if err != nil {
				root.logger.Warn("queue stats", "error", err)
				continue
			}
			done := pool.Stats()
			root.logger.Info("queue stats", "queued", stats.Queued, "in_progress", stats.InProgress, "failed", stats.Failed,
				"completed_here", done.Completed, "failed_here", done.Failed, "panicked_here", done.Panicked)
		}
	}
}
