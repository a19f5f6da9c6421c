package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/vcshub/internal/jobs"
	"github.com/odvcencio/vcshub/internal/vcsserver"
)

type serveCommand struct {
	noWorkers bool
}

func (c *serveCommand) Register(parent *cobra.Command, root *rootOptions) {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the VCS server, the hooks endpoint and update workers",
		Long: `Serve the VCS RPC protocol on server.host:server.port.

The same listener accepts hook callbacks on /hooks; a post_push hook
schedules an update of every open pull request of the pushed repository.
Update workers run in-process unless --no-workers is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), root)
		},
	}
	cmd.Flags().BoolVar(&c.noWorkers, "no-workers", false, "do not run pull request update workers")
	parent.AddCommand(cmd)
}

func (c *serveCommand) Run(ctx context.Context, root *rootOptions) error {
	cfg := root.cfg
	logger := root.logger
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	aliases, err := backendAliases(cfg)
	if err != nil {
		return err
	}
	if err := vcsserver.CheckBinaries(ctx, binaries(cfg), aliases...); err != nil {
		return fmt.Errorf("check binaries: %w", err)
	}

	traceShutdown, err := initTracing(ctx)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceShutdown(shutdownCtx); err != nil {
			logger.Error("shutdown tracing", "error", err)
		}
	}()

	a, err := newApp(ctx, root, appOptions{localServer: true})
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/hooks", a.hooks)
	mux.Handle("/", a.server)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var pool *jobs.WorkerPool
	if !c.noWorkers && cfg.Workers.Count > 0 {
		pool = newWorkerPool(a)
		if err := pool.Start(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("vcshub listening", "addr", cfg.Addr(), "backends", cfg.VCS.Backends, "workers", pool != nil)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		errs = append(errs, httpServer.Shutdown(shutdownCtx))
		if pool != nil {
			errs = append(errs, pool.Stop(shutdownCtx))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func newWorkerPool(a *app) *jobs.WorkerPool {
	return jobs.NewWorkerPool(a.queue, a.prs.ProcessJob, jobs.WorkerPoolOptions{
		Workers:      a.cfg.Workers.Count,
		PollInterval: a.cfg.Workers.PollInterval,
		JobTimeout:   a.cfg.Workers.JobTimeout,
		Logger:       a.logger,
	})
}
