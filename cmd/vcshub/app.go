package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/odvcencio/vcshub/internal/backends"
	"github.com/odvcencio/vcshub/internal/config"
	"github.com/odvcencio/vcshub/internal/database"
	"github.com/odvcencio/vcshub/internal/hooks"
	"github.com/odvcencio/vcshub/internal/jobs"
	"github.com/odvcencio/vcshub/internal/merge"
	"github.com/odvcencio/vcshub/internal/models"
	"github.com/odvcencio/vcshub/internal/pullrequest"
	"github.com/odvcencio/vcshub/internal/remote"
	"github.com/odvcencio/vcshub/internal/storage"
	"github.com/odvcencio/vcshub/internal/vcs"
	"github.com/odvcencio/vcshub/internal/vcsserver"
)

// app holds the services a command needs. Fields a command does not use
// stay nil.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db       database.DB
	hooks    *hooks.Handler
	server   *vcsserver.Server
	client   *remote.Client
	dialer   remote.Dialer
	opener   *backends.Opener
	engine   *merge.Engine
	queue    *jobs.Queue
	prs      *pullrequest.Service
	archives *backends.ArchiveCache
}

type appOptions struct {
	// localServer forces an in-process VCS server even when
	// vcs.server_url is set.
	localServer bool
}

func newApp(ctx context.Context, root *rootOptions, opts appOptions) (*app, error) {
	cfg := root.cfg
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: root.logger}

	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db
	if err := db.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	a.hooks = hooks.NewHandler(a.logger)
	if cfg.VCS.ServerURL == "" || opts.localServer {
		a.server = vcsserver.New(vcsserver.Options{
			Binaries:     binaries(cfg),
			Hooks:        a.hooks,
			SharedSecret: cfg.VCS.SharedSecret,
			Logger:       a.logger,
		})
		a.dialer = vcsserver.NewLocalDialer(a.server)
	} else {
		client, err := remote.NewClient(cfg.VCS.ServerURL,
			remote.WithTimeout(cfg.VCS.Timeout),
			remote.WithPoolSize(cfg.VCS.PoolSize),
			remote.WithSharedSecret(cfg.VCS.SharedSecret),
			remote.WithLogger(a.logger),
		)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("vcs client: %w", err)
		}
		a.client = client
		a.dialer = client
	}

	a.opener = backends.NewOpener(a.dialer, backends.OpenerOptions{
		Root:     cfg.Storage.ReposPath,
		HooksURI: cfg.VCS.HooksURI,
		Logger:   a.logger,
	})
	a.engine = merge.NewEngine(merge.Options{
		ShadowRoot: cfg.Merge.ShadowRoot,
		DryRun: merge.Identity{
			Name:    cfg.Merge.DryRunUserName,
			Email:   cfg.Merge.DryRunUserEmail,
			Message: cfg.Merge.DryRunMessage,
		},
		Logger: a.logger,
	})
	a.queue = jobs.NewQueue(db, jobs.QueueOptions{
		RetryDelay:  cfg.Workers.RetryDelay,
		MaxAttempts: cfg.Workers.MaxAttempts,
		Kind:        models.JobKindPullRequestUpdate,
	})
	a.prs = pullrequest.NewService(db, a.opener, a.engine, pullrequest.Options{Queue: a.queue, Logger: a.logger})

	if cfg.Storage.ArchiveCachePath != "" {
		store, err := storage.NewLocalBackend(cfg.Storage.ArchiveCachePath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("archive cache: %w", err)
		}
		a.archives = backends.NewArchiveCache(store, a.logger)
	}

	a.hooks.Register(vcs.HookPostPush, a.schedulePushUpdates)
	return a, nil
}

// schedulePushUpdates queues an update of every open pull request touching
// the pushed repository.
func (a *app) schedulePushUpdates(ctx context.Context, extras vcs.HookExtras) (vcs.HookResult, error) {
	repo, err := a.db.GetRepositoryByName(ctx, extras.Repository)
	if errors.Is(err, sql.ErrNoRows) {
		a.logger.Debug("push to unknown repository", "repo", extras.Repository)
		return vcs.HookResult{}, nil
	}
	if err != nil {
		return vcs.HookResult{}, err
	}
	n, err := a.prs.ScheduleRepositoryUpdates(ctx, repo.ID)
	if err != nil {
		return vcs.HookResult{}, err
	}
	if n > 0 {
		a.logger.Info("pull request updates scheduled", "repo", repo.Name, "pull_requests", n, "user", extras.Username)
	}
	return vcs.HookResult{}, nil
}

func (a *app) Close() error {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

// pullRequestTarget loads a pull request and opens its target repository.
func (a *app) pullRequestTarget(ctx context.Context, prID int64) (*models.PullRequest, *backends.Repository, error) {
	pr, err := a.db.GetPullRequest(ctx, prID)
	if err != nil {
		return nil, nil, fmt.Errorf("pull request %d: %w", prID, err)
	}
	row, err := a.db.GetRepositoryByID(ctx, pr.TargetRepoID)
	if err != nil {
		return nil, nil, fmt.Errorf("target repository: %w", err)
	}
	repo, err := a.opener.Open(ctx, row)
	if err != nil {
		return nil, nil, err
	}
	return pr, repo, nil
}

func (a *app) openRepository(ctx context.Context, name string) (*backends.Repository, error) {
	row, err := a.db.GetRepositoryByName(ctx, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repository %q not found", name)
	}
	if err != nil {
		return nil, err
	}
	return a.opener.Open(ctx, row)
}

func openDB(cfg *config.Config) (database.DB, error) {
	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite", "sqlite3":
		return database.OpenSQLite(cfg.Database.DSN)
	case "postgres", "postgresql", "pgx":
		return database.OpenPostgres(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

func binaries(cfg *config.Config) vcsserver.Binaries {
	return vcsserver.Binaries{
		Git:      cfg.VCS.Git,
		Hg:       cfg.VCS.Hg,
		Svn:      cfg.VCS.Svn,
		SvnLook:  cfg.VCS.SvnLook,
		SvnAdmin: cfg.VCS.SvnAdmin,
		SvnMucc:  cfg.VCS.SvnMucc,
	}
}

// backendAliases parses vcs.backends.
func backendAliases(cfg *config.Config) ([]vcs.Alias, error) {
	out := make([]vcs.Alias, 0, len(cfg.VCS.Backends))
	for _, name := range cfg.VCS.Backends {
		alias, err := vcs.ParseAlias(name)
		if err != nil {
			return nil, fmt.Errorf("vcs.backends: %w", err)
		}
		out = append(out, alias)
	}
	return out, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(s), "!"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid pull request id %q", s)
	}
	return id, nil
}
