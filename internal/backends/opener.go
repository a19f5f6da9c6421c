package backends

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/odvcencio/vcshub/internal/models"
	"github.com/odvcencio/vcshub/internal/remote"
	"github.com/odvcencio/vcshub/internal/vcs"
)

// Opener turns stored repository rows into live handles.
type Opener struct {
	dialer   remote.Dialer
	root     string
	hooksURI string
	logger   *slog.Logger
}

type OpenerOptions struct {
	// Root resolves relative storage paths.
	Root string
	// HooksURI is where the server posts push and pull hooks.
	HooksURI string
	Logger   *slog.Logger
}

func NewOpener(dialer remote.Dialer, opts OpenerOptions) *Opener {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Opener{dialer: dialer, root: opts.Root, hooksURI: opts.HooksURI, logger: logger}
}

// Path returns the on-disk location of repo.
func (o *Opener) Path(repo *models.Repository) string {
	if filepath.IsAbs(repo.StoragePath) || o.root == "" {
		return filepath.Clean(repo.StoragePath)
	}
	return filepath.Join(o.root, repo.StoragePath)
}

// Open returns a handle for repo without a hook identity.
func (o *Opener) Open(ctx context.Context, repo *models.Repository) (*Repository, error) {
	return o.OpenAs(ctx, repo, "")
}

// OpenAs returns a handle whose push and pull hooks run as username.
func (o *Opener) OpenAs(ctx context.Context, repo *models.Repository, username string) (*Repository, error) {
	if repo == nil {
		return nil, fmt.Errorf("%w: repository is required", vcs.ErrInvalidArgument)
	}
	if _, err := dialectFor(repo.Alias); err != nil {
		return nil, err
	}
	cfg := vcs.NewConfig()
	cfg.Set("hooks", "repository", repo.Name)
	if username != "" {
		cfg.Set("hooks", "username", username)
	}
	if o.hooksURI != "" {
		cfg.Set("hooks", "hooks_uri", o.hooksURI)
	}
	caller := o.dialer.Open(repo.Alias, o.Path(repo), cfg)
	return Open(ctx, caller, Options{Name: repo.Name, Logger: o.logger})
}
