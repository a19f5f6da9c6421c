package vcsserver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/odvcencio/vcshub/internal/vcs"
)

// cleanupWorkspace removes a shadow workspace. The directory is renamed
// aside first so a concurrent reader never sees a half-deleted tree. A
// missing workspace is not an error.
func cleanupWorkspace(ctx context.Context, c *call) (any, error) {
	ws, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	ws = filepath.Clean(ws)
	if ws == "." || ws == string(filepath.Separator) || ws == filepath.Clean(c.path()) {
		return nil, fmt.Errorf("%w: refusing to remove %q", vcs.ErrInvalidArgument, ws)
	}
	doomed := ws + ".removing-" + uuid.NewString()
	if err := os.Rename(ws, doomed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return nil, fmt.Errorf("move workspace aside: %w", err)
	}
	if err := os.RemoveAll(doomed); err != nil {
		return nil, fmt.Errorf("remove workspace: %w", err)
	}
	c.server.logger.Info("workspace removed", "workspace", ws)
	return true, nil
}
