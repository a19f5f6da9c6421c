package vcsserver

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/odvcencio/vcshub/internal/vcs"
)

// runHook invokes one hook for the repository the call targets. Pre hooks
// abort the operation on a non-zero status; post hook failures are only
// logged because the change has already landed.
func (s *Server) runHook(ctx context.Context, c *call, alias vcs.Alias, action vcs.HookAction, commitIDs []string) error {
	if _, ok := c.cfg.Get("hooks", "enabled"); ok && !c.cfg.GetBool("hooks", "enabled") {
		return nil
	}
	extras := vcs.HookExtrasFromConfig(c.cfg, filepath.Base(c.path()))
	extras.Action = string(action)
	extras.CommitIDs = commitIDs
	extras.Scm = alias

	res, err := s.hooks.Invoke(ctx, action, extras)
	pre := action == vcs.HookPrePush || action == vcs.HookPrePull
	if err != nil {
		if pre {
			return fmt.Errorf("%w: %s hook: %w", vcs.ErrHookAbort, action, err)
		}
		s.logger.Warn("post hook failed", "action", action, "repo", c.path(), "error", err)
		return nil
	}
	if res.Status != 0 {
		if pre {
			return &vcs.HookError{Action: string(action), Status: res.Status, Output: res.Output}
		}
		s.logger.Warn("post hook returned non-zero status", "action", action, "repo", c.path(), "status", res.Status, "output", res.Output)
	}
	return nil
}
