package backends

import (
	"context"
	"fmt"

	"github.com/odvcencio/vcshub/internal/vcs"
)

func (r *Repository) requireMerges() error {
	if !r.d.merges {
		return fmt.Errorf("%w: %s does not support server side merges", vcs.ErrUnsupported, r.d.alias)
	}
	return nil
}

// CheckMergePreconditions runs the backend's own merge checks. Only
// Mercurial has any; they report multiple target heads and extra source
// branches.
func (r *Repository) CheckMergePreconditions(ctx context.Context, target, source vcs.Reference, sourceRepo vcs.Repository) (vcs.MergeFailureReason, map[string]any, error) {
	if err := r.requireMerges(); err != nil {
		return vcs.MergeNone, nil, err
	}
	if !r.d.mergeCheck {
		return vcs.MergeNone, nil, nil
	}
	other, err := r.otherPath(sourceRepo)
	if err != nil {
		return vcs.MergeNone, nil, err
	}
	var res mergeCheckResult
	if err := r.caller.Call(ctx, "merge_check", []any{target, source, other}, nil, &res); err != nil {
		return vcs.MergeNone, nil, err
	}
	return res.Reason, res.Metadata, nil
}

func (r *Repository) PrepareWorkspace(ctx context.Context, path string, target vcs.Reference) error {
	if err := r.requireMerges(); err != nil {
		return err
	}
	if err := r.caller.Call(ctx, "prepare_workspace", []any{path}, nil, nil); err != nil {
		return fmt.Errorf("prepare workspace for %s: %w", target.Name, err)
	}
	return nil
}

func (r *Repository) MergeInWorkspace(ctx context.Context, path string, m vcs.WorkspaceMerge) (*vcs.WorkspaceMergeResult, error) {
	if err := r.requireMerges(); err != nil {
		return nil, err
	}
	var res vcs.WorkspaceMergeResult
	if err := r.caller.Call(ctx, "workspace_merge", []any{path, m}, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PushFromWorkspace moves target to mergeCommitID. Push hooks run on the
// server.
func (r *Repository) PushFromWorkspace(ctx context.Context, path, mergeCommitID string, target vcs.Reference) error {
	if err := r.requireMerges(); err != nil {
		return err
	}
	if !r.d.canPushTo(target.Type) {
		return fmt.Errorf("%w: cannot push a merge to %s %s", vcs.ErrInvalidArgument, target.Type, target.Name)
	}
	if err := r.caller.Call(ctx, "push", []any{path, mergeCommitID, target}, nil, nil); err != nil {
		return err
	}
	r.logger.Info("merge pushed", "repo", r.Path(), "target", target.Name, "commit", mergeCommitID)
	return nil
}

// CleanupWorkspace removes a merge workspace. It succeeds when the
// workspace does not exist, and is a no-op for backends without merges
// since they never create one.
func (r *Repository) CleanupWorkspace(ctx context.Context, path string) error {
	if !r.d.merges {
		return nil
	}
	var removed bool
	if err := r.caller.Call(ctx, "cleanup_workspace", []any{path}, nil, &removed); err != nil {
		return fmt.Errorf("cleanup workspace %s: %w", path, err)
	}
	if removed {
		r.logger.Debug("workspace cleaned up", "repo", r.Path(), "workspace", path)
	}
	return nil
}
