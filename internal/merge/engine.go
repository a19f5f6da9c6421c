// Package merge evaluates and executes server-side merges in shadow
// workspaces. Expected failures are reported as vcs.MergeResponse values;
// only malformed requests return an error.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/vcshub/internal/vcs"
)

const tracerName = "github.com/odvcencio/vcshub/internal/merge"

// Identity is the author recorded on a merge commit.
type Identity struct {
	Name    string
	Email   string
	Message string
}

// DefaultDryRunIdentity fills in dry runs, which never publish a commit.
var DefaultDryRunIdentity = Identity{
	Name:    "Dry-Run User",
	Email:   "dry-run-merge@vcshub.invalid",
	Message: "dry-run-merge message",
}

type Options struct {
	// ShadowRoot holds workspaces. Empty places them next to the target
	// repository.
	ShadowRoot string
	DryRun     Identity
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

type Engine struct {
	shadowRoot string
	dryRun     Identity
	logger     *slog.Logger
	metrics    *engineMetrics
	tracer     trace.Tracer
}

func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dry := opts.DryRun
	if dry.Name == "" {
		dry.Name = DefaultDryRunIdentity.Name
	}
	if dry.Email == "" {
		dry.Email = DefaultDryRunIdentity.Email
	}
	if dry.Message == "" {
		dry.Message = DefaultDryRunIdentity.Message
	}
	m := getDefaultMetrics()
	if opts.Registerer != nil {
		m = newEngineMetrics(opts.Registerer)
	}
	return &Engine{
		shadowRoot: opts.ShadowRoot,
		dryRun:     dry,
		logger:     logger,
		metrics:    m,
		tracer:     otel.Tracer(tracerName),
	}
}

// Request describes one merge of Source/SourceRef into Target/TargetRef.
type Request struct {
	RepoID      int64
	WorkspaceID string

	Target    vcs.Merger
	TargetRef vcs.Reference
	Source    vcs.Repository
	SourceRef vcs.Reference
	// Lock is the target repository's lock, if any.
	Lock *vcs.RepositoryLock

	Identity    Identity
	DryRun      bool
	UseRebase   bool
	CloseBranch bool
}

var unsafeWorkspaceChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// WorkspacePath is where the shadow workspace for (repoID, workspaceID)
// lives. targetPath is the target repository's path on the VCS server.
func (e *Engine) WorkspacePath(targetPath string, repoID int64, workspaceID string) string {
	name := fmt.Sprintf(".__shadow_repo_%d_%s", repoID, unsafeWorkspaceChars.ReplaceAllString(workspaceID, "_"))
	root := e.shadowRoot
	if root == "" {
		root = filepath.Dir(targetPath)
	}
	return filepath.Join(root, name)
}

// CheckLock returns the TARGET_IS_LOCKED response for a locked target, or
// nil.
func CheckLock(lock *vcs.RepositoryLock) *vcs.MergeResponse {
	if lock == nil {
		return nil
	}
	return vcs.NewMergeResponse(false, false, nil, vcs.MergeTargetIsLocked, map[string]any{
		"locked_by": fmt.Sprintf("user:%d", lock.UserID),
		"locked_at": lock.LockedAt,
		"reason":    lock.Reason,
	})
}

// Merge runs the merge described by req. Unexpected failures become an
// UNKNOWN response; the returned error is only set for invalid requests.
func (e *Engine) Merge(ctx context.Context, req Request) (resp *vcs.MergeResponse, err error) {
	if req.Target == nil || req.Source == nil {
		return nil, fmt.Errorf("%w: merge needs a target and a source repository", vcs.ErrInvalidArgument)
	}
	if strings.TrimSpace(req.WorkspaceID) == "" {
		return nil, fmt.Errorf("%w: workspace id is required", vcs.ErrInvalidArgument)
	}
	if req.DryRun {
		req.Identity = e.dryRun
	} else if strings.TrimSpace(req.Identity.Name) == "" || strings.TrimSpace(req.Identity.Email) == "" || strings.TrimSpace(req.Identity.Message) == "" {
		return nil, fmt.Errorf("%w: user name, email and message are required for a merge", vcs.ErrInvalidArgument)
	}

	backend := string(req.Target.Alias())
	ctx, span := e.tracer.Start(ctx, "merge.Merge", trace.WithAttributes(
		attribute.String("vcs.backend", backend),
		attribute.Int64("vcs.repo_id", req.RepoID),
		attribute.String("vcs.workspace", req.WorkspaceID),
		attribute.Bool("vcs.dry_run", req.DryRun),
	))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			resp = unknown(fmt.Errorf("merge panicked: %v", r))
			err = nil
		}
		e.metrics.merges.WithLabelValues(backend, mode(req.DryRun), resp.FailureReason.String()).Inc()
		e.metrics.duration.WithLabelValues(backend, mode(req.DryRun)).Observe(time.Since(start).Seconds())
		span.SetAttributes(
			attribute.String("vcs.merge_failure_reason", resp.FailureReason.String()),
			attribute.Bool("vcs.merge_executed", resp.Executed),
		)
		if resp.FailureReason == vcs.MergeUnknown {
			span.SetStatus(codes.Error, fmt.Sprint(resp.Metadata["exception"]))
		}
		span.End()
	}()

	if locked := CheckLock(req.Lock); locked != nil {
		e.logger.Info("merge refused, target locked",
			"repo_id", req.RepoID, "workspace", req.WorkspaceID, "locked_by", locked.Metadata["locked_by"])
		return locked, nil
	}

	resp, mergeErr := e.merge(ctx, req)
	if errors.Is(mergeErr, vcs.ErrUnsupported) {
		e.logger.Info("merge refused, backend has no server side merges",
			"repo_id", req.RepoID, "backend", backend, "error", mergeErr)
		return vcs.NewMergeResponse(false, false, nil, vcs.MergeFailed, map[string]any{
			"unresolved_files": []string{},
			"exception":        mergeErr.Error(),
		}), nil
	}
	if mergeErr != nil {
		e.logger.Error("merge failed unexpectedly",
			"repo_id", req.RepoID, "workspace", req.WorkspaceID, "error", mergeErr)
		span.RecordError(mergeErr)
		return unknown(mergeErr), nil
	}
	e.logger.Info("merge evaluated",
		"repo_id", req.RepoID,
		"workspace", req.WorkspaceID,
		"dry_run", req.DryRun,
		"possible", resp.Possible,
		"executed", resp.Executed,
		"reason", resp.FailureReason.String())
	return resp, nil
}

func unknown(err error) *vcs.MergeResponse {
	return vcs.NewMergeResponse(false, false, nil, vcs.MergeUnknown, map[string]any{"exception": err.Error()})
}

func isMissingRef(err error) bool {
	return errors.Is(err, vcs.ErrCommitDoesNotExist) ||
		errors.Is(err, vcs.ErrBranchDoesNotExist) ||
		errors.Is(err, vcs.ErrTagDoesNotExist)
}

func (e *Engine) merge(ctx context.Context, req Request) (*vcs.MergeResponse, error) {
	targetID, err := req.Target.ResolveRef(ctx, req.TargetRef)
	if isMissingRef(err) {
		return vcs.NewMergeResponse(false, false, nil, vcs.MergeMissingTargetRef,
			map[string]any{"target_ref": req.TargetRef}), nil
	}
	if err != nil {
		return nil, err
	}
	if req.TargetRef.Type.Movable() && req.TargetRef.CommitID != "" && req.TargetRef.CommitID != targetID {
		return vcs.NewMergeResponse(false, false, nil, vcs.MergeTargetIsNotHead,
			map[string]any{"target_ref": req.TargetRef}), nil
	}
	target := req.TargetRef.WithCommit(targetID)

	sourceID, err := req.Source.ResolveRef(ctx, req.SourceRef)
	if isMissingRef(err) {
		return vcs.NewMergeResponse(false, false, nil, vcs.MergeMissingSourceRef,
			map[string]any{"source_ref": req.SourceRef}), nil
	}
	if err != nil {
		return nil, err
	}
	source := req.SourceRef.WithCommit(sourceID)

	reason, metadata, err := req.Target.CheckMergePreconditions(ctx, target, source, req.Source)
	if err != nil {
		return nil, err
	}
	if reason != vcs.MergeNone {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["target_ref"] = target
		metadata["source_ref"] = source
		return vcs.NewMergeResponse(false, false, nil, reason, metadata), nil
	}

	ws := e.WorkspacePath(req.Target.Path(), req.RepoID, req.WorkspaceID)
	if err := req.Target.PrepareWorkspace(ctx, ws, target); err != nil {
		return nil, err
	}
	res, err := req.Target.MergeInWorkspace(ctx, ws, vcs.WorkspaceMerge{
		Target:      target,
		SourcePath:  req.Source.Path(),
		Source:      source,
		UserName:    req.Identity.Name,
		UserEmail:   req.Identity.Email,
		Message:     req.Identity.Message,
		DryRun:      req.DryRun,
		UseRebase:   req.UseRebase,
		CloseBranch: req.CloseBranch,
	})
	if err != nil {
		return nil, err
	}
	if failed := classifyConflicts(res); failed != nil {
		return failed, nil
	}

	mergeRef := &vcs.Reference{Type: vcs.RefRev, Name: target.Name, CommitID: res.MergeCommitID}
	if req.DryRun {
		return vcs.NewMergeResponse(true, false, mergeRef, vcs.MergeNone, nil), nil
	}
	if err := req.Target.PushFromWorkspace(ctx, ws, res.MergeCommitID, target); err != nil {
		e.logger.Warn("merge push failed",
			"repo_id", req.RepoID, "target", target.Name, "merge_commit", res.MergeCommitID, "error", err)
		return vcs.NewMergeResponse(true, false, mergeRef, vcs.MergePushFailed, map[string]any{
			"target":       target.Name,
			"merge_commit": res.MergeCommitID,
			"exception":    err.Error(),
		}), nil
	}
	return vcs.NewMergeResponse(true, true, mergeRef, vcs.MergeNone, nil), nil
}

// classifyConflicts returns the failed response for a merge that left
// unresolved files. Conflicts confined to subrepositories are reported as
// SUBREPO_MERGE_FAILED; the split is only as precise as the backend's
// conflict report.
func classifyConflicts(res *vcs.WorkspaceMergeResult) *vcs.MergeResponse {
	switch {
	case len(res.Conflicts) > 0:
		files := append([]string(nil), res.Conflicts...)
		files = append(files, res.SubrepoConflicts...)
		return vcs.NewMergeResponse(false, false, nil, vcs.MergeFailed, map[string]any{"unresolved_files": files})
	case len(res.SubrepoConflicts) > 0:
		return vcs.NewMergeResponse(false, false, nil, vcs.MergeSubrepoMergeFailed,
			map[string]any{"unresolved_files": append([]string(nil), res.SubrepoConflicts...)})
	case res.MergeCommitID == "":
		return vcs.NewMergeResponse(false, false, nil, vcs.MergeFailed,
			map[string]any{"unresolved_files": []string{}})
	}
	return nil
}

// CleanupWorkspace removes the shadow workspace of (repoID, workspaceID).
// It is safe to call repeatedly and for workspaces that never existed.
func (e *Engine) CleanupWorkspace(ctx context.Context, target vcs.Merger, repoID int64, workspaceID string) error {
	ctx, span := e.tracer.Start(ctx, "merge.CleanupWorkspace", trace.WithAttributes(
		attribute.Int64("vcs.repo_id", repoID),
		attribute.String("vcs.workspace", workspaceID),
	))
	defer span.End()

	ws := e.WorkspacePath(target.Path(), repoID, workspaceID)
	if err := target.CleanupWorkspace(ctx, ws); err != nil {
		e.metrics.cleanups.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	e.metrics.cleanups.WithLabelValues("ok").Inc()
	return nil
}
