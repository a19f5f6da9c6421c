// Package pullrequest keeps pull requests in step with their source and
// target repositories: it snapshots versions on update, works out what
// changed, relocates or outdates review comments and drives merges.
package pullrequest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/vcshub/internal/backends"
	"github.com/odvcencio/vcshub/internal/database"
	"github.com/odvcencio/vcshub/internal/jobs"
	"github.com/odvcencio/vcshub/internal/merge"
	"github.com/odvcencio/vcshub/internal/models"
	"github.com/odvcencio/vcshub/internal/vcs"
)

const tracerName = "github.com/odvcencio/vcshub/internal/pullrequest"

// ErrNotOpen is returned for operations that need an open pull request.
var ErrNotOpen = errors.New("pull request is not open")

type Service struct {
	db     database.DB
	repos  *backends.Opener
	engine *merge.Engine
	queue  *jobs.Queue
	logger *slog.Logger
	tracer trace.Tracer
}

type Options struct {
	// Queue receives update jobs. Without it updates only run inline.
	Queue  *jobs.Queue
	Logger *slog.Logger
}

func NewService(db database.DB, repos *backends.Opener, engine *merge.Engine, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:     db,
		repos:  repos,
		engine: engine,
		queue:  opts.Queue,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
}

// CreateRequest opens a pull request from SourceRef in the source
// repository into TargetRef in the target repository. Commit ids on the
// refs are ignored; both refs are resolved by name.
type CreateRequest struct {
	Title        string
	Description  string
	AuthorID     int64
	SourceRepoID int64
	SourceRef    vcs.Reference
	TargetRepoID int64
	TargetRef    vcs.Reference
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.PullRequest, error) {
	ctx, span := s.tracer.Start(ctx, "pullrequest.Create")
	defer span.End()

	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", vcs.ErrInvalidArgument)
	}
	if req.SourceRef.Name == "" || req.TargetRef.Name == "" {
		return nil, fmt.Errorf("%w: source and target references are required", vcs.ErrInvalidArgument)
	}
	sourceRow, err := s.db.GetRepositoryByID(ctx, req.SourceRepoID)
	if err != nil {
		return nil, fmt.Errorf("load source repository: %w", err)
	}
	targetRow, err := s.db.GetRepositoryByID(ctx, req.TargetRepoID)
	if err != nil {
		return nil, fmt.Errorf("load target repository: %w", err)
	}
	if sourceRow.Alias != targetRow.Alias {
		return nil, fmt.Errorf("%w: cannot open a pull request from %s into %s", vcs.ErrInvalidArgument, sourceRow.Alias, targetRow.Alias)
	}
	source, target, err := s.openPair(ctx, sourceRow, targetRow, "")
	if err != nil {
		return nil, err
	}

	sourceID, err := source.ResolveRef(ctx, req.SourceRef.WithCommit(""))
	if err != nil {
		return nil, fmt.Errorf("resolve source %s: %w", req.SourceRef.Name, err)
	}
	targetID, err := target.ResolveRef(ctx, req.TargetRef.WithCommit(""))
	if err != nil {
		return nil, fmt.Errorf("resolve target %s: %w", req.TargetRef.Name, err)
	}
	cmp, err := target.Compare(ctx, targetID, sourceID, source, false, nil)
	if err != nil {
		return nil, err
	}
	if len(cmp.Commits) == 0 {
		return nil, fmt.Errorf("%w: %s has no commits missing from %s", vcs.ErrInvalidArgument, req.SourceRef.Name, req.TargetRef.Name)
	}

	pr := &models.PullRequest{
		Title:        strings.TrimSpace(req.Title),
		Description:  req.Description,
		State:        models.PullRequestStateOpen,
		AuthorID:     req.AuthorID,
		SourceRepoID: sourceRow.ID,
		TargetRepoID: targetRow.ID,
		SourceRef:    req.SourceRef.WithCommit(sourceID).String(),
		TargetRef:    req.TargetRef.WithCommit(targetID).String(),
		Revisions:    commitIDs(cmp.Commits),
	}
	if err := s.db.CreatePullRequest(ctx, pr); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("pull_request.id", pr.ID))
	s.logger.Info("pull request created",
		"pull_request", pr.ID, "source", pr.SourceRef, "target", pr.TargetRef, "commits", len(pr.Revisions))
	return pr, nil
}

func commitIDs(commits []*vcs.Commit) []string {
	ids := make([]string, len(commits))
	for i, c := range commits {
		ids[i] = c.RawID
	}
	return ids
}

// load loads a pull request with its parsed references.
func (s *Service) load(ctx context.Context, prID int64) (*models.PullRequest, vcs.Reference, vcs.Reference, error) {
	pr, err := s.db.GetPullRequest(ctx, prID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, vcs.Reference{}, vcs.Reference{}, fmt.Errorf("pull request %d not found: %w", prID, err)
		}
		return nil, vcs.Reference{}, vcs.Reference{}, err
	}
	src, err := pr.SourceReference()
	if err != nil {
		return nil, vcs.Reference{}, vcs.Reference{}, err
	}
	tgt, err := pr.TargetReference()
	if err != nil {
		return nil, vcs.Reference{}, vcs.Reference{}, err
	}
	return pr, src, tgt, nil
}

func (s *Service) openPair(ctx context.Context, sourceRow, targetRow *models.Repository, username string) (*backends.Repository, *backends.Repository, error) {
	source, err := s.repos.OpenAs(ctx, sourceRow, username)
	if err != nil {
		return nil, nil, fmt.Errorf("open source repository %s: %w", sourceRow.Name, err)
	}
	if sourceRow.ID == targetRow.ID {
		return source, source, nil
	}
	target, err := s.repos.OpenAs(ctx, targetRow, username)
	if err != nil {
		return nil, nil, fmt.Errorf("open target repository %s: %w", targetRow.Name, err)
	}
	return source, target, nil
}

func (s *Service) openRepos(ctx context.Context, pr *models.PullRequest, username string) (*backends.Repository, *backends.Repository, *models.Repository, *models.Repository, error) {
	sourceRow, err := s.db.GetRepositoryByID(ctx, pr.SourceRepoID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load source repository: %w", err)
	}
	targetRow, err := s.db.GetRepositoryByID(ctx, pr.TargetRepoID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load target repository: %w", err)
	}
	source, target, err := s.openPair(ctx, sourceRow, targetRow, username)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return source, target, sourceRow, targetRow, nil
}

// UpdateResult describes one UpdateCommits call.
type UpdateResult struct {
	Executed       bool
	Reason         vcs.UpdateFailureReason
	Version        *models.PullRequestVersion
	CommonAncestor string
	Commits        CommitChanges
	Files          FileChanges
	SourceChanged  bool
	TargetChanged  bool
	Outdated       int
	Relocated      int
}

func (r *UpdateResult) Message() string { return r.Reason.Message() }

func notUpdated(reason vcs.UpdateFailureReason) *UpdateResult {
	return &UpdateResult{Reason: reason}
}

// updatableRefTypes are the source reference types an update can follow.
func updatable(t vcs.RefType) bool {
	return t == vcs.RefBranch || t == vcs.RefBookmark || t == vcs.RefTag
}

// UpdateCommits moves the pull request to the current heads of its source
// and target references. The previous state is kept as a new version.
// Expected outcomes are reported in the result; errors are unexpected.
func (s *Service) UpdateCommits(ctx context.Context, prID int64) (*UpdateResult, error) {
	ctx, span := s.tracer.Start(ctx, "pullrequest.UpdateCommits", trace.WithAttributes(attribute.Int64("pull_request.id", prID)))
	defer span.End()

	pr, src, tgt, err := s.load(ctx, prID)
	if err != nil {
		return nil, err
	}
	if pr.State != models.PullRequestStateOpen {
		return nil, fmt.Errorf("%w: pull request %d is %s", ErrNotOpen, pr.ID, pr.State)
	}
	if !updatable(src.Type) {
		return notUpdated(vcs.UpdateWrongRefType), nil
	}
	source, target, _, _, err := s.openRepos(ctx, pr, "")
	if err != nil {
		return nil, err
	}

	sourceID, err := source.ResolveRef(ctx, src.WithCommit(""))
	if backends.IsMissingRef(err) {
		return notUpdated(vcs.UpdateMissingSourceRef), nil
	} else if err != nil {
		return nil, err
	}
	targetID := tgt.CommitID
	if tgt.Type != vcs.RefRev {
		targetID, err = target.ResolveRef(ctx, tgt.WithCommit(""))
		if backends.IsMissingRef(err) {
			return notUpdated(vcs.UpdateMissingTargetRef), nil
		} else if err != nil {
			return nil, err
		}
	}

	res := &UpdateResult{
		SourceChanged: sourceID != src.CommitID,
		TargetChanged: targetID != tgt.CommitID,
	}
	if !res.SourceChanged && !res.TargetChanged {
		return notUpdated(vcs.UpdateNoChange), nil
	}

	cmp, err := target.Compare(ctx, targetID, sourceID, source, true, nil)
	if err != nil {
		return nil, err
	}

	version := &models.PullRequestVersion{
		PullRequestID: pr.ID,
		SourceRef:     pr.SourceRef,
		TargetRef:     pr.TargetRef,
		Revisions:     pr.Revisions,
		MergeRev:      pr.MergeRev,
	}
	oldRevisions := pr.Revisions
	pr.SourceRef = src.WithCommit(sourceID).String()
	pr.TargetRef = tgt.WithCommit(targetID).String()
	pr.Revisions = commitIDs(cmp.Commits)
	pr.LastMergeStatus = vcs.MergeNone
	pr.LastMergeSourceRev = ""
	pr.LastMergeTargetRev = ""
	pr.ShadowMergeRef = ""
	if err := s.db.UpdatePullRequestWithVersion(ctx, pr, version); err != nil {
		return nil, fmt.Errorf("update pull request %d: %w", pr.ID, err)
	}

	oldDiff, newDiff, err := s.GenerateUpdateDiffs(ctx, pr, version)
	if err != nil {
		return nil, err
	}
	if res.Outdated, res.Relocated, err = s.outdateComments(ctx, pr.ID, oldDiff, newDiff); err != nil {
		return nil, err
	}
	res.Commits = CalculateCommitIDChanges(oldRevisions, pr.Revisions)
	if res.Files, err = CalculateFileChanges(oldDiff, newDiff); err != nil {
		return nil, err
	}
	res.Executed = true
	res.Reason = vcs.UpdateNone
	res.Version = version
	res.CommonAncestor = cmp.Ancestor

	// the old workspace was staged against revisions that are gone
	if err := s.engine.CleanupWorkspace(ctx, target, pr.TargetRepoID, pr.WorkspaceID()); err != nil {
		s.logger.Warn("workspace cleanup after update failed", "pull_request", pr.ID, "error", err)
	}

	s.logger.Info("pull request updated",
		"pull_request", pr.ID,
		"version", version.Version,
		"added", len(res.Commits.Added),
		"removed", len(res.Commits.Removed),
		"outdated_comments", res.Outdated,
		"relocated_comments", res.Relocated)
	return res, nil
}

func (s *Service) outdateComments(ctx context.Context, prID int64, oldDiff, newDiff *vcs.Diff) (outdated, relocated int, err error) {
	comments, err := s.db.ListComments(ctx, prID)
	if err != nil {
		return 0, 0, err
	}
	updates, err := OutdateComments(comments, oldDiff, newDiff)
	if err != nil {
		return 0, 0, err
	}
	for _, u := range updates {
		if err := s.db.UpdateCommentPosition(ctx, u.CommentID, u.LineNo, u.DisplayState); err != nil {
			return outdated, relocated, fmt.Errorf("update comment %d: %w", u.CommentID, err)
		}
		if u.Outdated() {
			outdated++
		} else {
			relocated++
		}
	}
	return outdated, relocated, nil
}

// GenerateUpdateDiffs returns the pull request diff as captured by version
// and as it stands now, with enough context to relocate comments.
func (s *Service) GenerateUpdateDiffs(ctx context.Context, pr *models.PullRequest, version *models.PullRequestVersion) (*vcs.Diff, *vcs.Diff, error) {
	source, target, _, _, err := s.openRepos(ctx, pr, "")
	if err != nil {
		return nil, nil, err
	}
	oldSrc, err := version.SourceReference()
	if err != nil {
		return nil, nil, err
	}
	oldTgt, err := version.TargetReference()
	if err != nil {
		return nil, nil, err
	}
	newSrc, err := pr.SourceReference()
	if err != nil {
		return nil, nil, err
	}
	newTgt, err := pr.TargetReference()
	if err != nil {
		return nil, nil, err
	}
	oldDiff, err := pullRequestDiff(ctx, source, target, oldSrc.CommitID, oldTgt.CommitID)
	if err != nil {
		return nil, nil, fmt.Errorf("diff version %d: %w", version.Version, err)
	}
	newDiff, err := pullRequestDiff(ctx, source, target, newSrc.CommitID, newTgt.CommitID)
	if err != nil {
		return nil, nil, fmt.Errorf("diff pull request %d: %w", pr.ID, err)
	}
	return oldDiff, newDiff, nil
}

// pullRequestDiff is the diff from the merge base of the two commits to the
// source commit, taken in the source repository.
func pullRequestDiff(ctx context.Context, source, target vcs.Repository, sourceID, targetID string) (*vcs.Diff, error) {
	ancestor, err := target.GetCommonAncestor(ctx, targetID, sourceID, source)
	if err != nil {
		return nil, err
	}
	base := vcs.EmptyCommit()
	if ancestor != "" {
		if base, err = source.GetCommit(ctx, vcs.CommitQuery{ID: ancestor}); err != nil {
			return nil, err
		}
	}
	head, err := source.GetCommit(ctx, vcs.CommitQuery{ID: sourceID})
	if err != nil {
		return nil, err
	}
	if base.RawID == head.RawID {
		return &vcs.Diff{}, nil
	}
	return source.GetDiff(ctx, base, head, vcs.DiffOptions{Context: vcs.Lines(diffContext)})
}

// MergeStatus reports whether the pull request can be merged and the
// message to show. A locked target is refused before any workspace work.
// Clean results are cached until either side moves.
func (s *Service) MergeStatus(ctx context.Context, prID int64) (bool, string, error) {
	ctx, span := s.tracer.Start(ctx, "pullrequest.MergeStatus", trace.WithAttributes(attribute.Int64("pull_request.id", prID)))
	defer span.End()

	pr, src, tgt, err := s.load(ctx, prID)
	if err != nil {
		return false, "", err
	}
	if pr.State != models.PullRequestStateOpen {
		return false, "This pull request is closed.", nil
	}
	targetRow, err := s.db.GetRepositoryByID(ctx, pr.TargetRepoID)
	if err != nil {
		return false, "", fmt.Errorf("load target repository: %w", err)
	}
	if locked := merge.CheckLock(targetRow.Lock()); locked != nil {
		return false, locked.Message(), nil
	}

	source, target, _, _, err := s.openRepos(ctx, pr, "")
	if err != nil {
		return false, "", err
	}
	targetID, err := target.ResolveRef(ctx, tgt.WithCommit(""))
	if backends.IsMissingRef(err) {
		resp := vcs.NewMergeResponse(false, false, nil, vcs.MergeMissingTargetRef, map[string]any{"target_ref": tgt})
		return false, resp.Message(), nil
	} else if err != nil {
		return false, "", err
	}

	if pr.LastMergeStatus == vcs.MergeNone && pr.ShadowMergeRef != "" &&
		pr.LastMergeSourceRev == src.CommitID && pr.LastMergeTargetRev == targetID {
		return true, vcs.NewMergeResponse(true, false, nil, vcs.MergeNone, nil).Message(), nil
	}

	resp, err := s.engine.Merge(ctx, merge.Request{
		RepoID:      pr.TargetRepoID,
		WorkspaceID: pr.WorkspaceID(),
		Target:      target,
		TargetRef:   tgt.WithCommit(targetID),
		Source:      source,
		SourceRef:   src,
		DryRun:      true,
	})
	if err != nil {
		return false, "", err
	}
	pr.LastMergeStatus = resp.FailureReason
	pr.LastMergeSourceRev = src.CommitID
	pr.LastMergeTargetRev = targetID
	pr.ShadowMergeRef = ""
	if resp.MergeRef != nil {
		pr.ShadowMergeRef = resp.MergeRef.String()
	}
	if err := s.db.UpdatePullRequest(ctx, pr); err != nil {
		return false, "", err
	}
	return resp.Possible, resp.Message(), nil
}

// Merge merges the pull request as userID and marks it merged when the
// merge was pushed.
func (s *Service) Merge(ctx context.Context, prID, userID int64) (*vcs.MergeResponse, error) {
	ctx, span := s.tracer.Start(ctx, "pullrequest.Merge", trace.WithAttributes(attribute.Int64("pull_request.id", prID)))
	defer span.End()

	pr, src, tgt, err := s.load(ctx, prID)
	if err != nil {
		return nil, err
	}
	if pr.State != models.PullRequestStateOpen {
		return nil, fmt.Errorf("%w: pull request %d is %s", ErrNotOpen, pr.ID, pr.State)
	}
	user, err := s.db.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}
	source, target, sourceRow, targetRow, err := s.openRepos(ctx, pr, user.Username)
	if err != nil {
		return nil, err
	}

	targetRef := tgt
	if id, err := target.ResolveRef(ctx, tgt.WithCommit("")); err == nil {
		targetRef = tgt.WithCommit(id)
	} else if !backends.IsMissingRef(err) {
		return nil, err
	}
	resp, err := s.engine.Merge(ctx, merge.Request{
		RepoID:      targetRow.ID,
		WorkspaceID: pr.WorkspaceID(),
		Target:      target,
		TargetRef:   targetRef,
		Source:      source,
		SourceRef:   src,
		Lock:        targetRow.Lock(),
		Identity: merge.Identity{
			Name:    user.Username,
			Email:   user.Email,
			Message: fmt.Sprintf("Merge pull request !%d from %s %s\n\n%s", pr.ID, sourceRow.Name, src.Name, pr.Title),
		},
	})
	if err != nil {
		return nil, err
	}

	pr.LastMergeStatus = resp.FailureReason
	pr.LastMergeSourceRev = src.CommitID
	pr.LastMergeTargetRev = targetRef.CommitID
	if resp.Executed {
		pr.State = models.PullRequestStateMerged
		pr.MergeRev = resp.MergeRef.CommitID
		pr.ShadowMergeRef = ""
	}
	if err := s.db.UpdatePullRequest(ctx, pr); err != nil {
		return nil, err
	}
	if resp.Executed {
		s.logger.Info("pull request merged", "pull_request", pr.ID, "merge_rev", pr.MergeRev, "user", user.Username)
		s.cleanup(ctx, pr, target)
	} else {
		s.logger.Info("pull request merge refused", "pull_request", pr.ID, "reason", resp.FailureReason.String())
	}
	return resp, nil
}

// Close closes an open pull request and drops its merge workspace.
func (s *Service) Close(ctx context.Context, prID int64) error {
	pr, _, _, err := s.load(ctx, prID)
	if err != nil {
		return err
	}
	if pr.State != models.PullRequestStateOpen {
		return fmt.Errorf("%w: pull request %d is %s", ErrNotOpen, pr.ID, pr.State)
	}
	pr.State = models.PullRequestStateClosed
	if err := s.db.UpdatePullRequest(ctx, pr); err != nil {
		return err
	}
	targetRow, err := s.db.GetRepositoryByID(ctx, pr.TargetRepoID)
	if err != nil {
		return err
	}
	target, err := s.repos.Open(ctx, targetRow)
	if err != nil {
		s.logger.Warn("workspace cleanup skipped", "pull_request", pr.ID, "error", err)
		return nil
	}
	s.cleanup(ctx, pr, target)
	s.logger.Info("pull request closed", "pull_request", pr.ID)
	return nil
}

func (s *Service) cleanup(ctx context.Context, pr *models.PullRequest, target *backends.Repository) {
	if err := s.engine.CleanupWorkspace(ctx, target, pr.TargetRepoID, pr.WorkspaceID()); err != nil {
		s.logger.Warn("workspace cleanup failed", "pull_request", pr.ID, "error", err)
	}
}

// ScheduleUpdate queues an update of the pull request.
func (s *Service) ScheduleUpdate(ctx context.Context, prID int64) (*models.Job, error) {
	if s.queue == nil {
		return nil, errors.New("pull request update queue is not configured")
	}
	return s.queue.Enqueue(ctx, prID)
}

// ScheduleRepositoryUpdates queues an update for every open pull request
// that has repoID as its source or target.
func (s *Service) ScheduleRepositoryUpdates(ctx context.Context, repoID int64) (int, error) {
	prs, err := s.db.ListOpenPullRequests(ctx, repoID)
	if err != nil {
		return 0, err
	}
	for _, pr := range prs {
		if _, err := s.ScheduleUpdate(ctx, pr.ID); err != nil {
			return 0, fmt.Errorf("schedule update of pull request %d: %w", pr.ID, err)
		}
	}
	return len(prs), nil
}

// ProcessJob runs a queued update. Pull requests closed in the meantime
// are skipped.
func (s *Service) ProcessJob(ctx context.Context, job *models.Job) error {
	res, err := s.UpdateCommits(ctx, job.PullRequestID)
	if errors.Is(err, ErrNotOpen) {
		s.logger.Info("update skipped", "pull_request", job.PullRequestID, "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	if !res.Executed {
		s.logger.Debug("update not executed", "pull_request", job.PullRequestID, "reason", res.Reason.String())
	}
	return nil
}
