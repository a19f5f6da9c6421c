package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/odvcencio/vcshub/internal/models"
	"github.com/odvcencio/vcshub/internal/vcs"
)

func openSQLiteTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestSQLiteMigrateIsRepeatable(t *testing.T) {
	db := openSQLiteTestDB(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, openSQLiteTestDB(t))
}

func TestSQLiteJobLifecycle(t *testing.T) {
	exerciseJobs(t, openSQLiteTestDB(t))
}

func TestSQLiteConcurrentVersionNumbers(t *testing.T) {
	db := openSQLiteTestDB(t)
	ctx := context.Background()
	pr := seedPullRequest(t, db)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := &models.PullRequestVersion{PullRequestID: pr.ID, SourceRef: pr.SourceRef, TargetRef: pr.TargetRef}
			errs <- db.CreatePullRequestVersion(ctx, v)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("create version: %v", err)
		}
	}

	versions, err := db.ListPullRequestVersions(ctx, pr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != workers {
		t.Fatalf("versions = %d, want %d", len(versions), workers)
	}
	for i, v := range versions {
		if v.Version != i+1 {
			t.Fatalf("version[%d] = %d, want %d", i, v.Version, i+1)
		}
	}
}

func seedPullRequest(t *testing.T, db DB) *models.PullRequest {
	t.Helper()
	ctx := context.Background()
	user := &models.User{Username: "alice", Email: "alice@example.com"}
	if err := db.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}
	repo := &models.Repository{Name: "platform", Alias: vcs.AliasGit, StoragePath: "platform.git"}
	if err := db.CreateRepository(ctx, repo); err != nil {
		t.Fatal(err)
	}
	pr := &models.PullRequest{
		Title:        "Add feature",
		AuthorID:     user.ID,
		SourceRepoID: repo.ID,
		TargetRepoID: repo.ID,
		SourceRef:    "branch:feature:bbb",
		TargetRef:    "branch:master:aaa",
		Revisions:    []string{"b1", "b2"},
	}
	if err := db.CreatePullRequest(ctx, pr); err != nil {
		t.Fatal(err)
	}
	return pr
}

func exerciseStore(t *testing.T, db DB) {
	ctx := context.Background()
	pr := seedPullRequest(t, db)

	user, err := db.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetUserByID(ctx, user.ID+1000); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("missing user err = %v, want sql.ErrNoRows", err)
	}

	repo, err := db.GetRepositoryByName(ctx, "platform")
	if err != nil {
		t.Fatal(err)
	}
	if repo.Alias != vcs.AliasGit || repo.Lock() != nil {
		t.Fatalf("repository = %+v", repo)
	}
	if err := db.LockRepository(ctx, repo.ID, user.ID, "maintenance"); err != nil {
		t.Fatal(err)
	}
	locked, err := db.GetRepositoryByID(ctx, repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	lock := locked.Lock()
	if lock == nil || lock.UserID != user.ID || lock.Reason != "maintenance" || lock.LockedAt.IsZero() {
		t.Fatalf("lock = %+v", lock)
	}
	if err := db.UnlockRepository(ctx, repo.ID); err != nil {
		t.Fatal(err)
	}
	unlocked, err := db.GetRepositoryByID(ctx, repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if unlocked.Lock() != nil {
		t.Fatalf("expected unlocked repository, got %+v", unlocked.Lock())
	}
	if err := db.LockRepository(ctx, repo.ID+1000, user.ID, ""); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("lock missing repo err = %v", err)
	}
	repos, err := db.ListRepositories(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 1 {
		t.Fatalf("repositories = %d, want 1", len(repos))
	}

	got, err := db.GetPullRequest(ctx, pr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.PullRequestStateOpen || len(got.Revisions) != 2 || got.Revisions[1] != "b2" {
		t.Fatalf("pull request = %+v", got)
	}
	got.Revisions = []string{"b1", "b3"}
	got.LastMergeStatus = vcs.MergeFailed
	got.ShadowMergeRef = "branch:pr-merge:ccc"
	if err := db.UpdatePullRequest(ctx, got); err != nil {
		t.Fatal(err)
	}
	updated, err := db.GetPullRequest(ctx, pr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.LastMergeStatus != vcs.MergeFailed || updated.Revisions[1] != "b3" || updated.ShadowMergeRef == "" {
		t.Fatalf("updated pull request = %+v", updated)
	}

	open, err := db.ListOpenPullRequests(ctx, repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("open pull requests = %d, want 1", len(open))
	}
	updated.State = models.PullRequestStateClosed
	if err := db.UpdatePullRequest(ctx, updated); err != nil {
		t.Fatal(err)
	}
	open, err = db.ListOpenPullRequests(ctx, repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Fatalf("open pull requests after close = %d, want 0", len(open))
	}

	v1 := &models.PullRequestVersion{PullRequestID: pr.ID, SourceRef: pr.SourceRef, TargetRef: pr.TargetRef, Revisions: pr.Revisions}
	if err := db.CreatePullRequestVersion(ctx, v1); err != nil {
		t.Fatal(err)
	}
	v2 := &models.PullRequestVersion{PullRequestID: pr.ID, SourceRef: pr.SourceRef, TargetRef: pr.TargetRef}
	if err := db.CreatePullRequestVersion(ctx, v2); err != nil {
		t.Fatal(err)
	}
	if v1.Version != 1 || v2.Version != 2 {
		t.Fatalf("versions = %d,%d, want 1,2", v1.Version, v2.Version)
	}

	pr.MergeRev = "feedface"
	v3 := &models.PullRequestVersion{PullRequestID: pr.ID, SourceRef: pr.SourceRef, TargetRef: pr.TargetRef}
	if err := db.UpdatePullRequestWithVersion(ctx, pr, v3); err != nil {
		t.Fatal(err)
	}
	if v3.Version != 3 {
		t.Fatalf("version = %d, want 3", v3.Version)
	}
	if got, err := db.GetPullRequest(ctx, pr.ID); err != nil || got.MergeRev != "feedface" {
		t.Fatalf("pull request after versioned update = %+v, %v", got, err)
	}
	missing := *pr
	missing.ID = pr.ID + 1000
	orphan := &models.PullRequestVersion{PullRequestID: pr.ID, SourceRef: pr.SourceRef, TargetRef: pr.TargetRef}
	if err := db.UpdatePullRequestWithVersion(ctx, &missing, orphan); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("update of missing pull request err = %v, want sql.ErrNoRows", err)
	}
	if versions, err := db.ListPullRequestVersions(ctx, pr.ID); err != nil || len(versions) != 3 {
		t.Fatalf("versions after rolled back update = %d, %v; want 3", len(versions), err)
	}
	loadedVersion, err := db.GetPullRequestVersion(ctx, v1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loadedVersion.Revisions) != 2 {
		t.Fatalf("version revisions = %v", loadedVersion.Revisions)
	}

	comment := &models.Comment{
		PullRequestID: pr.ID,
		VersionID:     &v1.ID,
		AuthorID:      user.ID,
		Body:          "nit",
		FilePath:      "README",
		LineNo:        "n3",
	}
	if err := db.CreateComment(ctx, comment); err != nil {
		t.Fatal(err)
	}
	general := &models.Comment{PullRequestID: pr.ID, AuthorID: user.ID, Body: "looks good"}
	if err := db.CreateComment(ctx, general); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateCommentPosition(ctx, comment.ID, "n5", models.CommentDisplayStateOutdated); err != nil {
		t.Fatal(err)
	}
	comments, err := db.ListComments(ctx, pr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(comments) != 2 {
		t.Fatalf("comments = %d, want 2", len(comments))
	}
	if comments[0].LineNo != "n5" || !comments[0].Outdated() || comments[0].VersionID == nil || *comments[0].VersionID != v1.ID {
		t.Fatalf("inline comment = %+v", comments[0])
	}
	if comments[1].IsInline() || comments[1].VersionID != nil {
		t.Fatalf("general comment = %+v", comments[1])
	}
}

func exerciseJobs(t *testing.T, db DB) {
	ctx := context.Background()
	pr := seedPullRequest(t, db)
	kind := models.JobKindPullRequestUpdate

	job := &models.Job{Kind: kind, PullRequestID: pr.ID, MaxAttempts: 2}
	if err := db.EnqueueJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if job.ID == 0 || job.Status != models.JobQueued {
		t.Fatalf("enqueued job = %+v", job)
	}
	again := &models.Job{Kind: kind, PullRequestID: pr.ID, MaxAttempts: 2}
	if err := db.EnqueueJob(ctx, again); err != nil {
		t.Fatal(err)
	}
	if again.ID != job.ID {
		t.Fatalf("duplicate enqueue created job %d, want %d", again.ID, job.ID)
	}

	claimed, err := db.ClaimJob(ctx, kind)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.Status != models.JobInProgress || claimed.AttemptCount != 1 {
		t.Fatalf("claimed = %+v", claimed)
	}
	none, err := db.ClaimJob(ctx, kind)
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Fatalf("second claim returned %+v", none)
	}

	// A new update while running is not lost.
	if err := db.EnqueueJob(ctx, &models.Job{Kind: kind, PullRequestID: pr.ID, MaxAttempts: 2}); err != nil {
		t.Fatal(err)
	}
	if err := db.CompleteJob(ctx, claimed.ID, models.JobCompleted, ""); err != nil {
		t.Fatal(err)
	}
	rerun, err := db.GetJob(ctx, kind, pr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rerun.Status != models.JobQueued || rerun.Rerun || rerun.AttemptCount != 0 {
		t.Fatalf("rerun job = %+v", rerun)
	}

	claimed, err = db.ClaimJob(ctx, kind)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil {
		t.Fatal("expected rerun to be claimable")
	}
	if err := db.RequeueJob(ctx, claimed.ID, "boom", time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	claimed, err = db.ClaimJob(ctx, kind)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.AttemptCount != 2 {
		t.Fatalf("retry claim = %+v", claimed)
	}
	if err := db.RequeueJob(ctx, claimed.ID, "boom again", time.Now()); err != nil {
		t.Fatal(err)
	}
	failed, err := db.GetJob(ctx, kind, pr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != models.JobFailed || failed.LastError != "boom again" || failed.CompletedAt == nil {
		t.Fatalf("failed job = %+v", failed)
	}
	if err := db.CompleteJob(ctx, failed.ID, models.JobCompleted, ""); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("complete non-running job err = %v", err)
	}
	if err := db.CompleteJob(ctx, failed.ID, models.JobQueued, ""); err == nil {
		t.Fatal("expected non-terminal status to be rejected")
	}

	stats, err := db.JobQueueStats(ctx, kind)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 || stats.Queued != 0 || stats.InProgress != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	// Enqueueing after a terminal failure starts over.
	if err := db.EnqueueJob(ctx, &models.Job{Kind: kind, PullRequestID: pr.ID}); err != nil {
		t.Fatal(err)
	}
	revived, err := db.GetJob(ctx, kind, pr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if revived.Status != models.JobQueued || revived.AttemptCount != 0 || revived.LastError != "" {
		t.Fatalf("revived job = %+v", revived)
	}
}
