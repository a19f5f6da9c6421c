package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/vcshub/internal/database"
	"github.com/odvcencio/vcshub/internal/models"
	"github.com/odvcencio/vcshub/internal/vcs"
)

func TestQueueEnqueueClaimAndComplete(t *testing.T) {
	db, prID := setupQueueTestDB(t)
	q := NewQueue(db, QueueOptions{MaxAttempts: 2})

	ctx := context.Background()
	job, err := q.Enqueue(ctx, prID)
	if err != nil {
		t.Fatal(err)
	}
	if job.ID == 0 {
		t.Fatal("expected persisted job id")
	}
	if job.Status != models.JobQueued {
		t.Fatalf("expected queued status, got %q", job.Status)
	}
	if job.Kind != models.JobKindPullRequestUpdate {
		t.Fatalf("expected default kind, got %q", job.Kind)
	}

	claimed, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil {
		t.Fatal("expected claimed job")
	}
	if claimed.ID != job.ID {
		t.Fatalf("expected claimed id %d, got %d", job.ID, claimed.ID)
	}
	if claimed.Status != models.JobInProgress {
		t.Fatalf("expected in_progress status, got %q", claimed.Status)
	}

	if err := q.Complete(ctx, claimed.ID); err != nil {
		t.Fatal(err)
	}
	status, err := q.Status(ctx, prID)
	if err != nil {
		t.Fatal(err)
	}
	if status == nil || status.Status != models.JobCompleted {
		t.Fatalf("expected completed status, got %+v", status)
	}
}

func TestQueueRejectsMissingPullRequest(t *testing.T) {
	db, _ := setupQueueTestDB(t)
	q := NewQueue(db, QueueOptions{})
	if _, err := q.Enqueue(context.Background(), 0); err == nil {
		t.Fatal("expected error for zero pull request id")
	}
	status, err := q.Status(context.Background(), 999)
	if err != nil {
		t.Fatal(err)
	}
	if status != nil {
		t.Fatalf("expected nil status for unknown pull request, got %+v", status)
	}
}

func TestQueueRetryOrFailTransitions(t *testing.T) {
	db, prID := setupQueueTestDB(t)
	q := NewQueue(db, QueueOptions{RetryDelay: 5 * time.Millisecond, MaxAttempts: 2})

	ctx := context.Background()
	if _, err := q.Enqueue(ctx, prID); err != nil {
		t.Fatal(err)
	}

	first, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first == nil {
		t.Fatal("expected first claim")
	}
	if err := q.RetryOrFail(ctx, first, errors.New("temporary")); err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)
	second, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second == nil {
		t.Fatal("expected second claim after retry delay")
	}
	if second.AttemptCount != 2 {
		t.Fatalf("expected attempt_count 2, got %d", second.AttemptCount)
	}
	if err := q.RetryOrFail(ctx, second, errors.New("terminal")); err != nil {
		t.Fatal(err)
	}

	status, err := q.Status(ctx, prID)
	if err != nil {
		t.Fatal(err)
	}
	if status == nil {
		t.Fatal("expected persisted status")
	}
	if status.Status != models.JobFailed {
		t.Fatalf("expected failed status, got %q", status.Status)
	}
	if status.LastError != "terminal" {
		t.Fatalf("expected terminal error message, got %q", status.LastError)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 {
		t.Fatalf("failed jobs = %d, want 1", stats.Failed)
	}
}

func setupQueueTestDB(t *testing.T) (database.DB, int64) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.OpenSQLite(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	user := &models.User{Username: "queue-owner", Email: "queue-owner@example.com"}
	if err := db.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}
	repo := &models.Repository{
		Name:        "queue-repo",
		Alias:       vcs.AliasGit,
		StoragePath: "queue-repo.git",
	}
	if err := db.CreateRepository(ctx, repo); err != nil {
		t.Fatal(err)
	}
	pr := &models.PullRequest{
		Title:        "queue",
		AuthorID:     user.ID,
		SourceRepoID: repo.ID,
		TargetRepoID: repo.ID,
		SourceRef:    "branch:feature:b",
		TargetRef:    "branch:master:a",
	}
	if err := db.CreatePullRequest(ctx, pr); err != nil {
		t.Fatal(err)
	}

	return db, pr.ID
}
