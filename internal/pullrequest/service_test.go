package pullrequest

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/vcshub/internal/backends"
	"github.com/odvcencio/vcshub/internal/database"
	"github.com/odvcencio/vcshub/internal/hooks"
	"github.com/odvcencio/vcshub/internal/jobs"
	"github.com/odvcencio/vcshub/internal/merge"
	"github.com/odvcencio/vcshub/internal/models"
	"github.com/odvcencio/vcshub/internal/vcs"
	"github.com/odvcencio/vcshub/internal/vcsserver"
)

type fixture struct {
	db     *database.SQLiteDB
	svc    *Service
	repo   *backends.Repository
	row    *models.Repository
	user   *models.User
	when   time.Time
	pushes []vcs.HookExtras
	pushMu sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	dir := t.TempDir()

	db, err := database.OpenSQLite(filepath.Join(dir, "vcshub.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	f := &fixture{db: db, when: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	handler := hooks.NewHandler(nil)
	handler.Register(vcs.HookPostPush, func(_ context.Context, extras vcs.HookExtras) (vcs.HookResult, error) {
		f.pushMu.Lock()
		defer f.pushMu.Unlock()
		f.pushes = append(f.pushes, extras)
		return vcs.HookResult{}, nil
	})
	srv := vcsserver.New(vcsserver.Options{Hooks: handler, Registerer: prometheus.NewRegistry()})
	dialer := vcsserver.NewLocalDialer(srv)

	reposRoot := filepath.Join(dir, "repos")
	f.repo, err = backends.Open(ctx, dialer.Open(vcs.AliasGit, filepath.Join(reposRoot, "app.git"), nil), backends.Options{Name: "app", Create: true, Bare: true})
	if err != nil {
		t.Fatalf("create repository: %v", err)
	}

	f.user = &models.User{Username: "alice", Email: "alice@example.com"}
	if err := db.CreateUser(ctx, f.user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	f.row = &models.Repository{Name: "app", Alias: vcs.AliasGit, StoragePath: "app.git"}
	if err := db.CreateRepository(ctx, f.row); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}

	opener := backends.NewOpener(dialer, backends.OpenerOptions{Root: reposRoot})
	engine := merge.NewEngine(merge.Options{ShadowRoot: filepath.Join(dir, "shadow"), Registerer: prometheus.NewRegistry()})
	queue := jobs.NewQueue(db, jobs.QueueOptions{Kind: models.JobKindPullRequestUpdate})
	f.svc = NewService(db, opener, engine, Options{Queue: queue})
	return f
}

func (f *fixture) commit(t *testing.T, branch, message string, parent string, change func(*vcs.InMemoryCommit) error) *vcs.Commit {
	t.Helper()
	imc := f.repo.InMemoryCommit()
	if err := change(imc); err != nil {
		t.Fatalf("stage %s: %v", message, err)
	}
	f.when = f.when.Add(time.Minute)
	var parents []string
	if parent != "" {
		parents = append(parents, parent)
	}
	c, err := imc.Commit(context.Background(), message, "Dev <dev@example.com>", f.when, branch, parents...)
	if err != nil {
		t.Fatalf("commit %s: %v", message, err)
	}
	return c
}

func file(path, content string) vcs.Node {
	return vcs.Node{Path: path, Content: []byte(content), Mode: 0o100644}
}

func TestPullRequestLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := f.commit(t, "master", "a", "", func(m *vcs.InMemoryCommit) error {
		return m.Add(file("README", "base\n"))
	})
	b := f.commit(t, "feature", "b", base.RawID, func(m *vcs.InMemoryCommit) error {
		return m.Add(file("file_b", "b\n"))
	})

	pr, err := f.svc.Create(ctx, CreateRequest{
		Title:        "Add file_b",
		AuthorID:     f.user.ID,
		SourceRepoID: f.row.ID,
		SourceRef:    vcs.Reference{Type: vcs.RefBranch, Name: "feature"},
		TargetRepoID: f.row.ID,
		TargetRef:    vcs.Reference{Type: vcs.RefBranch, Name: "master"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !reflect.DeepEqual(pr.Revisions, []string{b.RawID}) {
		t.Fatalf("revisions = %v, want [%s]", pr.Revisions, b.RawID)
	}
	if pr.SourceRef != "branch:feature:"+b.RawID {
		t.Fatalf("source ref = %q", pr.SourceRef)
	}

	res, err := f.svc.UpdateCommits(ctx, pr.ID)
	if err != nil {
		t.Fatalf("UpdateCommits: %v", err)
	}
	if res.Executed || res.Reason != vcs.UpdateNoChange {
		t.Fatalf("update without changes = %+v", res)
	}

	// add file_c and revert it again
	c1 := f.commit(t, "feature", "c", b.RawID, func(m *vcs.InMemoryCommit) error {
		return m.Add(file("file_c", "c\n"))
	})
	c2 := f.commit(t, "feature", "revert c", c1.RawID, func(m *vcs.InMemoryCommit) error {
		return m.Remove("file_c")
	})

	res, err = f.svc.UpdateCommits(ctx, pr.ID)
	if err != nil {
		t.Fatalf("UpdateCommits: %v", err)
	}
	if !res.Executed || res.Reason != vcs.UpdateNone {
		t.Fatalf("update = %+v (%s)", res, res.Message())
	}
	if !res.SourceChanged || res.TargetChanged {
		t.Fatalf("changed source=%t target=%t", res.SourceChanged, res.TargetChanged)
	}
	if !reflect.DeepEqual(res.Commits.Added, []string{c1.RawID, c2.RawID}) {
		t.Fatalf("added commits = %v", res.Commits.Added)
	}
	if !reflect.DeepEqual(res.Commits.Common, []string{b.RawID}) || len(res.Commits.Removed) != 0 {
		t.Fatalf("commit changes = %+v", res.Commits)
	}
	if !res.Files.IsEmpty() {
		t.Fatalf("file changes = %+v, want none", res.Files)
	}
	if res.CommonAncestor != base.RawID {
		t.Fatalf("ancestor = %s, want %s", res.CommonAncestor, base.RawID)
	}
	if res.Version == nil || res.Version.Version != 1 || res.Version.SourceRef != "branch:feature:"+b.RawID {
		t.Fatalf("version = %+v", res.Version)
	}
	versions, err := f.db.ListPullRequestVersions(ctx, pr.ID)
	if err != nil || len(versions) != 1 {
		t.Fatalf("versions = %v, %v", versions, err)
	}

	if err := f.db.LockRepository(ctx, f.row.ID, f.user.ID, "release freeze"); err != nil {
		t.Fatalf("LockRepository: %v", err)
	}
	ok, msg, err := f.svc.MergeStatus(ctx, pr.ID)
	if err != nil {
		t.Fatalf("MergeStatus: %v", err)
	}
	if ok || !strings.Contains(msg, "locked by user:") {
		t.Fatalf("locked status = %t %q", ok, msg)
	}
	if err := f.db.UnlockRepository(ctx, f.row.ID); err != nil {
		t.Fatalf("UnlockRepository: %v", err)
	}

	ok, msg, err = f.svc.MergeStatus(ctx, pr.ID)
	if err != nil {
		t.Fatalf("MergeStatus: %v", err)
	}
	if !ok {
		t.Fatalf("merge status = %q", msg)
	}
	stored, _ := f.db.GetPullRequest(ctx, pr.ID)
	if stored.ShadowMergeRef == "" || stored.LastMergeSourceRev != c2.RawID || stored.LastMergeTargetRev != base.RawID {
		t.Fatalf("merge state not recorded: %+v", stored)
	}

	resp, err := f.svc.Merge(ctx, pr.ID, f.user.ID)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !resp.Executed {
		t.Fatalf("merge = %+v (%s)", resp, resp.Message())
	}
	merged, _ := f.db.GetPullRequest(ctx, pr.ID)
	if merged.State != models.PullRequestStateMerged || merged.MergeRev != resp.MergeRef.CommitID {
		t.Fatalf("merged pull request = %+v", merged)
	}
	master, err := f.repo.ResolveRef(ctx, vcs.Reference{Type: vcs.RefBranch, Name: "master"})
	if err != nil || master != merged.MergeRev {
		t.Fatalf("master = %s (%v), want %s", master, err, merged.MergeRev)
	}
	mergeCommit, err := f.repo.GetCommit(ctx, vcs.CommitQuery{ID: master, PreLoad: []vcs.CommitAttr{vcs.AttrMessage}})
	if err != nil {
		t.Fatalf("GetCommit: %v", err)
	}
	if !strings.HasPrefix(mergeCommit.Message, "Merge pull request !") {
		t.Fatalf("merge message = %q", mergeCommit.Message)
	}

	f.pushMu.Lock()
	pushes := append([]vcs.HookExtras(nil), f.pushes...)
	f.pushMu.Unlock()
	if len(pushes) != 1 || pushes[0].Username != "alice" || pushes[0].Repository != "app" {
		t.Fatalf("post push hooks = %+v", pushes)
	}

	ok, msg, err = f.svc.MergeStatus(ctx, pr.ID)
	if err != nil || ok || msg != "This pull request is closed." {
		t.Fatalf("status after merge = %t %q %v", ok, msg, err)
	}
	if _, err := f.svc.UpdateCommits(ctx, pr.ID); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("update of merged pull request err = %v", err)
	}
	if err := f.svc.ProcessJob(ctx, &models.Job{PullRequestID: pr.ID}); err != nil {
		t.Fatalf("ProcessJob on merged pull request: %v", err)
	}
}

func TestUpdateCommitsRefusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := f.commit(t, "master", "a", "", func(m *vcs.InMemoryCommit) error {
		return m.Add(file("README", "base\n"))
	})
	b := f.commit(t, "feature", "b", base.RawID, func(m *vcs.InMemoryCommit) error {
		return m.Add(file("file_b", "b\n"))
	})

	insert := func(source, target string) *models.PullRequest {
		t.Helper()
		pr := &models.PullRequest{
			Title:        "pr",
			State:        models.PullRequestStateOpen,
			AuthorID:     f.user.ID,
			SourceRepoID: f.row.ID,
			TargetRepoID: f.row.ID,
			SourceRef:    source,
			TargetRef:    target,
			Revisions:    []string{b.RawID},
		}
		if err := f.db.CreatePullRequest(ctx, pr); err != nil {
			t.Fatalf("CreatePullRequest: %v", err)
		}
		return pr
	}

	tests := []struct {
		name   string
		source string
		target string
		want   vcs.UpdateFailureReason
	}{
		{"rev source", "rev:" + b.RawID + ":" + b.RawID, "branch:master:" + base.RawID, vcs.UpdateWrongRefType},
		{"missing source", "branch:gone:" + b.RawID, "branch:master:" + base.RawID, vcs.UpdateMissingSourceRef},
		{"missing target", "branch:feature:" + b.RawID, "branch:gone:" + base.RawID, vcs.UpdateMissingTargetRef},
		{"no change", "branch:feature:" + b.RawID, "branch:master:" + base.RawID, vcs.UpdateNoChange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pr := insert(tt.source, tt.target)
			res, err := f.svc.UpdateCommits(ctx, pr.ID)
			if err != nil {
				t.Fatalf("UpdateCommits: %v", err)
			}
			if res.Executed || res.Reason != tt.want {
				t.Fatalf("result = %+v, want %s", res, tt.want)
			}
		})
	}
}

func TestUpdateCommitsFailureKeepsNoVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := f.commit(t, "master", "a", "", func(m *vcs.InMemoryCommit) error {
		return m.Add(file("README", "base\n"))
	})
	b := f.commit(t, "feature", "b", base.RawID, func(m *vcs.InMemoryCommit) error {
		return m.Add(file("file_b", "b\n"))
	})

	// a pinned target that no longer exists makes the comparison fail
	gone := strings.Repeat("d", 40)
	pr := &models.PullRequest{
		Title:        "pr",
		State:        models.PullRequestStateOpen,
		AuthorID:     f.user.ID,
		SourceRepoID: f.row.ID,
		TargetRepoID: f.row.ID,
		SourceRef:    "branch:feature:" + base.RawID,
		TargetRef:    "rev:" + gone + ":" + gone,
		Revisions:    []string{base.RawID},
	}
	if err := f.db.CreatePullRequest(ctx, pr); err != nil {
		t.Fatalf("CreatePullRequest: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := f.svc.UpdateCommits(ctx, pr.ID); err == nil {
			t.Fatalf("UpdateCommits attempt %d succeeded against a missing target", attempt)
		}
	}
	versions, err := f.db.ListPullRequestVersions(ctx, pr.ID)
	if err != nil {
		t.Fatalf("ListPullRequestVersions: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("versions = %d after failed updates, want 0", len(versions))
	}
	stored, err := f.db.GetPullRequest(ctx, pr.ID)
	if err != nil {
		t.Fatalf("GetPullRequest: %v", err)
	}
	if stored.SourceRef != pr.SourceRef || strings.Contains(stored.SourceRef, b.RawID) {
		t.Fatalf("source ref = %q, want unchanged", stored.SourceRef)
	}
}

func TestUpdateCommitsOutdatesComments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var body strings.Builder
	for i := 1; i <= 20; i++ {
		body.WriteString("line " + strconv.Itoa(i) + "\n")
	}
	base := f.commit(t, "master", "a", "", func(m *vcs.InMemoryCommit) error {
		return m.Add(file("main.txt", body.String()))
	})
	changed := strings.Replace(body.String(), "line 10\n", "line 10 edited\n", 1)
	b := f.commit(t, "feature", "edit", base.RawID, func(m *vcs.InMemoryCommit) error {
		return m.Change(file("main.txt", changed))
	})

	pr, err := f.svc.Create(ctx, CreateRequest{
		Title:        "Edit line 10",
		AuthorID:     f.user.ID,
		SourceRepoID: f.row.ID,
		SourceRef:    vcs.Reference{Type: vcs.RefBranch, Name: "feature"},
		TargetRepoID: f.row.ID,
		TargetRef:    vcs.Reference{Type: vcs.RefBranch, Name: "master"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	comment := &models.Comment{PullRequestID: pr.ID, AuthorID: f.user.ID, Body: "why?", FilePath: "main.txt", LineNo: "n10"}
	if err := f.db.CreateComment(ctx, comment); err != nil {
		t.Fatalf("CreateComment: %v", err)
	}

	rewritten := strings.Replace(body.String(), "line 10\n", "line 10 rewritten\n", 1)
	f.commit(t, "feature", "rewrite", b.RawID, func(m *vcs.InMemoryCommit) error {
		return m.Change(file("main.txt", rewritten))
	})

	res, err := f.svc.UpdateCommits(ctx, pr.ID)
	if err != nil {
		t.Fatalf("UpdateCommits: %v", err)
	}
	if res.Outdated != 1 || res.Relocated != 0 {
		t.Fatalf("outdated=%d relocated=%d", res.Outdated, res.Relocated)
	}
	if !reflect.DeepEqual(res.Files.Modified, []string{"main.txt"}) {
		t.Fatalf("file changes = %+v", res.Files)
	}
	comments, err := f.db.ListComments(ctx, pr.ID)
	if err != nil || len(comments) != 1 || !comments[0].Outdated() {
		t.Fatalf("comments = %+v, %v", comments, err)
	}
}

func TestScheduleRepositoryUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := f.commit(t, "master", "a", "", func(m *vcs.InMemoryCommit) error {
		return m.Add(file("README", "base\n"))
	})
	f.commit(t, "feature", "b", base.RawID, func(m *vcs.InMemoryCommit) error {
		return m.Add(file("file_b", "b\n"))
	})
	pr, err := f.svc.Create(ctx, CreateRequest{
		Title:        "Add file_b",
		AuthorID:     f.user.ID,
		SourceRepoID: f.row.ID,
		SourceRef:    vcs.Reference{Type: vcs.RefBranch, Name: "feature"},
		TargetRepoID: f.row.ID,
		TargetRef:    vcs.Reference{Type: vcs.RefBranch, Name: "master"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := f.svc.ScheduleRepositoryUpdates(ctx, f.row.ID)
	if err != nil || n != 1 {
		t.Fatalf("ScheduleRepositoryUpdates = %d, %v", n, err)
	}
	job, err := f.db.GetJob(ctx, models.JobKindPullRequestUpdate, pr.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if err := f.svc.ProcessJob(ctx, job); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	if err := f.svc.Close(ctx, pr.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.svc.Close(ctx, pr.ID); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("second Close err = %v", err)
	}
	if n, err := f.svc.ScheduleRepositoryUpdates(ctx, f.row.ID); err != nil || n != 0 {
		t.Fatalf("ScheduleRepositoryUpdates after close = %d, %v", n, err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, "master", "a", "", func(m *vcs.InMemoryCommit) error {
		return m.Add(file("README", "base\n"))
	})

	req := CreateRequest{
		Title:        "same branch",
		SourceRepoID: f.row.ID,
		SourceRef:    vcs.Reference{Type: vcs.RefBranch, Name: "master"},
		TargetRepoID: f.row.ID,
		TargetRef:    vcs.Reference{Type: vcs.RefBranch, Name: "master"},
	}
	if _, err := f.svc.Create(ctx, req); !errors.Is(err, vcs.ErrInvalidArgument) {
		t.Fatalf("Create without commits err = %v", err)
	}
	req.Title = "  "
	if _, err := f.svc.Create(ctx, req); !errors.Is(err, vcs.ErrInvalidArgument) {
		t.Fatalf("Create without title err = %v", err)
	}
}
