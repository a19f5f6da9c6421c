package models

import (
	"testing"
	"time"

	"github.com/odvcencio/vcshub/internal/vcs"
)

func TestIsPullRequestState(t *testing.T) {
	tests := []struct {
		name  string
		state string
		want  bool
	}{
		{name: "open", state: PullRequestStateOpen, want: true},
		{name: "closed", state: PullRequestStateClosed, want: true},
		{name: "merged", state: PullRequestStateMerged, want: true},
		{name: "empty", state: "", want: false},
		{name: "other", state: "ready", want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsPullRequestState(tc.state); got != tc.want {
				t.Fatalf("IsPullRequestState(%q) = %v, want %v", tc.state, got, tc.want)
			}
		})
	}
}

func TestRepositoryLock(t *testing.T) {
	var repo Repository
	if repo.Lock() != nil {
		t.Fatal("unlocked repository returned lock metadata")
	}

	user := int64(123)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo.LockedBy = &user
	repo.LockedAt = &at
	repo.LockReason = "release freeze"
	lock := repo.Lock()
	if lock == nil {
		t.Fatal("expected lock metadata")
	}
	if lock.UserID != 123 || !lock.LockedAt.Equal(at) || lock.Reason != "release freeze" {
		t.Fatalf("lock = %+v", lock)
	}
}

func TestPullRequestReferences(t *testing.T) {
	pr := &PullRequest{
		ID:        7,
		SourceRef: "branch:feature:abc",
		TargetRef: "bookmark:main:def",
	}
	src, err := pr.SourceReference()
	if err != nil {
		t.Fatal(err)
	}
	if src != (vcs.Reference{Type: vcs.RefBranch, Name: "feature", CommitID: "abc"}) {
		t.Fatalf("source = %+v", src)
	}
	tgt, err := pr.TargetReference()
	if err != nil {
		t.Fatal(err)
	}
	if tgt.Type != vcs.RefBookmark || tgt.Name != "main" {
		t.Fatalf("target = %+v", tgt)
	}
	if got := pr.WorkspaceID(); got != "pr-7" {
		t.Fatalf("WorkspaceID() = %q, want pr-7", got)
	}

	pr.TargetRef = "nonsense"
	if _, err := pr.TargetReference(); err == nil {
		t.Fatal("expected malformed reference error")
	}
}

func TestParseLineNo(t *testing.T) {
	tests := []struct {
		in      string
		side    byte
		line    int
		wantErr bool
	}{
		{in: "n12", side: 'n', line: 12},
		{in: "o4", side: 'o', line: 4},
		{in: "x4", wantErr: true},
		{in: "n", wantErr: true},
		{in: "n0", wantErr: true},
		{in: "nabc", wantErr: true},
	}
	for _, tc := range tests {
		side, line, err := ParseLineNo(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseLineNo(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseLineNo(%q): %v", tc.in, err)
		}
		if side != tc.side || line != tc.line {
			t.Fatalf("ParseLineNo(%q) = %c,%d", tc.in, side, line)
		}
		if got := FormatLineNo(side, line); got != tc.in {
			t.Fatalf("FormatLineNo = %q, want %q", got, tc.in)
		}
	}
}
