package vcs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeCommitter struct {
	Repository
	trees   map[string]map[string][]byte
	order   []string
	commits []CommitSpec
}

func (f *fakeCommitter) FileContent(_ context.Context, commitID, path string) ([]byte, error) {
	data, ok := f.trees[commitID][path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeDoesNotExist, path)
	}
	return data, nil
}

func (f *fakeCommitter) IsEmpty(context.Context) (bool, error) { return len(f.order) == 0, nil }

func (f *fakeCommitter) GetCommit(_ context.Context, q CommitQuery) (*Commit, error) {
	id := q.ID
	if id == "" {
		if len(f.order) == 0 {
			return nil, ErrEmptyRepository
		}
		id = f.order[len(f.order)-1]
	}
	for i, known := range f.order {
		if known == id {
			return NewCommit(id, i), nil
		}
	}
	return nil, ErrCommitDoesNotExist
}

func (f *fakeCommitter) CommitChanges(_ context.Context, spec CommitSpec) (string, error) {
	tree := map[string][]byte{}
	if len(spec.Parents) > 0 {
		for k, v := range f.trees[spec.Parents[0]] {
			tree[k] = v
		}
	}
	for _, n := range spec.Added {
		tree[n.Path] = n.Content
	}
	for _, n := range spec.Changed {
		tree[n.Path] = n.Content
	}
	for _, p := range spec.Removed {
		delete(tree, p)
	}
	id := fmt.Sprintf("%040d", len(f.order)+1)
	f.trees[id] = tree
	f.order = append(f.order, id)
	f.commits = append(f.commits, spec)
	return id, nil
}

func TestInMemoryCommitIntegrity(t *testing.T) {
	ctx := context.Background()
	repo := &fakeCommitter{trees: map[string]map[string][]byte{}}
	imc := NewInMemoryCommit(repo)

	if err := imc.Add(Node{Path: "a.txt", Content: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	if err := imc.Add(Node{Path: "a.txt"}); !errors.Is(err, ErrNodeAlreadyAdded) {
		t.Fatalf("double add err = %v", err)
	}
	first, err := imc.Commit(ctx, "init", "Joe <joe@example.com>", time.Unix(1, 0), "")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if first.Idx != 0 {
		t.Fatalf("idx = %d", first.Idx)
	}

	if err := imc.Add(Node{Path: "a.txt", Content: []byte("again")}); err != nil {
		t.Fatal(err)
	}
	if _, err := imc.Commit(ctx, "dup", "Joe", time.Time{}, ""); !errors.Is(err, ErrNodeAlreadyExists) {
		t.Fatalf("existing add err = %v", err)
	}
	imc.Reset()

	if err := imc.Change(Node{Path: "a.txt", Content: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	if _, err := imc.Commit(ctx, "noop", "Joe", time.Time{}, ""); !errors.Is(err, ErrNodeNotChanged) {
		t.Fatalf("unchanged err = %v", err)
	}
	imc.Reset()

	if err := imc.Change(Node{Path: "missing.txt", Content: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if _, err := imc.Commit(ctx, "missing", "Joe", time.Time{}, ""); !errors.Is(err, ErrNodeDoesNotExist) {
		t.Fatalf("missing err = %v", err)
	}
	imc.Reset()

	if err := imc.Remove("a.txt"); err != nil {
		t.Fatal(err)
	}
	if err := imc.Remove("a.txt"); !errors.Is(err, ErrNodeAlreadyRemoved) {
		t.Fatalf("double remove err = %v", err)
	}
	if err := imc.Change(Node{Path: "a.txt"}); !errors.Is(err, ErrNodeAlreadyRemoved) {
		t.Fatalf("change removed err = %v", err)
	}
	second, err := imc.Commit(ctx, "remove", "Joe", time.Time{}, "")
	if err != nil {
		t.Fatalf("remove commit: %v", err)
	}
	if second.Idx != 1 || repo.commits[1].Parents[0] != first.RawID {
		t.Fatalf("second commit = %+v, spec = %+v", second, repo.commits[1])
	}
	if _, err := imc.Commit(ctx, "empty", "Joe", time.Time{}, ""); !errors.Is(err, ErrCommit) {
		t.Fatalf("empty commit err = %v", err)
	}
}
