package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Node is a file staged in an in-memory commit.
type Node struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
	Mode    int64  `json:"mode"`
}

// CommitSpec is the wire form of an in-memory commit.
type CommitSpec struct {
	Parents []string  `json:"parents"`
	Branch  string    `json:"branch,omitempty"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
	Added   []Node    `json:"added"`
	Changed []Node    `json:"changed"`
	Removed []string  `json:"removed"`
}

// Committer is implemented by repositories that can create commits without
// a working copy.
type Committer interface {
	Repository
	CommitChanges(ctx context.Context, spec CommitSpec) (string, error)
}

// InMemoryCommit stages file changes and turns them into a commit.
type InMemoryCommit struct {
	repo    Committer
	added   []Node
	changed []Node
	removed []string
}

func NewInMemoryCommit(repo Committer) *InMemoryCommit {
	return &InMemoryCommit{repo: repo}
}

func (m *InMemoryCommit) staged(list []Node, path string) bool {
	for _, n := range list {
		if n.Path == path {
			return true
		}
	}
	return false
}

func (m *InMemoryCommit) isRemoved(path string) bool {
	for _, p := range m.removed {
		if p == path {
			return true
		}
	}
	return false
}

// Add stages new files.
func (m *InMemoryCommit) Add(nodes ...Node) error {
	for _, n := range nodes {
		if m.staged(m.added, n.Path) {
			return fmt.Errorf("%w: %s", ErrNodeAlreadyAdded, n.Path)
		}
		m.added = append(m.added, n)
	}
	return nil
}

// Change stages modified files.
func (m *InMemoryCommit) Change(nodes ...Node) error {
	for _, n := range nodes {
		if m.isRemoved(n.Path) {
			return fmt.Errorf("%w: %s", ErrNodeAlreadyRemoved, n.Path)
		}
		if m.staged(m.changed, n.Path) {
			return fmt.Errorf("%w: %s", ErrNodeAlreadyChanged, n.Path)
		}
		m.changed = append(m.changed, n)
	}
	return nil
}

// Remove stages deleted files.
func (m *InMemoryCommit) Remove(paths ...string) error {
	for _, p := range paths {
		if m.isRemoved(p) {
			return fmt.Errorf("%w: %s", ErrNodeAlreadyRemoved, p)
		}
		if m.staged(m.changed, p) {
			return fmt.Errorf("%w: %s", ErrNodeAlreadyChanged, p)
		}
		m.removed = append(m.removed, p)
	}
	return nil
}

// Reset drops everything staged.
func (m *InMemoryCommit) Reset() {
	m.added, m.changed, m.removed = nil, nil, nil
}

// Check validates the staged changes against parents.
func (m *InMemoryCommit) Check(ctx context.Context, parents []string) error {
	if len(m.added) == 0 && len(m.changed) == 0 && len(m.removed) == 0 {
		return fmt.Errorf("%w: nothing to commit", ErrCommit)
	}
	lookup := func(path string) ([]byte, bool, error) {
		for _, parent := range parents {
			if parent == "" || parent == EmptyCommitID {
				continue
			}
			data, err := m.repo.FileContent(ctx, parent, path)
			if err == nil {
				return data, true, nil
			}
			if !errors.Is(err, ErrNodeDoesNotExist) {
				return nil, false, err
			}
		}
		return nil, false, nil
	}
	for _, n := range m.added {
		_, ok, err := lookup(n.Path)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s", ErrNodeAlreadyExists, n.Path)
		}
	}
	for _, n := range m.changed {
		data, ok, err := lookup(n.Path)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNodeDoesNotExist, n.Path)
		}
		if bytes.Equal(data, n.Content) {
			return fmt.Errorf("%w: %s", ErrNodeNotChanged, n.Path)
		}
	}
	for _, p := range m.removed {
		_, ok, err := lookup(p)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNodeDoesNotExist, p)
		}
	}
	return nil
}

// Commit checks the staged changes and writes them on top of parents. With
// no parents the current tip of branch is used.
func (m *InMemoryCommit) Commit(ctx context.Context, message, author string, date time.Time, branch string, parents ...string) (*Commit, error) {
	if strings.TrimSpace(message) == "" || strings.TrimSpace(author) == "" {
		return nil, fmt.Errorf("%w: message and author are required", ErrInvalidArgument)
	}
	if len(parents) == 0 {
		empty, err := m.repo.IsEmpty(ctx)
		if err != nil {
			return nil, err
		}
		if !empty {
			tip, err := m.repo.GetCommit(ctx, CommitQuery{})
			if err != nil {
				return nil, err
			}
			parents = []string{tip.RawID}
		}
	}
	if err := m.Check(ctx, parents); err != nil {
		return nil, err
	}
	if date.IsZero() {
		date = time.Now()
	}
	id, err := m.repo.CommitChanges(ctx, CommitSpec{
		Parents: parents,
		Branch:  branch,
		Message: message,
		Author:  author,
		Date:    date,
		Added:   m.added,
		Changed: m.changed,
		Removed: m.removed,
	})
	if err != nil {
		return nil, err
	}
	m.Reset()
	return m.repo.GetCommit(ctx, CommitQuery{ID: id, PreLoad: AllCommitAttrs})
}
