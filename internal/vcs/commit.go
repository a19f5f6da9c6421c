package vcs

import (
	"context"
	"time"
)

// CommitAttr names an attribute of a Commit that may be loaded on demand.
type CommitAttr string

const (
	AttrAuthor    CommitAttr = "author"
	AttrCommitter CommitAttr = "committer"
	AttrMessage   CommitAttr = "message"
	AttrDate      CommitAttr = "date"
	AttrBranch    CommitAttr = "branch"
	AttrParents   CommitAttr = "parents"
)

// AllCommitAttrs is the full set of loadable attributes.
var AllCommitAttrs = []CommitAttr{AttrAuthor, AttrCommitter, AttrMessage, AttrDate, AttrBranch, AttrParents}

// CommitAttributes is the wire form of a commit's loadable attributes. Only
// the fields named in Loaded carry data.
type CommitAttributes struct {
	Author    string       `json:"author,omitempty"`
	Committer string       `json:"committer,omitempty"`
	Message   string       `json:"message,omitempty"`
	Date      time.Time    `json:"date,omitempty"`
	Branch    string       `json:"branch,omitempty"`
	ParentIDs []string     `json:"parents,omitempty"`
	Loaded    []CommitAttr `json:"loaded"`
}

// Commit is an immutable snapshot of one commit. Attributes not listed in
// the pre-load hint are fetched through Repository.LoadCommitAttributes,
// which returns a new Commit.
type Commit struct {
	RawID     string
	Idx       int
	Branch    string
	ParentIDs []string
	Author    string
	Committer string
	Message   string
	Date      time.Time

	loaded map[CommitAttr]bool
}

// NewCommit returns a commit with no attributes loaded.
func NewCommit(rawID string, idx int) *Commit {
	return &Commit{RawID: rawID, Idx: idx, loaded: make(map[CommitAttr]bool)}
}

// EmptyCommit returns the sentinel commit of a repository without history.
func EmptyCommit() *Commit {
	c := NewCommit(EmptyCommitID, -1)
	for _, attr := range AllCommitAttrs {
		c.loaded[attr] = true
	}
	return c
}

// IsEmptyCommit reports whether c is the empty-repository sentinel.
func IsEmptyCommit(c *Commit) bool {
	return c == nil || c.RawID == EmptyCommitID
}

func (c *Commit) ShortID() string { return ShortID(c.RawID) }

// Loaded reports whether attr has been populated.
func (c *Commit) Loaded(attr CommitAttr) bool {
	return c.loaded[attr]
}

// Missing filters attrs down to those not yet loaded.
func (c *Commit) Missing(attrs []CommitAttr) []CommitAttr {
	var out []CommitAttr
	for _, attr := range attrs {
		if !c.loaded[attr] {
			out = append(out, attr)
		}
	}
	return out
}

// WithAttributes returns a copy of c with the loaded attributes of a
// applied. c itself is left untouched.
func (c *Commit) WithAttributes(a CommitAttributes) *Commit {
	out := *c
	out.ParentIDs = append([]string(nil), c.ParentIDs...)
	out.loaded = make(map[CommitAttr]bool, len(c.loaded)+len(a.Loaded))
	for attr, ok := range c.loaded {
		out.loaded[attr] = ok
	}
	for _, attr := range a.Loaded {
		switch attr {
		case AttrAuthor:
			out.Author = a.Author
		case AttrCommitter:
			out.Committer = a.Committer
		case AttrMessage:
			out.Message = a.Message
		case AttrDate:
			out.Date = a.Date
		case AttrBranch:
			out.Branch = a.Branch
		case AttrParents:
			out.ParentIDs = append([]string(nil), a.ParentIDs...)
		default:
			continue
		}
		out.loaded[attr] = true
	}
	return &out
}

// CommitRef locates a commit in history.
type CommitRef struct {
	ID  string `json:"id"`
	Idx int    `json:"idx"`
}

// CommitLoader materialises a commit, populating at least preLoad.
type CommitLoader func(ctx context.Context, ref CommitRef, preLoad []CommitAttr) (*Commit, error)

// CommitIter yields commits in ascending history order. It is forward-only
// and cannot be restarted.
type CommitIter struct {
	refs    []CommitRef
	pos     int
	load    CommitLoader
	preLoad []CommitAttr
	cur     *Commit
	err     error
}

func NewCommitIter(refs []CommitRef, preLoad []CommitAttr, load CommitLoader) *CommitIter {
	return &CommitIter{refs: refs, load: load, preLoad: preLoad}
}

// Len returns the total number of commits the iterator covers.
func (it *CommitIter) Len() int { return len(it.refs) }

// Next advances to the next commit. It returns false at the end of the
// sequence or on error.
func (it *CommitIter) Next(ctx context.Context) bool {
	if it.err != nil || it.pos >= len(it.refs) {
		it.cur = nil
		return false
	}
	ref := it.refs[it.pos]
	it.pos++
	c, err := it.load(ctx, ref, it.preLoad)
	if err != nil {
		it.err = err
		it.cur = nil
		return false
	}
	it.cur = c
	return true
}

func (it *CommitIter) Commit() *Commit { return it.cur }

func (it *CommitIter) Err() error { return it.err }

// Collect drains the iterator.
func (it *CommitIter) Collect(ctx context.Context) ([]*Commit, error) {
	var out []*Commit
	for it.Next(ctx) {
		out = append(out, it.Commit())
	}
	return out, it.Err()
}
