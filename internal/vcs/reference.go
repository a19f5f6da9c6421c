package vcs

import (
	"fmt"
	"strings"
)

// Alias identifies a backend.
type Alias string

const (
	AliasGit Alias = "git"
	AliasHg  Alias = "hg"
	AliasSvn Alias = "svn"
)

// Aliases lists the supported backends.
var Aliases = []Alias{AliasHg, AliasGit, AliasSvn}

func ParseAlias(s string) (Alias, error) {
	switch Alias(strings.ToLower(strings.TrimSpace(s))) {
	case AliasGit:
		return AliasGit, nil
	case AliasHg:
		return AliasHg, nil
	case AliasSvn:
		return AliasSvn, nil
	}
	return "", fmt.Errorf("%w: unknown backend alias %q", ErrInvalidArgument, s)
}

// EmptyCommitID is the id of the sentinel commit of a repository without
// history.
var EmptyCommitID = strings.Repeat("0", 40)

// RefType is the kind of pointer a Reference names.
type RefType string

const (
	RefBranch   RefType = "branch"
	RefBookmark RefType = "bookmark"
	RefTag      RefType = "tag"
	// RefRev pins a reference to a commit id, without a movable name.
	RefRev RefType = "rev"
)

// Movable reports whether the reference can advance (branch or bookmark).
func (t RefType) Movable() bool {
	return t == RefBranch || t == RefBookmark
}

// Reference names a commit through a branch, bookmark or tag. Comparable by
// value.
type Reference struct {
	Type     RefType `json:"type"`
	Name     string  `json:"name"`
	CommitID string  `json:"commit_id"`
}

// ParseReference parses the "type:name:commit_id" form used for persisted
// pull request refs.
func ParseReference(s string) (Reference, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Reference{}, fmt.Errorf("%w: malformed reference %q", ErrInvalidArgument, s)
	}
	ref := Reference{Type: RefType(parts[0]), Name: parts[1], CommitID: parts[2]}
	switch ref.Type {
	case RefBranch, RefBookmark, RefTag, RefRev:
	default:
		return Reference{}, fmt.Errorf("%w: unknown reference type %q", ErrInvalidArgument, parts[0])
	}
	if ref.Name == "" {
		return Reference{}, fmt.Errorf("%w: reference name is empty", ErrInvalidArgument)
	}
	return ref, nil
}

func (r Reference) String() string {
	return fmt.Sprintf("%s:%s:%s", r.Type, r.Name, r.CommitID)
}

// IsZero reports whether r is the zero Reference.
func (r Reference) IsZero() bool {
	return r == Reference{}
}

// WithCommit returns a copy of r pointing at commitID.
func (r Reference) WithCommit(commitID string) Reference {
	r.CommitID = commitID
	return r
}

// ShortID truncates a commit id for display.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
