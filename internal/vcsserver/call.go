package vcsserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/odvcencio/vcshub/internal/remote"
	"github.com/odvcencio/vcshub/internal/vcs"
)

// call is one decoded request as seen by a backend method.
type call struct {
	method string
	wire   remote.Wire
	cfg    *vcs.Config
	args   []json.RawMessage
	kwargs map[string]json.RawMessage
	server *Server
}

type handlerFunc func(ctx context.Context, c *call) (any, error)

// backend is a native VCS adapter.
type backend interface {
	alias() vcs.Alias
	methods() map[string]handlerFunc
}

func newCall(s *Server, req *remote.Request) *call {
	return &call{
		method: req.Method,
		wire:   req.Wire,
		cfg:    vcs.ConfigFromItems(req.Wire.Config),
		args:   req.Args,
		kwargs: req.Kwargs,
		server: s,
	}
}

func (c *call) path() string { return c.wire.Path }

func (c *call) arg(i int, v any) error {
	if i >= len(c.args) {
		return fmt.Errorf("%w: %s expects argument %d", vcs.ErrInvalidArgument, c.method, i)
	}
	if err := json.Unmarshal(c.args[i], v); err != nil {
		return fmt.Errorf("%w: %s argument %d: %v", vcs.ErrInvalidArgument, c.method, i, err)
	}
	return nil
}

// optArg decodes argument i when present.
func (c *call) optArg(i int, v any) error {
	if i >= len(c.args) {
		return nil
	}
	return c.arg(i, v)
}

func (c *call) stringArg(i int) (string, error) {
	var s string
	err := c.arg(i, &s)
	return s, err
}

// kwarg decodes a keyword argument when present.
func (c *call) kwarg(name string, v any) error {
	raw, ok := c.kwargs[name]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s keyword %s: %v", vcs.ErrInvalidArgument, c.method, name, err)
	}
	return nil
}

func (c *call) boolKwarg(name string) bool {
	var b bool
	_ = c.kwarg(name, &b)
	return b
}

// refsResult is the reply of the refs method.
type refsResult struct {
	Branches       map[string]string `json:"branches"`
	BranchesClosed map[string]string `json:"branches_closed"`
	Bookmarks      map[string]string `json:"bookmarks"`
	Tags           map[string]string `json:"tags"`
}

func newRefsResult() refsResult {
	return refsResult{
		Branches:       map[string]string{},
		BranchesClosed: map[string]string{},
		Bookmarks:      map[string]string{},
		Tags:           map[string]string{},
	}
}

// fileEntry is one item of a tree listing.
type fileEntry struct {
	Path    string `json:"path"`
	Mode    int64  `json:"mode"`
	Symlink bool   `json:"symlink,omitempty"`
}

// diffArgs are the keyword arguments of the diff method.
type diffArgs struct {
	Path             string `json:"path"`
	Path1            string `json:"path1"`
	IgnoreWhitespace bool   `json:"ignore_whitespace"`
	Context          int    `json:"context"`
}

func (c *call) diffArgs() (string, string, diffArgs, error) {
	var c1, c2 string
	if err := c.arg(0, &c1); err != nil {
		return "", "", diffArgs{}, err
	}
	if err := c.arg(1, &c2); err != nil {
		return "", "", diffArgs{}, err
	}
	// an absent context keeps the default; an explicit 0 is honoured
	opts := diffArgs{Context: vcs.DefaultDiffContext}
	if err := c.optArg(2, &opts); err != nil {
		return "", "", diffArgs{}, err
	}
	if opts.Context < 0 {
		return "", "", diffArgs{}, fmt.Errorf("%w: negative diff context %d", vcs.ErrInvalidArgument, opts.Context)
	}
	if opts.Path1 == "" {
		opts.Path1 = opts.Path
	}
	return c1, c2, opts, nil
}

// permissionsResult is the reply of path_permissions.
type permissionsResult struct {
	Configured bool     `json:"configured"`
	Includes   []string `json:"includes"`
	Excludes   []string `json:"excludes"`
}

// state returns the cached commit ids for this call's context, loading
// them on a miss.
func (c *call) state(ctx context.Context, load func(ctx context.Context, path string) ([]string, error)) (*repoState, error) {
	if st, ok := c.server.cache.get(c.wire.Context, c.path()); ok {
		return st, nil
	}
	ids, err := load(ctx, c.path())
	if err != nil {
		return nil, err
	}
	st := newRepoState(ids)
	c.server.cache.put(c.wire.Context, c.path(), st)
	return st, nil
}

func (c *call) requirePath() error {
	if c.path() == "" {
		return fmt.Errorf("%w: %s needs a repository path", vcs.ErrInvalidArgument, c.method)
	}
	return nil
}

type discoverResult struct {
	Backend vcs.Alias `json:"backend"`
	Version string    `json:"version"`
	Valid   bool      `json:"valid"`
}

type lookupResult struct {
	ID  string `json:"id"`
	Idx int    `json:"idx"`
}

type mergeCheckResult struct {
	Reason   vcs.MergeFailureReason `json:"reason"`
	Metadata map[string]any         `json:"metadata,omitempty"`
}

// lookupInState resolves a full commit id to its position.
func lookupInState(st *repoState, id string) (lookupResult, error) {
	idx, ok := st.index[id]
	if !ok {
		return lookupResult{}, fmt.Errorf("%w: %s", vcs.ErrCommitDoesNotExist, id)
	}
	return lookupResult{ID: id, Idx: idx}, nil
}
