package vcsserver

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/vcshub/internal/remote"
	"github.com/odvcencio/vcshub/internal/vcs"
)

type stubBackend struct {
	table map[string]handlerFunc
}

func (s stubBackend) alias() vcs.Alias                { return vcs.AliasGit }
func (s stubBackend) methods() map[string]handlerFunc { return s.table }

func newStubServer(t *testing.T, secret string, table map[string]handlerFunc) *Server {
	t.Helper()
	srv := New(Options{SharedSecret: secret, Registerer: prometheus.NewRegistry(), Gatherer: prometheus.NewRegistry()})
	srv.backends[vcs.AliasGit] = stubBackend{table: table}
	return srv
}

func TestDispatchMapsErrorsToWireKinds(t *testing.T) {
	srv := newStubServer(t, "", map[string]handlerFunc{
		"lookup": func(ctx context.Context, c *call) (any, error) {
			ref, err := c.stringArg(0)
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s", vcs.ErrCommitDoesNotExist, ref)
		},
		"native": func(ctx context.Context, c *call) (any, error) {
			return nil, &ExecError{Bin: "git", Args: []string{"log"}, ExitCode: 128, Stderr: "fatal: bad"}
		},
		"boom": func(ctx context.Context, c *call) (any, error) {
			panic("index out of range")
		},
	})
	caller := NewLocalDialer(srv).Open(vcs.AliasGit, "/srv/r", nil)
	ctx := context.Background()

	err := caller.Call(ctx, "lookup", []any{"deadbeef"}, nil, nil)
	if !errors.Is(err, vcs.ErrCommitDoesNotExist) {
		t.Fatalf("lookup err = %v", err)
	}

	err = caller.Call(ctx, "native", nil, nil, nil)
	var remoteErr *vcs.RemoteError
	if !errors.Is(err, vcs.ErrRepository) || !errors.As(err, &remoteErr) {
		t.Fatalf("native err = %v", err)
	}
	if !strings.Contains(remoteErr.Traceback, "exit status 128") {
		t.Fatalf("traceback = %q", remoteErr.Traceback)
	}

	err = caller.Call(ctx, "boom", nil, nil, nil)
	if !errors.Is(err, vcs.ErrCommunication) || !errors.As(err, &remoteErr) {
		t.Fatalf("panic err = %v", err)
	}
	if remoteErr.Type != "unhandled" || !strings.Contains(remoteErr.Traceback, "goroutine") {
		t.Fatalf("panic remote error = %+v", remoteErr)
	}

	err = caller.Call(ctx, "nope", nil, nil, nil)
	if !errors.Is(err, vcs.ErrUnsupported) {
		t.Fatalf("unknown method err = %v", err)
	}
}

func TestServerOverHTTPWithSharedSecret(t *testing.T) {
	const secret = "a-shared-secret-for-tests"
	srv := newStubServer(t, secret, map[string]handlerFunc{
		"echo": func(ctx context.Context, c *call) (any, error) {
			var words []string
			if err := c.arg(0, &words); err != nil {
				return nil, err
			}
			section, _ := c.cfg.Get("phases", "publish")
			return map[string]any{"words": words, "path": c.path(), "publish": section}, nil
		},
	})
	hs := httptest.NewServer(srv)
	defer hs.Close()

	client, err := remote.NewClient(hs.URL, remote.WithSharedSecret(secret), remote.WithRegisterer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	cfg := vcs.NewConfig()
	cfg.Set("phases", "publish", "false")
	var out struct {
		Words   []string `json:"words"`
		Path    string   `json:"path"`
		Publish string   `json:"publish"`
	}
	if err := client.Repo(vcs.AliasGit, "/srv/repo", cfg).Call(context.Background(), "echo", []any{[]string{"a", "b"}}, nil, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if strings.Join(out.Words, ",") != "a,b" || out.Path != "/srv/repo" || out.Publish != "false" {
		t.Fatalf("out = %+v", out)
	}

	anonymous, _ := remote.NewClient(hs.URL, remote.WithRegisterer(prometheus.NewRegistry()))
	defer anonymous.Close()
	if err := anonymous.Repo(vcs.AliasGit, "/srv/repo", nil).Call(context.Background(), "echo", []any{[]string{}}, nil, nil); !errors.Is(err, vcs.ErrCommunication) {
		t.Fatalf("unsigned call err = %v", err)
	}
}

func TestUnknownBackendIsRejected(t *testing.T) {
	srv := New(Options{Registerer: prometheus.NewRegistry()})
	hs := httptest.NewServer(srv)
	defer hs.Close()
	client, _ := remote.NewClient(hs.URL, remote.WithRegisterer(prometheus.NewRegistry()))
	defer client.Close()
	err := client.Repo(vcs.Alias("cvs"), "/r", nil).Call(context.Background(), "commit_ids", nil, nil, nil)
	if !errors.Is(err, vcs.ErrInvalidArgument) {
		t.Fatalf("err = %v", err)
	}
}

func TestStateCacheInvalidation(t *testing.T) {
	c := newStateCache()
	c.put("ctx1", "/r", newRepoState([]string{"a"}))
	c.put("ctx2", "/r", newRepoState([]string{"a"}))
	c.put("ctx1", "/other", newRepoState([]string{"b"}))
	if st, ok := c.get("ctx1", "/r"); !ok || st.index["a"] != 0 {
		t.Fatal("expected cached state")
	}
	c.invalidate("/r")
	if _, ok := c.get("ctx1", "/r"); ok {
		t.Fatal("state survived invalidation")
	}
	if _, ok := c.get("ctx2", "/r"); ok {
		t.Fatal("state for second context survived invalidation")
	}
	if _, ok := c.get("ctx1", "/other"); !ok {
		t.Fatal("unrelated path was invalidated")
	}
	if _, ok := c.get("", "/other"); ok {
		t.Fatal("empty context must not hit the cache")
	}
}

func TestParseToolVersion(t *testing.T) {
	tests := []struct{ in, want string }{
		{"git version 2.43.0", "2.43.0"},
		{"Mercurial Distributed SCM (version 6.5.2)", "6.5.2"},
		{"1.14.2 (r1899510)", "1.14.2"},
		{"git version 2.39.3 (Apple Git-145)", "2.39.3"},
		{"no version here", ""},
	}
	for _, tt := range tests {
		if got := parseToolVersion(tt.in); got != tt.want {
			t.Fatalf("parseToolVersion(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if err := checkVersion("git", "2.20.1"); err == nil {
		t.Fatal("expected old git to be rejected")
	}
	if err := checkVersion("git", "2.43.0"); err != nil {
		t.Fatalf("check git: %v", err)
	}
	if err := checkVersion("svnmucc", "1.0"); err != nil {
		t.Fatalf("tools without a minimum must pass: %v", err)
	}
}
