package vcsserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/odvcencio/vcshub/internal/remote"
	"github.com/odvcencio/vcshub/internal/vcs"
)

// LocalDialer serves repositories from an in-process Server. Requests
// still go through a JSON round trip so behaviour matches the HTTP path.
type LocalDialer struct {
	srv *Server
}

func NewLocalDialer(srv *Server) *LocalDialer {
	return &LocalDialer{srv: srv}
}

func (d *LocalDialer) Open(backend vcs.Alias, path string, cfg *vcs.Config) remote.Caller {
	if cfg == nil {
		cfg = vcs.NewConfig()
	}
	return &LocalRepo{srv: d.srv, backend: backend, path: path, cfg: cfg, context: uuid.NewString()}
}

// LocalRepo is a remote.Caller bound to one repository.
type LocalRepo struct {
	srv     *Server
	backend vcs.Alias
	path    string
	cfg     *vcs.Config
	context string
}

func (r *LocalRepo) Backend() vcs.Alias  { return r.backend }
func (r *LocalRepo) Path() string        { return r.path }
func (r *LocalRepo) Config() *vcs.Config { return r.cfg }

func (r *LocalRepo) Call(ctx context.Context, method string, args []any, kwargs map[string]any, out any) error {
	wire := remote.Wire{Path: r.path, Config: r.cfg.Serialize(), Context: r.context}
	req, err := remote.NewRequest(method, wire, args, kwargs)
	if err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	var decoded remote.Request
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("decode %s request: %w", method, err)
	}
	resp := r.srv.Dispatch(ctx, r.backend, &decoded)
	data, err = json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode %s response: %w", method, err)
	}
	var wireResp remote.Response
	if err := json.Unmarshal(data, &wireResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if err := wireResp.Err(); err != nil {
		return err
	}
	return wireResp.Decode(out)
}
