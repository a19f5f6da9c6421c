package vcsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/vcshub/internal/auth"
	"github.com/odvcencio/vcshub/internal/hooks"
	"github.com/odvcencio/vcshub/internal/remote"
	"github.com/odvcencio/vcshub/internal/vcs"
)

const maxRequestBodyBytes int64 = 256 << 20

// mutatingMethods change repository state; cached state for the path is
// dropped after they run.
var mutatingMethods = map[string]bool{
	"init":   true,
	"clone":  true,
	"pull":   true,
	"push":   true,
	"commit": true,
}

// Binaries names the native executables the server drives.
type Binaries struct {
	Git      string
	Hg       string
	Svn      string
	SvnLook  string
	SvnAdmin string
	SvnMucc  string
}

func (b Binaries) withDefaults() Binaries {
	if b.Git == "" {
		b.Git = "git"
	}
	if b.Hg == "" {
		b.Hg = "hg"
	}
	if b.Svn == "" {
		b.Svn = "svn"
	}
	if b.SvnLook == "" {
		b.SvnLook = "svnlook"
	}
	if b.SvnAdmin == "" {
		b.SvnAdmin = "svnadmin"
	}
	if b.SvnMucc == "" {
		b.SvnMucc = "svnmucc"
	}
	return b
}

type Options struct {
	Binaries     Binaries
	Hooks        vcs.HookInvoker
	SharedSecret string
	Logger       *slog.Logger
	Registerer   prometheus.Registerer
	Gatherer     prometheus.Gatherer
}

// Server executes VCS operations for remote clients. It keeps no state
// between calls beyond a short-lived per-context cache.
type Server struct {
	handler  http.Handler
	backends map[vcs.Alias]backend
	binaries Binaries
	cache    *stateCache
	hooks    vcs.HookInvoker
	logger   *slog.Logger
	metrics  *serverMetrics
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hookInvoker := opts.Hooks
	if hookInvoker == nil {
		hookInvoker = hooks.NewClient(hooks.ClientOptions{Logger: logger})
	}
	bins := opts.Binaries.withDefaults()
	s := &Server{
		binaries: bins,
		cache:    newStateCache(),
		hooks:    hookInvoker,
		logger:   logger,
	}
	s.backends = map[vcs.Alias]backend{
		vcs.AliasGit: newGitBackend(s, runner{bin: bins.Git, env: []string{"GIT_TERMINAL_PROMPT=0", "GIT_CONFIG_NOSYSTEM=1"}}),
		vcs.AliasHg:  newHgBackend(s, runner{bin: bins.Hg, env: []string{"HGPLAIN=1", "HGENCODING=utf-8"}}),
		vcs.AliasSvn: newSvnBackend(s, bins),
	}

	if opts.Registerer != nil {
		s.metrics = newServerMetrics(opts.Registerer)
	} else {
		s.metrics = getDefaultServerMetrics()
	}

	var authSvc *auth.Service
	if opts.SharedSecret != "" {
		authSvc = auth.NewService(opts.SharedSecret, time.Minute)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /{backend}", auth.Middleware(authSvc)(http.HandlerFunc(s.handleCall)))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", metricsHandler(opts.Gatherer))

	var h http.Handler = mux
	h = requestMetricsMiddleware(s.metrics, h)
	h = requestTracingMiddleware(h)
	h = requestLoggingMiddleware(logger, h)
	s.handler = h
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	alias, err := vcs.ParseAlias(r.PathValue("backend"))
	if err != nil {
		writeResponse(w, http.StatusNotFound, errorResponse(err, ""))
		return
	}
	var req remote.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeResponse(w, http.StatusBadRequest, errorResponse(fmt.Errorf("%w: decode request: %v", vcs.ErrInvalidArgument, err), ""))
		return
	}
	resp := s.Dispatch(r.Context(), alias, &req)
	writeResponse(w, http.StatusOK, resp)
}

// Dispatch runs one request. Errors, including panics, come back as
// exception responses.
func (s *Server) Dispatch(ctx context.Context, alias vcs.Alias, req *remote.Request) (resp *remote.Response) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("vcs method panicked", "backend", alias, "method", req.Method, "panic", p)
			resp = errorResponse(fmt.Errorf("panic: %v", p), string(debug.Stack()))
		}
		if mutatingMethods[req.Method] && req.Wire.Path != "" {
			s.cache.invalidate(req.Wire.Path)
		}
		s.metrics.observeMethod(string(alias), req.Method, resp.Exception, time.Since(start))
	}()

	b, ok := s.backends[alias]
	if !ok {
		return errorResponse(fmt.Errorf("%w: backend %s", vcs.ErrUnsupported, alias), "")
	}
	fn, ok := b.methods()[req.Method]
	if !ok {
		return errorResponse(fmt.Errorf("%w: %s has no method %q", vcs.ErrUnsupported, alias, req.Method), "")
	}
	result, err := fn(ctx, newCall(s, req))
	var execErr *ExecError
	if errors.As(err, &execErr) && !errors.Is(err, vcs.ErrVCS) {
		err = fmt.Errorf("%w: %w", vcs.ErrRepository, err)
	}
	if err != nil {
		if vcs.WireKind(err) == "unhandled" {
			s.logger.Warn("vcs method failed", "backend", alias, "method", req.Method, "path", req.Wire.Path, "error", err)
		}
		return errorResponse(err, tracebackFor(err))
	}
	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(fmt.Errorf("encode result: %w", err), "")
	}
	return &remote.Response{Result: data}
}

func errorResponse(err error, traceback string) *remote.Response {
	return &remote.Response{
		Exception:          vcs.WireKind(err),
		ExceptionMessage:   err.Error(),
		ExceptionTraceback: traceback,
		ExceptionArgs:      []any{err.Error()},
	}
}

func tracebackFor(err error) string {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return fmt.Sprintf("%s %s\nexit status %d\n%s", execErr.Bin, strings.Join(execErr.Args, " "), execErr.ExitCode, execErr.Stderr)
	}
	return ""
}

func writeResponse(w http.ResponseWriter, status int, resp *remote.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	versions := DetectVersions(r.Context(), s.binaries)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "versions": versions})
}
