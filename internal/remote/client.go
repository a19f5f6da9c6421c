package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/vcshub/internal/auth"
	"github.com/odvcencio/vcshub/internal/vcs"
)

const (
	tracerName      = "github.com/odvcencio/vcshub/internal/remote"
	maxResponseSize = 512 << 20
	tokenLifetime   = time.Minute
)

// Client talks to one VCS server. Construct it once at startup and share
// it; Close releases the pooled connections.
type Client struct {
	addr      string
	pool      *Pool
	authSvc   *auth.Service
	logger    *slog.Logger
	metrics   *clientMetrics
	tracer    trace.Tracer
	poolSize  int
	timeout   time.Duration
	transport TransportFactory
}

type Option func(*Client)

// WithTimeout bounds each HTTP round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithPoolSize caps the number of concurrent connections.
func WithPoolSize(n int) Option {
	return func(c *Client) { c.poolSize = n }
}

// WithSharedSecret signs every request with a short-lived token.
func WithSharedSecret(secret string) Option {
	return func(c *Client) {
		if secret != "" {
			c.authSvc = auth.NewService(secret, tokenLifetime)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRegisterer registers the client metrics on reg instead of the default
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) { c.metrics = newClientMetrics(reg) }
}

// WithTransport replaces the per-connection round tripper.
func WithTransport(f TransportFactory) Option {
	return func(c *Client) { c.transport = f }
}

func NewClient(addr string, opts ...Option) (*Client, error) {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if addr == "" {
		return nil, fmt.Errorf("%w: vcs server address is required", vcs.ErrInvalidArgument)
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	c := &Client{addr: addr, timeout: 5 * time.Minute}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = getDefaultClientMetrics()
	}
	c.tracer = otel.Tracer(tracerName)
	c.pool = newPool(addr, c.poolSize, c.timeout, c.transport)
	return c, nil
}

func (c *Client) Addr() string { return c.addr }

// Pool exposes the connection pool, mostly for diagnostics.
func (c *Client) Pool() *Pool { return c.pool }

func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

// Repo returns a handle for the repository at path. Each handle gets its
// own context id, which the server uses as a cache key.
func (c *Client) Repo(backend vcs.Alias, path string, cfg *vcs.Config) *Repo {
	if cfg == nil {
		cfg = vcs.NewConfig()
	}
	return &Repo{
		client:  c,
		backend: backend,
		path:    path,
		cfg:     cfg,
		context: uuid.NewString(),
	}
}

// Open implements Dialer.
func (c *Client) Open(backend vcs.Alias, path string, cfg *vcs.Config) Caller {
	return c.Repo(backend, path, cfg)
}

// Service returns a handle for calls that are not bound to a repository,
// such as discover or init.
func (c *Client) Service(backend vcs.Alias) *Repo {
	return c.Repo(backend, "", nil)
}

// Repo is a handle to one remote repository.
type Repo struct {
	client  *Client
	backend vcs.Alias
	path    string
	cfg     *vcs.Config
	context string
}

func (r *Repo) Backend() vcs.Alias  { return r.backend }
func (r *Repo) Path() string        { return r.path }
func (r *Repo) Config() *vcs.Config { return r.cfg }

// ContextID is the correlation id sent with every call.
func (r *Repo) ContextID() string { return r.context }

func (r *Repo) wire() Wire {
	return Wire{Path: r.path, Config: r.cfg.Serialize(), Context: r.context}
}

// Call invokes method on the server and decodes the result into out. A call
// that fails because the peer closed the connection is replayed exactly once
// on a fresh connection.
func (r *Repo) Call(ctx context.Context, method string, args []any, kwargs map[string]any, out any) (err error) {
	c := r.client
	ctx, span := c.tracer.Start(ctx, "vcs."+method, trace.WithSpanKind(trace.SpanKindClient))
	start := time.Now()
	defer func() {
		outcome := callOutcome(err)
		c.metrics.calls.WithLabelValues(string(r.backend), method, outcome).Inc()
		c.metrics.duration.WithLabelValues(string(r.backend), method).Observe(time.Since(start).Seconds())
		span.SetAttributes(
			attribute.String("vcs.backend", string(r.backend)),
			attribute.String("vcs.method", method),
			attribute.String("vcs.outcome", outcome),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	req, err := NewRequest(method, r.wire(), args, kwargs)
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	lease, err := c.pool.Borrow(ctx)
	if err != nil {
		return fmt.Errorf("%w: borrow connection: %w", vcs.ErrCommunication, err)
	}
	defer lease.Release()

	resp, err := c.roundTrip(ctx, lease, r.backend, body)
	if isConnectionClosed(err) {
		c.logger.Warn("vcs connection closed, reconnecting", "method", method, "backend", r.backend, "error", err)
		c.metrics.retries.WithLabelValues(string(r.backend), method).Inc()
		lease.Reconnect()
		resp, err = c.roundTrip(ctx, lease, r.backend, body)
	}
	if err != nil {
		lease.MarkBroken()
		return fmt.Errorf("%w: %s.%s: %w", vcs.ErrCommunication, r.backend, method, err)
	}
	if rerr := resp.Err(); rerr != nil {
		return rerr
	}
	return resp.Decode(out)
}

func (c *Client) roundTrip(ctx context.Context, lease *Lease, backend vcs.Alias, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr+"/"+string(backend), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.authSvc != nil {
		token, err := c.authSvc.GenerateToken("vcshub-client")
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := lease.conn.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		if httpResp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("server returned %d: %s", httpResp.StatusCode, strings.TrimSpace(string(data)))
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK && resp.Exception == "" {
		return nil, fmt.Errorf("server returned %d", httpResp.StatusCode)
	}
	return &resp, nil
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isCommunication(err):
		return "communication_error"
	default:
		return "remote_error"
	}
}
