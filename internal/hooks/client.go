// Package hooks carries the push and pull extension points between the VCS
// server and the application that implements them.
package hooks

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

	"github.com/odvcencio/vcshub/internal/vcs"
)

const maxHookResponseBytes = 1 << 20

// Call is the body posted to a hooks URI.
type Call struct {
	Method vcs.HookAction `json:"method"`
	Extras vcs.HookExtras `json:"extras"`
}

// Reply is the hooks URI response.
type Reply struct {
	Status    int    `json:"status"`
	Output    string `json:"output"`
	Exception string `json:"exception,omitempty"`
}

type ClientOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client invokes hooks over HTTP at the hooks_uri carried in the extras.
// Extras without a hooks_uri are a no-op.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

func NewClient(opts ClientOptions) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: hc, logger: logger}
}

func (c *Client) Invoke(ctx context.Context, action vcs.HookAction, extras vcs.HookExtras) (vcs.HookResult, error) {
	uri := strings.TrimSpace(extras.HooksURI)
	if uri == "" {
		return vcs.HookResult{}, nil
	}
	if !strings.Contains(uri, "://") {
		uri = "http://" + uri
	}
	body, err := json.Marshal(Call{Method: action, Extras: extras})
	if err != nil {
		return vcs.HookResult{}, fmt.Errorf("encode hook call: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return vcs.HookResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return vcs.HookResult{}, fmt.Errorf("call %s hook: %w", action, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHookResponseBytes))
	if err != nil {
		return vcs.HookResult{}, fmt.Errorf("read %s hook reply: %w", action, err)
	}
	if resp.StatusCode != http.StatusOK {
		return vcs.HookResult{}, fmt.Errorf("%s hook returned HTTP %d: %s", action, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return vcs.HookResult{}, fmt.Errorf("decode %s hook reply: %w", action, err)
	}
	if reply.Exception != "" {
		return vcs.HookResult{}, fmt.Errorf("%s hook raised %s: %s", action, reply.Exception, reply.Output)
	}
	c.logger.Debug("hook invoked", "action", action, "repo", extras.Repository, "status", reply.Status, "duration", time.Since(start))
	return vcs.HookResult{Status: reply.Status, Output: reply.Output}, nil
}
