package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/odvcencio/vcshub/internal/vcs"
)

// Wire is the per-call repository context. The server is stateless between
// calls, so path and config travel with every request.
type Wire struct {
	Path    string           `json:"path"`
	Config  []vcs.ConfigItem `json:"config"`
	Context string           `json:"context"`
}

// Request is one method call.
type Request struct {
	Method string                     `json:"method"`
	Wire   Wire                       `json:"wire"`
	Args   []json.RawMessage          `json:"args"`
	Kwargs map[string]json.RawMessage `json:"kwargs"`
}

// Response carries either a result or an exception.
type Response struct {
	Result             json.RawMessage `json:"result,omitempty"`
	Exception          string          `json:"exception,omitempty"`
	ExceptionMessage   string          `json:"exception_message,omitempty"`
	ExceptionTraceback string          `json:"exception_traceback,omitempty"`
	ExceptionArgs      []any           `json:"exception_args,omitempty"`
}

// NewRequest encodes args and kwargs into a Request.
func NewRequest(method string, wire Wire, args []any, kwargs map[string]any) (*Request, error) {
	req := &Request{
		Method: method,
		Wire:   wire,
		Args:   make([]json.RawMessage, 0, len(args)),
		Kwargs: make(map[string]json.RawMessage, len(kwargs)),
	}
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode %s arg %d: %w", method, i, err)
		}
		req.Args = append(req.Args, data)
	}
	for k, v := range kwargs {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s kwarg %s: %w", method, k, err)
		}
		req.Kwargs[k] = data
	}
	return req, nil
}

// Err converts an exception response into a typed error. It returns nil
// for a successful response.
func (r *Response) Err() error {
	if r.Exception == "" {
		return nil
	}
	kind := vcs.KindForWire(r.Exception)
	if kind == nil {
		kind = vcs.ErrCommunication
	}
	msg := r.ExceptionMessage
	if msg == "" && len(r.ExceptionArgs) > 0 {
		msg = fmt.Sprint(r.ExceptionArgs...)
	}
	return &vcs.RemoteError{
		Kind:      kind,
		Type:      r.Exception,
		Message:   msg,
		Traceback: r.ExceptionTraceback,
		Args:      r.ExceptionArgs,
	}
}

// Decode unmarshals the result into out. A nil out discards the result.
func (r *Response) Decode(out any) error {
	if out == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// Caller performs method calls against one repository.
type Caller interface {
	Call(ctx context.Context, method string, args []any, kwargs map[string]any, out any) error
	Backend() vcs.Alias
	Path() string
	Config() *vcs.Config
}

// Dialer hands out Callers for repositories.
type Dialer interface {
	Open(backend vcs.Alias, path string, cfg *vcs.Config) Caller
}
