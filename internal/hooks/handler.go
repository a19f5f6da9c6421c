package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/odvcencio/vcshub/internal/vcs"
)

// Func implements one hook. A non-zero status aborts pre hooks.
type Func func(ctx context.Context, extras vcs.HookExtras) (vcs.HookResult, error)

// Handler is the application side of the hooks protocol. It serves the
// hooks URI over HTTP and can also be used in-process as a HookInvoker.
type Handler struct {
	mu     sync.RWMutex
	funcs  map[vcs.HookAction][]Func
	logger *slog.Logger
}

func NewHandler(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{funcs: make(map[vcs.HookAction][]Func), logger: logger}
}

// Register appends fn to the hooks run for action.
func (h *Handler) Register(action vcs.HookAction, fn Func) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.funcs[action] = append(h.funcs[action], fn)
}

// Invoke runs the registered hooks in order. The first non-zero status
// stops the chain; outputs are joined.
func (h *Handler) Invoke(ctx context.Context, action vcs.HookAction, extras vcs.HookExtras) (vcs.HookResult, error) {
	h.mu.RLock()
	funcs := append([]Func(nil), h.funcs[action]...)
	h.mu.RUnlock()

	var outputs []string
	for _, fn := range funcs {
		res, err := fn(ctx, extras)
		if err != nil {
			return vcs.HookResult{}, err
		}
		if res.Output != "" {
			outputs = append(outputs, res.Output)
		}
		if res.Status != 0 {
			return vcs.HookResult{Status: res.Status, Output: strings.Join(outputs, "\n")}, nil
		}
	}
	return vcs.HookResult{Output: strings.Join(outputs, "\n")}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var call Call
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxHookResponseBytes)).Decode(&call); err != nil {
		writeReply(w, http.StatusBadRequest, Reply{Status: 1, Exception: "invalid_request", Output: err.Error()})
		return
	}
	switch call.Method {
	case vcs.HookPrePush, vcs.HookPostPush, vcs.HookPrePull, vcs.HookPostPull:
	default:
		writeReply(w, http.StatusBadRequest, Reply{Status: 1, Exception: "unknown_hook", Output: fmt.Sprintf("unknown hook %q", call.Method)})
		return
	}
	res, err := h.Invoke(r.Context(), call.Method, call.Extras)
	if err != nil {
		h.logger.Error("hook failed", "action", call.Method, "repo", call.Extras.Repository, "error", err)
		writeReply(w, http.StatusOK, Reply{Status: 1, Exception: "hook_error", Output: err.Error()})
		return
	}
	writeReply(w, http.StatusOK, Reply{Status: res.Status, Output: res.Output})
}

func writeReply(w http.ResponseWriter, status int, reply Reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(reply)
}
