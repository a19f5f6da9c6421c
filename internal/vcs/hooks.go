package vcs

import "context"

// HookAction names an extension point invoked around push and pull.
type HookAction string

const (
	HookPrePush  HookAction = "pre_push"
	HookPostPush HookAction = "post_push"
	HookPrePull  HookAction = "pre_pull"
	HookPostPull HookAction = "post_pull"
)

// HookExtras is the context passed to a hook.
type HookExtras struct {
	Repository string            `json:"repository"`
	Username   string            `json:"username"`
	IP         string            `json:"ip"`
	Action     string            `json:"action"`
	CommitIDs  []string          `json:"commit_ids"`
	HooksURI   string            `json:"hooks_uri"`
	Scm        Alias             `json:"scm"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// HookResult is a hook's (status, output) reply. A non-zero status aborts
// the operation.
type HookResult struct {
	Status int    `json:"status"`
	Output string `json:"output"`
}

// HookInvoker calls the external hook implementation.
type HookInvoker interface {
	Invoke(ctx context.Context, action HookAction, extras HookExtras) (HookResult, error)
}

// HookExtrasFromConfig reads the hooks section the web layer puts on every
// push and pull call.
func HookExtrasFromConfig(cfg *Config, repoName string) HookExtras {
	e := HookExtras{
		Repository: cfg.GetDefault("hooks", "repository", repoName),
		Username:   cfg.GetDefault("hooks", "username", ""),
		IP:         cfg.GetDefault("hooks", "ip", ""),
		HooksURI:   cfg.GetDefault("hooks", "hooks_uri", ""),
		Extra:      map[string]string{},
	}
	for _, kv := range cfg.Section("hooks") {
		switch kv[0] {
		case "repository", "username", "ip", "hooks_uri":
		default:
			e.Extra[kv[0]] = kv[1]
		}
	}
	return e
}
