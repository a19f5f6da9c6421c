package vcs

import (
	"errors"
	"fmt"
	"strings"
)

// kindError is a sentinel error that belongs to a parent kind, so that
// errors.Is(ErrCommitDoesNotExist, ErrRepository) holds.
type kindError struct {
	msg    string
	parent error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.parent }

func newKind(msg string, parent error) error {
	return &kindError{msg: msg, parent: parent}
}

var (
	ErrVCS = newKind("vcs error", nil)

	ErrRepository            = newKind("repository error", ErrVCS)
	ErrEmptyRepository       = newKind("repository is empty", ErrRepository)
	ErrCommitDoesNotExist    = newKind("commit does not exist", ErrRepository)
	ErrBranchDoesNotExist    = newKind("branch does not exist", ErrRepository)
	ErrTagDoesNotExist       = newKind("tag does not exist", ErrRepository)
	ErrRepositoryRequirement = newKind("repository requirement missing", ErrRepository)
	ErrRepositoryLocked      = newKind("repository is locked", ErrRepository)
	ErrUnresolvedFiles       = newKind("unresolved files", ErrRepository)
	ErrUnsupported           = newKind("operation not supported by backend", ErrRepository)
	ErrHookAbort             = newKind("aborted by hook", ErrRepository)

	ErrCommunication = newKind("communication error", ErrVCS)

	ErrInvalidArgument      = newKind("invalid argument", ErrVCS)
	ErrImproperArchiveType  = newKind("improper archive type", ErrInvalidArgument)
	ErrInvalidArchivePrefix = newKind("invalid archive prefix", ErrInvalidArgument)

	ErrCommit             = newKind("commit error", ErrRepository)
	ErrNodeDoesNotExist   = newKind("node does not exist", ErrCommit)
	ErrNodeAlreadyExists  = newKind("node already exists", ErrCommit)
	ErrNodeAlreadyAdded   = newKind("node already added", ErrCommit)
	ErrNodeAlreadyChanged = newKind("node already changed", ErrCommit)
	ErrNodeAlreadyRemoved = newKind("node already removed", ErrCommit)
	ErrNodeNotChanged     = newKind("node not changed", ErrCommit)
)

// wireKinds maps the exception names used on the wire to local kinds.
var wireKinds = []struct {
	name string
	kind error
}{
	{"invalid_argument", ErrInvalidArgument},
	{"archive", ErrImproperArchiveType},
	{"abort", ErrRepository},
	{"error", ErrRepository},
	{"lookup", ErrCommitDoesNotExist},
	{"branch_lookup", ErrBranchDoesNotExist},
	{"tag_lookup", ErrTagDoesNotExist},
	{"empty", ErrEmptyRepository},
	{"repo_locked", ErrRepositoryLocked},
	{"requirement", ErrRepositoryRequirement},
	{"unresolved_files", ErrUnresolvedFiles},
	{"unsupported", ErrUnsupported},
	{"hook_abort", ErrHookAbort},
	{"node_missing", ErrNodeDoesNotExist},
}

// WireKind returns the wire exception name for err. Unknown errors map to
// "unhandled".
func WireKind(err error) string {
	// Most specific kinds come after their parents in wireKinds, so walk
	// backwards to pick the narrowest match.
	for i := len(wireKinds) - 1; i >= 0; i-- {
		if errors.Is(err, wireKinds[i].kind) {
			return wireKinds[i].name
		}
	}
	return "unhandled"
}

// KindForWire returns the local error kind for a wire exception name, or
// nil when the name is not a known VCS category.
func KindForWire(name string) error {
	name = strings.TrimSpace(strings.ToLower(name))
	for _, wk := range wireKinds {
		if wk.name == name {
			return wk.kind
		}
	}
	return nil
}

// RemoteError is an error raised by the remote execution server. Kind is
// the local category it maps to; for unknown remote types Kind is
// ErrCommunication.
type RemoteError struct {
	Kind      error
	Type      string
	Message   string
	Traceback string
	Args      []any
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote %s: %v", e.Type, e.Kind)
	}
	return fmt.Sprintf("remote %s: %s", e.Type, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.Kind }

// Format prints the remote traceback with %+v.
func (e *RemoteError) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		fmt.Fprint(s, e.Error())
		if s.Flag('+') && e.Traceback != "" {
			fmt.Fprintf(s, "\n\nremote traceback:\n%s", e.Traceback)
		}
	case 's':
		fmt.Fprint(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}

// ArchiveTypeError reports an unsupported archive kind.
type ArchiveTypeError struct {
	Kind    string
	Allowed []string
}

func (e *ArchiveTypeError) Error() string {
	return fmt.Sprintf("archive kind %q not supported, use one of: %s", e.Kind, strings.Join(e.Allowed, ", "))
}

func (e *ArchiveTypeError) Unwrap() error { return ErrImproperArchiveType }

// HookError carries the output of a hook that aborted an operation.
type HookError struct {
	Action string
	Status int
	Output string
}

func (e *HookError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s hook exited with status %d", e.Action, e.Status)
	}
	return fmt.Sprintf("%s hook exited with status %d: %s", e.Action, e.Status, e.Output)
}

func (e *HookError) Unwrap() error { return ErrHookAbort }
