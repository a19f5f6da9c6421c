package backends

import (
	"fmt"

	"github.com/odvcencio/vcshub/internal/vcs"
)

// dialect is the capability set of one backend. The server speaks the same
// method names for every alias; what differs is which of them exist and how
// refs behave.
type dialect struct {
	alias vcs.Alias
	// bookmarks reports whether the backend has movable bookmarks.
	bookmarks bool
	// hidden reports whether obsolete commits can be listed on request.
	hidden bool
	// divergentPaths reports whether a diff may compare two paths.
	divergentPaths bool
	// pathPermissions reports whether the server answers path_permissions.
	pathPermissions bool
	// merges reports whether shadow workspace merges are supported.
	merges bool
	// mergeCheck reports whether the server runs backend preconditions.
	mergeCheck bool
	// pushTypes are the reference types a merge result may be pushed to.
	pushTypes []vcs.RefType
}

var dialects = map[vcs.Alias]dialect{
	vcs.AliasGit: {
		alias:     vcs.AliasGit,
		merges:    true,
		pushTypes: []vcs.RefType{vcs.RefBranch},
	},
	vcs.AliasHg: {
		alias:           vcs.AliasHg,
		bookmarks:       true,
		hidden:          true,
		pathPermissions: true,
		merges:          true,
		mergeCheck:      true,
		pushTypes:       []vcs.RefType{vcs.RefBranch, vcs.RefBookmark},
	},
	vcs.AliasSvn: {
		alias:          vcs.AliasSvn,
		divergentPaths: true,
	},
}

func dialectFor(alias vcs.Alias) (dialect, error) {
	d, ok := dialects[alias]
	if !ok {
		return dialect{}, fmt.Errorf("%w: unknown backend alias %q", vcs.ErrInvalidArgument, alias)
	}
	return d, nil
}

func (d dialect) canPushTo(t vcs.RefType) bool {
	for _, pt := range d.pushTypes {
		if pt == t {
			return true
		}
	}
	return false
}
