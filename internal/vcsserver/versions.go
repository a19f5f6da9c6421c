package vcsserver

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"

	"github.com/odvcencio/vcshub/internal/vcs"
)

var toolVersionPattern = regexp.MustCompile(`\d+\.\d+(\.\d+)?`)

// parseToolVersion extracts the first dotted version from a tool banner
// such as "git version 2.43.0" or "Mercurial Distributed SCM (version 6.5)".
func parseToolVersion(out string) string {
	return toolVersionPattern.FindString(out)
}

// minimumVersions are the oldest tool releases whose flags the adapters use.
var minimumVersions = map[string]string{
	"git":     ">= 2.24.0",
	"hg":      ">= 5.2.0",
	"svnlook": ">= 1.10.0",
}

// BinaryVersion reports one native tool found on the server.
type BinaryVersion struct {
	Path    string `json:"path"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

type versionProbe struct {
	name string
	bin  string
	args []string
}

func probes(bins Binaries) []versionProbe {
	bins = bins.withDefaults()
	return []versionProbe{
		{"git", bins.Git, []string{"version"}},
		{"hg", bins.Hg, []string{"version", "-q"}},
		{"svn", bins.Svn, []string{"--version", "--quiet"}},
		{"svnlook", bins.SvnLook, []string{"--version", "--quiet"}},
		{"svnadmin", bins.SvnAdmin, []string{"--version", "--quiet"}},
		{"svnmucc", bins.SvnMucc, []string{"--version", "--quiet"}},
	}
}

// DetectVersions runs every configured binary and reports its version.
func DetectVersions(ctx context.Context, bins Binaries) map[string]BinaryVersion {
	out := make(map[string]BinaryVersion)
	for _, p := range probes(bins) {
		v := BinaryVersion{Path: p.bin}
		banner, err := runner{bin: p.bin, env: []string{"LC_ALL=C", "HGPLAIN=1"}}.output(ctx, runOpts{}, p.args...)
		if err != nil {
			v.Error = err.Error()
		} else {
			v.Version = parseToolVersion(banner)
		}
		out[p.name] = v
	}
	return out
}

var aliasTools = map[vcs.Alias][]string{
	vcs.AliasGit: {"git"},
	vcs.AliasHg:  {"hg"},
	vcs.AliasSvn: {"svn", "svnlook", "svnadmin", "svnmucc"},
}

// CheckBinaries verifies that the tools behind each alias are installed and
// recent enough.
func CheckBinaries(ctx context.Context, bins Binaries, aliases ...vcs.Alias) error {
	found := DetectVersions(ctx, bins)
	var errs []error
	for _, alias := range aliases {
		for _, tool := range aliasTools[alias] {
			v := found[tool]
			if v.Error != "" {
				errs = append(errs, fmt.Errorf("%s: %s", tool, v.Error))
				continue
			}
			if err := checkVersion(tool, v.Version); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func checkVersion(tool, version string) error {
	want, ok := minimumVersions[tool]
	if !ok {
		return nil
	}
	constraint, err := semver.NewConstraint(want)
	if err != nil {
		return fmt.Errorf("%s: constraint %q: %w", tool, want, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%s: unparseable version %q: %w", tool, version, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%s %s does not satisfy %s", tool, v, want)
	}
	return nil
}
