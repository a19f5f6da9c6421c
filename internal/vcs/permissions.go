package vcs

import (
	"regexp"
	"strings"
)

// PathPermissionChecker decides whether a path inside a repository is
// readable for a user.
type PathPermissionChecker interface {
	HasAccess(path string) bool
	HasFullAccess() bool
}

type allowAll struct{}

func (allowAll) HasAccess(string) bool { return true }
func (allowAll) HasFullAccess() bool   { return true }

type denyAll struct{}

func (denyAll) HasAccess(string) bool { return false }
func (denyAll) HasFullAccess() bool   { return false }

// AllowAll grants access to every path.
var AllowAll PathPermissionChecker = allowAll{}

// DenyAll denies access to every path.
var DenyAll PathPermissionChecker = denyAll{}

// PatternChecker evaluates excludes first, then includes.
type PatternChecker struct {
	Includes []string
	Excludes []string

	includes []*regexp.Regexp
	excludes []*regexp.Regexp
}

func (p *PatternChecker) HasAccess(path string) bool {
	for _, re := range p.excludes {
		if re.MatchString(path) {
			return false
		}
	}
	for _, re := range p.includes {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func (p *PatternChecker) HasFullAccess() bool { return false }

// NewPathPermissionChecker builds a checker from glob lists, collapsing the
// trivial cases into AllowAll and DenyAll.
func NewPathPermissionChecker(includes, excludes []string) PathPermissionChecker {
	if contains(excludes, "*") {
		return DenyAll
	}
	if contains(includes, "*") && len(excludes) == 0 {
		return AllowAll
	}
	if len(includes) == 0 {
		return DenyAll
	}
	p := &PatternChecker{Includes: includes, Excludes: excludes}
	for _, g := range includes {
		p.includes = append(p.includes, globToRegexp(g))
	}
	for _, g := range excludes {
		p.excludes = append(p.excludes, globToRegexp(g))
	}
	return p
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// globToRegexp follows fnmatch: '*' crosses path separators.
func globToRegexp(glob string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(glob); i++ {
		ch := glob[i]
		switch ch {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			j := strings.IndexByte(glob[i+1:], ']')
			if j <= 0 || glob[i+1:i+1+j] == "!" {
				b.WriteString(`\[`)
				continue
			}
			class := glob[i+1 : i+1+j]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + strings.ReplaceAll(class, `\`, `\\`) + "]")
			i += j + 1
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
