package stack

import (
	"path"
	"strings"
)

// Descriptor is a compose file of one stack as stored in the repository.
type Descriptor struct {
	Name     string
	Path     string
	Raw      string
	Hydrated string
}

// composeFiles are the accepted descriptor file names, in lookup order.
var composeFiles = []string{"docker-compose.yaml", "docker-compose.yml"}

// Matcher maps repository paths of the form
// <prefix>/<name>/docker-compose.(yaml|yml) to stack names.
type Matcher struct {
	prefix string
}

// NewMatcher creates a matcher for stacks stored below prefix.
func NewMatcher(prefix string) Matcher {
	return Matcher{prefix: strings.Trim(prefix, "/")}
}

// Prefix returns the directory holding the stacks
func (m Matcher) Prefix() string {
	return m.prefix
}

// Name returns the stack name for p, or false if p is not a stack descriptor.
func (m Matcher) Name(p string) (string, bool) {
	rest, ok := strings.CutPrefix(p, m.prefix+"/")
	if !ok {
		return "", false
	}

	name, file, ok := strings.Cut(rest, "/")
	if !ok || !ValidName(name) {
		return "", false
	}
	for _, f := range composeFiles {
		if file == f {
			return name, true
		}
	}
	return "", false
}

// Paths returns the candidate descriptor paths for name, preferred first.
func (m Matcher) Paths(name string) []string {
	paths := make([]string, 0, len(composeFiles))
	for _, f := range composeFiles {
		paths = append(paths, path.Join(m.prefix, name, f))
	}
	return paths
}

// ValidName reports whether name is usable as a stack (and compose project)
// name: one or more of [A-Za-z0-9_-].
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isAlnum(c) && c != '_' && c != '-' {
			return false
		}
	}
	return true
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
