// Package pathguard implements the path containment policy shared by
// the file and shell tools: expand home, resolve to a canonical
// absolute path, and require one of the allowed directories as a
// prefix. Traversal like "../../etc/passwd" fails the prefix check
// after canonicalisation.
package pathguard

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotAllowed is returned for any path outside the allowed
// directories. The message is part of the tool contract.
var ErrNotAllowed = errors.New("not in allowed directories")

// Guard validates paths against a set of canonicalised allowed roots.
// An empty allowed list admits only the working directory.
type Guard struct {
	cwd   string
	roots []string
}

// New builds a guard. allowed entries may be relative (resolved
// against cwd) or use a leading ~.
func New(cwd string, allowed []string) (*Guard, error) {
	canonCwd, err := canonicalize(cwd, "")
	if err != nil {
		return nil, err
	}
	g := &Guard{cwd: canonCwd}
	if len(allowed) == 0 {
		allowed = []string{canonCwd}
	}
	for _, dir := range allowed {
		root, err := canonicalize(dir, canonCwd)
		if err != nil {
			return nil, err
		}
		g.roots = append(g.roots, root)
	}
	return g, nil
}

// Cwd returns the guard's canonical working directory.
func (g *Guard) Cwd() string { return g.cwd }

// Resolve canonicalises p and checks containment. The returned path is
// absolute with symlinks and ".." resolved. Paths outside every
// allowed root fail with ErrNotAllowed.
func (g *Guard) Resolve(p string) (string, error) {
	abs, err := canonicalize(p, g.cwd)
	if err != nil {
		return "", err
	}
	for _, root := range g.roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", ErrNotAllowed
}

// canonicalize expands ~, joins relative paths with base, and resolves
// symlinks through the deepest existing ancestor so that paths which do
// not exist yet (pending writes) still canonicalise.
func canonicalize(p, base string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	if !filepath.IsAbs(p) {
		if base == "" {
			var err error
			base, err = os.Getwd()
			if err != nil {
				return "", err
			}
		}
		p = filepath.Join(base, p)
	}
	p = filepath.Clean(p)

	// EvalSymlinks fails on missing files; walk up to the deepest
	// existing ancestor, resolve that, and reattach the remainder.
	remainder := ""
	probe := p
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return p, nil
		}
		remainder = filepath.Join(filepath.Base(probe), remainder)
		probe = parent
	}
}
