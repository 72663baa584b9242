// Package sandbox resolves user-supplied paths into absolute host paths
// confined under a per-server root (spec.md §4.1, C1). Resolution is
// textual normalization followed by a prefix check after lexical
// canonicalization — it never follows symlinks, and a symlink inside the
// sandbox is never traversed across the boundary.
package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"

	"hightide/internal/agenterr"
)

// Resolver confines every path it resolves to baseServerPath/id.
type Resolver struct {
	root string // filepath.Join(baseServerPath, id), already Clean
}

// New returns a Resolver rooted at filepath.Join(baseServerPath, id).
func New(baseServerPath, id string) *Resolver {
	return &Resolver{root: filepath.Clean(filepath.Join(baseServerPath, id))}
}

// Root returns the sandbox root directory.
func (r *Resolver) Root() string { return r.root }

// Resolve maps a user-supplied path to an absolute host path inside the
// sandbox root, or fails with agenterr.KindPathEscape.
func (r *Resolver) Resolve(userPath string) (string, error) {
	const op = "sandbox.Resolve"

	normalized := strings.ReplaceAll(userPath, "\\", "/")
	normalized = strings.TrimLeft(normalized, "/")

	if normalized == "" || normalized == "." {
		return r.root, nil
	}

	for _, segment := range strings.Split(normalized, "/") {
		if segment == ".." {
			return "", agenterr.New(agenterr.KindPathEscape, op,
				fmt.Errorf("path %q contains a %q segment", userPath, ".."))
		}
	}

	joined := filepath.Join(r.root, normalized)
	clean := filepath.Clean(joined)

	if !isWithin(r.root, clean) {
		return "", agenterr.New(agenterr.KindPathEscape, op,
			fmt.Errorf("path %q resolves outside sandbox root %q", userPath, r.root))
	}

	return clean, nil
}

// Virtualize maps a host path (must be inside the sandbox root) back to the
// virtual '/'-rooted view exposed via SFTP and the file manager.
func (r *Resolver) Virtualize(hostPath string) string {
	clean := filepath.Clean(hostPath)
	if clean == r.root {
		return "/"
	}
	rel := strings.TrimPrefix(clean, r.root)
	rel = strings.TrimPrefix(rel, string(filepath.Separator))
	if rel == "" {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

// isWithin reports whether candidate is root itself or a descendant of root,
// using a textual prefix check on cleaned paths (no symlink resolution).
func isWithin(root, candidate string) bool {
	if candidate == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(candidate, prefix)
}
