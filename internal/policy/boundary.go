package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Boundary decides whether a canonical filesystem path is reachable.
//
// A forbidden prefix binds everywhere except inside a permitted root that it
// strictly contains: forbidding /home does not forbid a workspace at
// /home/me/.warden/workspace, but forbidding that workspace's .git does.
type Boundary struct {
	workspace     string
	workspaceOnly bool
	roots         []string
	forbidden     []string
}

// NewBoundary canonicalizes the workspace, allowed roots, and forbidden
// prefixes. A leading "~" expands to the user's home directory.
func NewBoundary(workspace string, workspaceOnly bool, allowedRoots, forbidden []string) (*Boundary, error) {
	if strings.TrimSpace(workspace) == "" {
		return nil, fmt.Errorf("%w: workspace directory is required", ErrInvalidConfig)
	}

	b := &Boundary{workspaceOnly: workspaceOnly}
	for i, raw := range append([]string{workspace}, allowedRoots...) {
		forms, err := canonicalForms(raw)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			b.workspace = forms[len(forms)-1]
		}
		b.roots = append(b.roots, forms...)
	}
	for _, raw := range forbidden {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		forms, err := canonicalForms(raw)
		if err != nil {
			return nil, err
		}
		b.forbidden = append(b.forbidden, forms...)
	}
	return b, nil
}

// Workspace returns the canonical workspace root.
func (b *Boundary) Workspace() string {
	return b.workspace
}

// Check resolves symlinks in path and reports whether the result is
// permitted. path must be absolute and clean.
func (b *Boundary) Check(path string) (bool, string, error) {
	if !filepath.IsAbs(path) || filepath.Clean(path) != path {
		return false, "", malformed("path %q is not absolute and clean", path)
	}
	resolved, err := resolveExisting(path)
	if err != nil {
		return false, path, nil
	}
	return b.permits(resolved), resolved, nil
}

func (b *Boundary) permits(path string) bool {
	var root string
	for _, candidate := range b.roots {
		if within(path, candidate) && len(candidate) > len(root) {
			root = candidate
		}
	}
	if root == "" && b.workspaceOnly {
		return false
	}

	for _, prefix := range b.forbidden {
		if !within(path, prefix) {
			continue
		}
		if root != "" && prefix != root && within(root, prefix) {
			continue
		}
		return false
	}
	return true
}

func within(path, root string) bool {
	if path == root {
		return true
	}
	if root == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// canonicalForms returns the cleaned absolute form of raw and, when different,
// its symlink-resolved form. Both are kept so a prefix matches whether or not
// the path under test went through a link.
func canonicalForms(raw string) ([]string, error) {
	expanded, err := expandHome(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %v", ErrInvalidConfig, raw, err)
	}
	forms := []string{abs}
	if resolved, err := resolveExisting(abs); err == nil && resolved != abs {
		forms = append(forms, resolved)
	}
	return forms, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: expand %q: %v", ErrInvalidConfig, path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// resolveExisting evaluates symlinks on the deepest existing ancestor of path
// and re-appends the components that do not exist yet, so a file about to be
// created is judged by where it will actually land.
func resolveExisting(path string) (string, error) {
	existing := path
	var rest []string
	for {
		_, err := os.Lstat(existing)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = append(rest, filepath.Base(existing))
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	for i := len(rest) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, rest[i])
	}
	return resolved, nil
}

// physicalPath cleans an absolute path the way the kernel walks it: a symlink
// is resolved before a following ".." is applied, so link/.. lands beside the
// link's target and not beside the link.
func physicalPath(path string) (string, error) {
	cur := string(filepath.Separator)
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		switch part {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
			continue
		}
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			if cur, err = filepath.EvalSymlinks(cur); err != nil {
				return "", err
			}
		}
	}
	return cur, nil
}
