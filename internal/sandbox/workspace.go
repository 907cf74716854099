package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/collabforge/collab-backend/internal/tree"
)

var ErrPathTraversal = errors.New("path traversal not allowed")

// Workspace is the directory a session's file tree is mounted into and the
// working directory its processes run in.
type Workspace struct {
	root string
}

// NewWorkspace creates the workspace directory rooted at the given path.
func NewWorkspace(root string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	// Resolve symlinks in root to ensure consistent path comparisons
	// (e.g., on macOS /var -> /private/var)
	absRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		absRoot, _ = filepath.Abs(root)
	}
	return &Workspace{root: absRoot}, nil
}

// Root returns the workspace root path.
func (w *Workspace) Root() string {
	return w.root
}

// Mount replaces the workspace contents with the given tree.
func (w *Workspace) Mount(t tree.Tree) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := w.Clear(); err != nil {
		return err
	}
	return w.writeLevel(w.root, t)
}

func (w *Workspace) writeLevel(dir string, t tree.Tree) error {
	for name, node := range t {
		target, err := w.resolvePath(dir, name)
		if err != nil {
			return err
		}
		if node.Directory != nil {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			if err := w.writeLevel(target, node.Directory); err != nil {
				return err
			}
			continue
		}
		if err := os.WriteFile(target, []byte(node.File.Contents), 0644); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes everything under the workspace root, keeping the root.
func (w *Workspace) Clear() error {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(w.root, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the workspace directory entirely.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.root)
}

// resolvePath joins name onto dir, rejecting anything that would escape
// the workspace root.
func (w *Workspace) resolvePath(dir, name string) (string, error) {
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		return "", ErrPathTraversal
	}
	full := filepath.Join(dir, name)
	if !isPathWithin(full, w.root) {
		return "", ErrPathTraversal
	}
	return full, nil
}

// isPathWithin checks if path is equal to or inside root.
// This is safer than strings.HasPrefix which would incorrectly match
// /workspace-evil as being within /workspace.
func isPathWithin(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
