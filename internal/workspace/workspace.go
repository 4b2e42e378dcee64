// Package workspace provides the per-project sandboxed file store.
// Every path is canonicalized and must resolve under the project's
// directory; traversal outside it is rejected before any I/O.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xteam/backend/internal/core"
)

// Subdirectories created under each project root on first use.
var projectSubdirs = []string{"src", "tests", "docs", "config", "output"}

// FileInfo describes one workspace entry for list_files responses.
type FileInfo struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// Manager scopes file access to {root}/{project-id}/.
type Manager struct {
	root string
}

// NewManager canonicalizes the workspace root.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Manager{root: abs}, nil
}

// Root returns the canonical workspace root.
func (m *Manager) Root() string { return m.root }

// EnsureProject creates the project directory and its standard
// subdirectories, returning the project root path.
func (m *Manager) EnsureProject(projectID string) (string, error) {
	dir, err := m.projectDir(projectID)
	if err != nil {
		return "", err
	}
	for _, sub := range projectSubdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", err
		}
	}
	return dir, nil
}

// ReadFile returns the content of a project-relative path.
func (m *Manager) ReadFile(projectID, relPath string) ([]byte, error) {
	full, err := m.resolve(projectID, relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("file %s: %w", relPath, core.ErrNotFound)
	}
	return data, err
}

// WriteFile writes content to a project-relative path, creating parent
// directories as needed.
func (m *Manager) WriteFile(projectID, relPath string, content []byte) error {
	full, err := m.resolve(projectID, relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, content, 0o644)
}

// DeleteFile removes a project-relative path.
func (m *Manager) DeleteFile(projectID, relPath string) error {
	full, err := m.resolve(projectID, relPath)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if os.IsNotExist(err) {
		return fmt.Errorf("file %s: %w", relPath, core.ErrNotFound)
	}
	return err
}

// ListFiles walks a project-relative directory (or the whole project
// when relPath is empty) and returns its entries sorted by path.
func (m *Manager) ListFiles(projectID, relPath string) ([]FileInfo, error) {
	base, err := m.projectDir(projectID)
	if err != nil {
		return nil, err
	}
	start := base
	if relPath != "" {
		start, err = m.resolve(projectID, relPath)
		if err != nil {
			return nil, err
		}
	}

	var out []FileInfo
	err = filepath.Walk(start, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == start {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		out = append(out, FileInfo{Path: filepath.ToSlash(rel), Size: info.Size(), IsDir: info.IsDir()})
		return nil
	})
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("path %s: %w", relPath, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Manager) projectDir(projectID string) (string, error) {
	if projectID == "" || strings.ContainsAny(projectID, `/\`) {
		return "", core.NewValidationError("project_id", "invalid project id")
	}
	return filepath.Join(m.root, projectID), nil
}

// resolve canonicalizes {root}/{project}/{relPath} and rejects any
// result that escapes the project directory.
func (m *Manager) resolve(projectID, relPath string) (string, error) {
	dir, err := m.projectDir(projectID)
	if err != nil {
		return "", err
	}
	full := filepath.Clean(filepath.Join(dir, relPath))
	if full != dir && !strings.HasPrefix(full, dir+string(filepath.Separator)) {
		return "", core.NewValidationError("file_path", "path escapes project workspace")
	}
	return full, nil
}
