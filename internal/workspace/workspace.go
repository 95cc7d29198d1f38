// Package workspace owns the per-environment data directories that are
// bind-mounted into environment containers.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrOutsideRoot is returned for paths that escape the workspace root.
var ErrOutsideRoot = errors.New("workspace: path outside root")

// Manager owns environment-specific data directories under a common root.
type Manager struct {
	root string
}

// New ensures the environments directory under dataRoot exists.
func New(dataRoot string) (*Manager, error) {
	if dataRoot == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	root := filepath.Join(abs, "environments")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the directory holding every environment directory.
func (m *Manager) Root() string {
	return m.root
}

// Path returns the data directory for an environment without creating it.
func (m *Manager) Path(envID string) (string, error) {
	if strings.TrimSpace(envID) == "" {
		return "", fmt.Errorf("workspace identifier cannot be empty")
	}
	dir := filepath.Join(m.root, envID)
	if err := m.within(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// Ensure creates the data directory for an environment if it is missing.
func (m *Manager) Ensure(envID string) (string, error) {
	dir, err := m.Path(envID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Scaffold writes starter files into the environment directory. Files that
// already exist are left untouched.
func (m *Manager) Scaffold(envID string, files map[string]string) error {
	dir, err := m.Ensure(envID)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		target := filepath.Join(dir, filepath.FromSlash(name))
		rel, err := filepath.Rel(dir, target)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("%w: %s", ErrOutsideRoot, name)
		}
		if _, err := os.Stat(target); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat %s: %w", name, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", name, err)
		}
		if err := os.WriteFile(target, []byte(files[name]), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// Purge removes the environment's data directory. A missing directory is not an error.
func (m *Manager) Purge(envID string) error {
	dir, err := m.Path(envID)
	if err != nil {
		return err
	}
	return m.Cleanup(dir)
}

// Cleanup removes a directory inside the workspace root.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	if err := m.within(path); err != nil {
		return err
	}
	return os.RemoveAll(path)
}

func (m *Manager) within(path string) error {
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return nil
}
