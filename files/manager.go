package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/john/printfleet/gcode"
)

// ModelsRoot is the logical namespace sliced files are stored under.
const ModelsRoot = "/models"

// ErrOutsideRoot is returned when a logical path escapes its root.
var ErrOutsideRoot = errors.New("path escapes root directory")

// Manager maps logical G-code paths onto disk and owns the staging
// directory for injected copies.
type Manager struct {
	publicDir string
	tempDir   string
}

// NewManager creates a file manager. publicDir backs the /models
// namespace; tempDir receives staged copies and is created if missing.
func NewManager(publicDir, tempDir string) (*Manager, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("creating temp dir %s: %w", tempDir, err)
	}
	return &Manager{publicDir: publicDir, tempDir: tempDir}, nil
}

// TempDir returns the staging directory.
func (m *Manager) TempDir() string {
	return m.tempDir
}

// Resolve maps a stored G-code path to a filesystem path. Paths under
// /models and relative paths live in the public directory; any other
// absolute path is used as-is.
func (m *Manager) Resolve(gcodePath string) (string, error) {
	p := filepath.FromSlash(gcodePath)
	if !strings.HasPrefix(gcodePath, ModelsRoot) && filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}

	path := filepath.Join(m.publicDir, p)
	if !within(m.publicDir, path) {
		return "", fmt.Errorf("resolving %s: %w", gcodePath, ErrOutsideRoot)
	}
	return path, nil
}

// Exists reports whether path names a regular file.
func (m *Manager) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Read returns the file contents.
func (m *Manager) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// Remove deletes a staged file. Paths outside the staging directory are
// refused so a bad caller can never delete a source model.
func (m *Manager) Remove(path string) error {
	if !within(m.tempDir, path) {
		return fmt.Errorf("removing %s: %w", path, ErrOutsideRoot)
	}
	return os.Remove(path)
}

// CanStage reports whether the staging filesystem has room for a copy of
// the file at path plus some headroom. Platforms without disk statistics
// always report true.
func (m *Manager) CanStage(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	total, free := diskUsage(m.tempDir)
	if total == 0 {
		return true
	}
	return free > uint64(info.Size())*2
}

// Metadata resolves a stored G-code path and parses its slicer metadata.
func (m *Manager) Metadata(gcodePath string) (gcode.Metadata, error) {
	path, err := m.Resolve(gcodePath)
	if err != nil {
		return gcode.Metadata{}, err
	}
	data, err := m.Read(path)
	if err != nil {
		return gcode.Metadata{}, err
	}
	return gcode.Parse(string(data)), nil
}

func within(root, path string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
