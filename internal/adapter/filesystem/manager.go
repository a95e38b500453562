package filesystem

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/vertextoedge/offline-sync/internal/port"
)

// Manager handles local filesystem operations
type Manager struct {
	rootDir string
	now     func() time.Time
}

// Ensure Manager implements port.FileSystem
var _ port.FileSystem = (*Manager)(nil)

// NewManager creates a new filesystem manager rooted at rootDir
func NewManager(rootDir string) (*Manager, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root dir: %w", err)
	}

	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root dir: %w", err)
	}

	return &Manager{rootDir: abs, now: time.Now}, nil
}

// RootDir returns the storage root directory
func (m *Manager) RootDir() string {
	return m.rootDir
}

// EnsureDir ensures the directory for a file path exists
func (m *Manager) EnsureDir(filePath string) error {
	return os.MkdirAll(filepath.Dir(filePath), 0755)
}

// OpenForAppend opens filePath for appending, creating it if needed.
// The returned offset is the size already on disk, which is where a resumed
// transfer continues.
func (m *Manager) OpenForAppend(filePath string) (io.WriteCloser, int64, error) {
	if err := m.EnsureDir(filePath); err != nil {
		return nil, 0, fmt.Errorf("failed to create parent dir: %w", err)
	}

	f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open file for append: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat file: %w", err)
	}

	return f, info.Size(), nil
}

// DeleteFile removes a file
func (m *Manager) DeleteFile(filePath string) error {
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// FileExists checks if a regular file exists
func (m *Manager) FileExists(filePath string) bool {
	info, err := os.Stat(filePath)
	return err == nil && !info.IsDir()
}

// GetFileSize returns the size of a file
func (m *Manager) GetFileSize(filePath string) (int64, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// CleanOrphanFiles removes files in subdirectories of the root that no
// record owns. Files directly in the root (the database) are never touched.
func (m *Manager) CleanOrphanFiles(olderThan time.Duration, owned func(path string) bool) (int, error) {
	count := 0
	threshold := m.now().Add(-olderThan)

	err := filepath.Walk(m.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Dir(path) == m.rootDir {
			return nil
		}
		if owned != nil && owned(path) {
			return nil
		}
		if info.ModTime().Before(threshold) {
			if removeErr := os.Remove(path); removeErr == nil {
				count++
			}
		}
		return nil
	})
	return count, err
}

// CleanEmptyDirs removes empty directories under root
func (m *Manager) CleanEmptyDirs() error {
	return filepath.Walk(m.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && path != m.rootDir {
			os.Remove(path) // Will only succeed if empty
		}
		return nil
	})
}
