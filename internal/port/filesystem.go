package port

import (
	"io"
	"time"
)

// DiskUsage represents disk usage statistics
type DiskUsage struct {
	Total   uint64  // Total disk space in bytes
	Used    uint64  // Used disk space in bytes
	Free    uint64  // Free disk space in bytes
	UsedPct float64 // Used percentage (0-100)
}

// FileSystem defines the interface for local filesystem operations
type FileSystem interface {
	// RootDir returns the storage root directory
	RootDir() string

	// EnsureDir ensures the directory for a file path exists
	EnsureDir(filePath string) error

	// OpenForAppend opens (or creates) a file for resumable writes.
	// Returns the writer and the number of bytes already on disk.
	OpenForAppend(filePath string) (io.WriteCloser, int64, error)

	// DeleteFile removes a file; a missing file is not an error
	DeleteFile(filePath string) error

	// FileExists checks if a file exists
	FileExists(filePath string) bool

	// GetFileSize returns the size of a file
	GetFileSize(filePath string) (int64, error)

	// GetDiskUsage returns disk usage statistics for the root
	GetDiskUsage() (*DiskUsage, error)

	// CleanOrphanFiles removes files below the root's subdirectories that are
	// older than olderThan and not owned. Returns the number of files deleted.
	CleanOrphanFiles(olderThan time.Duration, owned func(path string) bool) (int, error)
}
