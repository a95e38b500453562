// Package porttest provides in-memory implementations of the ports for tests.
package porttest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vertextoedge/offline-sync/internal/domain"
	"github.com/vertextoedge/offline-sync/internal/port"
)

// MemStore is an in-memory port.KeyValueStore
type MemStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	writes map[string]int

	// SetErr, when non-nil, is returned by every Set
	SetErr error
}

var _ port.KeyValueStore = (*MemStore)(nil)

// NewMemStore creates an empty store
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte), writes: make(map[string]int)}
}

// Get returns a copy of the value under key
func (s *MemStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

// Set stores a copy of value
func (s *MemStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetErr != nil {
		return s.SetErr
	}
	s.data[key] = bytes.Clone(value)
	s.writes[key]++
	return nil
}

// Remove deletes key
func (s *MemStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Put seeds raw bytes under key
func (s *MemStore) Put(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = bytes.Clone(value)
}

// Writes reports how many times key was written
func (s *MemStore) Writes(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[key]
}

type memFile struct {
	data    []byte
	modTime time.Time
}

// MemFS is an in-memory port.FileSystem rooted at a virtual directory
type MemFS struct {
	mu    sync.Mutex
	root  string
	files map[string]*memFile
	now   func() time.Time

	// Capacity and Free drive GetDiskUsage
	Capacity uint64
	Free     uint64

	// DiskUsageErr, when non-nil, is returned by GetDiskUsage
	DiskUsageErr error
}

var _ port.FileSystem = (*MemFS)(nil)

// NewMemFS creates an empty filesystem with 64GB free
func NewMemFS(root string) *MemFS {
	return &MemFS{
		root:     filepath.Clean(root),
		files:    make(map[string]*memFile),
		now:      time.Now,
		Capacity: 128 << 30,
		Free:     64 << 30,
	}
}

// RootDir returns the virtual root
func (f *MemFS) RootDir() string { return f.root }

// EnsureDir is a no-op; directories are implicit
func (f *MemFS) EnsureDir(string) error { return nil }

// OpenForAppend returns a writer appending to the file
func (f *MemFS) OpenForAppend(path string) (io.WriteCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[path]
	if !ok {
		file = &memFile{modTime: f.now()}
		f.files[path] = file
	}
	return &memWriter{fs: f, path: path}, int64(len(file.data)), nil
}

// DeleteFile removes a file
func (f *MemFS) DeleteFile(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

// FileExists reports whether path exists
func (f *MemFS) FileExists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok
}

// GetFileSize returns the size of path
func (f *MemFS) GetFileSize(path string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[path]
	if !ok {
		return 0, os.ErrNotExist
	}
	return int64(len(file.data)), nil
}

// GetDiskUsage reports Capacity and Free
func (f *MemFS) GetDiskUsage() (*port.DiskUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DiskUsageErr != nil {
		return nil, f.DiskUsageErr
	}
	used := f.Capacity - f.Free
	return &port.DiskUsage{
		Total:   f.Capacity,
		Used:    used,
		Free:    f.Free,
		UsedPct: float64(used) / float64(f.Capacity) * 100,
	}, nil
}

// CleanOrphanFiles removes unowned files older than olderThan below the root's subdirectories
func (f *MemFS) CleanOrphanFiles(olderThan time.Duration, owned func(string) bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	threshold := f.now().Add(-olderThan)
	count := 0
	for path, file := range f.files {
		if filepath.Dir(path) == f.root || !strings.HasPrefix(path, f.root) {
			continue
		}
		if owned != nil && owned(path) {
			continue
		}
		if file.modTime.Before(threshold) {
			delete(f.files, path)
			count++
		}
	}
	return count, nil
}

// WriteFile seeds a file with data and modification time
func (f *MemFS) WriteFile(path string, data []byte, modTime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = &memFile{data: bytes.Clone(data), modTime: modTime}
}

// ReadFile returns the content of path
func (f *MemFS) ReadFile(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[path]
	if !ok {
		return nil, false
	}
	return bytes.Clone(file.data), true
}

// Paths returns all file paths, sorted
func (f *MemFS) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.files))
	for p := range f.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type memWriter struct {
	fs     *MemFS
	path   string
	closed bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("write on closed file")
	}
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	file, ok := w.fs.files[w.path]
	if !ok {
		file = &memFile{}
		w.fs.files[w.path] = file
	}
	file.data = append(file.data, p...)
	file.modTime = w.fs.now()
	return len(p), nil
}

func (w *memWriter) Close() error {
	w.closed = true
	return nil
}

// Network is a settable port.NetworkStatus
type Network struct {
	mu   sync.Mutex
	cond domain.NetworkCondition
	subs map[int]func(domain.NetworkCondition)
	next int
	err  error
}

var _ port.NetworkStatus = (*Network)(nil)

// NewNetwork creates a network reporting cond
func NewNetwork(cond domain.NetworkCondition) *Network {
	return &Network{cond: cond, subs: make(map[int]func(domain.NetworkCondition))}
}

// Wifi returns a connected, excellent wifi network
func Wifi() *Network {
	return NewNetwork(domain.NetworkCondition{Connected: true, Type: domain.ConnectionWifi, Strength: domain.StrengthExcellent})
}

// Offline returns a disconnected network
func Offline() *Network {
	return NewNetwork(domain.NetworkCondition{Type: domain.ConnectionUnknown, Strength: domain.StrengthPoor})
}

// IsConnected reports the current connectivity
func (n *Network) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cond.Connected
}

// ConnectionType reports the current link type
func (n *Network) ConnectionType() domain.ConnectionType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cond.Type
}

// Condition returns the current condition or the configured error
func (n *Network) Condition(ctx context.Context) (domain.NetworkCondition, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return domain.NetworkCondition{}, n.err
	}
	return n.cond, nil
}

// FailCondition makes Condition return err
func (n *Network) FailCondition(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

// Subscribe registers fn for changes
func (n *Network) Subscribe(fn func(domain.NetworkCondition)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// Set changes the condition and notifies subscribers synchronously
func (n *Network) Set(cond domain.NetworkCondition) {
	n.mu.Lock()
	n.cond = cond
	subs := make([]func(domain.NetworkCondition), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()
	for _, fn := range subs {
		fn(cond)
	}
}

// Subscribers returns the number of registered callbacks
func (n *Network) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
