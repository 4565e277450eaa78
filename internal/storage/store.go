// Package storage provides the namespaced, file-backed key/value store used
// for non-volatile metadata caches. Binary artefacts do not live here.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/freewebtopdf/toolvm/internal/domain"
)

// ErrObjectNotFound is returned when a cache object does not exist
var ErrObjectNotFound = errors.New("cache object not found")

// Manager owns one directory per storage id under a common root
type Manager struct {
	root string

	mu       sync.Mutex
	storages map[string]*Storage
}

// NewManager creates a Manager rooted at dir
func NewManager(root string) *Manager {
	return &Manager{
		root:     root,
		storages: make(map[string]*Storage),
	}
}

// Root returns the root directory
func (m *Manager) Root() string {
	return m.root
}

// Storage returns the storage for id. The same id always yields the same
// instance, so all users of an id share its lock.
func (m *Manager) Storage(id string) (*Storage, error) {
	if err := validateName(id); err != nil {
		return nil, fmt.Errorf("invalid storage id: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.storages[id]; ok {
		return s, nil
	}
	s := &Storage{id: id, dir: filepath.Join(m.root, id)}
	m.storages[id] = s
	return s, nil
}

// RemoveAll deletes every storage id's directory
func (m *Manager) RemoveAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.storages {
		s.mu.Lock()
	}
	defer func() {
		for _, s := range m.storages {
			s.mu.Unlock()
		}
	}()

	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read cache root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove storage %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Storage is the object store of one storage id
type Storage struct {
	id  string
	dir string
	mu  sync.RWMutex
}

// ID returns the storage id
func (s *Storage) ID() string {
	return s.id
}

// Dir returns the directory backing the storage
func (s *Storage) Dir() string {
	return s.dir
}

// Read returns the bytes of an object, or ErrObjectNotFound
func (s *Storage) Read(name string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, s.id, name)
		}
		return nil, fmt.Errorf("failed to read cache object %s/%s: %w", s.id, name, err)
	}
	return data, nil
}

// Write replaces an object atomically
func (s *Storage) Write(name string, data []byte) error {
	if err := validateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	return AtomicWrite(filepath.Join(s.dir, name), data)
}

// Delete removes an object. Removing a missing object is not an error.
func (s *Storage) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete cache object %s/%s: %w", s.id, name, err)
	}
	return nil
}

// Exists reports whether an object is present
func (s *Storage) Exists(name string) bool {
	if validateName(name) != nil {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil && info.Mode().IsRegular()
}

// Names lists the objects in the storage
func (s *Storage) Names() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list storage %s: %w", s.id, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Clear removes every object of the storage
func (s *Storage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to clear storage %s: %w", s.id, err)
	}
	return nil
}

// HealthCheck reports whether the storage directory is usable
func (s *Storage) HealthCheck(ctx context.Context) domain.HealthStatus {
	status := domain.HealthStatus{
		Status:    domain.HealthStatusHealthy,
		Message:   "Cache storage is operating normally",
		Details:   map[string]any{"storage_id": s.id, "dir": s.dir},
		Timestamp: time.Now(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(s.dir)
	switch {
	case os.IsNotExist(err):
		status.Status = domain.HealthStatusDegraded
		status.Message = "Cache storage has not been written yet"
	case err != nil:
		status.Status = domain.HealthStatusUnhealthy
		status.Message = "Cache storage directory is not accessible"
		status.Details["error"] = err.Error()
	case !info.IsDir():
		status.Status = domain.HealthStatusUnhealthy
		status.Message = "Cache storage path is not a directory"
	}
	return status
}

// AtomicWrite writes data next to targetPath under a unique temporary name,
// syncs it and renames it into place
func AtomicWrite(targetPath string, data []byte) error {
	tempPath := filepath.Join(filepath.Dir(targetPath), ".tmp-"+uuid.NewString())
	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		return fmt.Errorf("failed to rename temp file to target: %w", err)
	}

	success = true
	return nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".tmp-") {
		return fmt.Errorf("invalid name %q", name)
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("invalid name %q: contains a path separator", name)
	}
	return nil
}
