// Package artefact maps packages to content-addressed local files, verifies
// them against the checksum registry and sweeps stale downloads.
package artefact

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/djherbis/times"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/toolvm/internal/checksum"
	"github.com/freewebtopdf/toolvm/internal/domain"
)

// DefaultRetention is how long a downloaded artefact is kept
const DefaultRetention = 7 * 24 * time.Hour

const tempPrefix = ".tmp-"

// Config holds artefact store settings
type Config struct {
	Dir                string
	AllowUncertainHash bool
	Retention          time.Duration
}

// Manager owns the artefact directory
type Manager struct {
	dir                string
	allowUncertainHash bool
	retention          time.Duration
	registry           *checksum.Registry
	logger             zerolog.Logger
	now                func() time.Time
	locks              *pathLocks
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces the clock used by Clean
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager. A zero retention falls back to DefaultRetention.
func NewManager(cfg Config, registry *checksum.Registry, opts ...Option) *Manager {
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	if registry == nil {
		registry = checksum.Default()
	}

	m := &Manager{
		dir:                cfg.Dir,
		allowUncertainHash: cfg.AllowUncertainHash,
		retention:          retention,
		registry:           registry,
		logger:             log.Logger,
		now:                time.Now,
		locks:              newPathLocks(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the artefact directory
func (m *Manager) Dir() string {
	return m.dir
}

// AllowsUncertainHash reports the configured trust policy
func (m *Manager) AllowsUncertainHash() bool {
	return m.allowUncertainHash
}

// Path derives the local file of an artefact. It is a pure function of the
// package id and the artefact's checksum type and value; the file may not exist.
func (m *Manager) Path(artefact domain.RemoteArtefact, meta domain.PackageMeta) string {
	return filepath.Join(m.dir, FileName(meta.ID, artefact.ChecksumType, artefact.Checksum))
}

// FileName returns hex(SHA-512("{id}-{checksumType}-{checksum}"))
func FileName(packageID, checksumType, sum string) string {
	digest := sha512.Sum512([]byte(packageID + "-" + checksumType + "-" + sum))
	return hex.EncodeToString(digest[:])
}

// Create opens a writer for the artefact's path. Only one writer per path
// exists at a time; the file appears at its path, replacing any previous one,
// when the writer is closed.
func (m *Manager) Create(ctx context.Context, artefact domain.RemoteArtefact, meta domain.PackageMeta) (*Writer, error) {
	path := m.Path(artefact, meta)

	unlock, err := m.locks.acquire(ctx, path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		unlock()
		return nil, fmt.Errorf("failed to create artefact directory: %w", err)
	}

	tempPath := filepath.Join(m.dir, tempPrefix+uuid.NewString())
	file, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to create artefact file: %w", err)
	}

	return &Writer{file: file, tempPath: tempPath, path: path, unlock: unlock}, nil
}

// Verify reports whether the artefact file exists and matches its checksum.
// A missing checksum or an unregistered checksum type cannot be verified;
// the result is then the uncertain-hash policy.
func (m *Manager) Verify(ctx context.Context, artefact domain.RemoteArtefact, meta domain.PackageMeta) (bool, error) {
	path := m.Path(artefact, meta)

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open artefact: %w", err)
	}
	defer file.Close()

	if !artefact.HasChecksum() {
		m.logger.Warn().
			Str("package", meta.ID).
			Str("uri", artefact.URI).
			Bool("allowed", m.allowUncertainHash).
			Msg("Artefact has no checksum, integrity cannot be verified")
		return m.allowUncertainHash, nil
	}

	validator, ok := m.registry.Lookup(artefact.ChecksumType)
	if !ok {
		m.logger.Warn().
			Str("package", meta.ID).
			Str("checksum_type", artefact.ChecksumType).
			Bool("allowed", m.allowUncertainHash).
			Msg("No validator for checksum type, integrity cannot be verified")
		return m.allowUncertainHash, nil
	}

	sum, err := validator.Checksum(ctx, file)
	if err != nil {
		return false, fmt.Errorf("failed to checksum artefact %s: %w", path, err)
	}

	if !validator.Compare(validator.String(sum), artefact.Checksum) {
		m.logger.Warn().
			Str("package", meta.ID).
			Str("expected", artefact.Checksum).
			Str("actual", validator.String(sum)).
			Msg("Artefact checksum mismatch")
		return false, nil
	}
	return true, nil
}

// SafePath returns the artefact path only when Verify accepts the file.
// Callers must use it before treating an artefact as usable.
func (m *Manager) SafePath(ctx context.Context, artefact domain.RemoteArtefact, meta domain.PackageMeta) (string, bool, error) {
	ok, err := m.Verify(ctx, artefact, meta)
	if err != nil || !ok {
		return "", false, err
	}
	return m.Path(artefact, meta), true, nil
}

// Clean deletes artefacts whose creation time is at least the retention
// window in the past and returns the removed file names
func (m *Manager) Clean(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read artefact directory: %w", err)
	}

	now := m.now()
	var removed []string
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(m.dir, entry.Name())
		created, err := creationTime(path)
		if err != nil {
			m.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to stat artefact")
			continue
		}
		if now.Sub(created) < m.retention {
			continue
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to delete stale artefact")
			continue
		}
		removed = append(removed, entry.Name())
	}

	if len(removed) > 0 {
		m.logger.Info().Int("count", len(removed)).Msg("Stale artefacts removed")
	}
	return removed, nil
}

// HealthCheck reports whether the artefact directory is usable
func (m *Manager) HealthCheck(ctx context.Context) domain.HealthStatus {
	status := domain.HealthStatus{
		Status:    domain.HealthStatusHealthy,
		Message:   "Artefact store is operating normally",
		Details:   map[string]any{"dir": m.dir},
		Timestamp: time.Now(),
	}

	entries, err := os.ReadDir(m.dir)
	switch {
	case os.IsNotExist(err):
		status.Status = domain.HealthStatusDegraded
		status.Message = "Artefact directory has not been created yet"
	case err != nil:
		status.Status = domain.HealthStatusUnhealthy
		status.Message = "Artefact directory is not accessible"
		status.Details["error"] = err.Error()
	default:
		count := 0
		for _, entry := range entries {
			if !entry.IsDir() && !strings.HasPrefix(entry.Name(), tempPrefix) {
				count++
			}
		}
		status.Details["artefacts"] = count
	}
	return status
}

// creationTime prefers the birth time and falls back to the modification
// time on filesystems that do not record one
func creationTime(path string) (time.Time, error) {
	ts, err := times.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	if ts.HasBirthTime() {
		return ts.BirthTime(), nil
	}
	return ts.ModTime(), nil
}

// Writer receives an artefact download
type Writer struct {
	file     *os.File
	tempPath string
	path     string
	unlock   func()

	once sync.Once
	err  error
}

// Write implements io.Writer
func (w *Writer) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

// Path returns the final artefact path
func (w *Writer) Path() string {
	return w.path
}

// Close syncs the download and moves it to the artefact path
func (w *Writer) Close() error {
	w.once.Do(func() {
		defer w.unlock()

		if err := w.file.Sync(); err != nil {
			_ = w.file.Close()
			_ = os.Remove(w.tempPath)
			w.err = fmt.Errorf("failed to sync artefact: %w", err)
			return
		}
		if err := w.file.Close(); err != nil {
			_ = os.Remove(w.tempPath)
			w.err = fmt.Errorf("failed to close artefact: %w", err)
			return
		}
		if err := os.Rename(w.tempPath, w.path); err != nil {
			_ = os.Remove(w.tempPath)
			w.err = fmt.Errorf("failed to move artefact into place: %w", err)
		}
	})
	return w.err
}

// Abort discards the download. Calling Close afterwards is a no-op.
func (w *Writer) Abort() {
	w.once.Do(func() {
		defer w.unlock()
		_ = w.file.Close()
		_ = os.Remove(w.tempPath)
	})
}
