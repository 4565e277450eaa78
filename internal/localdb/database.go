// Package localdb is the local installation database: the record of every
// installed package version, with a shared read view and a single writer.
package localdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/toolvm/internal/domain"
	"github.com/freewebtopdf/toolvm/internal/storage"
	"github.com/freewebtopdf/toolvm/internal/version"
)

// Schema tags the persisted database document
const Schema = "LocalDatabase.v2"

// ErrLocked is returned when another writer holds the database
var ErrLocked = errors.New("installation database is locked by another writer")

// ErrClosed is returned by a mutator after Close
var ErrClosed = errors.New("installation database mutator is closed")

// document is the persisted form: id -> canonical version -> record
type document struct {
	Schema   string                                             `json:"schema"`
	Packages map[string]map[string]*domain.InstalledPackageInfo `json:"packages"`
}

// ReadHandle is the read side of the database
type ReadHandle interface {
	// Get returns exactly the record for key
	Get(key domain.PackageKey) (*domain.InstalledPackageInfo, bool)
	// Lookup is Get with a NOT_INSTALLED error naming the key
	Lookup(key domain.PackageKey) (*domain.InstalledPackageInfo, error)
	// GetOrDefault never fails
	GetOrDefault(key domain.PackageKey, def *domain.InstalledPackageInfo) *domain.InstalledPackageInfo
	Count() int
	Contains(id string) bool
	// ContainsVersion parses v strictly before checking
	ContainsVersion(id, v string) (bool, error)
	ContainsKey(key domain.PackageKey) bool
	Keys() []domain.PackageKey
	Metas() []domain.PackageMeta
	// Entries returns every installed version of id, newest first
	Entries(id string) []*domain.InstalledPackageInfo
}

// Database is a read handle over the installation records
type Database struct {
	path   string
	logger zerolog.Logger

	mu       sync.RWMutex
	packages map[string]map[string]*domain.InstalledPackageInfo
}

// Option configures a Database
type Option func(*Database)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Database) {
		d.logger = logger
	}
}

// Open loads the database at path for reading. A missing file is an empty
// database; anything that does not decode cleanly is CORRUPT_STATE.
func Open(ctx context.Context, path string, opts ...Option) (*Database, error) {
	d := &Database{
		path:     path,
		logger:   log.Logger,
		packages: make(map[string]map[string]*domain.InstalledPackageInfo),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Database) load() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read installation database: %w", err)
	}

	details := map[string]any{"path": d.path}

	var doc document
	if err := unmarshal(data, &doc); err != nil {
		return domain.NewCorruptStateError("Installation database does not decode", err, details)
	}
	if doc.Schema != Schema {
		details["schema"] = doc.Schema
		return domain.NewCorruptStateError(fmt.Sprintf("Installation database schema is not %s", Schema), nil, details)
	}

	for id, versions := range doc.Packages {
		for key, info := range versions {
			v, err := version.Parse(key)
			if err != nil {
				details["id"] = id
				return domain.NewCorruptStateError("Installation database has an invalid version key", err, details)
			}
			if v.String() != key || info == nil {
				details["id"] = id
				details["version"] = key
				return domain.NewCorruptStateError("Installation database has a malformed record", nil, details)
			}
			// A record must describe exactly the key it is stored under
			if info.Meta.ID != id || info.Meta.Version.String() != key {
				details["id"] = id
				details["version"] = key
				details["record"] = info.Meta.ID + "@" + info.Meta.Version.String()
				return domain.NewCorruptStateError("Installation database record does not match its key", nil, details)
			}
		}
	}
	if doc.Packages != nil {
		d.packages = doc.Packages
	}
	return nil
}

// Path returns the backing file
func (d *Database) Path() string {
	return d.path
}

// Get implements ReadHandle
func (d *Database) Get(key domain.PackageKey) (*domain.InstalledPackageInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.packages[key.ID][key.Version.String()]
	return info, ok
}

// Lookup implements ReadHandle
func (d *Database) Lookup(key domain.PackageKey) (*domain.InstalledPackageInfo, error) {
	if info, ok := d.Get(key); ok {
		return info, nil
	}
	err := domain.NewAppError(domain.ErrNotInstalled, "Package version is not installed",
		map[string]any{"id": key.ID, "version": key.Version.String()})
	err.PackageID = key.ID
	return nil, err
}

// GetOrDefault implements ReadHandle
func (d *Database) GetOrDefault(key domain.PackageKey, def *domain.InstalledPackageInfo) *domain.InstalledPackageInfo {
	if info, ok := d.Get(key); ok {
		return info
	}
	return def
}

// Count implements ReadHandle
func (d *Database) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, versions := range d.packages {
		n += len(versions)
	}
	return n
}

// Contains implements ReadHandle
func (d *Database) Contains(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.packages[id]) > 0
}

// ContainsVersion implements ReadHandle
func (d *Database) ContainsVersion(id, v string) (bool, error) {
	parsed, err := version.Parse(v)
	if err != nil {
		return false, err
	}
	return d.ContainsKey(domain.PackageKey{ID: id, Version: parsed}), nil
}

// ContainsKey implements ReadHandle
func (d *Database) ContainsKey(key domain.PackageKey) bool {
	_, ok := d.Get(key)
	return ok
}

// Keys implements ReadHandle. Keys are sorted by id, then newest version first.
func (d *Database) Keys() []domain.PackageKey {
	d.mu.RLock()
	defer d.mu.RUnlock()

	keys := make([]domain.PackageKey, 0, len(d.packages))
	for _, versions := range d.packages {
		for _, info := range versions {
			keys = append(keys, info.Key())
		}
	}
	sortKeys(keys)
	return keys
}

// Metas implements ReadHandle, in Keys order
func (d *Database) Metas() []domain.PackageMeta {
	keys := d.Keys()
	metas := make([]domain.PackageMeta, 0, len(keys))
	for _, key := range keys {
		if info, ok := d.Get(key); ok {
			metas = append(metas, info.Meta)
		}
	}
	return metas
}

// Entries implements ReadHandle
func (d *Database) Entries(id string) []*domain.InstalledPackageInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries := make([]*domain.InstalledPackageInfo, 0, len(d.packages[id]))
	for _, info := range d.packages[id] {
		entries = append(entries, info)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Meta.Version.Compare(entries[j].Meta.Version) > 0
	})
	return entries
}

// HealthCheck reports whether the database file is readable
func (d *Database) HealthCheck(ctx context.Context) domain.HealthStatus {
	status := domain.HealthStatus{
		Status:    domain.HealthStatusHealthy,
		Message:   "Installation database is operating normally",
		Details:   map[string]any{"path": d.path, "installed": d.Count()},
		Timestamp: time.Now(),
	}

	if _, err := os.Stat(d.path); err != nil {
		if os.IsNotExist(err) {
			status.Status = domain.HealthStatusDegraded
			status.Message = "Installation database has not been stored yet"
		} else {
			status.Status = domain.HealthStatusUnhealthy
			status.Message = "Installation database is not accessible"
			status.Details["error"] = err.Error()
		}
	}
	return status
}

func sortKeys(keys []domain.PackageKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ID != keys[j].ID {
			return keys[i].ID < keys[j].ID
		}
		return keys[i].Version.Compare(keys[j].Version) > 0
	})
}

// writers guards against two mutators on one database inside a process
var writers = struct {
	sync.Mutex
	paths map[string]bool
}{paths: make(map[string]bool)}

// Mutator is the single writer of a database. Its read side is shared with
// Handle, so reads observe mutations before they are stored.
type Mutator struct {
	*Database

	writeMu sync.Mutex
	key     string
	lock    *fileLock
	closed  bool
}

// OpenMutator acquires the database for writing. A second writer, in this
// process or another, gets ErrLocked.
func OpenMutator(ctx context.Context, path string, opts ...Option) (*Mutator, error) {
	key, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}

	writers.Lock()
	if writers.paths[key] {
		writers.Unlock()
		return nil, ErrLocked
	}
	writers.paths[key] = true
	writers.Unlock()

	release := func() {
		writers.Lock()
		delete(writers.paths, key)
		writers.Unlock()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		release()
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	lock, err := acquireFileLock(path + ".lock")
	if err != nil {
		release()
		return nil, err
	}

	db, err := Open(ctx, path, opts...)
	if err != nil {
		lock.release()
		release()
		return nil, err
	}

	return &Mutator{Database: db, key: key, lock: lock}, nil
}

// Handle returns the read side
func (m *Mutator) Handle() ReadHandle {
	return m.Database
}

// Add inserts or replaces the record for the info's (id, version)
func (m *Mutator) Add(info *domain.InstalledPackageInfo) error {
	if info == nil || info.Meta.ID == "" {
		return domain.NewAppError(domain.ErrInvalidInput, "Installed package record needs an id", nil)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.closed {
		return ErrClosed
	}

	record := *info
	m.mu.Lock()
	defer m.mu.Unlock()
	versions, ok := m.packages[record.Meta.ID]
	if !ok {
		versions = make(map[string]*domain.InstalledPackageInfo)
		m.packages[record.Meta.ID] = versions
	}
	versions[record.Meta.Version.String()] = &record
	return nil
}

// Remove deletes the record for key and reports whether it existed.
// Removing an absent record is a no-op.
func (m *Mutator) Remove(key domain.PackageKey) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.closed {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	versions, ok := m.packages[key.ID]
	if !ok {
		return false
	}
	v := key.Version.String()
	if _, ok := versions[v]; !ok {
		return false
	}
	delete(versions, v)
	if len(versions) == 0 {
		delete(m.packages, key.ID)
	}
	return true
}

// MaintenanceReport summarizes a Maintain pass
type MaintenanceReport struct {
	Dropped      int      `json:"dropped"`
	EmptySeries  int      `json:"empty_series"`
	MissingPaths []string `json:"missing_paths,omitempty"`
}

// Maintain compacts the in-memory state: records without an id are dropped
// and empty series are removed. Records whose install path is gone are
// reported but kept.
func (m *Mutator) Maintain(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.closed {
		return report, ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, versions := range m.packages {
		if err := ctx.Err(); err != nil {
			return MaintenanceReport{}, err
		}
		for key, info := range versions {
			if info == nil || info.Meta.ID == "" {
				report.Dropped++
				m.logger.Warn().Str("package", id).Str("version", key).Msg("Dropping installed record without an id")
				delete(versions, key)
				continue
			}

			if info.Install.Path != "" {
				if _, err := os.Stat(info.Install.Path); os.IsNotExist(err) {
					report.MissingPaths = append(report.MissingPaths, info.Key().String())
					m.logger.Warn().Str("package", info.Key().String()).Str("path", info.Install.Path).
						Msg("Installed package directory is missing")
				}
			}
		}
		if len(versions) == 0 {
			report.EmptySeries++
			delete(m.packages, id)
		}
	}

	sort.Strings(report.MissingPaths)
	return report, nil
}

// Store persists the current state atomically
func (m *Mutator) Store(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	data, err := marshal(document{Schema: Schema, Packages: m.packages})
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode installation database: %w", err)
	}

	if err := storage.AtomicWrite(m.path, data); err != nil {
		return fmt.Errorf("failed to store installation database: %w", err)
	}
	m.logger.Debug().Str("path", m.path).Int("installed", m.Count()).Msg("Installation database stored")
	return nil
}

// Close releases the writer lock. Unstored mutations are never written to
// disk, but stay visible through handles obtained before Close.
func (m *Mutator) Close() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.lock.release()

	writers.Lock()
	delete(writers.paths, m.key)
	writers.Unlock()
	return nil
}

// LatestInstalled returns the newest installed version of id
func LatestInstalled(handle ReadHandle, id string, includePrerelease bool) (*domain.InstalledPackageInfo, error) {
	entries := handle.Entries(id)
	if len(entries) == 0 {
		err := domain.NewAppError(domain.ErrNotInstalled, "Package is not installed", map[string]any{"id": id})
		err.PackageID = id
		return nil, err
	}

	versions := make([]version.Version, 0, len(entries))
	for _, e := range entries {
		versions = append(versions, e.Meta.Version)
	}
	latest, err := version.LatestOf(versions, includePrerelease)
	if err != nil {
		appErr := domain.NewAppErrorWithCause(domain.ErrNoLatest, "No installed version matches the latest-version filter", err,
			map[string]any{"id": id, "include_prerelease": includePrerelease})
		appErr.PackageID = id
		return nil, appErr
	}
	return handle.GetOrDefault(domain.PackageKey{ID: id, Version: latest}, nil), nil
}
