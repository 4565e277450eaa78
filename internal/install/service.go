package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/toolvm/internal/artefact"
	"github.com/freewebtopdf/toolvm/internal/domain"
	"github.com/freewebtopdf/toolvm/internal/localdb"
)

// Catalog resolves indexed package versions
type Catalog interface {
	GetPackageInfo(key domain.PackageKey) (*domain.CachedPackageInfo, error)
	GetLatest(id string, includePrerelease bool) (*domain.CachedPackageInfo, error)
}

// Fetcher downloads an artefact URI into dst
type Fetcher interface {
	Fetch(ctx context.Context, uri string, dst io.Writer) (int64, error)
}

// Database is the writable installation database
type Database interface {
	localdb.ReadHandle
	Add(info *domain.InstalledPackageInfo) error
	Remove(key domain.PackageKey) bool
	Store(ctx context.Context) error
}

// Config holds install settings
type Config struct {
	InstallDir   string
	MirrorPolicy artefact.MirrorPolicy
}

// Update pairs an installed package with a newer indexed version
type Update struct {
	ID        string `json:"id"`
	Installed string `json:"installed"`
	Available string `json:"available"`
}

// Service installs and removes packages
type Service struct {
	config    Config
	catalog   Catalog
	artefacts *artefact.Manager
	fetcher   Fetcher
	db        Database
	plugins   *Registry
	hooks     []domain.InstallHook
	deps      *DependencyChecker
	logger    zerolog.Logger
	now       func() time.Time

	mu sync.Mutex
}

// Option configures a Service
type Option func(*Service)

// WithPlugins replaces the built-in plugin registry
func WithPlugins(registry *Registry) Option {
	return func(s *Service) {
		s.plugins = registry
	}
}

// WithHooks appends lifecycle hooks
func WithHooks(hooks ...domain.InstallHook) Option {
	return func(s *Service) {
		s.hooks = append(s.hooks, hooks...)
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock replaces the clock used for install timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates an install service
func NewService(cfg Config, catalog Catalog, artefacts *artefact.Manager, fetcher Fetcher, db Database, opts ...Option) *Service {
	s := &Service{
		config:    cfg,
		catalog:   catalog,
		artefacts: artefacts,
		fetcher:   fetcher,
		db:        db,
		plugins:   DefaultRegistry(),
		deps:      NewDependencyChecker(db),
		logger:    log.Logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InstallPath returns the directory a package version installs into
func (s *Service) InstallPath(key domain.PackageKey) string {
	return filepath.Join(s.config.InstallDir, key.ID, key.Version.String())
}

// Install installs one indexed package version. An already installed key is
// returned as is.
func (s *Service) Install(ctx context.Context, key domain.PackageKey) (*domain.InstalledPackageInfo, error) {
	info, err := s.catalog.GetPackageInfo(key)
	if err != nil {
		return nil, err
	}
	return s.install(ctx, info)
}

// InstallLatest installs the newest indexed version of id
func (s *Service) InstallLatest(ctx context.Context, id string, includePrerelease bool) (*domain.InstalledPackageInfo, error) {
	info, err := s.catalog.GetLatest(id, includePrerelease)
	if err != nil {
		return nil, err
	}
	return s.install(ctx, info)
}

func (s *Service) install(ctx context.Context, info *domain.CachedPackageInfo) (*domain.InstalledPackageInfo, error) {
	meta := info.Meta
	key := meta.Key()

	plugins, err := s.plugins.Resolve(meta)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.db.Get(key); ok {
		s.logger.Info().Str("package", key.String()).Msg("Package already installed")
		return existing, nil
	}

	deps, err := s.deps.CheckDependencies(ctx, meta)
	if err != nil {
		return nil, err
	}
	for _, warning := range deps.Warnings {
		s.logger.Warn().Str("package", key.String()).Msg(warning)
	}

	artefactPath, used, err := s.obtainArtefact(ctx, info)
	if err != nil {
		return nil, err
	}

	installPath := s.InstallPath(key)
	if err := os.RemoveAll(installPath); err != nil {
		return nil, fmt.Errorf("failed to clear install directory: %w", err)
	}
	if err := os.MkdirAll(installPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create install directory: %w", err)
	}

	var hookFailures []string
	recordHook := func(stage string, err error) {
		if err == nil {
			return
		}
		s.logger.Warn().Err(err).Str("package", key.String()).Str("stage", stage).Msg("Install hook failed")
		hookFailures = append(hookFailures, fmt.Sprintf("%s: %v", stage, err))
	}

	record, err := func() (*domain.InstalledPackageInfo, error) {
		processed, err := plugins.PreProcessor.Process(ctx, meta, artefactPath)
		if err != nil {
			return nil, fmt.Errorf("failed to pre-process %s: %w", key, err)
		}

		for _, hook := range s.hooks {
			recordHook("before_expand", hook.BeforeExpand(ctx, meta, processed, installPath))
		}
		if err := plugins.Installer.Expand(ctx, meta, processed, installPath); err != nil {
			return nil, fmt.Errorf("failed to expand %s: %w", key, err)
		}

		for _, hook := range s.hooks {
			recordHook("before_configure", hook.BeforeConfigure(ctx, meta, installPath))
		}
		if err := plugins.Configurator.Configure(ctx, meta, installPath); err != nil {
			return nil, fmt.Errorf("failed to configure %s: %w", key, err)
		}

		record := &domain.InstalledPackageInfo{
			Meta: meta,
			Install: domain.InstallData{
				Path:        installPath,
				InstalledAt: s.now().UTC(),
				Artefact:    used,
			},
		}
		if err := s.db.Add(record); err != nil {
			return nil, err
		}
		return record, nil
	}()
	if err != nil {
		_ = os.RemoveAll(installPath)
		return nil, err
	}

	for _, hook := range s.hooks {
		recordHook("after_install", hook.AfterInstall(ctx, record))
	}
	if len(hookFailures) > 0 {
		record.Install.HookFailures = hookFailures
		if err := s.db.Add(record); err != nil {
			return nil, err
		}
	}

	var superseded []*domain.InstalledPackageInfo
	if meta.Unitary {
		superseded = s.dropOtherVersions(key)
	}

	if err := s.db.Store(ctx); err != nil {
		// Superseded versions stay installed until the new record is durable
		for _, entry := range superseded {
			_ = s.db.Add(entry)
		}
		return nil, err
	}
	s.removeSuperseded(superseded)
	return record, nil
}

// obtainArtefact walks the download candidates until one yields a verified
// artefact, reusing a verified local copy when present
func (s *Service) obtainArtefact(ctx context.Context, info *domain.CachedPackageInfo) (string, domain.RemoteArtefact, error) {
	meta := info.Meta
	var lastErr error

	for _, candidate := range artefact.Candidates(info, s.config.MirrorPolicy) {
		if err := ctx.Err(); err != nil {
			return "", domain.RemoteArtefact{}, err
		}

		logger := s.logger.With().
			Str("package", meta.Key().String()).
			Str("mirror", candidate.Name).
			Str("uri", candidate.Artefact.URI).
			Logger()

		path, ok, err := s.artefacts.SafePath(ctx, candidate.Artefact, meta)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", domain.RemoteArtefact{}, ctxErr
			}
			logger.Warn().Err(err).Msg("Failed to verify cached artefact")
			lastErr = err
			continue
		}
		if ok {
			logger.Debug().Str("path", path).Msg("Using cached artefact")
			return path, candidate.Artefact, nil
		}

		if err := s.download(ctx, candidate.Artefact, meta); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", domain.RemoteArtefact{}, ctxErr
			}
			logger.Warn().Err(err).Msg("Download failed, trying next location")
			lastErr = err
			continue
		}

		path, ok, err = s.artefacts.SafePath(ctx, candidate.Artefact, meta)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", domain.RemoteArtefact{}, ctxErr
			}
			lastErr = err
			continue
		}
		if ok {
			return path, candidate.Artefact, nil
		}
		logger.Warn().Msg("Downloaded artefact failed verification")
		lastErr = errors.New("downloaded artefact failed verification")
	}

	return "", domain.RemoteArtefact{}, domain.NewKnownError(domain.ErrVerificationFailed, meta.ID,
		"No download location produced a verified artefact", lastErr)
}

func (s *Service) download(ctx context.Context, remote domain.RemoteArtefact, meta domain.PackageMeta) error {
	writer, err := s.artefacts.Create(ctx, remote, meta)
	if err != nil {
		return err
	}
	if _, err := s.fetcher.Fetch(ctx, remote.URI, writer); err != nil {
		writer.Abort()
		return err
	}
	return writer.Close()
}

// dropOtherVersions removes every record of keep's id except keep and returns
// the removed records. Their directories are left in place.
func (s *Service) dropOtherVersions(keep domain.PackageKey) []*domain.InstalledPackageInfo {
	var dropped []*domain.InstalledPackageInfo
	for _, entry := range s.db.Entries(keep.ID) {
		if entry.Meta.Version.Equal(keep.Version) {
			continue
		}
		s.db.Remove(entry.Key())
		dropped = append(dropped, entry)
	}
	return dropped
}

// removeSuperseded deletes the directories of versions a unitary install replaced
func (s *Service) removeSuperseded(entries []*domain.InstalledPackageInfo) {
	for _, entry := range entries {
		if entry.Install.Path != "" {
			if err := os.RemoveAll(entry.Install.Path); err != nil {
				s.logger.Warn().Err(err).Str("package", entry.Key().String()).Msg("Failed to remove superseded version")
				continue
			}
		}
		s.logger.Info().Str("package", entry.Key().String()).Msg("Removed superseded version of unitary package")
	}
}

// Uninstall removes the install directory and the record of key
func (s *Service) Uninstall(ctx context.Context, key domain.PackageKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.db.Lookup(key)
	if err != nil {
		return err
	}

	if record.Install.Path != "" {
		if err := os.RemoveAll(record.Install.Path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", record.Install.Path, err)
		}
		// Drop the id directory once its last version is gone
		_ = os.Remove(filepath.Dir(record.Install.Path))
	}

	s.db.Remove(key)
	if err := s.db.Store(ctx); err != nil {
		return err
	}

	s.logger.Info().Str("package", key.String()).Msg("Package uninstalled")
	return nil
}

// CheckDependencies reports the dependency state of meta against the database
func (s *Service) CheckDependencies(ctx context.Context, meta domain.PackageMeta) (*DependencyCheckResult, error) {
	return s.deps.CheckDependencies(ctx, meta)
}

// Outdated lists installed ids whose newest indexed stable version is newer
// than the newest installed one. Ids missing from the catalog are skipped.
func (s *Service) Outdated(ctx context.Context) ([]Update, error) {
	var updates []Update
	seen := make(map[string]bool)

	for _, key := range s.db.Keys() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if seen[key.ID] {
			continue
		}
		seen[key.ID] = true

		installed, err := localdb.LatestInstalled(s.db, key.ID, true)
		if err != nil {
			return nil, err
		}

		available, err := s.catalog.GetLatest(key.ID, installed.Meta.Version.IsPrerelease())
		if err != nil {
			if domain.IsNotFound(err) || domain.IsNoLatest(err) {
				continue
			}
			return nil, err
		}

		if available.Meta.Version.Compare(installed.Meta.Version) > 0 {
			updates = append(updates, Update{
				ID:        key.ID,
				Installed: installed.Meta.Version.String(),
				Available: available.Meta.Version.String(),
			})
		}
	}
	return updates, nil
}
