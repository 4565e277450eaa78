package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/toolvm/internal/artefact"
	"github.com/freewebtopdf/toolvm/internal/config"
	"github.com/freewebtopdf/toolvm/internal/fetch"
	"github.com/freewebtopdf/toolvm/internal/health"
	"github.com/freewebtopdf/toolvm/internal/index"
	"github.com/freewebtopdf/toolvm/internal/install"
	"github.com/freewebtopdf/toolvm/internal/localdb"
	"github.com/freewebtopdf/toolvm/internal/source"
	"github.com/freewebtopdf/toolvm/internal/storage"
)

// app holds the components shared by every command
type app struct {
	cfg       *config.Config
	storage   *storage.Manager
	sources   *source.Manager
	indexer   *index.Indexer
	artefacts *artefact.Manager
	progress  io.Writer
}

func newApp(cfg *config.Config, progress io.Writer) (*app, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	mgr := storage.NewManager(cfg.Storage.CacheDir)

	indexer, err := index.NewIndexer(mgr, index.WithAllVersions(cfg.Index.AllVersions))
	if err != nil {
		return nil, err
	}

	sources := source.NewManager(cfg.Sources.Disabled...)
	if err := sources.Register(source.NewDirectorySource("local", cfg.Sources.Dir)); err != nil {
		return nil, err
	}
	for _, entry := range cfg.Sources.RepositoryURLs {
		name, rawURL, err := source.ParseRepositoryURL(entry)
		if err != nil {
			return nil, err
		}
		src, err := source.NewHTTPSource(source.HTTPConfig{
			Name:    name,
			URL:     rawURL,
			Timeout: cfg.Sources.Timeout,
		}, mgr)
		if err != nil {
			return nil, err
		}
		if err := sources.Register(src); err != nil {
			return nil, err
		}
	}

	return &app{
		cfg:       cfg,
		storage:   mgr,
		sources:   sources,
		indexer:   indexer,
		artefacts: artefact.NewManager(cfg.ArtefactConfig(), nil),
		progress:  progress,
	}, nil
}

// index returns the cached index, building it on a miss
func (a *app) index(ctx context.Context) (*index.Index, error) {
	return a.indexer.Index(ctx, a.sources)
}

// refresh re-fetches every source and rebuilds the index
func (a *app) refresh(ctx context.Context) (*index.Index, error) {
	if err := a.sources.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Some repository sources failed to refresh")
	}
	return a.indexer.Regenerate(ctx, a.sources)
}

// installed opens a read-only snapshot of the installation database
func (a *app) installed(ctx context.Context) (localdb.ReadHandle, error) {
	return localdb.Open(ctx, a.cfg.Storage.DatabasePath)
}

// withService opens the database for writing, runs fn against an install
// service and releases the database afterwards
func (a *app) withService(ctx context.Context, fn func(*install.Service, *localdb.Mutator) error) error {
	idx, err := a.index(ctx)
	if err != nil {
		return err
	}

	db, err := localdb.OpenMutator(ctx, a.cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to release installation database")
		}
	}()

	fetcher := fetch.New(fetch.WithProgress(a.progress))
	svc := install.NewService(install.Config{
		InstallDir:   a.cfg.Storage.InstallDir,
		MirrorPolicy: a.cfg.MirrorPolicy(),
	}, idx, a.artefacts, fetcher, db,
		install.WithHooks(install.LoggingHook{Logger: log.Logger}),
	)
	return fn(svc, db)
}

// healthChecker reports on every persistent component
func (a *app) healthChecker(ctx context.Context) (*health.SystemHealthChecker, error) {
	indexStorage, err := a.storage.Storage(index.StorageID)
	if err != nil {
		return nil, err
	}
	db, err := localdb.Open(ctx, a.cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}
	return health.NewSystemHealthChecker(
		health.WithComponent(health.ComponentIndex, indexStorage),
		health.WithComponent(health.ComponentArtefacts, a.artefacts),
		health.WithComponent(health.ComponentDatabase, db),
	), nil
}
