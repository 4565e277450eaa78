package index

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/toolvm/internal/cache"
	"github.com/freewebtopdf/toolvm/internal/domain"
	"github.com/freewebtopdf/toolvm/internal/storage"
)

// Persistence of the catalog
const (
	StorageID   = "index"
	CacheObject = "package-index.json"
	Schema      = "PackageIndex.v0_1"
)

// document is the persisted form of an Index
type document map[string]*domain.CachedPackageSeriesInfo

func validateDocument(doc document) error {
	for id, series := range doc {
		if err := validateSeries(id, series); err != nil {
			return err
		}
	}
	return nil
}

// Indexer builds the catalog from repository sources and keeps it in cache storage
type Indexer struct {
	roller      *cache.Roller[document]
	allVersions bool
	logger      zerolog.Logger
}

// Option configures an Indexer
type Option func(*Indexer)

// WithAllVersions indexes every version a series supplies, merged per version,
// instead of only each series' latest
func WithAllVersions(enabled bool) Option {
	return func(x *Indexer) {
		x.allVersions = enabled
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(x *Indexer) {
		x.logger = logger
	}
}

// NewIndexer creates an Indexer persisting through manager
func NewIndexer(manager *storage.Manager, opts ...Option) (*Indexer, error) {
	s, err := manager.Storage(StorageID)
	if err != nil {
		return nil, fmt.Errorf("failed to open index storage: %w", err)
	}

	x := &Indexer{logger: log.Logger}
	for _, opt := range opts {
		opt(x)
	}
	x.roller = cache.NewRoller[document](s, CacheObject, Schema,
		cache.WithValidator[document](validateDocument),
		cache.WithLogger[document](x.logger),
	)
	return x, nil
}

// Index returns the persisted catalog, building and persisting it first when
// no valid cache exists
func (x *Indexer) Index(ctx context.Context, sources domain.SourceManager) (*Index, error) {
	doc, err := x.roller.Roll(ctx, func(ctx context.Context) (document, error) {
		idx, err := x.Build(ctx, sources)
		if err != nil {
			return nil, err
		}
		return document(idx.series), nil
	})
	if err != nil {
		return nil, err
	}
	return New(doc), nil
}

// Regenerate builds a fresh catalog and replaces the persisted one. It shares
// the build with any Index call already regenerating the cache. The previous
// cache survives a failed or cancelled build.
func (x *Indexer) Regenerate(ctx context.Context, sources domain.SourceManager) (*Index, error) {
	doc, err := x.roller.Refresh(ctx, func(ctx context.Context) (document, error) {
		idx, err := x.Build(ctx, sources)
		if err != nil {
			return nil, err
		}
		return document(idx.series), nil
	})
	if err != nil {
		return nil, err
	}
	return New(doc), nil
}

// Invalidate deletes the persisted catalog so the next Index call rebuilds it
func (x *Indexer) Invalidate() error {
	return x.roller.Invalidate()
}

// Build merges all sources into a new in-memory Index. Sources are read in
// the order the manager returns them; a later source replaces an earlier
// one's series of the same name unless all versions are indexed. Failing
// sources and series are logged and skipped. Cancellation is checked
// between sources and between series.
func (x *Indexer) Build(ctx context.Context, sources domain.SourceManager) (*Index, error) {
	builder := NewBuilder(0)

	for _, src := range sources.Sources() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		logger := x.logger.With().Str("source", src.Name()).Logger()

		repo, err := src.CreateRepository(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			logger.Warn().Err(err).Msg("Skipping repository source")
			continue
		}
		if repo == nil {
			logger.Debug().Msg("Repository source has nothing to offer")
			continue
		}

		series, err := repo.EnumerateSeries(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			logger.Warn().Err(err).Msg("Failed to enumerate package series")
			continue
		}

		merged := 0
		for _, s := range series {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := x.mergeSeries(ctx, builder, s); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				logger.Warn().Err(err).Str("series", s.Name()).Msg("Skipping package series")
				continue
			}
			merged++
		}

		logger.Debug().
			Int("series", merged).
			Int("expected", repo.ExpectedSeriesCount()).
			Msg("Repository source indexed")
	}

	idx := builder.Build()
	x.logger.Info().Int("series", idx.Len()).Msg("Package index built")
	return idx, nil
}

func (x *Indexer) mergeSeries(ctx context.Context, builder *Builder, s domain.PackageSeries) error {
	if x.allVersions {
		return builder.AddSeries(ctx, s)
	}
	latest, err := s.Latest(ctx)
	if err != nil {
		return err
	}
	if latest == nil {
		return fmt.Errorf("series %q has no latest version", s.Name())
	}
	return builder.Replace(s.Name(), latest)
}
