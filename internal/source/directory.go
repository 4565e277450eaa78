package source

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/toolvm/internal/domain"
)

// DirectorySource reads package manifests from a local directory tree
type DirectorySource struct {
	name   string
	dir    string
	logger zerolog.Logger
}

// NewDirectorySource creates a source over dir
func NewDirectorySource(name, dir string) *DirectorySource {
	return &DirectorySource{
		name:   name,
		dir:    dir,
		logger: log.With().Str("source", name).Logger(),
	}
}

// Name implements domain.RepositorySource
func (s *DirectorySource) Name() string {
	return s.name
}

// Dir returns the manifest directory
func (s *DirectorySource) Dir() string {
	return s.dir
}

// CreateRepository scans the directory. A missing directory offers nothing;
// an unreadable or invalid manifest is logged and skipped.
func (s *DirectorySource) CreateRepository(ctx context.Context) (domain.Repository, error) {
	if s.dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(s.dir); os.IsNotExist(err) {
		return nil, nil
	}

	var paths []string
	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			// Skip inaccessible entries but keep scanning
			return nil
		}
		if d.IsDir() || !isManifestFile(path) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	manifests := make([]*Manifest, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", path).Msg("Failed to read manifest")
			continue
		}
		manifest, err := ParseManifest(data, path)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", path).Msg("Skipping invalid manifest")
			continue
		}
		manifests = append(manifests, manifest)
	}

	s.logger.Debug().Int("manifests", len(manifests)).Str("dir", s.dir).Msg("Manifests loaded")
	return newManifestRepository(manifests...), nil
}

// Refresh implements domain.RepositorySource. Manifests are read on every
// CreateRepository call, so there is nothing to invalidate.
func (s *DirectorySource) Refresh(ctx context.Context) error {
	return ctx.Err()
}
