package source

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/freewebtopdf/toolvm/internal/domain"
	"github.com/freewebtopdf/toolvm/internal/version"
)

// manifestRepository serves the series of one or more manifests
type manifestRepository struct {
	series []domain.PackageSeries
}

// newManifestRepository groups manifest packages by id. Versions of the same
// id from several manifests are combined; later manifests win per version.
func newManifestRepository(manifests ...*Manifest) *manifestRepository {
	byID := make(map[string]*manifestSeries)
	var order []string
	for _, m := range manifests {
		for _, p := range m.Packages {
			s, ok := byID[p.ID]
			if !ok {
				s = &manifestSeries{id: p.ID}
				byID[p.ID] = s
				order = append(order, p.ID)
			}
			s.versions = append(s.versions, p.Versions...)
		}
	}

	sort.Strings(order)
	repo := &manifestRepository{series: make([]domain.PackageSeries, 0, len(order))}
	for _, id := range order {
		repo.series = append(repo.series, byID[id])
	}
	return repo
}

func (r *manifestRepository) EnumerateSeries(ctx context.Context) ([]domain.PackageSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.series, nil
}

func (r *manifestRepository) ExpectedSeriesCount() int {
	return len(r.series)
}

// manifestSeries converts manifest entries lazily. Any invalid entry fails
// the whole series.
type manifestSeries struct {
	id       string
	versions []ManifestVersion
}

func (s *manifestSeries) Name() string {
	return s.id
}

func (s *manifestSeries) All(ctx context.Context) ([]*domain.CachedPackageInfo, error) {
	infos := make([]*domain.CachedPackageInfo, 0, len(s.versions))
	for _, v := range s.versions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := v.ToPackageInfo(s.id)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Latest returns the newest stable version, or the newest prerelease when
// the series has no stable version
func (s *manifestSeries) Latest(ctx context.Context) (*domain.CachedPackageInfo, error) {
	infos, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("package %s lists no versions", s.id)
	}

	byVersion := make(map[string]*domain.CachedPackageInfo, len(infos))
	versions := make([]version.Version, 0, len(infos))
	for _, info := range infos {
		byVersion[info.Meta.Version.String()] = info
		versions = append(versions, info.Meta.Version)
	}

	latest, err := version.LatestOf(versions, false)
	if errors.Is(err, version.ErrNoLatestVersion) {
		latest, err = version.LatestOf(versions, true)
	}
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", s.id, err)
	}
	return byVersion[latest.String()], nil
}
