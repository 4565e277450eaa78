package index

import (
	"context"
	"fmt"

	"github.com/freewebtopdf/toolvm/internal/domain"
)

// Builder assembles an Index in memory. Add merges at (id, version)
// granularity; Replace swaps a whole series.
type Builder struct {
	series map[string]*domain.CachedPackageSeriesInfo
}

// NewBuilder creates a Builder with room for capacity series
func NewBuilder(capacity int) *Builder {
	return &Builder{series: make(map[string]*domain.CachedPackageSeriesInfo, capacity)}
}

// Add inserts info, replacing only a previous record of the same version
func (b *Builder) Add(info *domain.CachedPackageInfo) error {
	if err := domain.ValidatePackageInfo(info); err != nil {
		return err
	}

	id := info.Meta.ID
	series, ok := b.series[id]
	if !ok {
		series = &domain.CachedPackageSeriesInfo{Name: id, Versions: make(map[string]*domain.CachedPackageInfo)}
		b.series[id] = series
	}
	series.Versions[info.Meta.Version.String()] = info
	return nil
}

// Replace makes infos the complete content of series name. Nothing changes
// when any record is invalid or belongs to another id.
func (b *Builder) Replace(name string, infos ...*domain.CachedPackageInfo) error {
	series := &domain.CachedPackageSeriesInfo{Name: name, Versions: make(map[string]*domain.CachedPackageInfo, len(infos))}
	for _, info := range infos {
		if err := domain.ValidatePackageInfo(info); err != nil {
			return err
		}
		if info.Meta.ID != name {
			return fmt.Errorf("package %q offered by series %q", info.Meta.ID, name)
		}
		series.Versions[info.Meta.Version.String()] = info
	}
	b.series[name] = series
	return nil
}

// AddSeries merges every version a series supplies. Records are only merged
// once the whole series was read and validated.
func (b *Builder) AddSeries(ctx context.Context, series domain.PackageSeries) error {
	infos, err := series.All(ctx)
	if err != nil {
		return err
	}
	staged := NewBuilder(1)
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := staged.Add(info); err != nil {
			return err
		}
		if info.Meta.ID != series.Name() {
			return fmt.Errorf("package %q offered by series %q", info.Meta.ID, series.Name())
		}
	}
	for _, s := range staged.series {
		for _, info := range s.Versions {
			_ = b.Add(info)
		}
	}
	return nil
}

// Len returns the number of series added so far
func (b *Builder) Len() int {
	return len(b.series)
}

// Build returns an Index over a copy of the builder's content
func (b *Builder) Build() *Index {
	series := make(map[string]*domain.CachedPackageSeriesInfo, len(b.series))
	for id, s := range b.series {
		versions := make(map[string]*domain.CachedPackageInfo, len(s.Versions))
		for key, info := range s.Versions {
			versions[key] = info
		}
		series[id] = &domain.CachedPackageSeriesInfo{Name: s.Name, Versions: versions}
	}
	return New(series)
}
