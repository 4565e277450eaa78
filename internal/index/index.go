// Package index holds the merged package catalog and the indexer that
// builds it from repository sources.
package index

import (
	"errors"
	"fmt"
	"sort"

	"github.com/freewebtopdf/toolvm/internal/domain"
	"github.com/freewebtopdf/toolvm/internal/version"
)

// Status distinguishes the outcomes of a catalog lookup
type Status int

const (
	Found Status = iota
	SeriesNotFound
	VersionNotFound
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case SeriesNotFound:
		return "series not found"
	case VersionNotFound:
		return "version not found"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// LookupResult is the outcome of Index.Lookup. Info is set only when Status is Found.
type LookupResult struct {
	Status Status
	Info   *domain.CachedPackageInfo
}

// Index is a read-only catalog of package series keyed by package id
type Index struct {
	series map[string]*domain.CachedPackageSeriesInfo
}

// New wraps series in an Index. The map must not be modified afterwards.
func New(series map[string]*domain.CachedPackageSeriesInfo) *Index {
	if series == nil {
		series = make(map[string]*domain.CachedPackageSeriesInfo)
	}
	return &Index{series: series}
}

// Lookup finds exactly the requested version
func (i *Index) Lookup(key domain.PackageKey) LookupResult {
	series, ok := i.series[key.ID]
	if !ok {
		return LookupResult{Status: SeriesNotFound}
	}
	info, ok := series.Versions[key.Version.String()]
	if !ok {
		return LookupResult{Status: VersionNotFound}
	}
	return LookupResult{Status: Found, Info: info}
}

// GetPackageInfo returns the requested version or a not-found AppError that
// names the missing id or version
func (i *Index) GetPackageInfo(key domain.PackageKey) (*domain.CachedPackageInfo, error) {
	result := i.Lookup(key)
	switch result.Status {
	case SeriesNotFound:
		return nil, domain.NewSeriesNotFoundError(key.ID)
	case VersionNotFound:
		return nil, domain.NewVersionNotFoundError(key.ID, key.Version.String())
	}
	return result.Info, nil
}

// Series returns every cached version of id
func (i *Index) Series(id string) (*domain.CachedPackageSeriesInfo, bool) {
	series, ok := i.series[id]
	return series, ok
}

// IDs returns the package ids in sorted order
func (i *Index) IDs() []string {
	ids := make([]string, 0, len(i.series))
	for id := range i.series {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of series
func (i *Index) Len() int {
	return len(i.series)
}

// GetLatest returns the newest version of id
func (i *Index) GetLatest(id string, includePrerelease bool) (*domain.CachedPackageInfo, error) {
	series, ok := i.series[id]
	if !ok {
		return nil, domain.NewSeriesNotFoundError(id)
	}
	return LatestInfo(series, includePrerelease)
}

// LatestInfo selects the newest version of a series. A version key that does
// not parse is reported as corrupt state; an empty selection as NO_LATEST_VERSION.
func LatestInfo(series *domain.CachedPackageSeriesInfo, includePrerelease bool) (*domain.CachedPackageInfo, error) {
	latest, err := version.Latest(series.VersionKeys(), includePrerelease)
	if err != nil {
		if errors.Is(err, version.ErrNoLatestVersion) {
			appErr := domain.NewAppErrorWithCause(domain.ErrNoLatest, "No version matches the latest-version filter", err,
				map[string]any{"id": series.Name, "include_prerelease": includePrerelease})
			appErr.PackageID = series.Name
			return nil, appErr
		}
		return nil, domain.NewCorruptStateError("Package series has an invalid version key", err, map[string]any{"id": series.Name})
	}
	return series.Versions[latest.String()], nil
}

// validateSeries checks that every version key round-trips through strict
// parsing and matches the record stored under it
func validateSeries(id string, series *domain.CachedPackageSeriesInfo) error {
	if series == nil {
		return fmt.Errorf("series %q is empty", id)
	}
	if series.Name != id {
		return fmt.Errorf("series %q is stored under %q", series.Name, id)
	}
	for key, info := range series.Versions {
		v, err := version.Parse(key)
		if err != nil {
			return fmt.Errorf("series %q: %w", id, err)
		}
		if v.String() != key {
			return fmt.Errorf("series %q: version key %q is not canonical", id, key)
		}
		if info == nil || info.Meta.ID != id || !info.Meta.Version.Equal(v) {
			return fmt.Errorf("series %q: record under %q does not match its key", id, key)
		}
	}
	return nil
}
