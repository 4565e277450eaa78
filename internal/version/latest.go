package version

import (
	"fmt"
	"slices"
)

// ParseAll parses every key strictly. The first key that fails aborts the whole
// call; a collection with a bad key is corrupt, not partially usable.
func ParseAll(keys []string) ([]Version, error) {
	versions := make([]Version, 0, len(keys))
	for _, key := range keys {
		v, err := Parse(key)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// SortDescending orders versions from greatest to least precedence.
func SortDescending(versions []Version) {
	slices.SortStableFunc(versions, func(a, b Version) int {
		return b.Compare(a)
	})
}

// Latest parses keys, drops prereleases unless includePrerelease is set and
// returns the greatest remaining version. An empty result is ErrNoLatestVersion.
func Latest(keys []string, includePrerelease bool) (Version, error) {
	versions, err := ParseAll(keys)
	if err != nil {
		return Version{}, err
	}
	return LatestOf(versions, includePrerelease)
}

// LatestOf is Latest over already parsed versions.
func LatestOf(versions []Version, includePrerelease bool) (Version, error) {
	var (
		best  Version
		found bool
	)
	for _, v := range versions {
		if v.IsPrerelease() && !includePrerelease {
			continue
		}
		if !found || v.Compare(best) > 0 {
			best = v
			found = true
		}
	}
	if !found {
		return Version{}, fmt.Errorf("%w: %d candidates, prerelease=%t", ErrNoLatestVersion, len(versions), includePrerelease)
	}
	return best, nil
}
