// Package version implements strict semantic versions and the "latest"
// selection used by the package index and the installation database.
package version

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"golang.org/x/mod/semver"
)

var (
	// ErrInvalidVersion indicates a string that is not a strict semantic version.
	ErrInvalidVersion = errors.New("invalid semantic version")

	// ErrNoLatestVersion indicates that no version survived prerelease filtering.
	ErrNoLatestVersion = errors.New("no latest version")
)

// strictPattern is the semver 2.0.0 grammar. No "v" prefix, no partial versions,
// no leading zeros.
var strictPattern = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
	`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?` +
	`(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)

// Version is a parsed strict semantic version. The zero value is 0.0.0.
type Version struct {
	Major      uint64
	Minor      uint64
	Patch      uint64
	Prerelease string
	Build      string
}

// Parse parses s strictly. Anything the semver grammar rejects is an error;
// there is no lenient fallback.
func Parse(s string) (Version, error) {
	m := strictPattern.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}

	var v Version
	var err error
	if v.Major, err = strconv.ParseUint(m[1], 10, 64); err != nil {
		return Version{}, fmt.Errorf("%w: %q: major: %v", ErrInvalidVersion, s, err)
	}
	if v.Minor, err = strconv.ParseUint(m[2], 10, 64); err != nil {
		return Version{}, fmt.Errorf("%w: %q: minor: %v", ErrInvalidVersion, s, err)
	}
	if v.Patch, err = strconv.ParseUint(m[3], 10, 64); err != nil {
		return Version{}, fmt.Errorf("%w: %q: patch: %v", ErrInvalidVersion, s, err)
	}
	v.Prerelease = m[4]
	v.Build = m[5]
	return v, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the canonical form. For any v returned by Parse(s), v.String() == s.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	if v.Build != "" {
		s += "+" + v.Build
	}
	return s
}

// IsPrerelease reports whether v carries a prerelease tag.
func (v Version) IsPrerelease() bool {
	return v.Prerelease != ""
}

// Compare orders v and o by semantic-version precedence.
// Returns -1 if v < o, 0 if equal precedence, 1 if v > o. Build metadata is ignored.
func (v Version) Compare(o Version) int {
	return semver.Compare("v"+v.String(), "v"+o.String())
}

// Equal reports exact equality, build metadata included.
func (v Version) Equal(o Version) bool {
	return v == o
}

// MarshalText implements encoding.TextMarshaler
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler with strict parsing
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
