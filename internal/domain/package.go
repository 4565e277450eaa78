package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/freewebtopdf/toolvm/internal/version"
)

// PackageKey is the identity of a package version. Two records are the same
// package only when both fields match.
type PackageKey struct {
	ID      string          `json:"id"`
	Version version.Version `json:"version"`
}

// String renders the key as "id@version"
func (k PackageKey) String() string {
	return k.ID + "@" + k.Version.String()
}

// ParsePackageKey parses "id@version" strictly
func ParsePackageKey(s string) (PackageKey, error) {
	idx := strings.LastIndex(s, "@")
	if idx <= 0 || idx == len(s)-1 {
		return PackageKey{}, fmt.Errorf("invalid package reference %q, expected id@version", s)
	}
	v, err := version.Parse(s[idx+1:])
	if err != nil {
		return PackageKey{}, err
	}
	return PackageKey{ID: s[:idx], Version: v}, nil
}

// PluginInfo names the capabilities used to install and configure a package
type PluginInfo struct {
	Installer    string `json:"installer" validate:"required"`
	Configurator string `json:"configurator,omitempty"`
	PreProcessor string `json:"pre_processor,omitempty"`
}

// Dependency references another package by id and an optional constraint.
// The engine carries these as opaque data.
type Dependency struct {
	ID         string `json:"id" validate:"required"`
	Constraint string `json:"constraint,omitempty"`
}

// PackageMeta is the immutable description of one package version
type PackageMeta struct {
	ID           string            `json:"id" validate:"required"`
	Version      version.Version   `json:"version"`
	ReleaseDate  time.Time         `json:"release_date,omitempty"`
	Plugins      PluginInfo        `json:"plugins"`
	Dependencies []Dependency      `json:"dependencies,omitempty" validate:"dive"`
	Conflicts    []Dependency      `json:"conflicts,omitempty" validate:"dive"`
	CustomData   map[string]string `json:"custom_data,omitempty"`
	Unitary      bool              `json:"unitary,omitempty"`
	Transcript   string            `json:"transcript,omitempty"`
}

// Key returns the identity of the package version
func (m PackageMeta) Key() PackageKey {
	return PackageKey{ID: m.ID, Version: m.Version}
}

// RemoteArtefact describes a downloadable binary. An empty Checksum marks an
// uncertain-hash package.
type RemoteArtefact struct {
	URI          string `json:"uri" validate:"required"`
	Checksum     string `json:"checksum,omitempty"`
	ChecksumType string `json:"checksum_type,omitempty"`
}

// HasChecksum reports whether the artefact declares a checksum value
func (a RemoteArtefact) HasChecksum() bool {
	return a.Checksum != ""
}

// ArtefactMirrorInfo is an alternate download location for the same artefact
type ArtefactMirrorInfo struct {
	Name           string `json:"name" validate:"required"`
	URI            string `json:"uri" validate:"required"`
	Checksum       string `json:"checksum,omitempty"`
	ChecksumType   string `json:"checksum_type,omitempty"`
	IsQuestionable bool   `json:"questionable,omitempty"`
	IsOrigin       bool   `json:"origin,omitempty"`
}

// Artefact returns the mirror as a download descriptor
func (m ArtefactMirrorInfo) Artefact() RemoteArtefact {
	return RemoteArtefact{URI: m.URI, Checksum: m.Checksum, ChecksumType: m.ChecksumType}
}

// CachedPackageInfo is one indexed package version
type CachedPackageInfo struct {
	Meta       PackageMeta          `json:"meta"`
	Artefact   RemoteArtefact       `json:"artefact"`
	Mirrors    []ArtefactMirrorInfo `json:"mirrors,omitempty" validate:"dive"`
	BestMirror string               `json:"best_mirror,omitempty"`
}

// CachedPackageSeriesInfo holds every cached version of one package id, keyed
// by the canonical version string
type CachedPackageSeriesInfo struct {
	Name     string                        `json:"name"`
	Versions map[string]*CachedPackageInfo `json:"versions"`
}

// VersionKeys returns the version map keys
func (s *CachedPackageSeriesInfo) VersionKeys() []string {
	keys := make([]string, 0, len(s.Versions))
	for key := range s.Versions {
		keys = append(keys, key)
	}
	return keys
}

// InstallData is the installation-specific part of an installed record
type InstallData struct {
	Path         string         `json:"path"`
	InstalledAt  time.Time      `json:"installed_at"`
	Artefact     RemoteArtefact `json:"artefact"`
	HookFailures []string       `json:"hook_failures,omitempty"`
}

// InstalledPackageInfo is one record of the local installation database
type InstalledPackageInfo struct {
	Meta    PackageMeta `json:"meta"`
	Install InstallData `json:"install"`
}

// Key returns the identity of the installed package
func (i *InstalledPackageInfo) Key() PackageKey {
	return i.Meta.Key()
}
