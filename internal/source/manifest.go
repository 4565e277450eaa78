// Package source provides the repository sources the indexer merges: package
// manifests from a local directory and manifest documents served over HTTP.
package source

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/freewebtopdf/toolvm/internal/domain"
	"github.com/freewebtopdf/toolvm/internal/version"
)

// ValidManifestExtensions lists the file extensions read as manifests
var ValidManifestExtensions = []string{".yaml", ".yml", ".json"}

// Manifest is the document a repository publishes
type Manifest struct {
	Packages []ManifestPackage `yaml:"packages" json:"packages"`
}

// ManifestPackage lists the published versions of one package id
type ManifestPackage struct {
	ID       string            `yaml:"id" json:"id"`
	Versions []ManifestVersion `yaml:"versions" json:"versions"`
}

// ManifestVersion describes one published version
type ManifestVersion struct {
	Version      string               `yaml:"version" json:"version"`
	ReleaseDate  string               `yaml:"release_date,omitempty" json:"release_date,omitempty"`
	Installer    string               `yaml:"installer" json:"installer"`
	Configurator string               `yaml:"configurator,omitempty" json:"configurator,omitempty"`
	PreProcessor string               `yaml:"pre_processor,omitempty" json:"pre_processor,omitempty"`
	Dependencies []ManifestDependency `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Conflicts    []ManifestDependency `yaml:"conflicts,omitempty" json:"conflicts,omitempty"`
	CustomData   map[string]string    `yaml:"custom_data,omitempty" json:"custom_data,omitempty"`
	Unitary      bool                 `yaml:"unitary,omitempty" json:"unitary,omitempty"`
	Transcript   string               `yaml:"transcript,omitempty" json:"transcript,omitempty"`
	Artefact     ManifestArtefact     `yaml:"artefact" json:"artefact"`
	Mirrors      []ManifestMirror     `yaml:"mirrors,omitempty" json:"mirrors,omitempty"`
	BestMirror   string               `yaml:"best_mirror,omitempty" json:"best_mirror,omitempty"`
}

// ManifestDependency references another package
type ManifestDependency struct {
	ID         string `yaml:"id" json:"id"`
	Constraint string `yaml:"constraint,omitempty" json:"constraint,omitempty"`
}

// ManifestArtefact is the primary download
type ManifestArtefact struct {
	URL          string `yaml:"url" json:"url"`
	Checksum     string `yaml:"checksum,omitempty" json:"checksum,omitempty"`
	ChecksumType string `yaml:"checksum_type,omitempty" json:"checksum_type,omitempty"`
}

// ManifestMirror is an alternate download location
type ManifestMirror struct {
	Name         string `yaml:"name" json:"name"`
	URL          string `yaml:"url" json:"url"`
	Checksum     string `yaml:"checksum,omitempty" json:"checksum,omitempty"`
	ChecksumType string `yaml:"checksum_type,omitempty" json:"checksum_type,omitempty"`
	Questionable bool   `yaml:"questionable,omitempty" json:"questionable,omitempty"`
	Origin       bool   `yaml:"origin,omitempty" json:"origin,omitempty"`
}

// ParseManifest decodes a manifest, choosing YAML or JSON from the file extension
func ParseManifest(data []byte, filePath string) (*Manifest, error) {
	var manifest Manifest

	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("invalid YAML manifest %s: %w", filePath, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("invalid JSON manifest %s: %w", filePath, err)
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format: %s", filePath)
	}

	for i, p := range manifest.Packages {
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("manifest %s: package %d has no id", filePath, i)
		}
	}
	return &manifest, nil
}

// isManifestFile checks if a file has a manifest extension
func isManifestFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, valid := range ValidManifestExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// ToPackageInfo converts a manifest entry into an indexed record
func (v ManifestVersion) ToPackageInfo(id string) (*domain.CachedPackageInfo, error) {
	parsed, err := version.Parse(v.Version)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", id, err)
	}

	var released time.Time
	if v.ReleaseDate != "" {
		released, err = parseReleaseDate(v.ReleaseDate)
		if err != nil {
			return nil, fmt.Errorf("package %s@%s: %w", id, v.Version, err)
		}
	}

	info := &domain.CachedPackageInfo{
		Meta: domain.PackageMeta{
			ID:          id,
			Version:     parsed,
			ReleaseDate: released,
			Plugins: domain.PluginInfo{
				Installer:    v.Installer,
				Configurator: v.Configurator,
				PreProcessor: v.PreProcessor,
			},
			Dependencies: convertDependencies(v.Dependencies),
			Conflicts:    convertDependencies(v.Conflicts),
			CustomData:   v.CustomData,
			Unitary:      v.Unitary,
			Transcript:   v.Transcript,
		},
		Artefact: domain.RemoteArtefact{
			URI:          v.Artefact.URL,
			Checksum:     v.Artefact.Checksum,
			ChecksumType: v.Artefact.ChecksumType,
		},
		BestMirror: v.BestMirror,
	}
	for _, m := range v.Mirrors {
		info.Mirrors = append(info.Mirrors, domain.ArtefactMirrorInfo{
			Name:           m.Name,
			URI:            m.URL,
			Checksum:       m.Checksum,
			ChecksumType:   m.ChecksumType,
			IsQuestionable: m.Questionable,
			IsOrigin:       m.Origin,
		})
	}

	if err := domain.ValidatePackageInfo(info); err != nil {
		return nil, err
	}
	return info, nil
}

func convertDependencies(deps []ManifestDependency) []domain.Dependency {
	if len(deps) == 0 {
		return nil
	}
	out := make([]domain.Dependency, 0, len(deps))
	for _, d := range deps {
		out = append(out, domain.Dependency{ID: d.ID, Constraint: d.Constraint})
	}
	return out
}

func parseReleaseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid release date %q", s)
}
