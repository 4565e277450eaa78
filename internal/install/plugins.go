// Package install turns indexed packages into installed ones: it resolves
// the package's installer plugins, obtains a verified artefact, expands and
// configures it, and records the result in the installation database.
package install

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/freewebtopdf/toolvm/internal/domain"
)

// Built-in plugin ids
const (
	InstallerArchive       = "archive"
	InstallerBinary        = "binary"
	ConfiguratorNone       = "none"
	ConfiguratorExecutable = "executable"
	PreProcessorNone       = "none"
)

// Installer expands an artefact into the install directory
type Installer interface {
	Expand(ctx context.Context, meta domain.PackageMeta, artefactPath, installPath string) error
}

// Configurator prepares an expanded installation for use
type Configurator interface {
	Configure(ctx context.Context, meta domain.PackageMeta, installPath string) error
}

// PreProcessor transforms the artefact before expansion and returns the path
// of the file to expand
type PreProcessor interface {
	Process(ctx context.Context, meta domain.PackageMeta, artefactPath string) (string, error)
}

// Plugins is the resolved capability set of one package
type Plugins struct {
	Installer    Installer
	Configurator Configurator
	PreProcessor PreProcessor
}

// Registry maps plugin ids to implementations
type Registry struct {
	mu            sync.RWMutex
	installers    map[string]Installer
	configurators map[string]Configurator
	preProcessors map[string]PreProcessor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		installers:    make(map[string]Installer),
		configurators: make(map[string]Configurator),
		preProcessors: make(map[string]PreProcessor),
	}
}

// DefaultRegistry returns a registry with the built-in plugins
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterInstaller(InstallerArchive, ArchiveInstaller{})
	r.RegisterInstaller(InstallerBinary, BinaryInstaller{})
	r.RegisterConfigurator(ConfiguratorNone, NoneConfigurator{})
	r.RegisterConfigurator(ConfiguratorExecutable, ExecutableConfigurator{})
	r.RegisterPreProcessor(PreProcessorNone, NonePreProcessor{})
	return r
}

// RegisterInstaller adds or replaces an installer
func (r *Registry) RegisterInstaller(id string, installer Installer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installers[id] = installer
}

// RegisterConfigurator adds or replaces a configurator
func (r *Registry) RegisterConfigurator(id string, configurator Configurator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configurators[id] = configurator
}

// RegisterPreProcessor adds or replaces a pre-processor
func (r *Registry) RegisterPreProcessor(id string, preProcessor PreProcessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preProcessors[id] = preProcessor
}

// InstallerIDs lists the registered installer ids
func (r *Registry) InstallerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.installers))
	for id := range r.installers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve looks up the plugins a package names. An empty configurator or
// pre-processor id means "none". Unknown ids are known errors carrying the
// package id.
func (r *Registry) Resolve(meta domain.PackageMeta) (Plugins, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var plugins Plugins
	var ok bool

	if plugins.Installer, ok = r.installers[meta.Plugins.Installer]; !ok {
		return Plugins{}, unknownPlugin(meta, "installer", meta.Plugins.Installer)
	}

	configurator := meta.Plugins.Configurator
	if configurator == "" {
		configurator = ConfiguratorNone
	}
	if plugins.Configurator, ok = r.configurators[configurator]; !ok {
		return Plugins{}, unknownPlugin(meta, "configurator", configurator)
	}

	preProcessor := meta.Plugins.PreProcessor
	if preProcessor == "" {
		preProcessor = PreProcessorNone
	}
	if plugins.PreProcessor, ok = r.preProcessors[preProcessor]; !ok {
		return Plugins{}, unknownPlugin(meta, "pre-processor", preProcessor)
	}

	return plugins, nil
}

func unknownPlugin(meta domain.PackageMeta, kind, id string) error {
	err := domain.NewKnownError(domain.ErrUnknownPlugin, meta.ID,
		fmt.Sprintf("unknown %s %q", kind, id), nil)
	err.Details = map[string]any{"package_id": meta.ID, "version": meta.Version.String(), kind: id}
	return err
}

// NoneConfigurator leaves the installation as expanded
type NoneConfigurator struct{}

// Configure implements Configurator
func (NoneConfigurator) Configure(ctx context.Context, meta domain.PackageMeta, installPath string) error {
	return ctx.Err()
}

// ExecutableConfigurator marks every regular file under bin/ executable
type ExecutableConfigurator struct{}

// Configure implements Configurator
func (ExecutableConfigurator) Configure(ctx context.Context, meta domain.PackageMeta, installPath string) error {
	binDir := filepath.Join(installPath, "bin")
	entries, err := os.ReadDir(binDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", binDir, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		if err := os.Chmod(filepath.Join(binDir, entry.Name()), 0755); err != nil {
			return fmt.Errorf("failed to mark %s executable: %w", entry.Name(), err)
		}
	}
	return nil
}

// NonePreProcessor passes the artefact through unchanged
type NonePreProcessor struct{}

// Process implements PreProcessor
func (NonePreProcessor) Process(ctx context.Context, meta domain.PackageMeta, artefactPath string) (string, error) {
	return artefactPath, ctx.Err()
}
