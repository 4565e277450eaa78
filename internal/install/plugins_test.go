package install

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freewebtopdf/toolvm/internal/domain"
	"github.com/freewebtopdf/toolvm/internal/version"
)

func TestRegistry_Resolve(t *testing.T) {
	registry := DefaultRegistry()
	assert.Equal(t, []string{InstallerArchive, InstallerBinary}, registry.InstallerIDs())

	meta := domain.PackageMeta{ID: "go", Version: version.MustParse("1.22.0"), Plugins: domain.PluginInfo{Installer: InstallerArchive}}
	plugins, err := registry.Resolve(meta)
	require.NoError(t, err)
	assert.IsType(t, ArchiveInstaller{}, plugins.Installer)
	assert.IsType(t, NoneConfigurator{}, plugins.Configurator)
	assert.IsType(t, NonePreProcessor{}, plugins.PreProcessor)

	tests := []struct {
		name    string
		plugins domain.PluginInfo
	}{
		{"installer", domain.PluginInfo{Installer: "msi"}},
		{"configurator", domain.PluginInfo{Installer: InstallerBinary, Configurator: "registry"}},
		{"pre-processor", domain.PluginInfo{Installer: InstallerBinary, PreProcessor: "unpack200"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta.Plugins = tt.plugins
			_, err := registry.Resolve(meta)
			require.Error(t, err)

			var appErr *domain.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, domain.ErrUnknownPlugin, appErr.Code)
			assert.Equal(t, "go", appErr.PackageID)
			assert.True(t, domain.IsKnown(err))
			assert.Contains(t, domain.Describe(err, false), tt.name)
		})
	}
}

func TestRegistry_CustomPlugin(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterInstaller("custom", BinaryInstaller{})
	registry.RegisterConfigurator(ConfiguratorNone, NoneConfigurator{})
	registry.RegisterPreProcessor(PreProcessorNone, NonePreProcessor{})

	_, err := registry.Resolve(domain.PackageMeta{ID: "x", Plugins: domain.PluginInfo{Installer: "custom"}})
	assert.NoError(t, err)

	_, err = registry.Resolve(domain.PackageMeta{ID: "x", Plugins: domain.PluginInfo{Installer: InstallerArchive}})
	assert.Error(t, err)
}

func TestExecutableConfigurator(t *testing.T) {
	root := t.TempDir()
	bin := filepath.Join(root, "bin")
	require.NoError(t, os.MkdirAll(filepath.Join(bin, "lib"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, "tool"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("x"), 0644))

	require.NoError(t, ExecutableConfigurator{}.Configure(context.Background(), domain.PackageMeta{ID: "tool"}, root))

	info, err := os.Stat(filepath.Join(bin, "tool"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(root, "README"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	// No bin directory is fine
	assert.NoError(t, ExecutableConfigurator{}.Configure(context.Background(), domain.PackageMeta{ID: "tool"}, t.TempDir()))
}
