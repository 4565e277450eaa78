package install

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/freewebtopdf/toolvm/internal/domain"
)

// LoggingHook reports install lifecycle events to a logger
type LoggingHook struct {
	Logger zerolog.Logger
}

// BeforeExpand implements domain.InstallHook
func (h LoggingHook) BeforeExpand(ctx context.Context, meta domain.PackageMeta, artefactPath, installPath string) error {
	h.Logger.Info().
		Str("package", meta.Key().String()).
		Str("artefact", artefactPath).
		Str("target", installPath).
		Msg("Expanding package")
	return nil
}

// BeforeConfigure implements domain.InstallHook
func (h LoggingHook) BeforeConfigure(ctx context.Context, meta domain.PackageMeta, installPath string) error {
	h.Logger.Debug().
		Str("package", meta.Key().String()).
		Str("configurator", meta.Plugins.Configurator).
		Msg("Configuring package")
	return nil
}

// AfterInstall implements domain.InstallHook
func (h LoggingHook) AfterInstall(ctx context.Context, info *domain.InstalledPackageInfo) error {
	h.Logger.Info().
		Str("package", info.Key().String()).
		Str("path", info.Install.Path).
		Msg("Package installed")
	return nil
}
