// Command toolvm indexes package repositories, installs verified tool
// versions and serves the catalog over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/toolvm/internal/config"
	"github.com/freewebtopdf/toolvm/internal/domain"
)

func main() {
	root, c := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", domain.Describe(err, c.verbose))
		os.Exit(1)
	}
}

func setupLogger(cfg *config.Config, verbose bool) {
	zerolog.TimeFieldFormat = time.RFC3339

	switch cfg.Logging.Level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if cfg.Logging.Format == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func logStartupConfig(cfg *config.Config) {
	log.Debug().
		Int("server_port", cfg.Server.Port).
		Str("storage_data_dir", cfg.Storage.DataDir).
		Str("storage_cache_dir", cfg.Storage.CacheDir).
		Str("storage_artefact_dir", cfg.Storage.ArtefactDir).
		Str("storage_install_dir", cfg.Storage.InstallDir).
		Str("storage_database_path", cfg.Storage.DatabasePath).
		Bool("trust_allow_uncertain_hash", cfg.Trust.AllowUncertainHash).
		Bool("trust_strict_mirrors", cfg.Trust.StrictMirrors).
		Dur("artefact_retention", cfg.Artefacts.Retention).
		Bool("index_all_versions", cfg.Index.AllVersions).
		Str("sources_dir", cfg.Sources.Dir).
		Strs("sources_repository_urls", cfg.Sources.RepositoryURLs).
		Strs("sources_disabled", cfg.Sources.Disabled).
		Dur("sources_sync_interval", cfg.Sources.SyncInterval).
		Str("logging_level", cfg.Logging.Level).
		Str("logging_format", cfg.Logging.Format).
		Msg("Configuration loaded successfully")
}
