package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/freewebtopdf/toolvm/internal/artefact"
	"github.com/freewebtopdf/toolvm/internal/source"
)

// Config holds all configuration for toolvm
type Config struct {
	Server struct {
		Port         int           `env:"PORT" envDefault:"8080" validate:"min=1,max=65535"`
		ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
		WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"5s"`
		CORSOrigins  []string      `env:"CORS_ORIGINS" envSeparator:"," validate:"cors_origins"`
	}

	// Empty directories are derived from DataDir by Resolve
	Storage struct {
		DataDir      string `env:"DATA_DIR" envDefault:"./data"`
		CacheDir     string `env:"CACHE_DIR"`
		ArtefactDir  string `env:"ARTEFACT_DIR"`
		InstallDir   string `env:"INSTALL_DIR"`
		DatabasePath string `env:"DATABASE_PATH"`
	}

	Trust struct {
		AllowUncertainHash       bool `env:"ALLOW_UNCERTAIN_HASH" envDefault:"false"`
		AllowQuestionableMirrors bool `env:"ALLOW_QUESTIONABLE_MIRRORS" envDefault:"false"`
		StrictMirrors            bool `env:"STRICT_MIRRORS" envDefault:"false"`
	}

	Artefacts struct {
		Retention time.Duration `env:"ARTEFACT_RETENTION" envDefault:"168h"`
	}

	Index struct {
		AllVersions bool `env:"INDEX_ALL_VERSIONS" envDefault:"false"`
	}

	Sources struct {
		Dir            string        `env:"SOURCES_DIR"`
		RepositoryURLs []string      `env:"REPOSITORY_URLS" envSeparator:"," validate:"repository_urls"`
		Disabled       []string      `env:"DISABLED_SOURCES" envSeparator:","`
		Timeout        time.Duration `env:"SOURCE_TIMEOUT" envDefault:"30s"`
		// SyncInterval enables periodic re-indexing while serving; zero disables it
		SyncInterval time.Duration `env:"SOURCE_SYNC_INTERVAL" envDefault:"0s"`
	}

	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
		Format string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json text"`
	}
}

// Load loads configuration from environment variables and .env files
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	cfg.Resolve()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Resolve fills the directories left empty with locations under DataDir
func (cfg *Config) Resolve() {
	data := cfg.Storage.DataDir
	fill := func(field *string, name string) {
		if *field == "" && data != "" {
			*field = filepath.Join(data, name)
		}
	}
	fill(&cfg.Storage.CacheDir, "cache")
	fill(&cfg.Storage.ArtefactDir, "artefacts")
	fill(&cfg.Storage.InstallDir, "installed")
	fill(&cfg.Storage.DatabasePath, "installed.cbor")
	fill(&cfg.Sources.Dir, "packages")
}

// Validate validates the configuration using struct tags
func Validate(cfg *Config) error {
	validator := validator.New()

	if err := validator.RegisterValidation("cors_origins", validateCORSOrigins); err != nil {
		return fmt.Errorf("failed to register cors_origins validation: %w", err)
	}
	if err := validator.RegisterValidation("repository_urls", validateRepositoryURLs); err != nil {
		return fmt.Errorf("failed to register repository_urls validation: %w", err)
	}

	if err := validator.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCORSOrigins validates CORS origins format
func validateCORSOrigins(fl validator.FieldLevel) bool {
	origins := fl.Field().Interface().([]string)
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return false
		}
	}
	return true
}

// validateRepositoryURLs accepts "name=url" and bare http(s) URLs
func validateRepositoryURLs(fl validator.FieldLevel) bool {
	entries := fl.Field().Interface().([]string)
	for _, entry := range entries {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		if _, _, err := source.ParseRepositoryURL(entry); err != nil {
			return false
		}
	}
	return true
}

// validateCustomRules performs additional validation beyond struct tags
func validateCustomRules(cfg *Config) error {
	if cfg.Storage.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}

	if cfg.Server.ReadTimeout < time.Millisecond {
		return fmt.Errorf("read timeout must be at least 1ms")
	}
	if cfg.Server.WriteTimeout < time.Millisecond {
		return fmt.Errorf("write timeout must be at least 1ms")
	}
	if cfg.Artefacts.Retention < time.Minute {
		return fmt.Errorf("artefact retention must be at least 1 minute")
	}
	if cfg.Sources.Timeout < time.Second {
		return fmt.Errorf("source timeout must be at least 1 second")
	}
	if cfg.Sources.SyncInterval != 0 && cfg.Sources.SyncInterval < time.Minute {
		return fmt.Errorf("source sync interval must be zero or at least 1 minute")
	}
	if cfg.Trust.StrictMirrors && cfg.Trust.AllowQuestionableMirrors {
		return fmt.Errorf("strict mirrors and questionable mirrors cannot both be enabled")
	}

	return nil
}

// EnsureDirectories creates all required directories
func (cfg *Config) EnsureDirectories() error {
	dirs := []string{
		cfg.Storage.DataDir,
		cfg.Storage.CacheDir,
		cfg.Storage.ArtefactDir,
		cfg.Storage.InstallDir,
	}
	if cfg.Storage.DatabasePath != "" {
		dirs = append(dirs, filepath.Dir(cfg.Storage.DatabasePath))
	}

	for _, dir := range dirs {
		if dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("cannot create directory %s: %w", dir, err)
			}
		}
	}
	return nil
}

// ArtefactConfig returns the artefact store settings
func (cfg *Config) ArtefactConfig() artefact.Config {
	return artefact.Config{
		Dir:                cfg.Storage.ArtefactDir,
		AllowUncertainHash: cfg.Trust.AllowUncertainHash,
		Retention:          cfg.Artefacts.Retention,
	}
}

// MirrorPolicy returns the mirror selection settings
func (cfg *Config) MirrorPolicy() artefact.MirrorPolicy {
	return artefact.MirrorPolicy{
		Strict:            cfg.Trust.StrictMirrors,
		AllowQuestionable: cfg.Trust.AllowQuestionableMirrors,
	}
}

// formatValidationError formats validation errors into readable messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var messages []string
		for _, e := range validationErrors {
			switch e.Tag() {
			case "required":
				messages = append(messages, fmt.Sprintf("%s is required", e.Field()))
			case "min":
				messages = append(messages, fmt.Sprintf("%s must be at least %s", e.Field(), e.Param()))
			case "max":
				messages = append(messages, fmt.Sprintf("%s must be at most %s", e.Field(), e.Param()))
			case "oneof":
				messages = append(messages, fmt.Sprintf("%s must be one of: %s", e.Field(), e.Param()))
			case "cors_origins":
				messages = append(messages, fmt.Sprintf("%s contains invalid origin format", e.Field()))
			case "repository_urls":
				messages = append(messages, fmt.Sprintf("%s contains an invalid repository entry", e.Field()))
			default:
				messages = append(messages, fmt.Sprintf("%s failed validation: %s", e.Field(), e.Tag()))
			}
		}
		return fmt.Errorf("validation errors: %s", strings.Join(messages, "; "))
	}
	return err
}
