package config

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	clearEnvVars()
	defer clearEnvVars()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Second, cfg.Server.WriteTimeout)
	assert.Empty(t, cfg.Server.CORSOrigins)

	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, filepath.Join("data", "cache"), cfg.Storage.CacheDir)
	assert.Equal(t, filepath.Join("data", "artefacts"), cfg.Storage.ArtefactDir)
	assert.Equal(t, filepath.Join("data", "installed"), cfg.Storage.InstallDir)
	assert.Equal(t, filepath.Join("data", "installed.cbor"), cfg.Storage.DatabasePath)
	assert.Equal(t, filepath.Join("data", "packages"), cfg.Sources.Dir)

	assert.False(t, cfg.Trust.AllowUncertainHash)
	assert.False(t, cfg.Trust.AllowQuestionableMirrors)
	assert.False(t, cfg.Trust.StrictMirrors)
	assert.Equal(t, 168*time.Hour, cfg.Artefacts.Retention)
	assert.False(t, cfg.Index.AllVersions)
	assert.Empty(t, cfg.Sources.RepositoryURLs)
	assert.Empty(t, cfg.Sources.Disabled)
	assert.Equal(t, 30*time.Second, cfg.Sources.Timeout)
	assert.Zero(t, cfg.Sources.SyncInterval)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	clearEnvVars()
	defer clearEnvVars()

	tempDir := t.TempDir()
	os.Setenv("PORT", "9090")
	os.Setenv("READ_TIMEOUT", "10s")
	os.Setenv("DATA_DIR", tempDir)
	os.Setenv("INSTALL_DIR", filepath.Join(tempDir, "tools"))
	os.Setenv("ALLOW_UNCERTAIN_HASH", "true")
	os.Setenv("STRICT_MIRRORS", "true")
	os.Setenv("ARTEFACT_RETENTION", "24h")
	os.Setenv("INDEX_ALL_VERSIONS", "true")
	os.Setenv("REPOSITORY_URLS", "main=https://repo.example.com/index.json,https://mirror.example.org/index.json")
	os.Setenv("DISABLED_SOURCES", "local,mirror.example.org")
	os.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, filepath.Join(tempDir, "tools"), cfg.Storage.InstallDir)
	assert.Equal(t, filepath.Join(tempDir, "artefacts"), cfg.Storage.ArtefactDir)
	assert.True(t, cfg.Trust.AllowUncertainHash)
	assert.Equal(t, 24*time.Hour, cfg.Artefacts.Retention)
	assert.True(t, cfg.Index.AllVersions)
	assert.Equal(t, []string{"main=https://repo.example.com/index.json", "https://mirror.example.org/index.json"}, cfg.Sources.RepositoryURLs)
	assert.Equal(t, []string{"local", "mirror.example.org"}, cfg.Sources.Disabled)
	assert.Equal(t, "debug", cfg.Logging.Level)

	policy := cfg.MirrorPolicy()
	assert.True(t, policy.Strict)
	assert.False(t, policy.AllowQuestionable)

	artefacts := cfg.ArtefactConfig()
	assert.Equal(t, cfg.Storage.ArtefactDir, artefacts.Dir)
	assert.True(t, artefacts.AllowUncertainHash)
	assert.Equal(t, 24*time.Hour, artefacts.Retention)
}

func TestLoad_InvalidRepositoryURL(t *testing.T) {
	clearEnvVars()
	defer clearEnvVars()

	os.Setenv("REPOSITORY_URLS", "main=not a url")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RepositoryURLs contains an invalid repository entry")
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Port = 0

	err := Validate(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "Port must be at least 1")
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := createValidConfig(t.TempDir())
	cfg.Logging.Level = "invalid"

	err := Validate(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "Level must be one of: debug info warn error")
}

func TestValidate_InvalidCORSOrigins(t *testing.T) {
	cfg := createValidConfig(t.TempDir())
	cfg.Server.CORSOrigins = []string{"invalid-origin"}

	err := Validate(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "CORSOrigins contains invalid origin format")
}

func TestValidate_CustomRules(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }, "data directory cannot be empty"},
		{"short read timeout", func(c *Config) { c.Server.ReadTimeout = 0 }, "read timeout"},
		{"short retention", func(c *Config) { c.Artefacts.Retention = time.Second }, "artefact retention"},
		{"short source timeout", func(c *Config) { c.Sources.Timeout = time.Millisecond }, "source timeout"},
		{"short sync interval", func(c *Config) { c.Sources.SyncInterval = time.Second }, "sync interval"},
		{"conflicting mirror policy", func(c *Config) {
			c.Trust.StrictMirrors = true
			c.Trust.AllowQuestionableMirrors = true
		}, "cannot both be enabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createValidConfig(t.TempDir())
			tt.modify(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_PortRange(t *testing.T) {
	for _, port := range []int{1, 80, 443, 8080, 65535} {
		t.Run(strconv.Itoa(port), func(t *testing.T) {
			cfg := createValidConfig(t.TempDir())
			cfg.Server.Port = port
			assert.NoError(t, Validate(cfg))
		})
	}
	for _, port := range []int{0, -1, 65536} {
		t.Run(strconv.Itoa(port), func(t *testing.T) {
			cfg := createValidConfig(t.TempDir())
			cfg.Server.Port = port
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestResolve_KeepsExplicitPaths(t *testing.T) {
	cfg := &Config{}
	cfg.Storage.DataDir = "/var/lib/toolvm"
	cfg.Storage.DatabasePath = "/etc/toolvm/db.cbor"
	cfg.Resolve()

	assert.Equal(t, "/etc/toolvm/db.cbor", cfg.Storage.DatabasePath)
	assert.Equal(t, "/var/lib/toolvm/cache", cfg.Storage.CacheDir)
}

func TestEnsureDirectories(t *testing.T) {
	tempDir := t.TempDir()
	cfg := createValidConfig(tempDir)

	require.NoError(t, cfg.EnsureDirectories())

	for _, dir := range []string{cfg.Storage.DataDir, cfg.Storage.CacheDir, cfg.Storage.ArtefactDir, cfg.Storage.InstallDir} {
		assert.DirExists(t, dir)
	}
}

func clearEnvVars() {
	envVars := []string{
		"PORT", "READ_TIMEOUT", "WRITE_TIMEOUT", "CORS_ORIGINS",
		"DATA_DIR", "CACHE_DIR", "ARTEFACT_DIR", "INSTALL_DIR", "DATABASE_PATH",
		"ALLOW_UNCERTAIN_HASH", "ALLOW_QUESTIONABLE_MIRRORS", "STRICT_MIRRORS",
		"ARTEFACT_RETENTION", "INDEX_ALL_VERSIONS",
		"SOURCES_DIR", "REPOSITORY_URLS", "DISABLED_SOURCES", "SOURCE_TIMEOUT", "SOURCE_SYNC_INTERVAL",
		"LOG_LEVEL", "LOG_FORMAT",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

func createValidConfig(tempDir string) *Config {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = time.Second
	cfg.Server.WriteTimeout = time.Second
	cfg.Server.CORSOrigins = []string{"*"}
	cfg.Storage.DataDir = filepath.Join(tempDir, "data")
	cfg.Artefacts.Retention = 168 * time.Hour
	cfg.Sources.Timeout = 30 * time.Second
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Resolve()
	return cfg
}
