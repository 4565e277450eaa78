package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/toolvm/internal/cache"
	"github.com/freewebtopdf/toolvm/internal/domain"
	"github.com/freewebtopdf/toolvm/internal/storage"
)

// DefaultTimeout is the default HTTP timeout for manifest requests
const DefaultTimeout = 30 * time.Second

// StorageID is the cache storage id holding fetched manifests
const StorageID = "sources"

// ManifestSchema tags cached manifests
const ManifestSchema = "SourceManifest.v1"

// maxManifestSize caps a manifest response to prevent OOM
const maxManifestSize = 10 * 1024 * 1024

// UserAgent is sent with every request
const UserAgent = "github.com/freewebtopdf/toolvm"

// HTTPConfig holds configuration for an HTTP source
type HTTPConfig struct {
	Name    string
	URL     string
	Timeout time.Duration
}

// HTTPSource fetches a JSON manifest from a URL and keeps it in cache storage
type HTTPSource struct {
	config     HTTPConfig
	httpClient *http.Client
	roller     *cache.Roller[Manifest]
	logger     zerolog.Logger
}

// NewHTTPSource creates an HTTP source caching through manager
func NewHTTPSource(config HTTPConfig, manager *storage.Manager) (*HTTPSource, error) {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if _, err := url.ParseRequestURI(config.URL); err != nil {
		return nil, fmt.Errorf("invalid repository URL %q: %w", config.URL, err)
	}

	s, err := manager.Storage(StorageID)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("source", config.Name).Logger()
	return &HTTPSource{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		roller: cache.NewRoller[Manifest](s, config.Name+".json", ManifestSchema,
			cache.WithLogger[Manifest](logger)),
		logger: logger,
	}, nil
}

// Name implements domain.RepositorySource
func (s *HTTPSource) Name() string {
	return s.config.Name
}

// CreateRepository returns the cached manifest, fetching it on a cache miss
func (s *HTTPSource) CreateRepository(ctx context.Context) (domain.Repository, error) {
	manifest, err := s.roller.Roll(ctx, s.fetch)
	if err != nil {
		return nil, err
	}
	return newManifestRepository(&manifest), nil
}

// Refresh refetches the manifest and replaces the cached copy. The cached
// copy survives a failed fetch.
func (s *HTTPSource) Refresh(ctx context.Context) error {
	manifest, err := s.roller.Refresh(ctx, s.fetch)
	if err != nil {
		return err
	}
	s.logger.Info().Int("packages", len(manifest.Packages)).Msg("Repository manifest refreshed")
	return nil
}

func (s *HTTPSource) fetch(ctx context.Context) (Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.URL, nil)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Manifest{}, fmt.Errorf("failed to fetch manifest: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > maxManifestSize {
		return Manifest{}, fmt.Errorf("manifest exceeds %d bytes", maxManifestSize)
	}

	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return manifest, nil
}

// ParseRepositoryURL splits a "name=url" entry. Without a name the URL's host
// names the source.
func ParseRepositoryURL(entry string) (name, rawURL string, err error) {
	entry = strings.TrimSpace(entry)
	if n, u, ok := strings.Cut(entry, "="); ok && !strings.Contains(n, "/") {
		name, rawURL = strings.TrimSpace(n), strings.TrimSpace(u)
	} else {
		rawURL = entry
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", "", fmt.Errorf("invalid repository URL %q", entry)
	}
	if name == "" {
		name = parsed.Hostname()
	}
	return name, rawURL, nil
}
