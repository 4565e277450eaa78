// Package fetch downloads artefacts from http(s) and file URIs
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
)

// DefaultTimeout bounds a whole download
const DefaultTimeout = 30 * time.Minute

// UserAgent is sent with every request
const UserAgent = "github.com/freewebtopdf/toolvm"

// Fetcher copies remote artefacts into writers
type Fetcher struct {
	httpClient *http.Client
	progress   io.Writer
	logger     zerolog.Logger
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.httpClient = client
	}
}

// WithProgress renders a progress bar to w for every download
func WithProgress(w io.Writer) Option {
	return func(f *Fetcher) {
		f.progress = w
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// New creates a Fetcher
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch copies the content at uri into dst and returns the byte count
func (f *Fetcher) Fetch(ctx context.Context, uri string, dst io.Writer) (int64, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return 0, fmt.Errorf("invalid artefact URI %q: %w", uri, err)
	}

	var (
		body io.ReadCloser
		size int64 = -1
	)
	switch parsed.Scheme {
	case "http", "https":
		body, size, err = f.openHTTP(ctx, uri)
	case "file":
		body, size, err = openFile(parsed.Path)
	default:
		return 0, fmt.Errorf("unsupported artefact URI scheme %q", parsed.Scheme)
	}
	if err != nil {
		return 0, err
	}
	defer body.Close()

	out := dst
	var bar *progressbar.ProgressBar
	if f.progress != nil {
		bar = progressbar.NewOptions64(size,
			progressbar.OptionSetWriter(f.progress),
			progressbar.OptionSetDescription("downloading "+path.Base(parsed.Path)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
		out = io.MultiWriter(dst, bar)
	}

	n, err := io.Copy(out, &contextReader{ctx: ctx, r: body})
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return n, fmt.Errorf("failed to download %s: %w", uri, err)
	}

	f.logger.Debug().Str("uri", uri).Int64("bytes", n).Msg("Artefact downloaded")
	return n, nil
}

func (f *Fetcher) openHTTP(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to download %s: %w", uri, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("failed to download %s: HTTP %d", uri, resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

func openFile(p string) (io.ReadCloser, int64, error) {
	file, err := os.Open(p)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s: %w", p, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	return file, info.Size(), nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
