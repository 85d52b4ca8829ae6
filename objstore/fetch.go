package objstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Fetcher resolves a document URL to bytes: http(s):// over HTTP, file://
// from local disk, obj:// from the store.
type Fetcher struct {
	client   *http.Client
	store    Store
	maxBytes int64
	logger   *slog.Logger
	guard    URLGuard
	fileRoot string
}

// FetchOption configures a Fetcher.
type FetchOption func(*Fetcher)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) FetchOption { return func(f *Fetcher) { f.client = c } }

// WithStore enables obj:// URLs.
func WithStore(s Store) FetchOption { return func(f *Fetcher) { f.store = s } }

// WithMaxBytes caps the size of a fetched document. Default: 512 MiB.
func WithMaxBytes(n int64) FetchOption { return func(f *Fetcher) { f.maxBytes = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FetchOption { return func(f *Fetcher) { f.logger = l } }

// NewFetcher creates a Fetcher.
func NewFetcher(opts ...FetchOption) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: 5 * time.Minute},
		maxBytes: 512 << 20,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	f.guardRedirects()
	return f
}

// Fetch returns the bytes behind rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	switch {
	case strings.HasPrefix(rawURL, Scheme):
		if f.store == nil {
			return nil, fmt.Errorf("objstore: fetch %s: no store configured", rawURL)
		}
		return f.store.Get(ctx, rawURL)
	case strings.HasPrefix(rawURL, "file://"):
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("objstore: fetch: %w", err)
		}
		path, err := f.filePath(u.Path)
		if err != nil {
			return nil, err
		}
		return f.readFile(path)
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("objstore: fetch: %w", err)
		}
		if err := f.checkURL(ctx, u); err != nil {
			return nil, err
		}
		return f.get(ctx, rawURL)
	default:
		return nil, fmt.Errorf("objstore: fetch %q: unsupported scheme", rawURL)
	}
}

func (f *Fetcher) readFile(path string) ([]byte, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("objstore: fetch: %w", err)
	}
	if st.Size() > f.maxBytes {
		return nil, fmt.Errorf("objstore: fetch %s: %d bytes exceeds limit %d", path, st.Size(), f.maxBytes)
	}
	return os.ReadFile(path)
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("objstore: new request: %w", err)
	}
	req.Header.Set("Accept", "application/pdf,*/*;q=0.8")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("objstore: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("objstore: fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("objstore: read body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("objstore: fetch %s: body exceeds limit %d", rawURL, f.maxBytes)
	}
	f.logger.Debug("objstore: fetched", "url", rawURL, "bytes", len(body), "duration_ms", time.Since(start).Milliseconds())
	return body, nil
}
