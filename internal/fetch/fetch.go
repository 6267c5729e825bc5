// Package fetch streams remote artifacts to disk while computing their
// SHA-256 digest. It understands http(s) URLs and s3:// object paths.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/danmuck/fetchctl/internal/hashio"
	"github.com/rs/zerolog/log"
)

var ErrFetch = errors.New("fetch failed")

// StatusError reports a non-success HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download of %s failed with status: %d", e.URL, e.Code)
}

// Result describes one fetched artifact. Transient, scoped to a single
// item's processing.
type Result struct {
	Path   string
	Size   int64
	Digest string
	Cached bool
}

type Config struct {
	Timeout    time.Duration
	UserAgent  string
	S3Endpoint string // defaults to s3.amazonaws.com
	S3Region   string
	S3Insecure bool
}

func DefaultConfig() Config {
	return Config{
		Timeout:   10 * time.Minute,
		UserAgent: "fetchctl",
	}
}

type Fetcher struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "fetchctl"
	}
	return &Fetcher{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Download streams the URL's body into dest, returning byte count and hex
// digest. dest is written directly; callers own temp-file placement and the
// atomic rename into the final location. On error dest is removed.
func (f *Fetcher) Download(ctx context.Context, rawURL string, dest string) (int64, string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0, "", fmt.Errorf("%w: invalid url %q: %v", ErrFetch, rawURL, err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, "", fmt.Errorf("create download file (%s): %w", dest, err)
	}
	hw := hashio.NewWriter(out)

	var copyErr error
	switch parsed.Scheme {
	case "http", "https":
		copyErr = f.downloadHTTP(ctx, rawURL, hw)
	case "s3":
		copyErr = f.downloadS3(ctx, parsed, hw)
	default:
		copyErr = fmt.Errorf("%w: unsupported url scheme %q", ErrFetch, parsed.Scheme)
	}
	if copyErr == nil {
		copyErr = out.Sync()
	}
	if closeErr := out.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(dest)
		return 0, "", copyErr
	}

	log.Info().Str("url", rawURL).Int64("bytes", hw.Size()).Msg("download complete")
	return hw.Size(), hw.Sum(), nil
}

func (f *Fetcher) downloadHTTP(ctx context.Context, rawURL string, dst io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: build request for %s: %v", ErrFetch, rawURL, err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrFetch, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %w", ErrFetch, &StatusError{URL: rawURL, Code: resp.StatusCode})
	}

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body of %s: %v", ErrFetch, rawURL, err)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return fmt.Errorf("%w: truncated body of %s: got %d of %d bytes",
			ErrFetch, rawURL, n, resp.ContentLength)
	}
	return nil
}
