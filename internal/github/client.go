// Package github is a minimal client for the two release operations the
// fetch engine needs: resolve a tag (latest or explicit) and list that
// release's assets.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound       = errors.New("github: release not found")
	ErrTransient      = errors.New("github: transient api failure")
	ErrAmbiguousAsset = errors.New("github: ambiguous asset selection")
)

// Release is the subset of the releases API payload the resolver consumes.
type Release struct {
	TagName string  `json:"tag_name"`
	Name    string  `json:"name"`
	Assets  []Asset `json:"assets"`
}

type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// BackoffConfig shapes the retry delay for transient API failures.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

type Config struct {
	BaseURL     string
	Token       string
	UserAgent   string
	MaxAttempts int
	Backoff     BackoffConfig
	HTTPClient  *http.Client
}

func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://api.github.com",
		Token:       os.Getenv("GITHUB_TOKEN"),
		UserAgent:   "fetchctl",
		MaxAttempts: 3,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type Client struct {
	cfg Config
	rng *rand.Rand
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "fetchctl"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Release fetches release metadata for a repo. An empty tag resolves the
// latest release. Transient failures are retried with backoff before the
// error surfaces.
func (c *Client) Release(ctx context.Context, repo string, tag string) (*Release, error) {
	url := c.cfg.BaseURL + "/repos/" + repo + "/releases/latest"
	if tag != "" {
		url = c.cfg.BaseURL + "/repos/" + repo + "/releases/tags/" + tag
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := nextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
			log.Debug().
				Str("repo", repo).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying github api call")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		rel, err := c.fetchRelease(ctx, url, repo)
		if err == nil {
			return rel, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) fetchRelease(ctx context.Context, url string, repo string) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build release request for %s: %w", repo, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrTransient, repo, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotFound, repo, url)
	case resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s: status %d", ErrTransient, repo, resp.StatusCode)
	default:
		return nil, fmt.Errorf("github api request for %s failed with status: %d", repo, resp.StatusCode)
	}

	var rel Release
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&rel); err != nil {
		return nil, fmt.Errorf("parse release json for %s: %w", repo, err)
	}
	return &rel, nil
}

// nextBackoffDelay returns the retry delay for attempt N (1-based).
func nextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
