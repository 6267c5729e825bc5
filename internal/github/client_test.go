package github

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/fetchctl/internal/testutil/testlog"
)

func testClient(baseURL string, attempts int) *Client {
	return NewClient(Config{
		BaseURL:     baseURL,
		MaxAttempts: attempts,
		Backoff:     BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1.0},
		HTTPClient:  &http.Client{Timeout: 2 * time.Second},
	})
}

func TestReleaseLatestAndTagged(t *testing.T) {
	testlog.Start(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/org/proj/releases/latest":
			w.Write([]byte(`{"tag_name":"v2.0.0","name":"v2","assets":[{"name":"proj.zip","browser_download_url":"https://dl/proj.zip","size":10}]}`))
		case "/repos/org/proj/releases/tags/v1.0.0":
			w.Write([]byte(`{"tag_name":"v1.0.0","name":"v1","assets":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := testClient(srv.URL, 1)

	rel, err := c.Release(context.Background(), "org/proj", "")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if rel.TagName != "v2.0.0" || len(rel.Assets) != 1 {
		t.Fatalf("latest release: %+v", rel)
	}

	rel, err = c.Release(context.Background(), "org/proj", "v1.0.0")
	if err != nil {
		t.Fatalf("tagged: %v", err)
	}
	if rel.TagName != "v1.0.0" {
		t.Fatalf("tagged release: %+v", rel)
	}
}

func TestReleaseNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	_, err := testClient(srv.URL, 3).Release(context.Background(), "org/missing", "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReleaseTransientRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"tag_name":"v1.0.0","assets":[{"name":"a.zip","browser_download_url":"https://dl/a.zip"}]}`))
	}))
	defer srv.Close()

	rel, err := testClient(srv.URL, 3).Release(context.Background(), "org/proj", "")
	if err != nil {
		t.Fatalf("expected retry success, got %v", err)
	}
	if rel.TagName != "v1.0.0" {
		t.Fatalf("release: %+v", rel)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestReleaseTransientExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, 2).Release(context.Background(), "org/proj", "")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestReleaseSendsAuthHeader(t *testing.T) {
	var gotAuth, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("User-Agent")
		w.Write([]byte(`{"tag_name":"v1.0.0","assets":[]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "tok123", MaxAttempts: 1})
	if _, err := c.Release(context.Background(), "org/proj", ""); err != nil {
		t.Fatalf("release: %v", err)
	}
	if gotAuth != "Bearer tok123" {
		t.Fatalf("auth header: %q", gotAuth)
	}
	if gotAgent != "fetchctl" {
		t.Fatalf("user agent: %q", gotAgent)
	}
}
