package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/danmuck/fetchctl/internal/github"
	"github.com/danmuck/fetchctl/internal/recipe"
	"github.com/danmuck/fetchctl/internal/testutil/testlog"
)

func apiServer(t *testing.T, handler http.HandlerFunc) (*Resolver, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	cfg := github.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.MaxAttempts = 1
	return New(github.NewClient(cfg)), &calls
}

func releaseJSON(tag string, assets ...string) string {
	body := fmt.Sprintf(`{"tag_name": %q, "assets": [`, tag)
	for i, a := range assets {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{"name": %q, "browser_download_url": "https://dl.example/%s"}`, a, a)
	}
	return body + "]}"
}

func TestResolveDirectURL(t *testing.T) {
	testlog.Start(t)

	r, calls := apiServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unexpected", http.StatusTeapot)
	})
	item := recipe.Item{Name: "jq", URL: "https://example.com/jq.tar.gz"}
	got, err := r.Resolve(context.Background(), item, Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.URL != item.URL || got.Tag != "" {
		t.Fatalf("resolved: %+v", got)
	}
	if calls.Load() != 0 {
		t.Fatal("direct url must not touch the api")
	}
}

func TestResolveLockedItemSkipsAPI(t *testing.T) {
	r, calls := apiServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unexpected", http.StatusTeapot)
	})
	item := recipe.Item{
		Name:   "ripgrep",
		GitHub: &recipe.GitHubSource{Repo: "BurntSushi/ripgrep"},
		Lock:   &recipe.LockInfo{Tag: "14.1.0", DownloadURL: "https://dl.example/rg.tar.gz"},
	}
	got, err := r.Resolve(context.Background(), item, Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.URL != "https://dl.example/rg.tar.gz" || got.Tag != "14.1.0" {
		t.Fatalf("resolved: %+v", got)
	}
	if calls.Load() != 0 {
		t.Fatalf("pinned item made %d api calls", calls.Load())
	}
}

func TestResolveLatestRelease(t *testing.T) {
	r, _ := apiServer(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/repos/owner/tool/releases/latest" {
			http.NotFound(w, req)
			return
		}
		fmt.Fprint(w, releaseJSON("v2.0.0", "tool-linux.tar.gz"))
	})
	item := recipe.Item{Name: "tool", GitHub: &recipe.GitHubSource{Repo: "owner/tool"}}
	got, err := r.Resolve(context.Background(), item, Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Tag != "v2.0.0" || got.AssetName != "tool-linux.tar.gz" {
		t.Fatalf("resolved: %+v", got)
	}
	if got.URL != "https://dl.example/tool-linux.tar.gz" {
		t.Fatalf("url: %s", got.URL)
	}
}

func TestResolveExplicitTag(t *testing.T) {
	r, _ := apiServer(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/repos/owner/tool/releases/tags/v1.5.0" {
			http.NotFound(w, req)
			return
		}
		fmt.Fprint(w, releaseJSON("v1.5.0", "tool.zip"))
	})
	item := recipe.Item{Name: "tool", GitHub: &recipe.GitHubSource{Repo: "owner/tool", Tag: "v1.5.0"}}
	got, err := r.Resolve(context.Background(), item, Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Tag != "v1.5.0" {
		t.Fatalf("tag: %s", got.Tag)
	}
}

func TestResolveUpgradeIgnoresPinnedTag(t *testing.T) {
	r, _ := apiServer(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/repos/owner/tool/releases/latest" {
			t.Errorf("upgrade hit %s", req.URL.Path)
			http.NotFound(w, req)
			return
		}
		fmt.Fprint(w, releaseJSON("v3.0.0", "tool.zip"))
	})
	item := recipe.Item{
		Name:   "tool",
		GitHub: &recipe.GitHubSource{Repo: "owner/tool", Tag: "v1.0.0"},
		Lock:   &recipe.LockInfo{Tag: "v1.0.0", DownloadURL: "https://dl.example/old.zip"},
	}
	got, err := r.Resolve(context.Background(), item, Options{Upgrade: true})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Tag != "v3.0.0" {
		t.Fatalf("tag: %s", got.Tag)
	}
}

func TestResolveLockRunBypassesStoredURL(t *testing.T) {
	r, calls := apiServer(t, func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, releaseJSON("v1.0.0", "tool.zip"))
	})
	item := recipe.Item{
		Name:   "tool",
		GitHub: &recipe.GitHubSource{Repo: "owner/tool", Tag: "v1.0.0"},
		Lock:   &recipe.LockInfo{DownloadURL: "https://dl.example/stale.zip"},
	}
	got, err := r.Resolve(context.Background(), item, Options{LockRun: true})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.URL == "https://dl.example/stale.zip" {
		t.Fatal("lock run reused the stored url")
	}
	if calls.Load() != 1 {
		t.Fatalf("api calls: %d", calls.Load())
	}
}

func TestResolveAmbiguousAssets(t *testing.T) {
	r, _ := apiServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, releaseJSON("v1.0.0", "tool-linux.tar.gz", "tool-darwin.tar.gz"))
	})
	item := recipe.Item{Name: "tool", GitHub: &recipe.GitHubSource{Repo: "owner/tool"}}
	if _, err := r.Resolve(context.Background(), item, Options{}); !errors.Is(err, github.ErrAmbiguousAsset) {
		t.Fatalf("expected ErrAmbiguousAsset, got %v", err)
	}
}

func TestResolveMissingRelease(t *testing.T) {
	r, _ := apiServer(t, func(w http.ResponseWriter, req *http.Request) {
		http.NotFound(w, req)
	})
	item := recipe.Item{Name: "tool", GitHub: &recipe.GitHubSource{Repo: "owner/gone"}}
	if _, err := r.Resolve(context.Background(), item, Options{}); !errors.Is(err, github.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
