// Package cache is the on-disk fetch cache: one content blob per resolved
// URL plus an index of digests and sizes, durable across invocations. It
// guarantees at most one in-flight transfer per key and only ever exposes
// fully-written, atomically-renamed blobs.
package cache

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/danmuck/fetchctl/internal/fetch"
	"github.com/danmuck/fetchctl/internal/hashio"
)

const (
	blobsDir  = "blobs"
	indexFile = "index.toml"
)

// Key derives the cache key for a resolved URL. Two items resolving to the
// same URL share one entry.
func Key(url string) string {
	return hashio.SumBytes([]byte(url))
}

// Entry records one cached blob. Immutable once written; replaced only by an
// explicit re-fetch.
type Entry struct {
	Key       string    `toml:"key"`
	URL       string    `toml:"url"`
	Size      int64     `toml:"size"`
	Digest    string    `toml:"digest"`
	FetchedAt time.Time `toml:"fetched_at"`
}

type index struct {
	Entries map[string]Entry `toml:"entries"`
}

// Store maps cache keys to local blobs, fetching on miss.
type Store struct {
	dir     string
	fetcher *fetch.Fetcher

	mu      sync.Mutex
	entries map[string]Entry
	flight  singleflight.Group
}

// Open prepares the cache directory and loads the persisted index. Blobs
// referenced by the index but missing on disk are treated as misses later.
func Open(dir string, fetcher *fetch.Fetcher) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, blobsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory (%s): %w", dir, err)
	}
	s := &Store{
		dir:     dir,
		fetcher: fetcher,
		entries: map[string]Entry{},
	}
	path := filepath.Join(dir, indexFile)
	if _, err := os.Stat(path); err == nil {
		var idx index
		if _, err := toml.DecodeFile(path, &idx); err != nil {
			return nil, fmt.Errorf("cache index parse failed (%s): %w", path, err)
		}
		if idx.Entries != nil {
			s.entries = idx.Entries
		}
	}
	return s, nil
}

// Dir returns the cache root.
func (s *Store) Dir() string {
	return s.dir
}

// GetOrFetch returns the cached blob for a URL, fetching it first on miss.
//
// With an expected digest the cache is trusted only when the stored digest
// matches; a stale or corrupt entry is re-fetched. Without one, presence
// alone is a hit. Concurrent callers for the same key join a single
// in-flight transfer.
func (s *Store) GetOrFetch(ctx context.Context, url string, expectedSHA string) (fetch.Result, error) {
	key := Key(url)
	if res, ok := s.lookup(key, expectedSHA); ok {
		log.Info().Str("key", key).Msgf("Found cached file: %s", res.Path)
		return res, nil
	}

	v, err, _ := s.flight.Do(key, func() (any, error) {
		// A joined caller may arrive after the first finished.
		if res, ok := s.lookup(key, expectedSHA); ok {
			log.Info().Str("key", key).Msgf("Found cached file: %s", res.Path)
			return res, nil
		}
		return s.fetchAndRecord(ctx, key, url)
	})
	if err != nil {
		return fetch.Result{}, err
	}
	return v.(fetch.Result), nil
}

// Lookup reports whether a trusted entry exists without fetching.
func (s *Store) Lookup(url string, expectedSHA string) (fetch.Result, bool) {
	return s.lookup(Key(url), expectedSHA)
}

func (s *Store) lookup(key string, expectedSHA string) (fetch.Result, bool) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return fetch.Result{}, false
	}
	if expectedSHA != "" && !hashio.Equal(entry.Digest, expectedSHA) {
		log.Debug().
			Str("key", key).
			Str("stored", entry.Digest).
			Str("expected", expectedSHA).
			Msg("cache digest mismatch, treating as miss")
		return fetch.Result{}, false
	}
	path := s.blobPath(key)
	if _, err := os.Stat(path); err != nil {
		return fetch.Result{}, false
	}
	return fetch.Result{Path: path, Size: entry.Size, Digest: entry.Digest, Cached: true}, true
}

func (s *Store) fetchAndRecord(ctx context.Context, key string, url string) (fetch.Result, error) {
	final := s.blobPath(key)
	temp := final + ".partial"

	log.Info().Msgf("Downloading: %s", url)
	size, digest, err := s.fetcher.Download(ctx, url, temp)
	if err != nil {
		os.Remove(temp)
		return fetch.Result{}, err
	}
	if err := os.Rename(temp, final); err != nil {
		os.Remove(temp)
		return fetch.Result{}, fmt.Errorf("finalize cache blob (%s): %w", final, err)
	}

	entry := Entry{
		Key:       key,
		URL:       url,
		Size:      size,
		Digest:    digest,
		FetchedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.entries[key] = entry
	err = s.persistIndexLocked()
	s.mu.Unlock()
	if err != nil {
		return fetch.Result{}, err
	}
	return fetch.Result{Path: final, Size: size, Digest: digest}, nil
}

func (s *Store) blobPath(key string) string {
	return filepath.Join(s.dir, blobsDir, key)
}

// persistIndexLocked writes the index with the same write-then-rename
// discipline as the blobs. Caller holds s.mu.
func (s *Store) persistIndexLocked() error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(index{Entries: s.entries}); err != nil {
		return fmt.Errorf("encode cache index: %w", err)
	}
	path := filepath.Join(s.dir, indexFile)
	temp := path + ".tmp"
	if err := os.WriteFile(temp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write cache index (%s): %w", temp, err)
	}
	if err := os.Rename(temp, path); err != nil {
		os.Remove(temp)
		return fmt.Errorf("finalize cache index (%s): %w", path, err)
	}
	return nil
}
