// Package recipe defines the TOML recipe document: named fetch items with a
// URL or GitHub release source, optional extraction settings, optional pinned
// lock data, and a [vars] table for substitution.
package recipe

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Item is one named unit of work in a recipe. Exactly one of URL or GitHub
// must be set.
type Item struct {
	Name          string        `toml:"-"`
	URL           string        `toml:"url,omitempty"`
	GitHub        *GitHubSource `toml:"github,omitempty"`
	SaveAs        string        `toml:"save_as,omitempty"`
	ExtractTo     string        `toml:"unzip_to,omitempty"`
	ExtractFilter string        `toml:"files,omitempty"`
	Executable    bool          `toml:"executable,omitempty"`
	Lock          *LockInfo     `toml:"lock,omitempty"`
}

// GitHubSource addresses a release asset. An empty Tag means the latest
// release; an empty AssetPattern requires the release to carry exactly one
// asset.
type GitHubSource struct {
	Repo         string `toml:"repo"`
	Tag          string `toml:"tag,omitempty"`
	AssetPattern string `toml:"asset,omitempty"`
}

// LockInfo carries pinned reproducibility data written by lock runs. Fields
// persist unchanged across runs until explicitly relocked.
type LockInfo struct {
	SHA         string `toml:"sha,omitempty"`
	Tag         string `toml:"tag,omitempty"`
	DownloadURL string `toml:"download_url,omitempty"`
}

// Recipe is an ordered set of items. Order follows the source document so
// that runs and lock rewrites are stable.
type Recipe struct {
	Vars  map[string]string
	Items []Item

	byName map[string]int
}

// Load reads and parses a recipe file.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recipe load failed (%s): %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("recipe parse failed (%s): %w", path, err)
	}
	return r, nil
}

// Parse decodes a recipe document, preserving item order.
func Parse(data []byte) (*Recipe, error) {
	var raw map[string]toml.Primitive
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, err
	}

	r := &Recipe{
		Vars:   map[string]string{},
		byName: map[string]int{},
	}

	if prim, ok := raw["vars"]; ok {
		if err := md.PrimitiveDecode(prim, &r.Vars); err != nil {
			return nil, fmt.Errorf("invalid [vars] table: %w", err)
		}
	}

	// md.Keys reports keys in document order, nested keys included; the
	// top-level ones give the item ordering.
	for _, key := range md.Keys() {
		if len(key) != 1 {
			continue
		}
		name := key[0]
		if name == "vars" {
			continue
		}
		if _, dup := r.byName[name]; dup {
			continue
		}
		var item Item
		if err := md.PrimitiveDecode(raw[name], &item); err != nil {
			return nil, fmt.Errorf("invalid item [%s]: %w", name, err)
		}
		item.Name = name
		if err := ValidateItem(item); err != nil {
			return nil, fmt.Errorf("item [%s] invalid: %w", name, err)
		}
		r.byName[name] = len(r.Items)
		r.Items = append(r.Items, item)
	}

	return r, nil
}

// Get returns the named item.
func (r *Recipe) Get(name string) (Item, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Item{}, false
	}
	return r.Items[i], true
}

// Names returns item names in document order.
func (r *Recipe) Names() []string {
	out := make([]string, 0, len(r.Items))
	for _, it := range r.Items {
		out = append(out, it.Name)
	}
	return out
}

func ValidateItem(item Item) error {
	hasURL := strings.TrimSpace(item.URL) != ""
	hasGitHub := item.GitHub != nil
	if hasURL == hasGitHub {
		return fmt.Errorf("exactly one of 'url' or 'github' is required")
	}
	if hasGitHub {
		repo := strings.TrimSpace(item.GitHub.Repo)
		parts := strings.Split(repo, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("github repo must be in owner/repo form, got %q", item.GitHub.Repo)
		}
	}
	if item.Lock != nil && item.Lock.SHA != "" && !validSHA(item.Lock.SHA) {
		return fmt.Errorf("lock sha must be a 64-char hex digest, got %q", item.Lock.SHA)
	}
	return nil
}

func validSHA(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
