package github

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// SelectAsset picks the release asset a recipe item should download.
//
// With a pattern, the asset name must match the glob; without one the release
// must carry exactly one asset. Both a pattern matching nothing and multiple
// assets with no pattern are ambiguity errors, so recipe runs never depend on
// the host platform.
func SelectAsset(rel *Release, pattern string) (Asset, error) {
	if len(rel.Assets) == 0 {
		return Asset{}, fmt.Errorf("%w: release %s has no assets", ErrAmbiguousAsset, rel.TagName)
	}
	if pattern == "" {
		if len(rel.Assets) == 1 {
			return rel.Assets[0], nil
		}
		return Asset{}, fmt.Errorf(
			"%w: release %s has %d assets and no asset pattern; candidates: %s",
			ErrAmbiguousAsset, rel.TagName, len(rel.Assets), strings.Join(assetNames(rel.Assets), ", "),
		)
	}
	if !doublestar.ValidatePattern(pattern) {
		return Asset{}, fmt.Errorf("invalid asset pattern %q", pattern)
	}
	var matches []Asset
	for _, asset := range rel.Assets {
		ok, err := doublestar.Match(pattern, asset.Name)
		if err != nil {
			return Asset{}, fmt.Errorf("match asset pattern %q: %w", pattern, err)
		}
		if ok {
			matches = append(matches, asset)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return Asset{}, fmt.Errorf(
			"%w: no asset in release %s matches %q; available: %s",
			ErrAmbiguousAsset, rel.TagName, pattern, strings.Join(assetNames(rel.Assets), ", "),
		)
	default:
		return Asset{}, fmt.Errorf(
			"%w: pattern %q matches %d assets in release %s: %s",
			ErrAmbiguousAsset, pattern, len(matches), rel.TagName, strings.Join(assetNames(matches), ", "),
		)
	}
}

func assetNames(assets []Asset) []string {
	names := make([]string, 0, len(assets))
	for _, a := range assets {
		names = append(names, a.Name)
	}
	return names
}

// DetectAsset scores assets against the host OS/arch and returns the best
// candidate. Used only by the one-shot github subcommand; recipe resolution
// stays deterministic and never calls this.
func DetectAsset(assets []Asset) (Asset, bool) {
	osPatterns := map[string][]string{
		"windows": {"windows", "win", "pc-windows", "msvc"},
		"linux":   {"linux", "unknown-linux", "gnu"},
		"darwin":  {"darwin", "macos", "apple"},
	}[runtime.GOOS]
	if osPatterns == nil {
		osPatterns = []string{runtime.GOOS}
	}
	archPatterns := map[string][]string{
		"amd64": {"x86_64", "amd64", "x64", "64"},
		"386":   {"x86", "i386", "i686", "32", "win32"},
		"arm64": {"aarch64", "arm64", "armv8"},
		"arm":   {"arm", "armv7", "armhf"},
	}[runtime.GOARCH]
	if archPatterns == nil {
		archPatterns = []string{runtime.GOARCH}
	}

	best := Asset{}
	bestScore := 0
	for _, asset := range assets {
		name := strings.ToLower(asset.Name)
		score := 0
		for i, p := range osPatterns {
			if strings.Contains(name, p) {
				score += 100 - i*10
				break
			}
		}
		for i, p := range archPatterns {
			if strings.Contains(name, p) {
				score += 50 - i*5
				break
			}
		}
		if strings.HasSuffix(name, ".zip") || strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz") {
			score += 10
		}
		if strings.Contains(name, "src") || strings.Contains(name, "source") {
			score -= 50
		}
		if strings.Contains(name, "debug") || strings.Contains(name, "symbols") {
			score -= 30
		}
		if score > bestScore {
			bestScore = score
			best = asset
		}
	}
	return best, bestScore > 0
}
