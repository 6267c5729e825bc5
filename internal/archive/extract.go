// Package archive extracts fetched artifacts. It understands zip and
// gzip-compressed tarballs, applies an optional glob filter to entry paths,
// and refuses entries that would land outside the destination.
package archive

import (
	"archive/tar"
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

var ErrExtract = errors.New("extract failed")

// Extract unpacks archivePath into destDir and returns the number of files
// written. With a filter, an entry is written only if its relative path or
// its basename matches the glob; everything else is skipped.
//
// The format is chosen by filename. Unrecognized extensions are attempted as
// zip, which is what most release assets without a conventional suffix are.
func Extract(archivePath, destDir, filter string) (int, error) {
	if filter != "" && !doublestar.ValidatePattern(filter) {
		return 0, fmt.Errorf("%w: invalid filter pattern %q", ErrExtract, filter)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, fmt.Errorf("create extraction dir (%s): %w", destDir, err)
	}

	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTarGz(archivePath, destDir, filter)
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(archivePath, destDir, filter)
	default:
		log.Warn().Str("archive", archivePath).Msg("unknown archive extension, attempting zip")
		return extractZip(archivePath, destDir, filter)
	}
}

func extractZip(archivePath, destDir, filter string) (int, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, fmt.Errorf("%w: zip stream of %s: %v", ErrExtract, archivePath, err)
	}
	defer zr.Close()

	count := 0
	for _, entry := range zr.File {
		rel := normalizeEntry(entry.Name)
		if rel == "" {
			continue
		}
		if entry.FileInfo().IsDir() {
			if filter != "" {
				continue
			}
			if err := makeDir(destDir, rel); err != nil {
				return count, err
			}
			continue
		}
		if !entryMatches(filter, rel) {
			continue
		}
		src, err := entry.Open()
		if err != nil {
			return count, fmt.Errorf("%w: open entry %s in %s: %v", ErrExtract, rel, archivePath, err)
		}
		err = writeEntry(destDir, rel, src, entry.Mode())
		src.Close()
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func extractTarGz(archivePath, destDir, filter string) (int, error) {
	in, err := os.Open(archivePath)
	if err != nil {
		return 0, fmt.Errorf("open archive (%s): %w", archivePath, err)
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return 0, fmt.Errorf("%w: gzip stream of %s: %v", ErrExtract, archivePath, err)
	}
	defer gz.Close()

	count := 0
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("%w: tar stream of %s: %v", ErrExtract, archivePath, err)
		}
		rel := normalizeEntry(hdr.Name)
		if rel == "" {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if filter != "" {
				continue
			}
			if err := makeDir(destDir, rel); err != nil {
				return count, err
			}
		case tar.TypeReg:
			if !entryMatches(filter, rel) {
				continue
			}
			if err := writeEntry(destDir, rel, tr, hdr.FileInfo().Mode()); err != nil {
				return count, err
			}
			count++
		default:
			log.Debug().Str("entry", rel).Msg("skipping non-regular tar entry")
		}
	}
	return count, nil
}

// entryMatches applies the filter to the full relative path and, so that
// a pattern like "*.so" reaches files nested under a release's top-level
// directory, to the basename as well.
func entryMatches(filter, rel string) bool {
	if filter == "" {
		return true
	}
	if ok, _ := doublestar.Match(filter, rel); ok {
		return true
	}
	ok, _ := doublestar.Match(filter, path.Base(rel))
	return ok
}

// normalizeEntry cleans an archive entry name into a slash-separated
// relative path, or "" if the entry refers to the archive root.
func normalizeEntry(name string) string {
	rel := path.Clean(strings.TrimPrefix(filepath.ToSlash(name), "/"))
	if rel == "." || rel == "" {
		return ""
	}
	return rel
}

func makeDir(destDir, rel string) error {
	target, err := securePath(destDir, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create dir (%s): %w", target, err)
	}
	return nil
}

func writeEntry(destDir, rel string, src io.Reader, mode fs.FileMode) error {
	target, err := securePath(destDir, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", target, err)
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create extracted file (%s): %w", target, err)
	}
	_, err = io.Copy(out, src)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(target)
		return fmt.Errorf("%w: write %s: %v", ErrExtract, target, err)
	}
	log.Debug().Str("file", target).Msg("extracted")
	return nil
}

// securePath joins rel under destDir, rejecting entries that would escape.
func securePath(destDir, rel string) (string, error) {
	native := filepath.FromSlash(rel)
	if !filepath.IsLocal(native) {
		return "", fmt.Errorf("%w: entry %q escapes destination", ErrExtract, rel)
	}
	return filepath.Join(destDir, native), nil
}

// FlattenSingleRoot hoists the contents of destDir's sole top-level
// directory into destDir itself. Release tarballs commonly wrap everything
// in a "<name>-<version>/" directory; after flattening the payload sits
// directly under the destination. No-op when the layout is already flat.
func FlattenSingleRoot(destDir string) error {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return fmt.Errorf("read extraction dir (%s): %w", destDir, err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}

	// Rename the wrapper aside first so a child sharing its name can move up.
	wrapper := filepath.Join(destDir, entries[0].Name())
	staging := filepath.Join(destDir, ".flatten-"+entries[0].Name())
	if err := os.Rename(wrapper, staging); err != nil {
		return fmt.Errorf("stage flatten of %s: %w", wrapper, err)
	}
	children, err := os.ReadDir(staging)
	if err != nil {
		return fmt.Errorf("read %s: %w", staging, err)
	}
	for _, child := range children {
		from := filepath.Join(staging, child.Name())
		to := filepath.Join(destDir, child.Name())
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("flatten %s: %w", from, err)
		}
	}
	if err := os.Remove(staging); err != nil {
		return fmt.Errorf("remove flattened wrapper (%s): %w", staging, err)
	}
	log.Debug().Str("dir", destDir).Str("wrapper", entries[0].Name()).Msg("flattened single-root archive")
	return nil
}
