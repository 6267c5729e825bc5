// Package hashio provides the SHA-256 digest primitives used by the fetch
// pipeline: a tee writer that digests bytes as they stream to disk, whole-file
// digesting, and pinned-hash verification.
package hashio

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// Writer digests everything written through it while forwarding to the
// underlying writer.
type Writer struct {
	dst io.Writer
	h   hash.Hash
	n   int64
}

func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst, h: sha256.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 {
		w.h.Write(p[:n])
		w.n += int64(n)
	}
	return n, err
}

// Sum returns the lowercase hex digest of everything written so far.
func (w *Writer) Sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

// Size returns the number of bytes written through the writer.
func (w *Writer) Size() int64 {
	return w.n
}

// SumFile computes the SHA-256 digest of a file's contents.
func SumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for hashing (%s): %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read file for hashing (%s): %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SumBytes computes the SHA-256 digest of a byte slice.
func SumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Equal compares two hex digests case-insensitively.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// VerifyError reports a digest mismatch with both digests attached.
type VerifyError struct {
	Expected string
	Computed string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("sha-256 mismatch: expected %s, computed %s", e.Expected, e.Computed)
}

// Verify checks a file's digest against a pinned expectation. An empty
// expectation passes trivially. A mismatch fails only the current item; the
// caller decides how to proceed.
func Verify(path string, expected string) error {
	if strings.TrimSpace(expected) == "" {
		return nil
	}
	computed, err := SumFile(path)
	if err != nil {
		return err
	}
	expectedLower := strings.ToLower(strings.TrimSpace(expected))
	if !Equal(computed, expectedLower) {
		log.Error().
			Str("expected", expectedLower).
			Str("computed", computed).
			Msg("SHA-256 verification failed")
		return &VerifyError{Expected: expectedLower, Computed: computed}
	}
	log.Info().Str("sha", expectedLower).Msg("SHA-256 verification passed")
	return nil
}
