package hashio

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// sha256("hello world")
const helloSum = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	return path
}

func TestWriterDigestsStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, chunk := range []string{"hello", " ", "world"} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if got := w.Sum(); got != helloSum {
		t.Fatalf("digest mismatch: got %s", got)
	}
	if w.Size() != int64(len("hello world")) {
		t.Fatalf("size mismatch: got %d", w.Size())
	}
	if buf.String() != "hello world" {
		t.Fatalf("payload mismatch: got %q", buf.String())
	}
}

func TestSumFileMatchesSumBytes(t *testing.T) {
	data := []byte("hello world")
	path := writeTemp(t, data)
	fromFile, err := SumFile(path)
	if err != nil {
		t.Fatalf("sum file: %v", err)
	}
	if fromFile != SumBytes(data) {
		t.Fatalf("file digest %s != bytes digest %s", fromFile, SumBytes(data))
	}
}

func TestVerifyCaseInsensitive(t *testing.T) {
	path := writeTemp(t, []byte("hello world"))
	if err := Verify(path, strings.ToUpper(helloSum)); err != nil {
		t.Fatalf("uppercase pin should pass: %v", err)
	}
	if err := Verify(path, ""); err != nil {
		t.Fatalf("empty pin should pass: %v", err)
	}
}

func TestVerifyMismatchCarriesBothDigests(t *testing.T) {
	path := writeTemp(t, []byte("hello world"))
	// Flip the first hex digit of the pin.
	bad := "c" + helloSum[1:]
	err := Verify(path, bad)
	if err == nil {
		t.Fatal("expected verification failure")
	}
	var ve *VerifyError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *VerifyError, got %T", err)
	}
	if ve.Expected != bad {
		t.Fatalf("expected digest not attached: %s", ve.Expected)
	}
	if ve.Computed != helloSum {
		t.Fatalf("computed digest not attached: %s", ve.Computed)
	}
}
