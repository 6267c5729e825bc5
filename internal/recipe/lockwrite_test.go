package recipe

import (
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/fetchctl/internal/testutil/testlog"
)

const lockDoc = `# toolchain recipe
[vars]
version = "1.0"

[ripgrep]
save_as = "rg.tar.gz"
[ripgrep.github]
repo = "BurntSushi/ripgrep"

# direct download, already pinned
[jq]
url = "https://example.com/jq.zip"
save_as = "jq.zip"
[jq.lock]
sha = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
download_url = "https://example.com/jq.zip"

[fd]
url = "https://example.com/fd.tar.gz"
`

const newSHA = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

func TestRelockSelectiveScope(t *testing.T) {
	testlog.Start(t)

	out, err := Relock([]byte(lockDoc), map[string]LockResult{
		"jq": {SHA: newSHA, DownloadURL: "https://example.com/jq.zip"},
	})
	if err != nil {
		t.Fatalf("relock: %v", err)
	}

	// Only the jq sha line may differ.
	oldLines := strings.Split(lockDoc, "\n")
	newLines := strings.Split(string(out), "\n")
	if len(oldLines) != len(newLines) {
		t.Fatalf("line count changed: %d -> %d", len(oldLines), len(newLines))
	}
	var changed []string
	for i := range oldLines {
		if oldLines[i] != newLines[i] {
			changed = append(changed, newLines[i])
		}
	}
	if len(changed) != 1 || !strings.Contains(changed[0], newSHA) {
		t.Fatalf("expected exactly the sha line to change, got %q", changed)
	}
	// Comments and unrelated blocks survive byte-for-byte.
	if !strings.Contains(string(out), "# direct download, already pinned") {
		t.Fatal("comment lost")
	}
	if !strings.Contains(string(out), "[fd]\nurl = \"https://example.com/fd.tar.gz\"") {
		t.Fatal("untouched item modified")
	}
}

func TestRelockPinsTagAndCreatesLockSection(t *testing.T) {
	out, err := Relock([]byte(lockDoc), map[string]LockResult{
		"ripgrep": {
			SHA:         newSHA,
			ResolvedTag: "14.1.0",
			DownloadURL: "https://github.com/BurntSushi/ripgrep/releases/download/14.1.0/rg.tar.gz",
		},
	})
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	text := string(out)

	if !strings.Contains(text, "tag = \"14.1.0\"") {
		t.Fatalf("resolved tag not pinned:\n%s", text)
	}
	// Tag must land inside the [ripgrep.github] section, before [jq].
	tagIdx := strings.Index(text, "tag = \"14.1.0\"")
	jqIdx := strings.Index(text, "[jq]")
	ghIdx := strings.Index(text, "[ripgrep.github]")
	if !(ghIdx < tagIdx && tagIdx < jqIdx) {
		t.Fatalf("tag written outside the ripgrep github section:\n%s", text)
	}

	if !strings.Contains(text, "[ripgrep.lock]") {
		t.Fatalf("missing created lock section:\n%s", text)
	}
	lockIdx := strings.Index(text, "[ripgrep.lock]")
	if !(lockIdx < jqIdx) {
		t.Fatalf("lock section appended outside the ripgrep block:\n%s", text)
	}
	if !strings.Contains(text, "sha = \""+newSHA+"\"") {
		t.Fatalf("sha not written:\n%s", text)
	}
	if !strings.Contains(text, "download_url = \"https://github.com/BurntSushi/ripgrep/releases/download/14.1.0/rg.tar.gz\"") {
		t.Fatalf("download_url not written:\n%s", text)
	}
}

func TestRelockInlineTables(t *testing.T) {
	doc := `[tool]
github = { repo = "org/proj" }
save_as = "tool.zip"
lock = { sha = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" }
`
	out, err := Relock([]byte(doc), map[string]LockResult{
		"tool": {SHA: newSHA, ResolvedTag: "v2.0.0", DownloadURL: "https://dl.example.com/tool.zip"},
	})
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	text := string(out)
	if !strings.Contains(text, `github = { repo = "org/proj", tag = "v2.0.0" }`) {
		t.Fatalf("inline tag not inserted:\n%s", text)
	}
	if !strings.Contains(text, `sha = "`+newSHA+`"`) {
		t.Fatalf("inline sha not replaced:\n%s", text)
	}
	if !strings.Contains(text, `download_url = "https://dl.example.com/tool.zip"`) {
		t.Fatalf("inline download_url not inserted:\n%s", text)
	}
	if strings.Contains(text, "aaaaaaaa") {
		t.Fatalf("stale sha survived:\n%s", text)
	}
}

func TestRelockUnknownTarget(t *testing.T) {
	_, err := Relock([]byte(lockDoc), map[string]LockResult{"ghost": {SHA: newSHA}})
	if !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("expected ErrUnknownItem, got %v", err)
	}
}

func TestRelockIdempotent(t *testing.T) {
	res := map[string]LockResult{
		"jq": {SHA: newSHA, DownloadURL: "https://example.com/jq.zip"},
	}
	once, err := Relock([]byte(lockDoc), res)
	if err != nil {
		t.Fatalf("first relock: %v", err)
	}
	twice, err := Relock(once, res)
	if err != nil {
		t.Fatalf("second relock: %v", err)
	}
	if string(once) != string(twice) {
		t.Fatalf("relock not idempotent:\n%s\n----\n%s", once, twice)
	}
}

func TestRelockMultipleItemsDeterministic(t *testing.T) {
	res := map[string]LockResult{
		"fd":      {SHA: newSHA, DownloadURL: "https://example.com/fd.tar.gz"},
		"jq":      {SHA: newSHA, DownloadURL: "https://example.com/jq.zip"},
		"ripgrep": {SHA: newSHA, ResolvedTag: "14.1.0", DownloadURL: "https://example.com/rg.tar.gz"},
	}
	first, err := Relock([]byte(lockDoc), res)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	// Map iteration order must not leak into the rewritten document.
	for i := 0; i < 5; i++ {
		again, err := Relock([]byte(lockDoc), res)
		if err != nil {
			t.Fatalf("relock %d: %v", i, err)
		}
		if string(again) != string(first) {
			t.Fatalf("relock output not deterministic:\n%s\n----\n%s", first, again)
		}
	}
	for _, name := range []string{"fd", "jq", "ripgrep"} {
		if !strings.Contains(string(first), "["+name+".lock]") {
			t.Fatalf("missing lock section for %s:\n%s", name, first)
		}
	}
}

func TestRelockDocWithoutTrailingNewline(t *testing.T) {
	doc := "[only]\nurl = \"https://example.com/x\""
	out, err := Relock([]byte(doc), map[string]LockResult{"only": {SHA: newSHA}})
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	text := string(out)
	if !strings.Contains(text, "[only.lock]\nsha = \""+newSHA+"\"") {
		t.Fatalf("lock section not appended:\n%s", text)
	}
}
