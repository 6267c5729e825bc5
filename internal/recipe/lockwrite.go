package recipe

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// LockResult is the resolved pin data for one item after a lock run.
type LockResult struct {
	SHA         string
	ResolvedTag string // written to [item.github] when non-empty
	DownloadURL string
}

var ErrUnknownItem = errors.New("unknown recipe item")

// Relock rewrites pinned lock data for the targeted items in a recipe
// document. The edit is surgical: every line outside the targeted item blocks
// is preserved byte-for-byte, and inside a block only the managed keys
// (lock.sha, lock.download_url, github.tag) are rewritten or inserted.
//
// Items defined entirely as top-level inline tables cannot be relocked; the
// item must have a [name] section.
func Relock(doc []byte, results map[string]LockResult) ([]byte, error) {
	// Edits re-scan the document after each item so line indexes stay valid.
	out := string(doc)
	var err error
	for _, name := range sortedNames(results) {
		out, err = relockItem(out, name, results[name])
		if err != nil {
			return nil, err
		}
	}
	return []byte(out), nil
}

func sortedNames(results map[string]LockResult) []string {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	// Deterministic edit and log order.
	sort.Strings(names)
	return names
}

func relockItem(doc string, name string, res LockResult) (string, error) {
	d := parseDoc(doc)
	if _, ok := d.itemBlock(name); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownItem, name)
	}

	if res.ResolvedTag != "" {
		changed, err := d.setItemKey(name, "github", "tag", res.ResolvedTag, false)
		if err != nil {
			return "", err
		}
		if changed {
			log.Info().Str("item", name).Msgf("Pinning GitHub release to tag: %s", res.ResolvedTag)
		}
	}
	if res.SHA != "" {
		if _, err := d.setItemKey(name, "lock", "sha", res.SHA, true); err != nil {
			return "", err
		}
	}
	if res.DownloadURL != "" {
		changed, err := d.setItemKey(name, "lock", "download_url", res.DownloadURL, true)
		if err != nil {
			return "", err
		}
		if changed {
			log.Info().Str("item", name).Msg("Storing direct download URL")
		}
	}
	return d.String(), nil
}

// document is a line-level view of the recipe text. Lines keep their own
// terminators so joining them reproduces the input exactly.
type document struct {
	lines []string
}

type section struct {
	path   []string
	header int // line index of the [a.b] header
	end    int // index one past the last line of the section
}

func parseDoc(doc string) *document {
	var lines []string
	for len(doc) > 0 {
		i := strings.IndexByte(doc, '\n')
		if i < 0 {
			lines = append(lines, doc)
			break
		}
		lines = append(lines, doc[:i+1])
		doc = doc[i+1:]
	}
	return &document{lines: lines}
}

func (d *document) String() string {
	return strings.Join(d.lines, "")
}

func (d *document) sections() []section {
	var secs []section
	for i, line := range d.lines {
		path, ok := parseHeader(line)
		if !ok {
			continue
		}
		if n := len(secs); n > 0 {
			secs[n-1].end = i
		}
		secs = append(secs, section{path: path, header: i, end: len(d.lines)})
	}
	return secs
}

// itemBlock returns the line span covering [name] and all its subsections.
func (d *document) itemBlock(name string) (section, bool) {
	found := false
	block := section{header: -1}
	for _, sec := range d.sections() {
		if sec.path[0] != name {
			continue
		}
		if !found {
			block = sec
			found = true
			continue
		}
		if sec.end > block.end {
			block.end = sec.end
		}
	}
	return block, found
}

// setItemKey writes key = value into the item's [name.sub] section, its
// inline `sub = {...}` table, or (when create is set) a freshly appended
// [name.sub] section. It reports whether the document changed.
func (d *document) setItemKey(name, sub, key, value string, create bool) (bool, error) {
	// Preferred home: an explicit [name.sub] section.
	for _, sec := range d.sections() {
		if len(sec.path) == 2 && sec.path[0] == name && sec.path[1] == sub {
			return d.setKeyInSection(sec, key, value), nil
		}
	}
	// Fallback: an inline `sub = { ... }` value inside [name].
	for _, sec := range d.sections() {
		if len(sec.path) != 1 || sec.path[0] != name {
			continue
		}
		for i := sec.header + 1; i < sec.end; i++ {
			k, ok := lineKey(d.lines[i])
			if !ok || k != sub {
				continue
			}
			updated, changed, err := setInlineKey(d.lines[i], key, value)
			if err != nil {
				return false, fmt.Errorf("item [%s]: %w", name, err)
			}
			d.lines[i] = updated
			return changed, nil
		}
	}
	if !create {
		return false, nil
	}
	d.appendSection(name, sub, key, value)
	return true, nil
}

// setKeyInSection replaces the key's line or inserts one after the last
// non-blank line of the section.
func (d *document) setKeyInSection(sec section, key, value string) bool {
	kv := key + " = " + tomlString(value)
	for i := sec.header + 1; i < sec.end; i++ {
		k, ok := lineKey(d.lines[i])
		if !ok || k != key {
			continue
		}
		indent := d.lines[i][:len(d.lines[i])-len(strings.TrimLeft(d.lines[i], " \t"))]
		replacement := indent + kv + lineEnding(d.lines[i])
		if d.lines[i] == replacement {
			return false
		}
		d.lines[i] = replacement
		return true
	}
	at := sec.end
	for at > sec.header+1 && isTrailer(d.lines[at-1]) {
		at--
	}
	d.insertLines(at, kv)
	return true
}

// appendSection adds a [name.sub] section with one key at the end of the
// item's block.
func (d *document) appendSection(name, sub, key, value string) {
	block, ok := d.itemBlock(name)
	at := len(d.lines)
	if ok {
		at = block.end
		for at > block.header+1 && isTrailer(d.lines[at-1]) {
			at--
		}
	}
	header := "[" + bareOrQuoted(name) + "." + bareOrQuoted(sub) + "]"
	d.insertLines(at, header, key+" = "+tomlString(value))
}

func (d *document) insertLines(at int, newLines ...string) {
	// The line before the insertion point must itself be terminated.
	if at > 0 && lineEnding(d.lines[at-1]) == "" {
		d.lines[at-1] += "\n"
	}
	withEOL := make([]string, len(newLines))
	for i, l := range newLines {
		withEOL[i] = l + "\n"
	}
	d.lines = append(d.lines[:at], append(withEOL, d.lines[at:]...)...)
}

var headerRe = regexp.MustCompile(`^\s*\[([^\[\]]+)\]\s*(#.*)?$`)

func parseHeader(line string) ([]string, bool) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "[[") {
		return nil, false
	}
	m := headerRe.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return nil, false
	}
	path := splitDottedKey(m[1])
	if len(path) == 0 {
		return nil, false
	}
	return path, true
}

func splitDottedKey(raw string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := byte(0)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '"' || c == '\'':
			inQuote = c
		case c == '.':
			parts = append(parts, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, strings.TrimSpace(cur.String()))
	for _, p := range parts {
		if p == "" {
			return nil
		}
	}
	return parts
}

var keyRe = regexp.MustCompile(`^\s*("(?:[^"\\]|\\.)*"|'[^']*'|[A-Za-z0-9_-]+)\s*=`)

func lineKey(line string) (string, bool) {
	m := keyRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	key := m[1]
	if len(key) >= 2 && (key[0] == '"' || key[0] == '\'') {
		key = key[1 : len(key)-1]
	}
	return key, true
}

// setInlineKey edits `key = value` inside an inline table line, inserting the
// pair before the closing brace when the key is absent.
func setInlineKey(line, key, value string) (string, bool, error) {
	open := strings.Index(line, "{")
	closing := strings.LastIndex(line, "}")
	if open < 0 || closing < open {
		return "", false, fmt.Errorf("expected inline table on line: %s", strings.TrimSpace(line))
	}
	body := line[open+1 : closing]
	kvRe := regexp.MustCompile(`(^|[,{\s])(` + regexp.QuoteMeta(key) + `)\s*=\s*("(?:[^"\\]|\\.)*"|'[^']*'|[^,}\s]+)`)
	if m := kvRe.FindStringSubmatchIndex(body); m != nil {
		valStart, valEnd := m[6], m[7]
		newBody := body[:valStart] + tomlString(value) + body[valEnd:]
		updated := line[:open+1] + newBody + line[closing:]
		return updated, updated != line, nil
	}
	kv := key + " = " + tomlString(value)
	var newBody string
	if strings.TrimSpace(body) == "" {
		newBody = " " + kv + " "
	} else {
		newBody = strings.TrimRight(body, " \t") + ", " + kv + " "
	}
	updated := line[:open+1] + newBody + line[closing:]
	return updated, true, nil
}

var bareKeyRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func bareOrQuoted(key string) string {
	if bareKeyRe.MatchString(key) {
		return key
	}
	return strconv.Quote(key)
}

// isTrailer reports lines that visually belong to whatever follows a block:
// blank separators and comments leading into the next section.
func isTrailer(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed == "" || strings.HasPrefix(trimmed, "#")
}

func lineEnding(line string) string {
	if strings.HasSuffix(line, "\r\n") {
		return "\r\n"
	}
	if strings.HasSuffix(line, "\n") {
		return "\n"
	}
	return ""
}

func tomlString(v string) string {
	return strconv.Quote(v)
}
