package identifier

import (
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// DefaultKeys are the identifier markers recognised in key=value form.
var DefaultKeys = []string{"QRid", "QRCodeId", "id"}

// canonicalPattern matches an 8-4-4-4-12 hexadecimal token anywhere in text.
var canonicalPattern = regexp.MustCompile(`[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}`)

// separators end a marker value.
const separators = "&#;/?"

// Extractor derives an identifier from decoded text or a page address.
//
// Rules, first match wins:
//  1. canonical 8-4-4-4-12 token anywhere in the text
//  2. key=value marker (Keys, case-insensitive), value up to the next separator
//  3. last non-empty path segment when the text contains '/'
//  4. the text unchanged
//
// Extractor is stateless after construction and safe for concurrent use.
type Extractor struct {
	marker *regexp.Regexp
}

// NewExtractor builds an extractor for the given marker keys.
// With no keys, DefaultKeys are used.
func NewExtractor(keys ...string) *Extractor {
	if len(keys) == 0 {
		keys = DefaultKeys
	}

	// Longest keys first so "QRCodeId" is not shadowed by "id".
	quoted := make([]string, 0, len(keys))
	sorted := slices.Clone(keys)
	slices.SortStableFunc(sorted, func(a, b string) int { return len(b) - len(a) })
	for _, k := range sorted {
		quoted = append(quoted, regexp.QuoteMeta(k))
	}

	// A key counts only at the start of the text or after a non-word byte.
	expr := `(?i)(?:^|[^0-9A-Za-z_])(?:` + strings.Join(quoted, "|") + `)\s*=`
	return &Extractor{marker: regexp.MustCompile(expr)}
}

var defaultExtractor = NewExtractor()

// Extract applies the default extractor to text.
func Extract(text string) string {
	return defaultExtractor.Extract(text)
}

// Extract returns the identifier carried by text.
func (e *Extractor) Extract(text string) string {
	if tok := canonicalPattern.FindString(text); tok != "" {
		return tok
	}
	if v, ok := e.markerValue(text); ok {
		return v
	}
	if seg, ok := lastSegment(text); ok {
		return seg
	}
	return text
}

// IsCanonical reports whether s is exactly one 36-character canonical token.
func IsCanonical(s string) bool {
	return len(s) == 36 && uuid.Validate(s) == nil
}

func (e *Extractor) markerValue(text string) (string, bool) {
	loc := e.marker.FindStringIndex(text)
	if loc == nil {
		return "", false
	}

	rest := strings.TrimLeft(text[loc[1]:], " \t")
	end := strings.IndexFunc(rest, func(r rune) bool {
		return strings.ContainsRune(separators, r) || isSpace(r)
	})
	if end >= 0 {
		rest = rest[:end]
	}
	if rest == "" {
		return "", false
	}

	if v, err := url.QueryUnescape(rest); err == nil {
		return v, true
	}
	return rest, true
}

func lastSegment(text string) (string, bool) {
	if !strings.Contains(text, "/") {
		return "", false
	}

	path := text
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}

	segs := strings.Split(path, "/")
	for i := len(segs) - 1; i >= 0; i-- {
		seg := strings.TrimSpace(segs[i])
		if seg == "" || strings.HasSuffix(seg, ":") {
			// "https:" is a scheme, not a segment
			continue
		}
		if v, err := url.PathUnescape(seg); err == nil {
			return v, true
		}
		return seg, true
	}
	return "", false
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
