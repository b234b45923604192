// Package analysis holds the pure computations of the curation pipeline:
// content fingerprints, k-means clustering and cluster scoring.
package analysis

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	reHTMLTag    = regexp.MustCompile(`<[^>]*>`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

// Fingerprint computes a stable SHA-256 fingerprint over normalized text
// parts. Parts are joined with a separator so ("ab", "c") and ("a", "bc")
// differ.
func Fingerprint(parts ...string) string {
	normalized := make([]string, len(parts))
	for i, p := range parts {
		normalized[i] = NormalizeText(p)
	}
	hash := sha256.Sum256([]byte(strings.Join(normalized, "\x1f")))
	return fmt.Sprintf("%x", hash)
}

// NormalizeText strips markup, collapses whitespace and lowercases so that
// cosmetic edits do not change a fingerprint.
func NormalizeText(s string) string {
	s = reHTMLTag.ReplaceAllString(s, " ")
	s = reWhitespace.ReplaceAllString(s, " ")
	s = strings.ToLower(s)
	s = strings.TrimSpace(s)
	return s
}

// Truncate cuts s to maxBytes without splitting UTF-8 runes.
func Truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
