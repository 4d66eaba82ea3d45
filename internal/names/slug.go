package names

import (
	"crypto/sha1"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	slugBaseLimit = 40
	slugHashLen   = 8
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and collapses every run of non-alphanumerics to one hyphen.
func Slugify(s string) string {
	return strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// ProjectSlug derives the stable short name of a workspace path: its last two
// components, slugified and capped, followed by a hash of the whole path.
// hashLen widens the hash when a shorter slug collided.
func ProjectSlug(humanKey string, hashLen int) string {
	if hashLen <= 0 {
		hashLen = slugHashLen
	}
	clean := filepath.ToSlash(filepath.Clean(humanKey))
	parts := strings.FieldsFunc(clean, func(r rune) bool { return r == '/' })
	if len(parts) > 2 {
		parts = parts[len(parts)-2:]
	}
	base := Slugify(strings.Join(parts, "-"))
	if len(base) > slugBaseLimit {
		base = strings.TrimRight(base[:slugBaseLimit], "-")
	}
	sum := sha1.Sum([]byte(clean))
	digest := hex.EncodeToString(sum[:])
	if hashLen > len(digest) {
		hashLen = len(digest)
	}
	if base == "" {
		return "project-" + digest[:hashLen]
	}
	return base + "-" + digest[:hashLen]
}
