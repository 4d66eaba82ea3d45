package glob

import (
	"path"
	"path/filepath"
	"strings"
)

var wildcardMarkers = strings.NewReplacer("**", "", "*", "", "?", "")

// Overlap reports whether two reservation patterns may cover the same file.
// It is deliberately coarse and errs toward overlap: it strips wildcard
// markers and treats textual prefixes of the patterns, or of their parent
// directories, as overlapping. Any pair the exact intersection accepts is
// also reported. Patterns past ValidateComplexity get the textual checks only.
func Overlap(a, b string) bool {
	if a == b {
		return true
	}
	na, nb := stripWildcards(a), stripWildcards(b)
	if prefixEither(na, nb) {
		return true
	}
	if prefixEither(path.Dir(na), path.Dir(nb)) {
		return true
	}
	if ValidateComplexity(a) != nil || ValidateComplexity(b) != nil {
		return false
	}
	ok, err := Intersect(a, b)
	return err == nil && ok
}

func stripWildcards(p string) string {
	return wildcardMarkers.Replace(filepath.ToSlash(p))
}

func prefixEither(a, b string) bool {
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}
