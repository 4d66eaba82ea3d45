// Package glob decides whether two reservation patterns may cover the same
// file. Overlap is the conservative check used for conflict reporting;
// Intersect is an exact glob-language intersection it is widened by.
package glob

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Intersect costs roughly the product of both patterns' segment and token
// counts; these limits keep one call in the low milliseconds.
const (
	MaxSegments  = 64
	MaxTokens    = 512
	MaxWildcards = 10
)

// ValidateComplexity rejects patterns too large to intersect cheaply, and
// patterns that do not parse.
func ValidateComplexity(pattern string) error {
	segs := splitSegments(pattern)
	if len(segs) > MaxSegments {
		return fmt.Errorf("pattern too complex: %d segments exceeds limit of %d", len(segs), MaxSegments)
	}
	tokens, wildcards := 0, 0
	for _, seg := range segs {
		if seg == "**" {
			wildcards++
			tokens++
			continue
		}
		toks, err := parseSegment(seg)
		if err != nil {
			return err
		}
		tokens += len(toks)
		for _, t := range toks {
			if t.kind == tokStar || t.kind == tokAny {
				wildcards++
			}
		}
	}
	if tokens > MaxTokens {
		return fmt.Errorf("pattern too complex: %d tokens exceeds limit of %d", tokens, MaxTokens)
	}
	if wildcards > MaxWildcards {
		return fmt.Errorf("pattern too complex: %d wildcards exceeds limit of %d", wildcards, MaxWildcards)
	}
	return nil
}

// Intersect reports whether some path matches both a and b. A "**" segment
// matches zero or more whole segments; "*", "?" and classes never cross "/".
func Intersect(a, b string) (bool, error) {
	segA, segB := splitSegments(a), splitSegments(b)
	type key struct{ i, j int }
	memo := make(map[key]bool)
	var firstErr error

	var match func(i, j int) bool
	match = func(i, j int) bool {
		k := key{i, j}
		if v, ok := memo[k]; ok {
			return v
		}
		memo[k] = false
		var ok bool
		switch {
		case i == len(segA) && j == len(segB):
			ok = true
		case i < len(segA) && segA[i] == "**":
			ok = match(i+1, j) || (j < len(segB) && match(i, j+1))
		case j < len(segB) && segB[j] == "**":
			ok = match(i, j+1) || (i < len(segA) && match(i+1, j))
		case i == len(segA) || j == len(segB):
			ok = false
		default:
			same, err := segmentsIntersect(segA[i], segB[j])
			if err != nil && firstErr == nil {
				firstErr = err
			}
			ok = same && match(i+1, j+1)
		}
		memo[k] = ok
		return ok
	}

	ok := match(0, 0)
	if firstErr != nil {
		return false, firstErr
	}
	return ok, nil
}

func splitSegments(p string) []string {
	p = strings.Trim(filepath.ToSlash(p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

type tokKind int

const (
	tokLiteral tokKind = iota
	tokAny
	tokStar
	tokClass
)

type span struct{ lo, hi rune }

type tok struct {
	kind  tokKind
	spans []span
}

const maxRune = rune(0x10FFFF)

// notSlash is every rune a single-segment wildcard may consume.
var notSlash = []span{{0, '/' - 1}, {'/' + 1, maxRune}}

// segmentsIntersect runs the product automaton of two segment patterns.
func segmentsIntersect(a, b string) (bool, error) {
	ta, err := parseSegment(a)
	if err != nil {
		return false, err
	}
	tb, err := parseSegment(b)
	if err != nil {
		return false, err
	}
	type key struct{ i, j int }
	memo := make(map[key]bool)
	var run func(i, j int) bool
	run = func(i, j int) bool {
		k := key{i, j}
		if v, ok := memo[k]; ok {
			return v
		}
		memo[k] = false
		var ok bool
		switch {
		case i == len(ta) && j == len(tb):
			ok = true
		case i < len(ta) && ta[i].kind == tokStar && run(i+1, j):
			ok = true
		case j < len(tb) && tb[j].kind == tokStar && run(i, j+1):
			ok = true
		case i == len(ta) || j == len(tb):
			ok = false
		case spansOverlap(ta[i].spans, tb[j].spans):
			ni, nj := i+1, j+1
			if ta[i].kind == tokStar {
				ni = i
			}
			if tb[j].kind == tokStar {
				nj = j
			}
			ok = (ni != i || nj != j) && run(ni, nj)
		}
		memo[k] = ok
		return ok
	}
	return run(0, 0), nil
}

func parseSegment(seg string) ([]tok, error) {
	rs := []rune(seg)
	out := make([]tok, 0, len(rs))
	for i := 0; i < len(rs); {
		switch rs[i] {
		case '*':
			// consecutive stars inside a segment behave like one
			if len(out) == 0 || out[len(out)-1].kind != tokStar {
				out = append(out, tok{kind: tokStar, spans: notSlash})
			}
			i++
		case '?':
			out = append(out, tok{kind: tokAny, spans: notSlash})
			i++
		case '[':
			t, next, err := parseClass(rs, i)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
			i = next
		case '\\':
			if i+1 >= len(rs) {
				return nil, fmt.Errorf("bad pattern %q: trailing escape", seg)
			}
			out = append(out, literal(rs[i+1]))
			i += 2
		default:
			out = append(out, literal(rs[i]))
			i++
		}
	}
	return out, nil
}

func literal(r rune) tok {
	return tok{kind: tokLiteral, spans: []span{{r, r}}}
}

func parseClass(rs []rune, start int) (tok, int, error) {
	i := start + 1
	negated := i < len(rs) && (rs[i] == '^' || rs[i] == '!')
	if negated {
		i++
	}
	var spans []span
	for first := true; ; first = false {
		if i >= len(rs) {
			return tok{}, 0, fmt.Errorf("bad pattern: unterminated class")
		}
		if rs[i] == ']' && !first {
			i++
			break
		}
		lo, next, err := classRune(rs, i)
		if err != nil {
			return tok{}, 0, err
		}
		i = next
		hi := lo
		if i+1 < len(rs) && rs[i] == '-' && rs[i+1] != ']' {
			if hi, i, err = classRune(rs, i+1); err != nil {
				return tok{}, 0, err
			}
			if hi < lo {
				return tok{}, 0, fmt.Errorf("bad pattern: inverted range %q-%q", lo, hi)
			}
		}
		spans = append(spans, span{lo, hi})
	}
	spans = normalize(spans)
	if negated {
		spans = complement(spans)
	}
	return tok{kind: tokClass, spans: intersectSpans(spans, notSlash)}, i, nil
}

func classRune(rs []rune, i int) (rune, int, error) {
	if rs[i] != '\\' {
		return rs[i], i + 1, nil
	}
	if i+1 >= len(rs) {
		return 0, 0, fmt.Errorf("bad pattern: trailing escape in class")
	}
	return rs[i+1], i + 2, nil
}

func normalize(in []span) []span {
	if len(in) <= 1 {
		return in
	}
	s := append([]span(nil), in...)
	sort.Slice(s, func(i, j int) bool { return s[i].lo < s[j].lo })
	out := s[:1]
	for _, sp := range s[1:] {
		last := &out[len(out)-1]
		if sp.lo <= last.hi+1 {
			if sp.hi > last.hi {
				last.hi = sp.hi
			}
			continue
		}
		out = append(out, sp)
	}
	return out
}

// complement of a normalized span list over [0, maxRune].
func complement(in []span) []span {
	var out []span
	next := rune(0)
	for _, sp := range in {
		if sp.lo > next {
			out = append(out, span{next, sp.lo - 1})
		}
		next = sp.hi + 1
	}
	if next <= maxRune {
		out = append(out, span{next, maxRune})
	}
	return out
}

func intersectSpans(a, b []span) []span {
	var out []span
	for i, j := 0, 0; i < len(a) && j < len(b); {
		lo, hi := max(a[i].lo, b[j].lo), min(a[i].hi, b[j].hi)
		if lo <= hi {
			out = append(out, span{lo, hi})
		}
		if a[i].hi < b[j].hi {
			i++
		} else {
			j++
		}
	}
	return out
}

func spansOverlap(a, b []span) bool {
	return len(intersectSpans(a, b)) > 0
}
