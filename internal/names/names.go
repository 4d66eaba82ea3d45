// Package names generates and validates agent names and derives project slugs.
package names

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"regexp"
	"strings"
)

// MaxAttempts bounds random draws before falling back to a numeric suffix.
const MaxAttempts = 100

var (
	adjectives = []string{
		"Amber", "Azure", "Bold", "Brave", "Bright", "Bronze",
		"Calm", "Clever", "Cobalt", "Copper", "Coral", "Crimson",
		"Dusky", "Eager", "Emerald", "Frosty", "Gentle", "Golden",
		"Hidden", "Ivory", "Jade", "Keen", "Lucky", "Misty",
		"Noble", "Olive", "Onyx", "Pearl", "Quiet", "Rapid",
		"Rusty", "Scarlet", "Silent", "Silver", "Steady", "Sunny",
		"Swift", "Teal", "Velvet", "Violet", "Wild", "Witty",
	}

	nouns = []string{
		"Badger", "Beacon", "Bear", "Canyon", "Castle", "Cedar",
		"Comet", "Crane", "Creek", "Falcon", "Finch", "Forest",
		"Fox", "Harbor", "Hawk", "Heron", "Lynx", "Marten",
		"Meadow", "Mountain", "Otter", "Owl", "Panda", "Pine",
		"Raven", "River", "Sparrow", "Stone", "Summit", "Tiger",
		"Valley", "Willow", "Wolf", "Wren",
	}

	validName = regexp.MustCompile(`^[A-Z][a-z]+ [A-Z][a-z]+( [1-9][0-9]*)?$`)
)

// Valid reports whether name follows the two-word capitalised convention,
// e.g. "Amber Fox", optionally with the numeric suffix Unused falls back to.
func Valid(name string) bool {
	return validName.MatchString(name)
}

// Generator draws names from the adjective x noun cross product.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator returns a generator backed by a randomly seeded source.
func NewGenerator() *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// Seeded returns a generator whose draws are a pure function of seed.
func Seeded(seed string) *Generator {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(seed))))
	s := h.Sum64()
	return &Generator{rng: rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))}
}

// Next returns one draw.
func (g *Generator) Next() string {
	return adjectives[g.rng.IntN(len(adjectives))] + " " + nouns[g.rng.IntN(len(nouns))]
}

// Unused draws until it finds a name not in taken. After MaxAttempts misses it
// appends the smallest numeric suffix that is free.
func (g *Generator) Unused(taken map[string]bool) string {
	var last string
	for i := 0; i < MaxAttempts; i++ {
		last = g.Next()
		if !taken[last] {
			return last
		}
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s %d", last, n)
		if !taken[candidate] {
			return candidate
		}
	}
}

// Suggest returns up to limit candidates that share a case-insensitive
// substring relationship with query.
func Suggest(query string, candidates []string, limit int) []string {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || limit <= 0 {
		return nil
	}
	var out []string
	for _, c := range candidates {
		lc := strings.ToLower(c)
		if lc == "" {
			continue
		}
		if strings.Contains(lc, q) || strings.Contains(q, lc) {
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}
