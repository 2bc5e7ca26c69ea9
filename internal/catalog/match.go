package catalog

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	// defaultPhoneticThreshold is the minimum Jaro-Winkler score for a
	// phonetically-overlapping candidate to count as a match.
	defaultPhoneticThreshold = 0.70

	// defaultFuzzyThreshold is the minimum Jaro-Winkler score for a candidate
	// with no phonetic overlap. Kept strict so that short unrelated words do
	// not trigger spurious matches.
	defaultFuzzyThreshold = 0.85
)

// matcher scores message fragments against character names. STT output
// frequently mangles invented fantasy names ("sarah fine" for "Seraphine"),
// so exact substring matching alone is not enough.
type matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

func newMatcher() *matcher {
	return &matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
}

// firstMatch scans the message words for the earliest fragment that sounds
// like one of names. It returns the byte offset of that fragment in lower and
// whether a match was found. Window sizes up to the name's word count are
// tried so that split mishearings ("grim jaw") still line up.
func (m *matcher) firstMatch(words []string, lower string, names []string) (int, bool) {
	offsets := wordOffsets(lower, words)

	best := -1
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		nameTokens := strings.Fields(name)
		nameCodes := codesFor(nameTokens)

		maxWindow := len(nameTokens)
		if maxWindow < 2 {
			maxWindow = 2
		}
		for start := 0; start < len(words); start++ {
			if best != -1 && offsets[start] >= best {
				break
			}
			for window := 1; window <= maxWindow && start+window <= len(words); window++ {
				fragment := strings.Join(words[start:start+window], " ")
				if !m.accepts(fragment, name, nameCodes) {
					continue
				}
				if best == -1 || offsets[start] < best {
					best = offsets[start]
				}
				break
			}
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

// accepts reports whether fragment is close enough to name. Phonetic overlap
// relaxes the similarity threshold; without it the stricter fuzzy threshold
// applies.
func (m *matcher) accepts(fragment, name string, nameCodes map[string]struct{}) bool {
	score := bestSimilarity(fragment, name)
	if codesOverlap(codesFor(strings.Fields(fragment)), nameCodes) {
		return score >= m.phoneticThreshold
	}
	return score >= m.fuzzyThreshold
}

// bestSimilarity compares fragment and name three ways and keeps the highest
// score: as-is, with spaces stripped from both sides ("grim jaw" vs
// "grimjaw"), and against the name's first word alone.
func bestSimilarity(fragment, name string) float64 {
	score := matchr.JaroWinkler(fragment, name, true)

	joined := matchr.JaroWinkler(
		strings.ReplaceAll(fragment, " ", ""),
		strings.ReplaceAll(name, " ", ""),
		true,
	)
	if joined > score {
		score = joined
	}

	if first, _, cut := strings.Cut(name, " "); cut {
		if s := matchr.JaroWinkler(fragment, first, true); s > score {
			score = s
		}
	}
	return score
}

// codesFor collects the Double Metaphone codes of every token, including the
// concatenation of all tokens so split and joined spellings land in the same
// code set.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, 2*(len(tokens)+1))
	add := func(s string) {
		if s == "" {
			return
		}
		primary, secondary := matchr.DoubleMetaphone(s)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	for _, tok := range tokens {
		add(tok)
	}
	if len(tokens) > 1 {
		add(strings.Join(tokens, ""))
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// wordOffsets maps each of words to its byte offset in lower, scanning left
// to right so repeated words get distinct positions.
func wordOffsets(lower string, words []string) []int {
	offsets := make([]int, len(words))
	pos := 0
	for i, w := range words {
		idx := strings.Index(lower[pos:], w)
		if idx < 0 {
			offsets[i] = pos
			continue
		}
		offsets[i] = pos + idx
		pos += idx + len(w)
	}
	return offsets
}
