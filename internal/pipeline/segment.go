package pipeline

import (
	"strings"
	"unicode"
)

// Segmenter is an online sentence segmenter. It consumes incremental text
// fragments and yields a segment as soon as a sentence boundary is confirmed.
// Segments are raw slices of the input: concatenating every yielded segment
// plus the final Flush result reproduces the input exactly, so the yielded
// text doubles as the client-facing text delta. Inter-sentence whitespace
// travels at the head of the following segment; trim before handing a segment
// to a synthesiser.
//
// A boundary is a run of terminator punctuation (. ! ? …), possibly followed
// by closing quotes or brackets, followed by whitespace. Periods after
// abbreviations and single-letter initials are not boundaries, and an ellipsis
// only terminates when the next word starts a new sentence (uppercase or
// digit).
//
// Segmenter state is local to one character's token stream; Reset it between
// characters.
type Segmenter struct {
	pending string
}

// NewSegmenter creates an empty segmenter.
func NewSegmenter() *Segmenter {
	return &Segmenter{}
}

// Push appends fragment to the pending text and returns all newly completed
// segments, in order. Returns nil when no boundary was confirmed yet.
func (s *Segmenter) Push(fragment string) []string {
	if fragment == "" {
		return nil
	}
	s.pending += fragment

	var out []string
	for {
		seg, rest, ok := scanBoundary(s.pending)
		if !ok {
			break
		}
		out = append(out, seg)
		s.pending = rest
	}
	return out
}

// Flush returns any remaining non-terminated text as the last segment and
// resets the segmenter. Callers should ignore a result that is empty after
// trimming whitespace.
func (s *Segmenter) Flush() string {
	rest := s.pending
	s.pending = ""
	return rest
}

// Pending reports the buffered text that has not yet formed a segment.
func (s *Segmenter) Pending() string { return s.pending }

// Reset discards all buffered text.
func (s *Segmenter) Reset() { s.pending = "" }

// scanBoundary finds the first confirmed sentence boundary in text. It returns
// the segment up to and including the boundary punctuation (and any trailing
// closers), the remainder, and whether a boundary was found. A candidate
// boundary at the very end of text is not confirmed — more input may still
// reveal a decimal point, closing quote, or lowercase continuation.
func scanBoundary(text string) (seg, rest string, ok bool) {
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}

		// Extend over the whole terminator run ("...", "?!").
		j := i
		for j+1 < len(runes) && isTerminator(runes[j+1]) {
			j++
		}
		// Closing quotes and brackets belong to this sentence.
		k := j
		for k+1 < len(runes) && isCloser(runes[k+1]) {
			k++
		}
		if k+1 >= len(runes) {
			// Undecidable until more text arrives; Flush resolves it at
			// stream end.
			return "", "", false
		}
		if !unicode.IsSpace(runes[k+1]) {
			// Embedded punctuation: decimals, version strings, file names.
			i = k
			continue
		}
		if runes[i] == '.' && j == i && endsWithAbbreviation(runes[:i]) {
			i = k
			continue
		}
		if k > j {
			// Closed quote or bracket: attribution like `"Stop!" she said.`
			// continues the sentence when the next word is lowercase.
			next, found := firstNonSpace(runes[k+1:])
			if !found {
				return "", "", false
			}
			if unicode.IsLower(next) {
				i = k
				continue
			}
		}
		if j > i || runes[i] == '…' {
			// Ellipsis (or stacked punctuation): only split when the next
			// word clearly opens a new sentence.
			next, found := firstNonSpace(runes[k+1:])
			if !found {
				return "", "", false
			}
			if !unicode.IsUpper(next) && !unicode.IsDigit(next) {
				i = k
				continue
			}
		}
		return string(runes[:k+1]), string(runes[k+1:]), true
	}
	return "", "", false
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '…'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', ')', ']', '}', '»':
		return true
	}
	return false
}

// abbreviations that commonly precede a period without ending the sentence.
// Lookup is case-insensitive. Single-letter words (initials, and the letters
// of "e.g." / "i.e." once split on the dots) are handled separately.
var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "rev": {},
	"sr": {}, "jr": {}, "st": {}, "mt": {}, "ft": {},
	"gen": {}, "col": {}, "sgt": {}, "lt": {}, "capt": {}, "cmdr": {},
	"vs": {}, "etc": {}, "approx": {}, "dept": {}, "est": {},
	"fig": {}, "vol": {}, "no": {}, "op": {}, "cf": {},
}

// endsWithAbbreviation reports whether the text right before a period ends in
// an abbreviation or a single-letter initial.
func endsWithAbbreviation(before []rune) bool {
	end := len(before)
	start := end
	for start > 0 && unicode.IsLetter(before[start-1]) {
		start--
	}
	word := before[start:end]
	if len(word) == 0 {
		return false
	}
	if len(word) == 1 {
		return true
	}
	_, ok := abbreviations[strings.ToLower(string(word))]
	return ok
}

func firstNonSpace(runes []rune) (rune, bool) {
	for _, r := range runes {
		if !unicode.IsSpace(r) {
			return r, true
		}
	}
	return 0, false
}
