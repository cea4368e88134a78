package moderation

import (
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// Moderator masks blacklisted words in message content before the relay
// persists it. Matching runs on a normalized view of the text (lowercase,
// leet speak folded, punctuation and spacing stripped) while the masking
// applies to the original runes, so spacing and case are preserved.
type Moderator struct {
	machine     *goahocorasick.Machine
	replacement rune
}

func NewModerator(words []string, replacement rune) (*Moderator, error) {
	patterns := make([][]rune, 0, len(words))
	for _, w := range words {
		if norm := normalize([]rune(w)); len(norm.runes) > 0 {
			patterns = append(patterns, norm.runes)
		}
	}
	machine := new(goahocorasick.Machine)
	if err := machine.Build(patterns); err != nil {
		return nil, err
	}
	return &Moderator{machine: machine, replacement: replacement}, nil
}

// Censor returns the masked content and the list of matched (normalized)
// words. The original string comes back untouched when nothing matches.
func (m *Moderator) Censor(original string) (string, []string) {
	origRunes := []rune(original)
	norm := normalizeIndexed(origRunes)
	if len(norm.runes) == 0 {
		return original, nil
	}

	terms := m.machine.MultiPatternSearch(norm.runes, false)
	if len(terms) == 0 {
		return original, nil
	}

	var found []string
	for _, term := range terms {
		start := term.Pos
		end := start + len(term.Word)
		if start < 0 || end > len(norm.origIdx) {
			continue
		}
		found = append(found, string(term.Word))
		// Mask every original rune the normalized span covers.
		for i := norm.origIdx[start]; i <= norm.origIdx[end-1]; i++ {
			origRunes[i] = m.replacement
		}
	}
	return string(origRunes), found
}

type normalized struct {
	runes   []rune
	origIdx []int
}

func normalize(input []rune) normalized {
	return normalizeIndexed(input)
}

func normalizeIndexed(input []rune) normalized {
	out := normalized{
		runes:   make([]rune, 0, len(input)),
		origIdx: make([]int, 0, len(input)),
	}
	for i, r := range input {
		folded := foldLeet(r)
		if unicode.IsPunct(folded) || unicode.IsSpace(folded) || unicode.IsSymbol(folded) {
			continue
		}
		out.runes = append(out.runes, unicode.ToLower(folded))
		out.origIdx = append(out.origIdx, i)
	}
	return out
}

// foldLeet maps common leet-speak substitutions back to their letters so
// obfuscated spellings still match the blacklist.
func foldLeet(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3', '€':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	case '7':
		return 't'
	default:
		return r
	}
}
