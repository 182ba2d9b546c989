// Package segment splits normalized text into bounded utterances, one per
// synthesis call.
//
// Latin text is split conservatively: short paragraphs stay whole and long
// ones only break at an unambiguous sentence end followed by a capital
// letter. Cyrillic, Chinese and mixed text break at every run of terminal
// punctuation. Any utterance that is still longer than MaxUtterance runes
// is cut again at commas (or semicolons for non-Latin text).
package segment

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/allssai/voxcpm-kazakh-tts/internal/lang"
)

const (
	// LatinWholeLimit is the longest Latin text kept as a single utterance.
	LatinWholeLimit = 300
	// LatinCommitLength is the accumulated length a Latin run must exceed
	// before it is committed at a sentence boundary.
	LatinCommitLength = 200
	// MaxUtterance bounds every utterance produced by Split.
	MaxUtterance = 250
)

var (
	latinBoundary   = regexp.MustCompile(`[.!?]+\s+`)
	latinTrailing   = regexp.MustCompile(`[.!?]+\s+$`)
	terminalPunct   = regexp.MustCompile(`[。！？….!?]+`)
	latinClauseMark = regexp.MustCompile(`,\s+`)
	otherClauseMark = regexp.MustCompile(`[,，;；]+`)
)

// Normalize collapses line breaks and whitespace runs to single spaces and
// trims the result.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Strategy reports which splitting strategy Split uses for text.
func Strategy(text string) lang.Script {
	return lang.Classify(text, lang.Segmentation)
}

// Sentences runs only the sentence-level pass over normalized text. Its
// output may still contain sentences longer than MaxUtterance.
func Sentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if Strategy(text) == lang.Latin {
		return splitLatin(text)
	}
	return splitTerminal(text)
}

// Split segments already-normalized text into ordered, non-empty utterances
// of at most MaxUtterance runes each.
func Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	script := Strategy(text)
	raw := Sentences(text)

	clause := otherClauseMark
	if script == lang.Latin {
		clause = latinClauseMark
	}

	out := make([]string, 0, len(raw))
	for _, sentence := range raw {
		if runeLen(sentence) <= MaxUtterance {
			out = appendTrimmed(out, sentence)
			continue
		}
		out = packClauses(out, splitKeep(clause, sentence, nil))
	}
	return out
}

func splitLatin(text string) []string {
	if runeLen(text) <= LatinWholeLimit {
		return []string{text}
	}
	followedByCapital := func(end int) bool {
		return end < len(text) && text[end] >= 'A' && text[end] <= 'Z'
	}

	var (
		out     []string
		current strings.Builder
	)
	for _, part := range splitKeep(latinBoundary, text, followedByCapital) {
		current.WriteString(part)
		acc := current.String()
		if runeLen(acc) > LatinCommitLength && latinTrailing.MatchString(acc) {
			out = appendTrimmed(out, acc)
			current.Reset()
		}
	}
	out = appendTrimmed(out, current.String())
	if len(out) == 0 {
		return []string{text}
	}
	return out
}

func splitTerminal(text string) []string {
	var out []string
	prev := 0
	for _, m := range terminalPunct.FindAllStringIndex(text, -1) {
		out = appendTrimmed(out, text[prev:m[1]])
		prev = m[1]
	}
	out = appendTrimmed(out, text[prev:])
	if len(out) == 0 {
		return []string{text}
	}
	return out
}

// packClauses greedily joins fragments into chunks of at most MaxUtterance
// runes. A chunk is committed as soon as the next fragment would not fit.
func packClauses(out []string, fragments []string) []string {
	var current string
	for _, fragment := range fragments {
		for _, piece := range wrap(fragment, MaxUtterance) {
			if runeLen(current)+runeLen(piece) <= MaxUtterance {
				current += piece
				continue
			}
			out = appendTrimmed(out, current)
			current = piece
		}
	}
	return appendTrimmed(out, current)
}

// wrap cuts a fragment longer than limit runes at the last space that keeps
// the head within limit, or at exactly limit runes when there is none.
func wrap(fragment string, limit int) []string {
	var out []string
	for runeLen(fragment) > limit {
		runes := []rune(fragment)
		cut := limit
		for i := limit; i > 0; i-- {
			if runes[i] == ' ' {
				cut = i
				break
			}
		}
		out = append(out, string(runes[:cut]))
		fragment = string(runes[cut:])
	}
	return append(out, fragment)
}

// splitKeep splits s around matches of re and keeps the matched delimiters
// as their own elements, so joining the result yields s again. When accept
// is non-nil, matches it rejects (by end offset) are not treated as
// delimiters.
func splitKeep(re *regexp.Regexp, s string, accept func(end int) bool) []string {
	var parts []string
	prev := 0
	for _, m := range re.FindAllStringIndex(s, -1) {
		if accept != nil && !accept(m[1]) {
			continue
		}
		parts = append(parts, s[prev:m[0]], s[m[0]:m[1]])
		prev = m[1]
	}
	return append(parts, s[prev:])
}

func appendTrimmed(out []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		out = append(out, s)
	}
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
