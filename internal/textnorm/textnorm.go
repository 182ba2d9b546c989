// Package textnorm cleans user text before it is segmented and spoken.
package textnorm

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	emojiPattern = regexp.MustCompile(`[\x{1F600}-\x{1F64F}\x{1F300}-\x{1F5FF}\x{1F680}-\x{1F6FF}\x{1F700}-\x{1F77F}\x{1F780}-\x{1F7FF}\x{1F800}-\x{1F8FF}\x{1F900}-\x{1F9FF}\x{1FA00}-\x{1FA6F}\x{1FA70}-\x{1FAFF}\x{2600}-\x{26FF}\x{2700}-\x{27BF}\x{1F1E6}-\x{1F1FF}\x{FE0F}]+`)
	spaces       = regexp.MustCompile(`\s+`)

	symbols = strings.NewReplacer(
		"\u2010", "-",
		"\u2011", "-",
		"\u2013", "-",
		"\u2014", "-",
		"\u201C", "\"",
		"\u201D", "\"",
		"\u00AB", "\"",
		"\u00BB", "\"",
		"\u2018", "'",
		"\u2019", "'",
		"\u00B4", "'",
		"`", "'",
		"_", " ",
		"[", " ",
		"]", " ",
		"|", " ",
		"#", " ",
		"\u2192", " ",
		"\u2190", " ",
		"\\", " ",
	)
)

// Normalizer implements the engine's TextNormalizer. It applies NFKC so
// Kazakh letters stay composed, maps typographic punctuation to ASCII and
// drops emoji.
type Normalizer struct{}

func New() *Normalizer { return &Normalizer{} }

func (n *Normalizer) Normalize(text string) string {
	text = symbols.Replace(text)
	text = norm.NFKC.String(text)
	text = emojiPattern.ReplaceAllString(text, "")
	return strings.TrimSpace(spaces.ReplaceAllString(text, " "))
}
