// Package lang classifies text spans by their dominant script.
package lang

// Script is the dominant writing system of a text span.
type Script string

const (
	Latin    Script = "latin"
	Cyrillic Script = "cyrillic"
	Chinese  Script = "chinese"
	Mixed    Script = "mixed"
	Unknown  Script = "unknown"
)

// Counts holds per-script letter tallies for a text span.
type Counts struct {
	Latin    int
	Cyrillic int
	Chinese  int
}

// Total is the number of classified characters.
func (c Counts) Total() int { return c.Latin + c.Cyrillic + c.Chinese }

// Policy decides the dominant script from ratios of classified characters.
type Policy struct {
	Name   string
	decide func(latin, cyrillic, chinese float64) Script
}

// CrossLanguage is used when comparing a reference transcript against the
// target text. Its thresholds are low so that partial mixing is caught.
var CrossLanguage = Policy{
	Name: "cross-language",
	decide: func(latin, cyrillic, chinese float64) Script {
		switch {
		case cyrillic > 0.2:
			return Cyrillic
		case chinese > 0.2:
			return Chinese
		case latin > 0.6:
			return Latin
		default:
			return Mixed
		}
	},
}

// Segmentation picks the sentence splitting strategy for the target text.
var Segmentation = Policy{
	Name: "segmentation",
	decide: func(latin, cyrillic, chinese float64) Script {
		switch {
		case latin > 0.6:
			return Latin
		case cyrillic > 0.3:
			return Cyrillic
		case chinese > 0.3:
			return Chinese
		default:
			return Mixed
		}
	},
}

// Count tallies Latin, Cyrillic (including the Kazakh letters) and CJK
// ideographs in text.
func Count(text string) Counts {
	var c Counts
	for _, r := range text {
		switch {
		case isLatin(r):
			c.Latin++
		case isCyrillic(r):
			c.Cyrillic++
		case r >= 0x4E00 && r <= 0x9FFF:
			c.Chinese++
		}
	}
	return c
}

// Classify returns the dominant script of text under policy.
func Classify(text string, policy Policy) Script {
	return ClassifyCounts(Count(text), policy)
}

// ClassifyCounts applies policy to precomputed counts.
func ClassifyCounts(c Counts, policy Policy) Script {
	total := c.Total()
	if total == 0 {
		return Unknown
	}
	t := float64(total)
	return policy.decide(float64(c.Latin)/t, float64(c.Cyrillic)/t, float64(c.Chinese)/t)
}

// DetectCrossLanguage reports whether the reference transcript and the target
// text are dominated by different scripts.
func DetectCrossLanguage(reference, target string) bool {
	return Classify(reference, CrossLanguage) != Classify(target, CrossLanguage)
}

func isLatin(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isCyrillic(r rune) bool {
	switch {
	case r >= 'а' && r <= 'я', r >= 'А' && r <= 'Я':
		return true
	}
	switch r {
	case 'ё', 'Ё',
		'ә', 'і', 'ң', 'ғ', 'ү', 'ұ', 'қ', 'ө', 'һ',
		'Ә', 'І', 'Ң', 'Ғ', 'Ү', 'Ұ', 'Қ', 'Ө', 'Һ':
		return true
	}
	return false
}
