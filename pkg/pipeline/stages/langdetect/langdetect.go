// Package langdetect is a small stopword-frequency language classifier
// covering the languages the pipeline admits by default (en, es, fr, de).
// There is no language-identification library anywhere in the example
// corpus, so this is a deliberate, narrowly-scoped standard-library
// substitute for the original's FastText/langdetect dependency rather
// than an attempt at general-purpose detection.
package langdetect

import "strings"

// Detected is a language guess with a confidence in [0, 1].
type Detected struct {
	Language   string
	Confidence float64
}

var stopwords = map[string][]string{
	"en": {"the", "and", "of", "to", "in", "is", "was", "for", "that", "with", "on", "as", "it", "by", "at", "from", "this", "are", "be", "an"},
	"es": {"el", "la", "de", "que", "y", "en", "los", "se", "del", "las", "por", "un", "para", "con", "una", "su", "es", "al", "lo", "como"},
	"fr": {"le", "la", "de", "et", "les", "des", "en", "un", "une", "du", "que", "qui", "pour", "dans", "au", "est", "sur", "par", "avec", "se"},
	"de": {"der", "die", "und", "das", "den", "von", "zu", "mit", "ist", "im", "ein", "eine", "auf", "für", "dem", "nicht", "des", "sich", "auch", "als"},
}

// Detect guesses a language from stopword overlap in text. An empty or
// stopword-free text returns "en" at confidence 0.5, mirroring the
// original's default-to-English fallback.
func Detect(text string) Detected {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return Detected{Language: "en", Confidence: 0.5}
	}

	counts := make(map[string]int, len(stopwords))
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'()[]{}")
		for lang, list := range stopwords {
			for _, sw := range list {
				if w == sw {
					counts[lang]++
				}
			}
		}
	}

	bestLang, bestCount := "en", 0
	for lang, c := range counts {
		if c > bestCount {
			bestLang, bestCount = lang, c
		}
	}
	if bestCount == 0 {
		return Detected{Language: "en", Confidence: 0.5}
	}

	confidence := float64(bestCount) / float64(len(words))
	if confidence > 1.0 {
		confidence = 1.0
	}
	if confidence < 0.3 {
		confidence = 0.3
	}
	return Detected{Language: bestLang, Confidence: confidence}
}
