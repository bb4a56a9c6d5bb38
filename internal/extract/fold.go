package extract

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lower-cases s with Turkish rules and strips diacritics, so that "İSTANBUL",
// "Istanbul" and "istanbul" all fold to "istanbul" and "Şanlıurfa" to "sanliurfa".
func Fold(s string) string {
	// Casers and transformers keep state, so they are built per call.
	lower := cases.Lower(language.Turkish).String(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, lower)
	if err != nil {
		out = lower
	}
	return strings.ReplaceAll(out, "ı", "i")
}

// Title upper-cases the first letter of every word using Turkish rules.
func Title(s string) string {
	return cases.Title(language.Turkish).String(strings.Join(strings.Fields(s), " "))
}

// tokens splits folded text into letter/digit runs.
func tokens(folded string) []string {
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// trimPunct removes surrounding punctuation and whitespace.
func trimPunct(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}

func isLetters(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
