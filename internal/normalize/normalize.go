// Package normalize maps raw topic names to stable matching keys so that
// surface variants of the same topic ("U2 Störung", "U2 Stoerung",
// "u2 störung") collapse into a single tracked entry.
//
// Only surface-form equivalence is handled here. Semantic matching
// ("U-Bahn Störung" vs "U2 Störung") is deliberately out of scope.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// German letters are transliterated the way German speakers type them on an
// ASCII keyboard, so "Störung" and "Stoerung" produce the same key. All
// remaining diacritics are folded by stripping combining marks after NFD.
var transliterations = strings.NewReplacer(
	"ä", "ae",
	"ö", "oe",
	"ü", "ue",
	"ß", "ss",
)

var foldMarks = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// Key normalizes a raw topic name into its matching key. Pure and
// deterministic; idempotent (Key(Key(x)) == Key(x)). Returns "" for names
// that normalize to nothing.
func Key(raw string) string {
	// Compose first so decomposed umlauts ("o" + combining diaeresis) hit
	// the transliteration table too.
	s := norm.NFC.String(strings.ToLower(strings.TrimSpace(raw)))
	s = transliterations.Replace(s)
	if folded, _, err := transform.String(foldMarks, s); err == nil {
		s = folded
	}
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	return strings.TrimSpace(s)
}
