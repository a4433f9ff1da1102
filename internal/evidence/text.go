package evidence

import (
	"strings"
	"unicode"
)

// Locator is implemented by providers that know the canonical spelling of the
// locations they cover.
type Locator interface {
	CanonicalLocation(location string) (string, bool)
}

// CleanLocation trims location and collapses inner whitespace runs to one space.
func CleanLocation(location string) string {
	return strings.Join(strings.Fields(location), " ")
}

// LocationKey is the comparison key for a location name: whitespace cleaned
// and case folded. Two names with the same key are the same place.
func LocationKey(location string) string {
	return strings.ToLower(CleanLocation(location))
}

// HasControl reports whether s contains a control character, NUL included.
func HasControl(s string) bool {
	return strings.ContainsFunc(s, unicode.IsControl)
}

// Printable replaces control characters with U+FFFD. Every rationale passes
// through it before it reaches the audit log.
func Printable(s string) string {
	if !HasControl(s) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return unicode.ReplacementChar
		}
		return r
	}, s)
}
