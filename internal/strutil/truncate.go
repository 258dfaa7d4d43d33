// Package strutil holds small string helpers shared across components.
package strutil

import "unicode/utf8"

// TruncateUTF8 truncates s to at most maxBytes bytes without splitting a
// multi-byte rune. It returns s unchanged if it already fits.
func TruncateUTF8(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}

	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
