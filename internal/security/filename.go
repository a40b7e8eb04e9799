// Package security provides sanitisation helpers for values that end up
// in file names. Instrument, filter and night strings come from frame
// headers written at the telescope and cannot be trusted to be shell or
// filesystem safe.
package security

import "strings"

// SanitizeFilename makes a safe filename component from an arbitrary string.
// It replaces any characters that are not ASCII letters, digits, dot,
// underscore or dash with an underscore, collapses repeated underscores and
// trims the result to a reasonable length.
func SanitizeFilename(s string) string {
	if s == "" {
		return "unknown"
	}
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
