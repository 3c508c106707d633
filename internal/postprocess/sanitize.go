package postprocess

import (
	"strings"
	"unicode"
)

// Sanitize reduces s to letters, digits, hyphens and underscores. Runs of
// other characters become a single underscore, repeated separators
// collapse, separators are trimmed from both ends, and the result is capped
// at maxLen runes.
func Sanitize(s string, maxLen int) string {
	var b strings.Builder
	var last rune
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
		case r == '-' || r == '_':
		default:
			r = '_'
		}
		if isSeparator(r) && isSeparator(last) {
			continue
		}
		b.WriteRune(r)
		last = r
	}

	out := strings.Trim(b.String(), "_-")
	if maxLen > 0 && len(out) > maxLen {
		out = strings.TrimRight(out[:maxLen], "_-")
	}
	return out
}

func isSeparator(r rune) bool {
	return r == '_' || r == '-'
}
