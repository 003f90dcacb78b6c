package helpers

import (
	"strings"
	"unicode/utf8"
)

// SanitizeUTF8 drops invalid UTF-8 bytes and NUL characters. PostgreSQL text
// columns reject both, and bounce reports routinely carry them.
func SanitizeUTF8(s string) string {
	return sanitize(s, false)
}

// SanitizeHeader is SanitizeUTF8 for raw header blocks. Unencoded 8-bit bytes
// in headers are almost always ISO-8859-1, so they are kept as the matching
// code point instead of being dropped.
func SanitizeHeader(s string) string {
	return sanitize(s, true)
}

func sanitize(s string, latin1 bool) string {
	if utf8.ValidString(s) && strings.IndexByte(s, 0) < 0 {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == utf8.RuneError && size == 1:
			if latin1 {
				sb.WriteRune(rune(s[i]))
			}
		case r == 0:
		default:
			sb.WriteString(s[i : i+size])
		}
		i += size
	}
	return sb.String()
}
