// Package security provides input validation and log sanitization for
// values that end up on a command line or in a filesystem path.
package security

import (
	"strings"
	"unicode"
)

// SanitizeForLog sanitizes a string for safe logging.
// It prevents log injection by:
// - Replacing newlines with escaped versions
// - Replacing carriage returns
// - Removing other control characters
// - Truncating to a maximum length
func SanitizeForLog(s string) string {
	return SanitizeForLogWithLength(s, 200)
}

// SanitizeForLogWithLength sanitizes a string for logging with a custom max length.
func SanitizeForLogWithLength(s string, maxLen int) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(min(len(s), maxLen+10))

	count := 0
	for _, r := range s {
		if count >= maxLen {
			b.WriteString("...")
			break
		}

		switch r {
		case '\n':
			b.WriteString("\\n")
			count += 2
		case '\r':
			b.WriteString("\\r")
			count += 2
		case '\t':
			b.WriteString("\\t")
			count += 2
		default:
			if !unicode.IsControl(r) || r == ' ' {
				b.WriteRune(r)
				count++
			}
		}
	}

	return b.String()
}
