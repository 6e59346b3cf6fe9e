package canonicalize

import (
	"regexp"
	"unicode/utf8"
)

// MaxRedactedMessageLen caps error messages persisted in audit rows.
const MaxRedactedMessageLen = 500

const truncationSuffix = "... [truncated]"

// credentialPattern matches key-value shaped credential leaks inside free-form
// error text: "api_key=abcdef12", "token: sk-live-...", "Bearer xyz" etc.
// The value must be at least 6 characters to count as a token.
var credentialPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|token|bearer|password|authorization)\b(\s*[:=]\s*)(\S{6,})`)

// RedactMessage strips credential-shaped substrings from an error message and
// truncates it to MaxRedactedMessageLen. Truncation never splits a multi-byte
// rune. Safe on empty input.
func RedactMessage(msg string) string {
	out := credentialPattern.ReplaceAllString(msg, "${1}${2}"+Redacted)
	if len(out) > MaxRedactedMessageLen {
		cut := MaxRedactedMessageLen - len(truncationSuffix)
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + truncationSuffix
	}
	return out
}

// RedactError is a convenience wrapper over RedactMessage for error values.
// It never inspects the error beyond its message.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return RedactMessage(err.Error())
}
