package policy

import (
	"regexp"
	"unicode/utf8"
)

type rule struct {
	pattern *regexp.Regexp
	marker  string
}

// Order matters: card numbers and account ids are masked before the looser
// phone pattern can claim their digits.
var rules = []rule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\b[A-Z]{2}-\d{6,}\b`), "[REDACTED_ACCOUNT]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks emails, card numbers, account ids and phone numbers.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range rules {
		out = r.pattern.ReplaceAllString(out, r.marker)
	}
	return out, out != input
}

// Preview returns a redacted excerpt of user text suitable for logs.
func Preview(text string, maxRunes int) string {
	out, _ := RedactPII(text)
	if maxRunes <= 0 || utf8.RuneCountInString(out) <= maxRunes {
		return out
	}
	runes := []rune(out)
	return string(runes[:maxRunes]) + "…"
}
