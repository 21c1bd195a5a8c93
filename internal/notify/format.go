package notify

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	maxSubjectRunes = 200
	ellipsis        = "…"
)

// NormalizeSubject returns a single-line, NFC-normalized subject capped
// at a provider-safe length. Combining sequences arriving in decomposed
// form would otherwise compare and render inconsistently across channels.
func NormalizeSubject(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return ' '
		}
		return r
	}, s)
	s = collapseSpaces(strings.TrimSpace(s))
	return TruncateRunes(s, maxSubjectRunes)
}

// NormalizeBody NFC-normalizes the body and trims trailing whitespace,
// leaving internal formatting alone.
func NormalizeBody(s string) string {
	return strings.TrimRightFunc(norm.NFC.String(s), unicode.IsSpace)
}

// TruncateRunes shortens s to at most n runes, appending an ellipsis when
// anything was cut. Truncation counts runes, not bytes, so multi-byte
// text is never split mid-character.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n == 1 {
		return ellipsis
	}
	return string(runes[:n-1]) + ellipsis
}

func collapseSpaces(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if r == ' ' {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
