package notify

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"clean stays untouched", "Deploy finished", "Deploy finished"},
		{"surrounding space trimmed", "  Deploy finished  ", "Deploy finished"},
		{"newlines become spaces", "Deploy\nfinished", "Deploy finished"},
		{"tabs and returns become spaces", "Deploy\tfinished\rnow", "Deploy finished now"},
		{"runs of whitespace collapse", "Deploy \n\n  finished", "Deploy finished"},
		{"decomposed accents compose", "café open", "café open"},
		{"empty stays empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSubject(tt.in))
		})
	}
}

func TestNormalizeSubject_CapsLength(t *testing.T) {
	got := NormalizeSubject(strings.Repeat("x", 300))

	assert.Equal(t, maxSubjectRunes, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, ellipsis))
	assert.True(t, strings.HasPrefix(got, strings.Repeat("x", maxSubjectRunes-1)))
}

func TestNormalizeSubject_CapsMultibyteLength(t *testing.T) {
	got := NormalizeSubject(strings.Repeat("ё", 300))

	// The cap counts runes: a two-byte alphabet must not shrink the limit.
	assert.Equal(t, maxSubjectRunes, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
}

func TestNormalizeBody(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trailing whitespace trimmed", "line one\nline two\n\n  ", "line one\nline two"},
		{"internal formatting kept", "a\n\nb\tc", "a\n\nb\tc"},
		{"leading whitespace kept", "  indented", "  indented"},
		{"decomposed accents compose", "résumé", "résumé"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeBody(tt.in))
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"shorter stays", "hello", 10, "hello"},
		{"exact stays", "hello", 5, "hello"},
		{"cut replaces last rune with ellipsis", "hello", 4, "hel…"},
		{"multibyte split safely", "héllo wörld", 6, "héllo…"},
		{"cjk split safely", "日本語のテキスト", 4, "日本語…"},
		{"width one is just ellipsis", "hello", 1, "…"},
		{"zero clears", "hello", 0, ""},
		{"negative clears", "hello", -3, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateRunes(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
