// Package slug turns page titles into filesystem-safe path segments.
//
// File keeps the title readable: case and inner spaces survive, only characters
// that are unsafe in paths on common filesystems are removed. URL produces the
// lower-case dashed form used for asset file names.
package slug

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Placeholder is returned when a title reduces to nothing.
const Placeholder = "Untitled"

// MaxLen is the maximum slug length in runes.
const MaxLen = 100

const unsafeChars = "/\\:*?\"<>|#%{}^~`[]"

// File returns the path segment for a title.
func File(title string) string {
	var b strings.Builder
	b.Grow(len(title))

	space := false
	for _, r := range title {
		switch {
		case unicode.IsSpace(r):
			space = true
			continue
		case r == utf8.RuneError, unicode.IsControl(r), strings.ContainsRune(unsafeChars, r):
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}

	s := trim(b.String())
	if utf8.RuneCountInString(s) > MaxLen {
		s = trim(string([]rune(s)[:MaxLen]))
	}
	if s == "" {
		return Placeholder
	}
	return s
}

// URL returns a lower-case slug with runs of non-alphanumerics collapsed to '-'.
func URL(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
			continue
		}
		dash = true
	}
	out := b.String()
	if utf8.RuneCountInString(out) > MaxLen {
		out = strings.TrimRight(string([]rune(out)[:MaxLen]), "-")
	}
	return out
}

func trim(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '.'
	})
}
