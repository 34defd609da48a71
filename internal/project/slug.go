package project

import (
	"strings"
	"unicode"
)

// Slugify lowercases name and collapses every run of characters that are not
// letters or digits into a single '-', trimming dashes at both ends.
// Slugify(Slugify(s)) == Slugify(s).
func Slugify(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	dash := false
	for _, r := range strings.ToLower(name) {
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
	return b.String()
}
