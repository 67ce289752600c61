package models

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Apple Inc.", "apple-inc"},
		{"Tim Cook", "tim-cook"},
		{"C++ (programming language)", "c-programming-language"},
		{"  spaced  out  ", "spaced-out"},
		{"already-a-slug", "already-a-slug"},
		{"ÅNGSTRÖM", "ångström"},
		{"42", "42"},
		{"!!!", ""},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Slugify(tc.in), "input %q", tc.in)
	}
}

func TestSlugifyBoundsLength(t *testing.T) {
	slug := Slugify(strings.Repeat("a", 500))
	assert.Len(t, slug, 200)

	// Truncation never leaves a trailing hyphen.
	slug = Slugify(strings.Repeat("aa ", 200))
	assert.LessOrEqual(t, len(slug), 200)
	assert.False(t, strings.HasSuffix(slug, "-"))
}

func TestSlugifyTruncationKeepsValidUTF8(t *testing.T) {
	// A two-byte rune straddling the length limit must not be split.
	slug := Slugify(strings.Repeat("a", 199) + "ö")
	assert.True(t, utf8.ValidString(slug))
	assert.Equal(t, strings.Repeat("a", 199), slug)

	slug = Slugify(strings.Repeat("ö", 150))
	assert.True(t, utf8.ValidString(slug))
	assert.LessOrEqual(t, len(slug), 200)
	assert.Equal(t, strings.Repeat("ö", 100), slug)
}

func TestSlugifyCollision(t *testing.T) {
	// Distinct IDs that normalize identically share one entity record.
	assert.Equal(t, Slugify("Apple Inc."), Slugify("apple inc"))
}
