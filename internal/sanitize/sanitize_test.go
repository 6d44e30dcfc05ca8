package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReviewBody(t *testing.T) {
	t.Run("strips details/summary", func(t *testing.T) {
		in := "<details><summary>Nit</summary>rename this var</details>"
		assert.Equal(t, "**Nit**rename this var", ReviewBody(in))
	})

	t.Run("converts blockquote to markdown quote", func(t *testing.T) {
		in := "<blockquote>line one\nline two</blockquote>"
		out := ReviewBody(in)
		assert.True(t, strings.Contains(out, "> line one"))
		assert.True(t, strings.Contains(out, "> line two"))
	})

	t.Run("strips arbitrary tags", func(t *testing.T) {
		assert.Equal(t, "bold text", ReviewBody("<b>bold</b> text"))
	})

	t.Run("collapses blank line runs", func(t *testing.T) {
		assert.Equal(t, "a\n\nb", ReviewBody("a\n\n\n\nb"))
	})

	t.Run("empty stays empty", func(t *testing.T) {
		assert.Equal(t, "", ReviewBody(""))
	})

	t.Run("plain text is untouched", func(t *testing.T) {
		in := "nothing to sanitize here"
		assert.Equal(t, in, ReviewBody(in))
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "0123456...", Truncate("0123456789abcdef", 10))
	assert.Equal(t, "padded", Truncate("  padded  ", 20))
}
