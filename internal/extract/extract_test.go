package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestImagesMixedSyntaxes(t *testing.T) {
	t.Parallel()

	text := "# Trip\n" +
		"![[pic.png]]\n" +
		"Some text ![alt](http://x/y.jpg) more\n" +
		"![](z.gif)\n" +
		"again ![[pic.png]] and ![](z.gif)\n"

	assert.Equal(t, []string{"pic.png", "http://x/y.jpg", "z.gif"}, Images(text))
}

func TestWikiEmbedAlias(t *testing.T) {
	t.Parallel()

	got := WikiEmbeds("![[photos/a.png|300]] ![[ b.jpg | caption ]] ![[]]")
	assert.Equal(t, []string{"photos/a.png", "b.jpg"}, got)
}

func TestMarkdownDestinations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want []string
	}{
		{`![a]("quoted.png")`, []string{"quoted.png"}},
		{`![a](img.png "A title")`, []string{"img.png"}},
		{`![a](<with space.png>)`, []string{"with space.png"}},
		{`![a]( padded.png )`, []string{"padded.png"}},
		{`![a]()`, nil},
		{`[not an image](a.png)`, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MarkdownImages(tt.text), tt.text)
	}
}

func TestHTMLImages(t *testing.T) {
	t.Parallel()

	text := `before <IMG SRC="https://cdn.example.com/a.png" width="10"> and <img alt="x"> and <img src='local/b.webp'/>`
	assert.Equal(t, []string{"https://cdn.example.com/a.png", "local/b.webp"}, HTMLImages(text))
	assert.Nil(t, HTMLImages("no markup here"))
}

func TestLikelyImage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ref  string
		want bool
	}{
		{"local/whatever", true},
		{"https://example.com/a.PNG", true},
		{"https://example.com/a.jpg?w=300#frag", true},
		{"https://example.com/photo.tif", true},
		{"https://example.com/page.html", false},
		{"https://x.com/user/status/123", false},
		{"https://example.com", false},
		{"https://pbs.twimg.com/media/AbCd?format=jpg&name=large", true},
		{"https://pbs.twimg.com/media/AbCd", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LikelyImage(tt.ref), tt.ref)
	}
}

func TestImagesFiltersRemoteNonImages(t *testing.T) {
	t.Parallel()

	text := "![](https://x.com/user/status/1) ![](https://pbs.twimg.com/media/Q?format=png) <img src=\"https://a.example/b.svg\">"
	assert.Equal(t, []string{"https://pbs.twimg.com/media/Q?format=png", "https://a.example/b.svg"}, Images(text))
}

func TestWithCustomExtractors(t *testing.T) {
	t.Parallel()

	upper := ExtractorFunc(func(string) []string { return []string{"A.PNG", "", "A.PNG"} })
	assert.Equal(t, []string{"A.PNG"}, With("ignored", upper))
	assert.Empty(t, Images(""))
}
