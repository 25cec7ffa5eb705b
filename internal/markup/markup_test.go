package markup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listing = `<html><body>
<div class="item"><a href="/m/1">  One
  Piece </a><img data-src="https://cdn.example/1.jpg" src="/placeholder.gif"></div>
<div class="item"><a href="/m/2">Two</a><img src="https://cdn.example/2.jpg"></div>
</body></html>`

func TestQueryReturnsFixedRecords(t *testing.T) {
	t.Parallel()

	els, err := Query(listing, ".item a")
	require.NoError(t, err)
	require.Len(t, els, 2)
	assert.Equal(t, "One Piece", els[0].Text)
	assert.Equal(t, "/m/1", els[0].Attrs["href"])
	assert.Contains(t, els[1].HTML, `<a href="/m/2">Two</a>`)
}

func TestQueryRejectsBadSelector(t *testing.T) {
	t.Parallel()

	_, err := Query(listing, "div[")
	require.ErrorContains(t, err, "invalid selector")
}

func TestImageURLPreference(t *testing.T) {
	t.Parallel()

	doc, err := Parse(listing)
	require.NoError(t, err)
	items := doc.Find(".item")
	assert.Equal(t, "https://cdn.example/1.jpg", ImageURL(items.Eq(0)))
	assert.Equal(t, "https://cdn.example/2.jpg", ImageURL(items.Eq(1).Find("img")))
	assert.Empty(t, ImageURL(doc.Find("a").First()))
}

func TestAbsolute(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://a.example/m/1", Absolute("https://a.example/search?q=x", "/m/1"))
	assert.Equal(t, "https://cdn.example/x.jpg", Absolute("https://a.example/", "https://cdn.example/x.jpg"))
	assert.Empty(t, Absolute("https://a.example/", "  "))
}
