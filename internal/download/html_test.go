package download

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/tokrelay/internal/domain"
)

func TestParseEmbeddedRehydration(t *testing.T) {
	page := `<html><script id="__UNIVERSAL_DATA_FOR_REHYDRATION__" type="application/json">
{"__DEFAULT_SCOPE__":{"webapp.video-detail":{"itemInfo":{"itemStruct":{
  "id":"42",
  "imagePost":{"images":[
    {"imageURL":{"urlList":["https://cdn/a.jpeg","https://cdn/a-alt.jpeg"]}},
    {"imageURL":{"urlList":["https://cdn/b.jpeg"]}},
    {"imageURL":{"urlList":["https://cdn/a.jpeg"]}}
  ]},
  "music":{"playUrl":"https://cdn/track.mp3"}
}}}}}</script></html>`

	media, err := parseEmbedded(strings.NewReader(page), "42")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn/a.jpeg", "https://cdn/b.jpeg"}, media.Images)
	assert.Equal(t, "https://cdn/track.mp3", media.Audio)
}

func TestParseEmbeddedNoState(t *testing.T) {
	_, err := parseEmbedded(strings.NewReader("<html><body>hi</body></html>"), "1")
	assert.True(t, errors.Is(err, errNoState))
}

func TestParseEmbeddedBrokenJSONFallsThrough(t *testing.T) {
	page := `<script id="SIGI_STATE">{not json</script>
<script id="__UNIVERSAL_DATA_FOR_REHYDRATION__">{"x":{"itemStruct":{"id":"7","images":["https://cdn/p.jpg"]}}}</script>`

	media, err := parseEmbedded(strings.NewReader(page), "7")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn/p.jpg"}, media.Images)
}

func TestParseEmbeddedOtherPost(t *testing.T) {
	page := `<script id="__UNIVERSAL_DATA_FOR_REHYDRATION__">{"x":{"itemStruct":{"id":"8"}}}</script>`

	_, err := parseEmbedded(strings.NewReader(page), "7")
	assert.ErrorIs(t, err, domain.ErrInaccessible)
}

func TestSortNumeric(t *testing.T) {
	paths := []string{"/d/10.jpg", "/d/cover.jpg", "/d/2.jpg", "/d/1.jpg"}
	sortNumeric(paths)
	assert.Equal(t, []string{"/d/1.jpg", "/d/2.jpg", "/d/10.jpg", "/d/cover.jpg"}, paths)
}
