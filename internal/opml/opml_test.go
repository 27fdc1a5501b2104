package opml

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/telereader/internal/model"
)

func TestExportThenParse(t *testing.T) {
	news := int64(1)
	tech := int64(2)
	groups := []model.Group{{ID: tech, Name: "tech"}, {ID: news, Name: "news"}}
	channels := []model.Channel{
		{ID: 1, Name: "durov", GroupID: &tech},
		{ID: 2, Name: "alerts", GroupID: &news},
		{ID: 3, Name: "loose"},
		{ID: 4, Name: "https://example.com/feed.xml", GroupID: &news},
	}

	data, err := Export("telereader channels", groups, channels)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("<?xml")))
	assert.Contains(t, string(data), `xmlUrl="https://t.me/s/durov"`)

	entries, err := Parse(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Group: "news", Channel: "https://t.me/s/alerts"},
		{Group: "news", Channel: "https://example.com/feed.xml"},
		{Group: "tech", Channel: "https://t.me/s/durov"},
		{Group: "", Channel: "https://t.me/s/loose"},
	}, entries)
}

func TestParseNestedFolders(t *testing.T) {
	doc := `<?xml version="1.0"?>
<opml version="1.0">
  <body>
    <outline text="World">
      <outline title="Europe">
        <outline text="a" xmlUrl="https://t.me/a"/>
      </outline>
      <outline text="b" xmlUrl="https://t.me/b"/>
    </outline>
    <outline text="empty folder"/>
  </body>
</opml>`
	entries, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Group: "World", Channel: "https://t.me/a"},
		{Group: "World", Channel: "https://t.me/b"},
	}, entries)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse(strings.NewReader("not xml"))
	assert.Error(t, err)
}
