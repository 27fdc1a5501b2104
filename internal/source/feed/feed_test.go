package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/telereader/internal/model"
	"github.com/bryan-buckman/telereader/internal/source"
)

const rssTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
	<title>alerts</title>
	<link>https://t.me/alerts</link>
	<item>
		<title>third</title>
		<link>https://t.me/alerts/102</link>
		<description><![CDATA[<p>Third &amp; last</p>]]></description>
		<pubDate>Mon, 01 Jan 2024 12:02:00 GMT</pubDate>
	</item>
	<item>
		<title>second</title>
		<link>https://t.me/alerts/101</link>
		<description><![CDATA[<b>with photo</b>]]></description>
		<enclosure url="%s/img/101.jpg" type="image/jpeg" length="5"/>
		<pubDate>Mon, 01 Jan 2024 12:01:00 GMT</pubDate>
	</item>
	<item>
		<title>first</title>
		<link>https://t.me/alerts/100</link>
		<description>plain</description>
		<pubDate>Mon, 01 Jan 2024 12:00:00 GMT</pubDate>
	</item>
	<item>
		<title>no id</title>
		<link>https://t.me/alerts</link>
		<description>pinned</description>
	</item>
</channel>
</rss>`

func newBridge(t *testing.T) (*httptest.Server, *Source) {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/telegram/channel/alerts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, rssTemplate, srv.URL)
	})
	mux.HandleFunc("/telegram/channel/busy", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	mux.HandleFunc("/telegram/channel/locked", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/telegram/channel/forbidden", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/img/101.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("image"))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	src, err := New(Options{URLTemplate: srv.URL + "/telegram/channel/%s"}, nil)
	require.NoError(t, err)
	return srv, src
}

func TestNewValidatesTemplate(t *testing.T) {
	_, err := New(Options{URLTemplate: "https://example.com/feed"}, nil)
	assert.Error(t, err)
}

func TestFetchSince(t *testing.T) {
	_, src := newBridge(t)
	ctx := context.Background()

	t.Run("first fetch returns messages oldest first", func(t *testing.T) {
		msgs, err := src.FetchSince(ctx, "alerts", 0, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.EqualValues(t, 100, msgs[0].ID)
		assert.EqualValues(t, 101, msgs[1].ID)
		assert.EqualValues(t, 102, msgs[2].ID)

		assert.Equal(t, model.KindText, msgs[0].Kind)
		assert.Equal(t, "plain", msgs[0].Text)
		assert.Equal(t, "Third & last", msgs[2].Text)
		assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), msgs[0].Date.UTC())

		require.True(t, msgs[1].HasMedia())
		assert.Equal(t, ".jpg", msgs[1].Media.Extension)
		assert.Equal(t, "with photo", msgs[1].Text)
	})

	t.Run("watermark filters older messages", func(t *testing.T) {
		msgs, err := src.FetchSince(ctx, "alerts", 100, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.EqualValues(t, 101, msgs[0].ID)
	})

	t.Run("page after watermark keeps the oldest", func(t *testing.T) {
		msgs, err := src.FetchSince(ctx, "alerts", 99, 1)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.EqualValues(t, 100, msgs[0].ID)
	})

	t.Run("first page keeps the newest", func(t *testing.T) {
		msgs, err := src.FetchSince(ctx, "alerts", 0, 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.EqualValues(t, 101, msgs[0].ID)
		assert.EqualValues(t, 102, msgs[1].ID)
	})
}

func TestFetchSinceErrors(t *testing.T) {
	_, src := newBridge(t)
	ctx := context.Background()

	t.Run("rate limited", func(t *testing.T) {
		_, err := src.FetchSince(ctx, "busy", 0, 10)
		require.ErrorIs(t, err, source.ErrRateLimited)
		d, _ := source.RetryAfter(err)
		assert.Equal(t, 7*time.Second, d)
	})

	t.Run("unauthorized", func(t *testing.T) {
		_, err := src.FetchSince(ctx, "locked", 0, 10)
		assert.ErrorIs(t, err, source.ErrAuthentication)
	})

	t.Run("forbidden", func(t *testing.T) {
		_, err := src.FetchSince(ctx, "forbidden", 0, 10)
		assert.ErrorIs(t, err, source.ErrAuthentication)
		assert.NotErrorIs(t, err, source.ErrChannelUnreachable)
	})

	t.Run("missing channel", func(t *testing.T) {
		_, err := src.FetchSince(ctx, "gone", 0, 10)
		assert.ErrorIs(t, err, source.ErrChannelUnreachable)
	})
}

func TestDownloadMedia(t *testing.T) {
	srv, src := newBridge(t)
	ctx := context.Background()

	msgs, err := src.FetchSince(ctx, "alerts", 100, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	rc, err := src.DownloadMedia(ctx, msgs[0])
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "image", string(data))

	t.Run("text message has nothing to download", func(t *testing.T) {
		rc, err := src.DownloadMedia(ctx, model.RawMessage{Kind: model.KindText, ID: 1})
		assert.NoError(t, err)
		assert.Nil(t, rc)
	})

	t.Run("broken media url", func(t *testing.T) {
		_, err := src.DownloadMedia(ctx, model.RawMessage{
			Kind:  model.KindMedia,
			ID:    5,
			Media: &model.MediaRef{Locator: srv.URL + "/img/missing.jpg"},
		})
		assert.ErrorIs(t, err, source.ErrAttachmentDownload)
	})
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", time.Minute))
	assert.Equal(t, time.Minute, parseRetryAfter("", time.Minute))
	assert.Equal(t, time.Minute, parseRetryAfter("soon", time.Minute))
}
