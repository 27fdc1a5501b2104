// Package feed reads channels through an RSS/Atom bridge (for example
// RSSHub's /telegram/channel/<name> route). It is an alternative to the
// MTProto client when no user session is available.
package feed

import (
	"context"
	"fmt"
	"html"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/bryan-buckman/telereader/internal/model"
	"github.com/bryan-buckman/telereader/internal/source"
)

// Options configures a feed Source.
type Options struct {
	// URLTemplate maps a channel handle to its feed URL; it must contain
	// one %s. Channels whose name is already an http(s) URL are used as is.
	URLTemplate string
	// DefaultRetryAfter is used when a 429 response has no Retry-After.
	DefaultRetryAfter time.Duration
	UserAgent         string
	HTTPClient        *http.Client
}

// Source fetches channel pages from a feed bridge.
type Source struct {
	opts      Options
	client    *http.Client
	parser    *gofeed.Parser
	sanitizer *bluemonday.Policy
	logger    *zap.Logger
}

// Ensure Source implements source.Source interface.
var _ source.Source = (*Source)(nil)

// New creates a feed source.
func New(opts Options, logger *zap.Logger) (*Source, error) {
	if strings.Count(opts.URLTemplate, "%s") != 1 {
		return nil, fmt.Errorf("feed url template must contain exactly one %%s: %q", opts.URLTemplate)
	}
	if opts.DefaultRetryAfter <= 0 {
		opts.DefaultRetryAfter = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "telereader/1.0"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		opts:      opts,
		client:    client,
		parser:    gofeed.NewParser(),
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger,
	}, nil
}

// Connect is a no-op: every request is independent.
func (s *Source) Connect(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Source) Close() error {
	return nil
}

// FeedURL returns the feed address for a channel.
func (s *Source) FeedURL(channel string) string {
	if strings.HasPrefix(channel, "http://") || strings.HasPrefix(channel, "https://") {
		return channel
	}
	return fmt.Sprintf(s.opts.URLTemplate, url.PathEscape(channel))
}

// FetchSince fetches the channel's feed and returns the messages above the
// watermark, oldest first. With no watermark the newest max messages are
// returned; otherwise the max messages right after the watermark.
func (s *Source) FetchSince(ctx context.Context, channel string, watermark int64, max int) ([]model.RawMessage, error) {
	feedURL := s.FeedURL(channel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, source.Unreachable(channel, err)
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, source.Unreachable(channel, err)
	}
	defer resp.Body.Close()

	if err := s.checkStatus(channel, resp); err != nil {
		return nil, err
	}

	parsed, err := s.parser.Parse(resp.Body)
	if err != nil {
		return nil, source.Unreachable(channel, fmt.Errorf("parse feed %s: %w", feedURL, err))
	}

	var msgs []model.RawMessage
	for _, item := range parsed.Items {
		id, ok := externalID(item)
		if !ok {
			s.logger.Debug("skipping feed item without message id",
				zap.String("channel", channel), zap.String("link", item.Link))
			continue
		}
		if id <= watermark {
			continue
		}
		msgs = append(msgs, s.normalize(item, id))
	}
	return page(msgs, watermark, max), nil
}

func (s *Source) checkStatus(channel string, resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return &source.RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), s.opts.DefaultRetryAfter)}
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return source.Authentication(fmt.Errorf("feed bridge returned %s", resp.Status))
	default:
		return source.Unreachable(channel, fmt.Errorf("feed bridge returned %s", resp.Status))
	}
}

// DownloadMedia opens the attachment URL recorded on the message.
func (s *Source) DownloadMedia(ctx context.Context, msg model.RawMessage) (io.ReadCloser, error) {
	if !msg.HasMedia() {
		return nil, nil
	}
	mediaURL, ok := msg.Media.Locator.(string)
	if !ok || mediaURL == "" {
		return nil, fmt.Errorf("%w: message %d has no media url", source.ErrAttachmentDownload, msg.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", source.ErrAttachmentDownload, err)
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", source.ErrAttachmentDownload, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %s", source.ErrAttachmentDownload, mediaURL, resp.Status)
	}
	return resp.Body, nil
}

func (s *Source) normalize(item *gofeed.Item, id int64) model.RawMessage {
	date := time.Now().UTC()
	if item.PublishedParsed != nil {
		date = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		date = *item.UpdatedParsed
	}

	content := item.Content
	if content == "" {
		content = item.Description
	}
	msg := model.RawMessage{
		Kind: model.KindText,
		ID:   id,
		Date: date,
		Text: strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(content))),
	}
	if media := mediaOf(item); media != nil {
		msg.Kind = model.KindMedia
		msg.Media = media
	}
	return msg
}

func mediaOf(item *gofeed.Item) *model.MediaRef {
	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		if strings.HasPrefix(enc.Type, "image/") || strings.HasPrefix(enc.Type, "video/") || enc.Type == "" {
			return &model.MediaRef{Extension: extensionFor(enc.Type, enc.URL), MimeType: enc.Type, Locator: enc.URL}
		}
	}
	if item.Image != nil && item.Image.URL != "" {
		return &model.MediaRef{Extension: extensionFor("", item.Image.URL), Locator: item.Image.URL}
	}
	return nil
}

var trailingNumber = regexp.MustCompile(`(?:^|/)(\d+)/?$`)

// externalID pulls the upstream message number from the item link, which
// bridges render as https://t.me/<channel>/<id>, falling back to the GUID.
func externalID(item *gofeed.Item) (int64, bool) {
	for _, candidate := range []string{item.Link, item.GUID} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if u, err := url.Parse(candidate); err == nil && u.Path != "" {
			candidate = u.Path
		}
		m := trailingNumber.FindStringSubmatch(candidate)
		if m == nil {
			continue
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}

func extensionFor(mimeType, rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 6 {
			return ext
		}
	}
	if mimeType != "" {
		if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return ""
}

// page sorts ascending and trims to max: the newest max when the channel
// was never ingested, otherwise the oldest max above the watermark so the
// next sweep resumes where this one stopped.
func page(msgs []model.RawMessage, watermark int64, max int) []model.RawMessage {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	msgs = dedupe(msgs)
	if max <= 0 || len(msgs) <= max {
		return msgs
	}
	if watermark == 0 {
		return msgs[len(msgs)-max:]
	}
	return msgs[:max]
}

func dedupe(sorted []model.RawMessage) []model.RawMessage {
	out := sorted[:0]
	for _, m := range sorted {
		if len(out) > 0 && out[len(out)-1].ID == m.ID {
			continue
		}
		out = append(out, m)
	}
	return out
}

func parseRetryAfter(value string, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}
