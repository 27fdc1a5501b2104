// Package telegram implements the upstream source over a single MTProto
// user session. The session file is produced once by an interactive login
// and is treated here as an opaque precondition.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"github.com/bryan-buckman/telereader/internal/model"
	"github.com/bryan-buckman/telereader/internal/source"
)

// Options configures the MTProto client.
type Options struct {
	AppID       int
	AppHash     string
	SessionFile string
	// ConnectTimeout bounds how long Connect waits for the session to come up.
	ConnectTimeout time.Duration
}

var errNotConnected = errors.New("telegram: not connected")

// Client owns the one long-lived MTProto connection. It is safe for
// concurrent use, but callers are expected to go through a source.Guard so
// that the connection's request budget is respected.
type Client struct {
	opts   Options
	logger *zap.Logger
	dl     *downloader.Downloader

	mu    sync.Mutex
	api   *tg.Client
	done  chan struct{} // closed when the run loop exits
	stop  context.CancelFunc
	peers map[string]tg.InputPeerClass
}

// Ensure Client implements source.Source interface.
var _ source.Source = (*Client)(nil)

// New validates options and creates an unconnected client.
func New(opts Options, logger *zap.Logger) (*Client, error) {
	if opts.AppID <= 0 || strings.TrimSpace(opts.AppHash) == "" {
		return nil, fmt.Errorf("telegram app id and app hash are required")
	}
	if opts.SessionFile == "" {
		return nil, fmt.Errorf("telegram session file is required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:   opts,
		logger: logger,
		dl:     downloader.NewDownloader(),
		peers:  make(map[string]tg.InputPeerClass),
	}, nil
}

// Connect starts the session loop unless it is already running. A missing
// session file or an unauthorized session yields source.ErrAuthentication.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.api != nil && !closed(c.done) {
		return nil
	}
	if _, err := os.Stat(c.opts.SessionFile); err != nil {
		return source.Authentication(fmt.Errorf("session file %s: %w", c.opts.SessionFile, err))
	}

	client := telegram.NewClient(c.opts.AppID, c.opts.AppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: c.opts.SessionFile},
		Logger:         c.logger.Named("mtproto"),
	})

	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := client.Run(runCtx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				ready <- err
				return err
			}
			if !status.Authorized {
				ready <- source.ErrAuthentication
				return source.ErrAuthentication
			}
			ready <- nil
			<-ctx.Done()
			return ctx.Err()
		})
		// Run can fail before the callback is ever invoked.
		select {
		case ready <- err:
		default:
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("telegram session ended", zap.Error(err))
		}
	}()

	timer := time.NewTimer(c.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case err := <-ready:
		if err != nil {
			cancel()
			if errors.Is(err, source.ErrAuthentication) || auth.IsUnauthorized(err) {
				return source.Authentication(err)
			}
			return fmt.Errorf("telegram connect: %w", err)
		}
	case <-timer.C:
		cancel()
		return fmt.Errorf("telegram connect: timed out after %s", c.opts.ConnectTimeout)
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}

	c.api = client.API()
	c.done = done
	c.stop = cancel
	c.logger.Info("telegram session ready")
	return nil
}

// Close stops the session loop and waits for it to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.api, c.stop, c.done = nil, nil, nil
	c.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	return nil
}

func (c *Client) currentAPI() (*tg.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api == nil || closed(c.done) {
		return nil, errNotConnected
	}
	return c.api, nil
}

// FetchSince reads a page of channel history above the watermark.
func (c *Client) FetchSince(ctx context.Context, channel string, watermark int64, max int) ([]model.RawMessage, error) {
	api, err := c.currentAPI()
	if err != nil {
		return nil, source.Unreachable(channel, err)
	}
	peer, err := c.resolve(ctx, api, channel)
	if err != nil {
		return nil, c.classify(channel, err)
	}

	msgs, err := fetchPage(ctx, api.MessagesGetHistory, peer, watermark, max)
	if err != nil {
		return nil, c.classify(channel, err)
	}
	return msgs, nil
}

// maxSkipWindows bounds how many windows holding only service or empty
// messages one fetch walks past before giving up until the next sweep.
const maxSkipWindows = 25

type historyFunc func(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)

// fetchPage returns the first non-empty page above the watermark. Windows
// that hold nothing storable are stepped over by their highest raw id, since
// the stored watermark cannot advance past messages that are never stored.
func fetchPage(ctx context.Context, history historyFunc, peer tg.InputPeerClass, watermark int64, max int) ([]model.RawMessage, error) {
	from := watermark
	for i := 0; i < maxSkipWindows; i++ {
		res, err := history(ctx, historyRequest(peer, from, max))
		if err != nil {
			return nil, err
		}
		raw := messagesOf(res)
		page := pageOf(raw, from, max)
		if len(page) > 0 || from == 0 {
			return page, nil
		}
		highest := highestID(raw)
		if highest <= from {
			return nil, nil
		}
		from = highest
	}
	return nil, nil
}

func highestID(raw []tg.MessageClass) int64 {
	var highest int64
	for _, m := range raw {
		if id := int64(m.GetID()); id > highest {
			highest = id
		}
	}
	return highest
}

// historyRequest asks for the newest max messages when the channel was
// never ingested, otherwise for the max messages right after the watermark.
func historyRequest(peer tg.InputPeerClass, watermark int64, max int) *tg.MessagesGetHistoryRequest {
	req := &tg.MessagesGetHistoryRequest{Peer: peer, Limit: max}
	if watermark > 0 {
		req.OffsetID = int(watermark) + 1
		req.AddOffset = -max
		req.MinID = int(watermark)
	}
	return req
}

// DownloadMedia downloads the message's photo or document into memory so
// the connection is released as soon as the transfer completes.
func (c *Client) DownloadMedia(ctx context.Context, msg model.RawMessage) (io.ReadCloser, error) {
	if !msg.HasMedia() {
		return nil, nil
	}
	loc, ok := msg.Media.Locator.(tg.InputFileLocationClass)
	if !ok {
		return nil, fmt.Errorf("%w: message %d has no file location", source.ErrAttachmentDownload, msg.ID)
	}
	api, err := c.currentAPI()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", source.ErrAttachmentDownload, err)
	}

	var buf bytes.Buffer
	if _, err := c.dl.Download(api, loc).Stream(ctx, &buf); err != nil {
		if d, ok := tgerr.AsFloodWait(err); ok {
			return nil, fmt.Errorf("%w: %w", source.ErrAttachmentDownload, &source.RateLimitedError{RetryAfter: d})
		}
		return nil, fmt.Errorf("%w: message %d: %v", source.ErrAttachmentDownload, msg.ID, err)
	}
	return io.NopCloser(&buf), nil
}

// resolve maps a channel handle to an input peer, caching the result.
func (c *Client) resolve(ctx context.Context, api *tg.Client, channel string) (tg.InputPeerClass, error) {
	handle := strings.TrimPrefix(strings.TrimSpace(channel), "@")

	c.mu.Lock()
	peer, ok := c.peers[handle]
	c.mu.Unlock()
	if ok {
		return peer, nil
	}

	resolved, err := api.ContactsResolveUsername(ctx, handle)
	if err != nil {
		return nil, err
	}
	peer, err = inputPeerOf(resolved)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.peers[handle] = peer
	c.mu.Unlock()
	return peer, nil
}

func (c *Client) forget(channel string) {
	handle := strings.TrimPrefix(strings.TrimSpace(channel), "@")
	c.mu.Lock()
	delete(c.peers, handle)
	c.mu.Unlock()
}

// classify maps MTProto errors onto the source error taxonomy.
func (c *Client) classify(channel string, err error) error {
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &source.RateLimitedError{RetryAfter: d}
	}
	if auth.IsUnauthorized(err) {
		return source.Authentication(err)
	}
	if tgerr.Is(err,
		"USERNAME_NOT_OCCUPIED",
		"USERNAME_INVALID",
		"CHANNEL_PRIVATE",
		"CHANNEL_INVALID",
		"CHAT_FORBIDDEN",
		"CHANNEL_PUBLIC_GROUP_NA",
	) {
		c.forget(channel)
	}
	return source.Unreachable(channel, err)
}

func inputPeerOf(resolved *tg.ContactsResolvedPeer) (tg.InputPeerClass, error) {
	switch p := resolved.Peer.(type) {
	case *tg.PeerChannel:
		for _, chat := range resolved.Chats {
			if ch, ok := chat.(*tg.Channel); ok && ch.ID == p.ChannelID {
				return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, nil
			}
		}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: p.ChatID}, nil
	case *tg.PeerUser:
		for _, u := range resolved.Users {
			if user, ok := u.(*tg.User); ok && user.ID == p.UserID {
				return &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}, nil
			}
		}
	}
	return nil, fmt.Errorf("resolved peer %T has no accessible entity", resolved.Peer)
}

func messagesOf(res tg.MessagesMessagesClass) []tg.MessageClass {
	switch r := res.(type) {
	case *tg.MessagesMessages:
		return r.Messages
	case *tg.MessagesMessagesSlice:
		return r.Messages
	case *tg.MessagesChannelMessages:
		return r.Messages
	default:
		return nil
	}
}

// pageOf normalizes raw history, drops service messages and empty posts,
// and returns at most max messages above the watermark in ascending order.
func pageOf(raw []tg.MessageClass, watermark int64, max int) []model.RawMessage {
	var out []model.RawMessage
	for _, m := range raw {
		msg, ok := m.(*tg.Message)
		if !ok || int64(msg.ID) <= watermark {
			continue
		}
		n := normalize(msg)
		if n.Text == "" && !n.HasMedia() {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if max > 0 && len(out) > max {
		if watermark == 0 {
			out = out[len(out)-max:]
		} else {
			out = out[:max]
		}
	}
	return out
}

func closed(ch chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
