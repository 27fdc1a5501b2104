// Package source defines the upstream message source the ingestion engine
// pulls from, its error taxonomy, and the guard that serializes access to
// the one shared upstream connection.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bryan-buckman/telereader/internal/model"
)

// Source is a connection to an upstream message source.
//
// FetchSince returns at most max messages of channel with an id strictly
// greater than watermark, oldest first. A zero watermark means the channel
// has never been ingested. DownloadMedia returns a nil reader when the
// message carries no attachment.
type Source interface {
	Connect(ctx context.Context) error
	FetchSince(ctx context.Context, channel string, watermark int64, max int) ([]model.RawMessage, error)
	DownloadMedia(ctx context.Context, msg model.RawMessage) (io.ReadCloser, error)
	Close() error
}

var (
	// ErrAuthentication means the session is missing, invalid or expired.
	// It is fatal to a whole sweep and needs an external re-bootstrap.
	ErrAuthentication = errors.New("source: authentication failed")
	// ErrChannelUnreachable means a single channel cannot be read right now
	// (renamed, deleted, access revoked or timed out).
	ErrChannelUnreachable = errors.New("source: channel unreachable")
	// ErrRateLimited means the connection's request budget is exhausted.
	ErrRateLimited = errors.New("source: rate limited")
	// ErrAttachmentDownload means a message's media could not be fetched.
	ErrAttachmentDownload = errors.New("source: attachment download failed")
)

// RateLimitedError carries the upstream's back-off instruction.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// ChannelError reports why a channel is unreachable.
type ChannelError struct {
	Channel string
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("channel %q unreachable", e.Channel)
	}
	return fmt.Sprintf("channel %q unreachable: %v", e.Channel, e.Err)
}

func (e *ChannelError) Is(target error) bool {
	return target == ErrChannelUnreachable
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Unreachable wraps err as a ChannelError for channel.
func Unreachable(channel string, err error) error {
	return &ChannelError{Channel: channel, Err: err}
}

// Authentication wraps err so that errors.Is(err, ErrAuthentication) holds.
func Authentication(err error) error {
	if err == nil {
		return ErrAuthentication
	}
	return fmt.Errorf("%w: %v", ErrAuthentication, err)
}

// RetryAfter extracts the back-off duration from a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
