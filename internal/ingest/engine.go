// Package ingest reconciles stored items with the upstream source.
//
// A sweep walks every channel in scope, fetches the messages above the
// channel's watermark (the highest stored external id) and stores them in
// ascending order, one row at a time, so that the watermark only ever moves
// over a gap-free prefix. Channels fail independently; only an
// authentication failure aborts the whole sweep.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bryan-buckman/telereader/internal/metrics"
	"github.com/bryan-buckman/telereader/internal/model"
	"github.com/bryan-buckman/telereader/internal/source"
)

// Defaults for Options.
const (
	DefaultPageSize        = 40
	DefaultMaxAttempts     = 3
	DefaultFetchTimeout    = 30 * time.Second
	DefaultDownloadTimeout = 60 * time.Second
	// MaxParallelism bounds concurrent channels on stores that handle
	// concurrent writers.
	MaxParallelism = 4
)

// Store is the persistence the engine needs.
type Store interface {
	SupportsHighConcurrency() bool
	ListChannels(ctx context.Context) ([]model.Channel, error)
	GetChannel(ctx context.Context, id int64) (*model.Channel, error)
	MaxExternalID(ctx context.Context, channelID int64) (int64, error)
	ItemExists(ctx context.Context, channelID, externalID int64) (bool, error)
	InsertItem(ctx context.Context, item *model.Item) (bool, error)
	MarkChannelSynced(ctx context.Context, id int64, t time.Time) error
}

// Attachments stores downloaded media.
type Attachments interface {
	Save(channel string, externalID int64, ext string, r io.Reader) (string, error)
	Delete(ref string) error
}

// Options tunes a sweep.
type Options struct {
	PageSize        int
	MaxAttempts     int
	FetchTimeout    time.Duration
	DownloadTimeout time.Duration
	Parallelism     int
}

// Scope selects the channels a sweep covers. A nil ChannelID means all.
type Scope struct {
	ChannelID *int64
}

// All is the scope of a full sweep.
var All = Scope{}

// Channel scopes a sweep to one channel.
func Channel(id int64) Scope {
	return Scope{ChannelID: &id}
}

// Engine runs reconciliation sweeps.
type Engine struct {
	store   Store
	media   Attachments
	source  source.Source
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates an engine. Zero options take the package defaults.
func New(store Store, media Attachments, src source.Source, opts Options, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = DefaultDownloadTimeout
	}
	if opts.Parallelism <= 0 || opts.Parallelism > MaxParallelism {
		opts.Parallelism = MaxParallelism
	}
	// SQLite serializes writers; running channels side by side only adds
	// lock contention.
	if !store.SupportsHighConcurrency() {
		opts.Parallelism = 1
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   store,
		media:   media,
		source:  src,
		opts:    opts,
		metrics: m,
		logger:  logger,
	}
}

// Reconcile runs one sweep over scope. The report is returned even when the
// sweep is aborted; the error is then the cause (an authentication failure
// or the caller's context).
func (e *Engine) Reconcile(ctx context.Context, scope Scope) (*Report, error) {
	report := newReport(time.Now().UTC())
	log := e.logger.With(zap.String("sweep_id", report.ID))

	channels, err := e.channelsFor(ctx, scope)
	if err != nil {
		e.finish(report, "error")
		return report, err
	}
	log.Info("sweep started", zap.Int("channels", len(channels)), zap.Int("parallelism", e.opts.Parallelism))

	if err := e.source.Connect(ctx); err != nil {
		for _, ch := range channels {
			o := ChannelOutcome{ChannelID: ch.ID, Name: ch.Name}
			report.Channels = append(report.Channels, o.skip(err))
		}
		e.finish(report, "aborted")
		log.Error("sweep aborted: cannot connect to source", zap.Error(err))
		return report, fmt.Errorf("connect source: %w", err)
	}

	sweepCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	outcomes := make([]ChannelOutcome, len(channels))
	var g errgroup.Group
	g.SetLimit(e.opts.Parallelism)
	for i, ch := range channels {
		i, ch := i, ch
		g.Go(func() error {
			if sweepCtx.Err() != nil {
				o := ChannelOutcome{ChannelID: ch.ID, Name: ch.Name}
				outcomes[i] = o.skip(context.Cause(sweepCtx))
				return nil
			}
			outcomes[i] = e.syncChannel(sweepCtx, report.StartedAt, ch, log)
			if errors.Is(outcomes[i].Err, source.ErrAuthentication) {
				abort(outcomes[i].Err)
			}
			return nil
		})
	}
	_ = g.Wait()
	report.Channels = outcomes

	if cause := context.Cause(sweepCtx); errors.Is(cause, source.ErrAuthentication) {
		e.finish(report, "aborted")
		log.Error("sweep aborted: source rejected the session", zap.Error(cause))
		return report, cause
	}
	if err := ctx.Err(); err != nil {
		e.finish(report, "cancelled")
		return report, err
	}

	e.finish(report, "completed")
	log.Info("sweep finished",
		zap.Int("inserted", report.Inserted()),
		zap.String("summary", report.Summary()),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

func (e *Engine) channelsFor(ctx context.Context, scope Scope) ([]model.Channel, error) {
	if scope.ChannelID == nil {
		channels, err := e.store.ListChannels(ctx)
		if err != nil {
			return nil, fmt.Errorf("list channels: %w", err)
		}
		return channels, nil
	}
	ch, err := e.store.GetChannel(ctx, *scope.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("get channel %d: %w", *scope.ChannelID, err)
	}
	return []model.Channel{*ch}, nil
}

func (e *Engine) finish(r *Report, outcome string) {
	r.FinishedAt = time.Now().UTC()
	e.metrics.ObserveSweep(outcome, r.StartedAt, r.FinishedAt)
}

// syncChannel refreshes one channel. last_synced is written only after the
// whole page was stored.
func (e *Engine) syncChannel(ctx context.Context, syncedAt time.Time, ch model.Channel, log *zap.Logger) ChannelOutcome {
	out := ChannelOutcome{ChannelID: ch.ID, Name: ch.Name, Status: StatusOK}
	log = log.With(zap.String("channel", ch.Name), zap.Int64("channel_id", ch.ID))

	watermark, err := e.store.MaxExternalID(ctx, ch.ID)
	if err != nil {
		return e.failed(&out, "store", fmt.Errorf("read watermark: %w", err), log)
	}

	msgs, attempts, err := e.fetch(ctx, ch.Name, watermark, log)
	out.Attempts = attempts
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, source.ErrAuthentication) {
			return out.skip(context.Cause(ctx))
		}
		return e.failed(&out, reason(err), err, log)
	}

	for _, msg := range msgs {
		if err := e.storeMessage(ctx, ch, msg, &out, log); err != nil {
			return e.failed(&out, "store", err, log)
		}
	}

	if err := e.store.MarkChannelSynced(ctx, ch.ID, syncedAt); err != nil {
		return e.failed(&out, "store", fmt.Errorf("mark synced: %w", err), log)
	}
	if out.Inserted > 0 {
		log.Info("channel refreshed",
			zap.Int64("watermark", watermark),
			zap.Int("inserted", out.Inserted),
			zap.Int("duplicates", out.Duplicates),
		)
	}
	return out
}

func (e *Engine) failed(out *ChannelOutcome, why string, err error, log *zap.Logger) ChannelOutcome {
	e.metrics.ChannelFailures.WithLabelValues(why).Inc()
	log.Warn("channel refresh failed", zap.String("reason", why), zap.Int("attempts", out.Attempts), zap.Error(err))
	return out.fail(err)
}

// fetch calls FetchSince, sleeping exactly the requested back-off between
// rate-limited attempts.
func (e *Engine) fetch(ctx context.Context, channel string, watermark int64, log *zap.Logger) ([]model.RawMessage, int, error) {
	for attempt := 1; ; attempt++ {
		fctx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
		msgs, err := e.source.FetchSince(fctx, channel, watermark, e.opts.PageSize)
		timedOut := errors.Is(fctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()
		e.metrics.FetchAttempts.Inc()

		if err == nil {
			return msgs, attempt, nil
		}
		if timedOut {
			return nil, attempt, source.Unreachable(channel, fmt.Errorf("fetch timed out after %s", e.opts.FetchTimeout))
		}
		wait, limited := source.RetryAfter(err)
		if !limited || attempt >= e.opts.MaxAttempts {
			return nil, attempt, err
		}
		log.Debug("rate limited, backing off", zap.Duration("retry_after", wait), zap.Int("attempt", attempt))
		if err := sleep(ctx, wait); err != nil {
			return nil, attempt, err
		}
	}
}

// storeMessage stores one message. An attachment that cannot be fetched is
// logged and the message is stored without it; a failed insert is returned
// and leaves no file behind.
func (e *Engine) storeMessage(ctx context.Context, ch model.Channel, msg model.RawMessage, out *ChannelOutcome, log *zap.Logger) error {
	exists, err := e.store.ItemExists(ctx, ch.ID, msg.ID)
	if err != nil {
		return fmt.Errorf("check message %d: %w", msg.ID, err)
	}
	if exists {
		out.Duplicates++
		e.metrics.DuplicatesSkipped.Inc()
		return nil
	}

	item := &model.Item{
		ChannelID:  ch.ID,
		ExternalID: msg.ID,
		Body:       msg.Text,
		OriginAt:   msg.Date,
	}
	if msg.HasMedia() {
		ref, err := e.saveAttachment(ctx, ch.Name, msg)
		if err != nil {
			out.AttachmentFailures++
			e.metrics.AttachmentFailures.Inc()
			log.Warn("storing message without its attachment", zap.Int64("external_id", msg.ID), zap.Error(err))
		} else {
			item.AttachmentRef = ref
		}
	}

	inserted, err := e.store.InsertItem(ctx, item)
	if err != nil {
		if item.AttachmentRef != "" {
			if derr := e.media.Delete(item.AttachmentRef); derr != nil {
				log.Warn("failed to remove attachment of unstored message", zap.String("ref", item.AttachmentRef), zap.Error(derr))
			}
		}
		return fmt.Errorf("insert message %d: %w", msg.ID, err)
	}
	if !inserted {
		// Stored concurrently under the same key; the file path is the same.
		out.Duplicates++
		e.metrics.DuplicatesSkipped.Inc()
		return nil
	}
	out.Inserted++
	e.metrics.ItemsIngested.Inc()
	return nil
}

func (e *Engine) saveAttachment(ctx context.Context, channel string, msg model.RawMessage) (string, error) {
	dctx, cancel := context.WithTimeout(ctx, e.opts.DownloadTimeout)
	defer cancel()

	rc, err := e.source.DownloadMedia(dctx, msg)
	if err != nil {
		return "", err
	}
	if rc == nil {
		return "", fmt.Errorf("%w: message %d: empty download", source.ErrAttachmentDownload, msg.ID)
	}
	defer rc.Close()
	return e.media.Save(channel, msg.ID, msg.Media.Extension, rc)
}

func reason(err error) string {
	switch {
	case errors.Is(err, source.ErrAuthentication):
		return "authentication"
	case errors.Is(err, source.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, source.ErrChannelUnreachable):
		return "unreachable"
	default:
		return "other"
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
