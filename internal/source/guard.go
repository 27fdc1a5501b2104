package source

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bryan-buckman/telereader/internal/model"
)

// GuardOptions configures a Guard.
type GuardOptions struct {
	// MaxInFlight is the number of calls allowed against the connection at
	// once. Defaults to 1.
	MaxInFlight int
	// RequestsPerSecond is the connection's request budget. Zero disables
	// the rate limit.
	RequestsPerSecond float64
	// Burst is the limiter's bucket size. Defaults to 1.
	Burst int
}

// Guard wraps the one shared upstream connection. Every call takes a permit
// first, then waits for the request budget, then for any connection-wide
// hold set by a previous rate-limit response. A permit taken for
// DownloadMedia is held until the returned reader is closed.
type Guard struct {
	next    Source
	permits chan struct{}
	limiter *rate.Limiter
	logger  *zap.Logger

	mu        sync.Mutex
	holdUntil time.Time
}

// Ensure Guard implements Source interface.
var _ Source = (*Guard)(nil)

// NewGuard wraps next.
func NewGuard(next Source, opts GuardOptions, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	g := &Guard{
		next:    next,
		permits: make(chan struct{}, opts.MaxInFlight),
		logger:  logger,
	}
	if opts.RequestsPerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst)
	}
	return g
}

// acquire gets a permit, blocking if necessary, and enforces the request
// budget and any active hold.
func (g *Guard) acquire(ctx context.Context) error {
	select {
	case g.permits <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	g.mu.Lock()
	wait := time.Until(g.holdUntil)
	g.mu.Unlock()
	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			g.release()
			return ctx.Err()
		}
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			g.release()
			return err
		}
	}
	return nil
}

func (g *Guard) release() {
	<-g.permits
}

// observe extends the hold when the upstream asked us to back off.
func (g *Guard) observe(err error) {
	d, ok := RetryAfter(err)
	if !ok || d <= 0 {
		return
	}
	until := time.Now().Add(d)
	g.mu.Lock()
	if until.After(g.holdUntil) {
		g.holdUntil = until
	}
	g.mu.Unlock()
	g.logger.Warn("upstream requested back-off", zap.Duration("retry_after", d))
}

// Connect establishes or resumes the shared session.
func (g *Guard) Connect(ctx context.Context) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()
	err := g.next.Connect(ctx)
	g.observe(err)
	return err
}

// FetchSince fetches a page of channel messages through the guard.
func (g *Guard) FetchSince(ctx context.Context, channel string, watermark int64, max int) ([]model.RawMessage, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.release()
	msgs, err := g.next.FetchSince(ctx, channel, watermark, max)
	g.observe(err)
	return msgs, err
}

// DownloadMedia opens a message's attachment through the guard.
func (g *Guard) DownloadMedia(ctx context.Context, msg model.RawMessage) (io.ReadCloser, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	rc, err := g.next.DownloadMedia(ctx, msg)
	g.observe(err)
	if err != nil || rc == nil {
		g.release()
		return rc, err
	}
	return &releasingReader{ReadCloser: rc, release: g.release}, nil
}

// Close closes the underlying source.
func (g *Guard) Close() error {
	return g.next.Close()
}

type releasingReader struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (r *releasingReader) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(r.release)
	return err
}
