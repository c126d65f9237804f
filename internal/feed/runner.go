package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/metrics"
)

// Suspender hides a venue's quotes while its feed is down.
type Suspender interface {
	Suspend(venue string)
	Resume(venue string)
}

// RunnerConfig holds the reconnect backoff.
type RunnerConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// OnDown is called once per disconnect, after the venue is suspended.
	OnDown func(venue string, err error)
}

// Runner keeps one QuoteStream connected. While the stream is down the
// venue is suspended in the book, so detection continues on the remaining
// venues with reduced coverage.
type Runner struct {
	stream  domain.QuoteStream
	book    Suspender
	metrics *metrics.Collector
	cfg     RunnerConfig
	logger  *slog.Logger
}

// NewRunner creates a runner. book and m may be nil.
func NewRunner(stream domain.QuoteStream, book Suspender, m *metrics.Collector, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		stream:  stream,
		book:    book,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "feed_runner"), slog.String("venue", stream.Venue())),
	}
}

// Run streams into out until ctx ends, reconnecting with exponential
// backoff. The delay resets once a connection has delivered data.
func (r *Runner) Run(ctx context.Context, out chan<- domain.QuoteSnapshot) error {
	venue := r.stream.Venue()
	delay := r.cfg.BaseDelay
	for {
		received, err := r.connect(ctx, out)
		if ctx.Err() != nil {
			r.metrics.SetVenueActive(venue, false)
			return ctx.Err()
		}
		if err == nil {
			err = domain.ErrWSDisconnect
		}

		if r.book != nil {
			r.book.Suspend(venue)
		}
		r.metrics.SetVenueActive(venue, false)
		r.metrics.RecordReconnect(venue)
		if r.cfg.OnDown != nil {
			r.cfg.OnDown(venue, err)
		}
		if received {
			delay = r.cfg.BaseDelay
		}
		r.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, r.cfg.MaxDelay)
	}
}

// connect runs one connection, relaying snapshots to out and resuming the
// venue after the first one.
func (r *Runner) connect(ctx context.Context, out chan<- domain.QuoteSnapshot) (bool, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	relay := make(chan domain.QuoteSnapshot)
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.stream.Stream(connCtx, relay)
	}()

	received := false
	for {
		select {
		case err := <-errCh:
			if errors.Is(err, context.Canceled) && ctx.Err() == nil {
				err = domain.ErrWSDisconnect
			}
			return received, err
		case snap := <-relay:
			select {
			case out <- snap:
			case <-ctx.Done():
				cancel()
				return received, <-errCh
			}
			// Resume only once the new connection's first snapshot is queued
			// behind anything left over from the previous one.
			if !received {
				received = true
				if r.book != nil {
					r.book.Resume(r.stream.Venue())
				}
				r.metrics.SetVenueActive(r.stream.Venue(), true)
				r.logger.Info("feed live")
			}
		}
	}
}
