// Package app provides the top-level application lifecycle management for the
// arbitrage bot. It wires together the ledger, caches, blob storage,
// notifications and metrics, and starts the goroutines of the configured
// operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/venuearb/internal/config"
	"github.com/alanyoungcy/venuearb/internal/domain"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	venues  map[string]domain.VenueAdapter
	streams map[string]domain.QuoteStream
	closers []func()
}

// Option customizes an App.
type Option func(*App)

// WithVenueAdapters registers the order-entry adapters live mode trades
// through, keyed by venue name.
func WithVenueAdapters(adapters map[string]domain.VenueAdapter) Option {
	return func(a *App) {
		for name, v := range adapters {
			a.venues[name] = v
		}
	}
}

// WithQuoteStreams replaces the websocket feed of the named venues.
func WithQuoteStreams(streams ...domain.QuoteStream) Option {
	return func(a *App) {
		for _, s := range streams {
			a.streams[s.Venue()] = s
		}
	}
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *App {
	a := &App{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "app")),
		venues:  make(map[string]domain.VenueAdapter),
		streams: make(map[string]domain.QuoteStream),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled or the mode completes. On return it runs all
// registered cleanup functions.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
		slog.Any("venues", a.cfg.VenueNames()),
		slog.Any("pairs", a.cfg.Pairs),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case config.ModeLive:
		return a.LiveMode(ctx, deps)
	case config.ModePaper:
		return a.PaperMode(ctx, deps)
	case config.ModeBacktest:
		return a.BacktestMode(ctx, deps)
	case config.ModeRecord:
		return a.RecordMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
