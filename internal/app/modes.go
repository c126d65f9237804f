package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/venuearb/internal/arbitrage"
	"github.com/alanyoungcy/venuearb/internal/backtest"
	"github.com/alanyoungcy/venuearb/internal/config"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/executor"
	"github.com/alanyoungcy/venuearb/internal/feed"
	"github.com/alanyoungcy/venuearb/internal/metrics"
	"github.com/alanyoungcy/venuearb/internal/notify"
	"github.com/alanyoungcy/venuearb/internal/pricing"
	"github.com/alanyoungcy/venuearb/internal/server"
	"github.com/alanyoungcy/venuearb/internal/server/handler"
	"github.com/alanyoungcy/venuearb/internal/service"
	"github.com/alanyoungcy/venuearb/internal/venue/paper"
)

// feedBuffer is the per-venue snapshot channel capacity between a feed
// runner and its detector consumer.
const feedBuffer = 256

// shutdownTimeout bounds the uploads and archive writes done after the
// mode's context is cancelled.
const shutdownTimeout = 30 * time.Second

// LiveMode trades through the adapters registered with WithVenueAdapters.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")
	for _, name := range a.cfg.VenueNames() {
		if _, ok := a.venues[name]; !ok {
			return fmt.Errorf("app: live mode: no venue adapter registered for %q", name)
		}
	}
	return a.runTrading(ctx, deps, arbitrage.NewQuoteBook(), a.venues)
}

// PaperMode trades against paper adapters that fill from the live quote
// book, so the full detection and execution path runs without real orders.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")
	book := arbitrage.NewQuoteBook()
	venues := make(map[string]domain.VenueAdapter, len(a.cfg.Venues))
	for _, name := range a.cfg.VenueNames() {
		venues[name] = paper.New(name, book)
	}
	return a.runTrading(ctx, deps, book, venues)
}

// runTrading starts one feed runner and detector consumer per venue, the
// executor and the metrics server, and archives the ledger on the way out.
func (a *App) runTrading(ctx context.Context, deps *Dependencies, book *arbitrage.QuoteBook, venues map[string]domain.VenueAdapter) error {
	g, ctx := errgroup.WithContext(ctx)

	model := pricing.Model{
		Slippage:         a.cfg.Risk.SlippageAllowance,
		MinProfit:        a.cfg.Risk.MinProfit,
		MinProfitPercent: a.cfg.Risk.MinProfitPercent,
	}
	fees := a.cfg.FeeTable()
	maxAge := a.cfg.Risk.MaxQuoteAge.Duration

	det := arbitrage.NewDetector(arbitrage.DetectorConfig{
		Model:       model,
		Fees:        fees,
		TradeSize:   a.cfg.Risk.TradeSize,
		MaxQuoteAge: maxAge,
		Book:        book,
		NewID:       uuid.NewString,
		Metrics:     deps.Metrics,
		Logger:      a.logger,
	})
	queue := arbitrage.NewQueue(a.cfg.Execution.QueueSize, deps.Metrics)
	outcomes := service.NewOutcomeService(deps.Ledger, deps.SignalBus, deps.Notifier, deps.Metrics, a.logger)

	coord := executor.NewCoordinator(executor.CoordinatorConfig{
		Venues:        venues,
		Quotes:        book,
		Model:         model,
		Fees:          fees,
		MaxQuoteAge:   maxAge,
		Deadline:      a.cfg.Execution.Deadline.Duration,
		PollInterval:  a.cfg.Execution.PollInterval.Duration,
		SettleTimeout: a.cfg.Execution.SettleTimeout.Duration,
		Retry:         retryPolicy(a.cfg.Retry),
		Limiters:      limiters(a.cfg),
		Unwind: executor.UnwindConfig{
			Order:    executor.UnwindOrder(a.cfg.Execution.UnwindOrder),
			Slippage: a.cfg.Execution.UnwindSlippage,
			Timeout:  a.cfg.Execution.UnwindTimeout.Duration,
		},
		InFlight: executor.NewInFlight(deps.LockManager, a.cfg.Execution.LockTTL.Duration),
		Recorder: outcomes,
		Metrics:  deps.Metrics,
		Logger:   a.logger,
	})

	exec := executor.NewExecutor(queue.C(), coord, a.cfg.Risk.MaxOpenTrades, maxAge, deps.Metrics, a.logger)
	exec.OnHalt(func(tradeID string, err error) {
		a.alertAll(ctx, deps.Notifier, "CRITICAL execution halted",
			fmt.Sprintf("unwind failed on trade %s: %v; new trades blocked until POST /resume", tradeID, err))
	})

	a.serveHTTP(ctx, g, deps.Metrics, handler.NewControlHandler(a.cfg.Mode, exec, book, queue, outcomes, a.logger))

	for _, v := range a.cfg.Venues {
		ch := make(chan domain.QuoteSnapshot, feedBuffer)
		runner := feed.NewRunner(a.quoteStream(v), book, deps.Metrics, feed.RunnerConfig{
			OnDown: a.feedDown(ctx, deps.Notifier),
		}, a.logger)
		venue := v.Name
		g.Go(func() error {
			return runner.Run(ctx, ch)
		})
		g.Go(func() error {
			return det.Consume(ctx, venue, ch, queue)
		})
	}

	g.Go(func() error {
		return exec.Run(ctx)
	})

	err := g.Wait()
	a.archiveLedger(deps)
	return err
}

// BacktestMode replays recorded snapshots from a local directory or an S3
// prefix and writes the report and trade log.
func (a *App) BacktestMode(ctx context.Context, deps *Dependencies) error {
	bt := a.cfg.Backtest
	a.logger.InfoContext(ctx, "starting backtest mode",
		slog.String("data_dir", bt.DataDir),
		slog.String("s3_prefix", bt.S3Prefix),
		slog.String("fill_mode", bt.FillMode),
	)

	opts := backtest.SourceOptions{DefaultLevelSize: bt.DefaultLevelSize}
	if len(a.cfg.Pairs) > 0 {
		opts.Pair = a.cfg.Pairs[0]
	}
	var (
		streams []*backtest.CSVStream
		err     error
	)
	if bt.S3Prefix != "" {
		if deps.BlobReader == nil {
			return errors.New("app: backtest: s3_prefix set but s3 is disabled")
		}
		streams, err = backtest.OpenBlob(ctx, deps.BlobReader, bt.S3Prefix, opts)
	} else {
		streams, err = backtest.OpenDir(bt.DataDir, opts)
	}
	if err != nil {
		return fmt.Errorf("app: backtest: %w", err)
	}
	defer func() {
		if err := backtest.CloseStreams(streams); err != nil {
			a.logger.Warn("close recordings failed", slog.String("error", err.Error()))
		}
	}()

	replayer := backtest.NewReplayer(backtest.ReplayConfig{
		Model: pricing.Model{
			Slippage:         a.cfg.Risk.SlippageAllowance,
			MinProfit:        a.cfg.Risk.MinProfit,
			MinProfitPercent: a.cfg.Risk.MinProfitPercent,
		},
		Fees:           a.cfg.FeeTable(),
		TradeSize:      a.cfg.Risk.TradeSize,
		MaxQuoteAge:    a.cfg.Risk.MaxQuoteAge.Duration,
		FillMode:       backtest.FillMode(bt.FillMode),
		FillLatency:    bt.FillLatency.Duration,
		InitialBalance: bt.InitialBalance,
		Ledger:         deps.Ledger,
		Logger:         a.logger,
	})
	report, err := replayer.Run(ctx, backtest.AsStreams(streams))
	if err != nil {
		return fmt.Errorf("app: backtest: %w", err)
	}

	a.logger.InfoContext(ctx, "backtest finished",
		slog.Int("snapshots", report.Snapshots),
		slog.Int("detections", report.Detections),
		slog.Int("trades", report.Trades),
		slog.Int("wins", report.Wins),
		slog.Int("losses", report.Losses),
		slog.String("total_profit", report.TotalProfit.String()),
		slog.String("total_return", report.TotalReturn.String()),
		slog.String("max_drawdown", report.MaxDrawdown.String()),
	)

	var reportJSON bytes.Buffer
	if err := report.WriteJSON(&reportJSON); err != nil {
		return err
	}
	if bt.ReportPath != "" {
		if err := os.WriteFile(bt.ReportPath, reportJSON.Bytes(), 0o644); err != nil {
			return fmt.Errorf("app: backtest: write report: %w", err)
		}
	}
	results := replayer.Results()
	if bt.TradeLogPath != "" {
		if err := writeTradeLog(bt.TradeLogPath, results); err != nil {
			return err
		}
	}

	if bt.UploadReport && deps.BlobWriter != nil {
		prefix := path.Join("reports", time.Now().UTC().Format("20060102T150405Z"))
		if err := deps.BlobWriter.Put(ctx, path.Join(prefix, "report.json"), &reportJSON, "application/json"); err != nil {
			return fmt.Errorf("app: backtest: upload report: %w", err)
		}
		if err := backtest.UploadTradeLog(ctx, deps.BlobWriter, path.Join(prefix, "trades.csv"), results); err != nil {
			return fmt.Errorf("app: backtest: %w", err)
		}
		a.logger.InfoContext(ctx, "backtest report uploaded", slog.String("prefix", prefix))
	}
	return nil
}

func writeTradeLog(file string, results []domain.TradeResult) error {
	f, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("app: backtest: create trade log: %w", err)
	}
	if err := backtest.WriteTradeLog(f, results); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// RecordMode appends every live snapshot to a per-venue CSV file in the
// backtest input format. Each run writes into its own session directory,
// uploaded to S3 on shutdown when record.upload is set.
func (a *App) RecordMode(ctx context.Context, deps *Dependencies) error {
	session := time.Now().UTC().Format("20060102T150405Z")
	dir := filepath.Join(a.cfg.Record.Dir, session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("app: record: %w", err)
	}
	a.logger.InfoContext(ctx, "starting record mode", slog.String("dir", dir))

	g, gctx := errgroup.WithContext(ctx)
	a.serveHTTP(gctx, g, deps.Metrics, nil)

	var files []*os.File
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()
	for _, v := range a.cfg.Venues {
		f, err := os.Create(filepath.Join(dir, v.Name+".csv"))
		if err != nil {
			return fmt.Errorf("app: record: %w", err)
		}
		files = append(files, f)
		w, err := backtest.NewCSVWriter(f, a.cfg.Record.Depth)
		if err != nil {
			return err
		}

		ch := make(chan domain.QuoteSnapshot, feedBuffer)
		runner := feed.NewRunner(a.quoteStream(v), nil, deps.Metrics, feed.RunnerConfig{
			OnDown: a.feedDown(gctx, deps.Notifier),
		}, a.logger)
		venue := v.Name
		g.Go(func() error {
			return runner.Run(gctx, ch)
		})
		g.Go(func() error {
			return a.recordFeed(gctx, venue, ch, w)
		})
	}

	err := g.Wait()

	if a.cfg.Record.Upload && deps.Archiver != nil {
		upCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		keys, upErr := deps.Archiver.UploadRecordings(upCtx, dir, path.Join(a.cfg.Record.S3Prefix, session))
		if upErr != nil {
			a.logger.Error("upload recordings failed", slog.String("error", upErr.Error()))
		} else {
			a.logger.Info("recordings uploaded", slog.Int("files", len(keys)))
		}
	}
	return err
}

// recordFeed writes snapshots from in to w, flushing periodically and on
// exit.
func (a *App) recordFeed(ctx context.Context, venue string, in <-chan domain.QuoteSnapshot, w *backtest.CSVWriter) error {
	log := a.logger.With(slog.String("venue", venue))
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	defer func() {
		if err := w.Flush(); err != nil {
			log.Error("flush recording failed", slog.String("error", err.Error()))
		}
		log.Info("recording closed", slog.Int("rows", w.Rows()))
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				return fmt.Errorf("app: record %s: %w", venue, err)
			}
		case snap, ok := <-in:
			if !ok {
				return nil
			}
			if err := w.Write(snap); err != nil {
				return err
			}
		}
	}
}

// quoteStream returns the stream registered for v, or a websocket stream
// on v.FeedURL.
func (a *App) quoteStream(v config.VenueConfig) domain.QuoteStream {
	if s, ok := a.streams[v.Name]; ok {
		return s
	}
	return feed.NewWSStream(feed.WSConfig{
		Venue: v.Name,
		URL:   v.FeedURL,
		Pairs: a.cfg.Pairs,
	}, a.logger)
}

func (a *App) feedDown(ctx context.Context, n *notify.Notifier) func(string, error) {
	return func(venue string, err error) {
		if nerr := n.Notify(ctx, notify.EventFeedDown, "Feed down: "+venue, err.Error()); nerr != nil {
			a.logger.Warn("feed alert failed", slog.String("venue", venue), slog.String("error", nerr.Error()))
		}
	}
}

func (a *App) alertAll(ctx context.Context, n *notify.Notifier, title, msg string) {
	if err := n.NotifyAll(context.WithoutCancel(ctx), title, msg); err != nil {
		a.logger.Warn("alert failed", slog.String("title", title), slog.String("error", err.Error()))
	}
}

// archiveLedger copies the newest ledger entries to S3 after the trading
// loop has stopped.
func (a *App) archiveLedger(deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	key, n, err := deps.Archiver.ArchiveLedger(ctx, deps.Ledger, a.cfg.S3.ArchiveLimit, time.Now())
	if err != nil {
		a.logger.Error("ledger archive failed", slog.String("error", err.Error()))
		return
	}
	a.logger.Info("ledger archived", slog.String("key", key), slog.Int("entries", n))
}

func retryPolicy(c config.RetryConfig) executor.RetryPolicy {
	return executor.RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		BaseDelay:      c.BaseDelay.Duration,
		MaxDelay:       c.MaxDelay.Duration,
		Multiplier:     c.Multiplier,
		Jitter:         c.Jitter,
		RateLimitDelay: c.RateLimitDelay.Duration,
	}
}

// limiters builds one request limiter per venue. Zero requests_per_second
// disables pacing.
func limiters(cfg *config.Config) map[string]*rate.Limiter {
	if cfg.Retry.RequestsPerSecond <= 0 {
		return nil
	}
	out := make(map[string]*rate.Limiter, len(cfg.Venues))
	for _, name := range cfg.VenueNames() {
		out[name] = rate.NewLimiter(rate.Limit(cfg.Retry.RequestsPerSecond), cfg.Retry.Burst)
	}
	return out
}

// serveHTTP runs the control server on metrics.addr until ctx is done. An
// empty addr disables it.
func (a *App) serveHTTP(ctx context.Context, g *errgroup.Group, m *metrics.Collector, control *handler.ControlHandler) {
	if a.cfg.Metrics.Addr == "" {
		return
	}
	srv := server.NewServer(server.Config{
		Addr:   a.cfg.Metrics.Addr,
		APIKey: a.cfg.Metrics.APIKey,
	}, m.Handler(), control, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
