package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuearb/internal/backtest"
	"github.com/alanyoungcy/venuearb/internal/config"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/ledger"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Venues = []config.VenueConfig{{Name: "a"}, {Name: "b"}}
	cfg.Risk.TradeSize = decimal.NewFromInt(1)
	cfg.Risk.MinProfit = decimal.Zero
	cfg.Metrics.Addr = ""
	return &cfg
}

func lvl(p, s string) domain.PriceLevel {
	return domain.PriceLevel{Price: decimal.RequireFromString(p), Size: decimal.RequireFromString(s)}
}

// scriptedStream delivers its snapshots once, closes sent, and then idles
// until cancelled.
type scriptedStream struct {
	venue string
	snaps func() []domain.QuoteSnapshot
	sent  chan struct{}
}

func (s *scriptedStream) Venue() string { return s.venue }

func (s *scriptedStream) Stream(ctx context.Context, out chan<- domain.QuoteSnapshot) error {
	for _, snap := range s.snaps() {
		select {
		case out <- snap:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	close(s.sent)
	<-ctx.Done()
	return ctx.Err()
}

// crossedStreams has venue a asking 100 and venue b bidding 102.
func crossedStreams() (*scriptedStream, *scriptedStream) {
	a := &scriptedStream{venue: "a", sent: make(chan struct{}), snaps: func() []domain.QuoteSnapshot {
		return []domain.QuoteSnapshot{domain.NewQuoteSnapshot("a", "BTC/USD",
			[]domain.PriceLevel{lvl("99", "5")}, []domain.PriceLevel{lvl("100", "5")}, time.Now())}
	}}
	b := &scriptedStream{venue: "b", sent: make(chan struct{}), snaps: func() []domain.QuoteSnapshot {
		return []domain.QuoteSnapshot{domain.NewQuoteSnapshot("b", "BTC/USD",
			[]domain.PriceLevel{lvl("102", "5")}, []domain.PriceLevel{lvl("103", "5")}, time.Now())}
	}}
	return a, b
}

func TestPaperModeTradesCrossedBook(t *testing.T) {
	cfg := testConfig()
	sa, sb := crossedStreams()
	a := New(cfg, quietLogger(), WithQuoteStreams(sa, sb))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deps, cleanup, err := Wire(ctx, cfg, a.logger)
	require.NoError(t, err)
	defer cleanup()
	mem, ok := deps.Ledger.(*ledger.Memory)
	require.True(t, ok, "ledger falls back to memory without postgres")

	done := make(chan error, 1)
	go func() { done <- a.PaperMode(ctx, deps) }()

	require.Eventually(t, func() bool { return mem.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	res := mem.All()[0]
	assert.Equal(t, domain.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "a", res.Opportunity.BuyVenue)
	assert.Equal(t, "2", res.RealizedPnL.String())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("paper mode did not stop")
	}
}

func TestLiveModeRequiresAdapters(t *testing.T) {
	cfg := testConfig()
	a := New(cfg, quietLogger(), WithVenueAdapters(map[string]domain.VenueAdapter{}))
	deps, cleanup, err := Wire(context.Background(), cfg, a.logger)
	require.NoError(t, err)
	defer cleanup()

	err = a.LiveMode(context.Background(), deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no venue adapter registered for "a"`)
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "scrape"
	a := New(cfg, quietLogger())
	defer a.Close()
	assert.ErrorContains(t, a.Run(context.Background()), "unsupported mode")
}

func TestBacktestModeWritesReport(t *testing.T) {
	dir := t.TempDir()
	header := "timestamp,pair,bid,bid_size,ask,ask_size\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"),
		[]byte(header+"2025-01-01T00:00:00Z,BTC/USD,99,5,100,5\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"),
		[]byte(header+"2025-01-01T00:00:00Z,BTC/USD,102,5,103,5\n"), 0o644))

	cfg := testConfig()
	cfg.Mode = config.ModeBacktest
	cfg.Backtest.DataDir = dir
	cfg.Backtest.InitialBalance = decimal.Zero
	cfg.Backtest.ReportPath = filepath.Join(dir, "report.json")
	cfg.Backtest.TradeLogPath = filepath.Join(dir, "trades.csv")

	a := New(cfg, quietLogger())
	defer a.Close()
	require.NoError(t, a.Run(context.Background()))

	raw, err := os.ReadFile(cfg.Backtest.ReportPath)
	require.NoError(t, err)
	var report backtest.Report
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Equal(t, 2, report.Snapshots)
	assert.Equal(t, 1, report.Trades)
	assert.Equal(t, 1, report.Wins)
	assert.Equal(t, "2", report.TotalProfit.String())

	log, err := os.ReadFile(cfg.Backtest.TradeLogPath)
	require.NoError(t, err)
	assert.Contains(t, string(log), "success")
}

func TestRecordModeWritesReplayableCSV(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = config.ModeRecord
	cfg.Record.Dir = t.TempDir()
	sa, sb := crossedStreams()
	a := New(cfg, quietLogger(), WithQuoteStreams(sa, sb))
	deps, cleanup, err := Wire(context.Background(), cfg, a.logger)
	require.NoError(t, err)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RecordMode(ctx, deps) }()
	<-sa.sent
	<-sb.sent
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("record mode did not stop")
	}

	sessions, err := os.ReadDir(cfg.Record.Dir)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	streams, err := backtest.OpenDir(filepath.Join(cfg.Record.Dir, sessions[0].Name()), backtest.SourceOptions{})
	require.NoError(t, err)
	defer func() { _ = backtest.CloseStreams(streams) }()
	require.Len(t, streams, 2)

	snap, err := streams[1].Next()
	require.NoError(t, err)
	assert.Equal(t, "b", snap.Venue)
	best, ok := snap.BestBid()
	require.True(t, ok)
	assert.True(t, best.Price.Equal(decimal.NewFromInt(102)))
}

func TestLimitersAndRetryPolicy(t *testing.T) {
	cfg := testConfig()
	lim := limiters(cfg)
	require.Len(t, lim, 2)
	assert.Equal(t, 5, lim["a"].Burst())

	cfg.Retry.RequestsPerSecond = 0
	assert.Nil(t, limiters(cfg))

	p := retryPolicy(cfg.Retry)
	assert.Equal(t, cfg.Retry.MaxAttempts, p.MaxAttempts)
	assert.Equal(t, time.Second, p.RateLimitDelay)
}
