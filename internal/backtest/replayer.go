package backtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuearb/internal/arbitrage"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/ledger"
	"github.com/alanyoungcy/venuearb/internal/pricing"
)

// ReplayConfig configures a Replayer. Detection parameters are the same
// ones the live detector uses.
type ReplayConfig struct {
	Model       pricing.Model
	Fees        domain.FeeTable
	TradeSize   decimal.Decimal
	MaxQuoteAge time.Duration

	FillMode       FillMode
	FillLatency    time.Duration
	InitialBalance decimal.Decimal

	// Ledger receives every simulated result. Defaults to an in-memory
	// ledger.
	Ledger domain.TradeLedger
	Logger *slog.Logger
}

// Replayer drives recorded snapshots through the live detector and a
// Simulator on a simulated clock. It is single-threaded.
type Replayer struct {
	cfg    ReplayConfig
	book   *arbitrage.QuoteBook
	det    *arbitrage.Detector
	sim    *Simulator
	ledger domain.TradeLedger
	logger *slog.Logger

	clock   time.Time
	results []domain.TradeResult
	venues  []string
	oppSeq  int
}

// NewReplayer wires the detector and simulator around a fresh book.
func NewReplayer(cfg ReplayConfig) *Replayer {
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.NewMemory()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Replayer{
		cfg:    cfg,
		book:   arbitrage.NewQuoteBook(),
		ledger: cfg.Ledger,
		logger: cfg.Logger.With(slog.String("component", "backtest")),
	}
	for v := range cfg.Fees {
		r.venues = append(r.venues, v)
	}
	sort.Strings(r.venues)

	r.det = arbitrage.NewDetector(arbitrage.DetectorConfig{
		Model:       cfg.Model,
		Fees:        cfg.Fees,
		TradeSize:   cfg.TradeSize,
		MaxQuoteAge: cfg.MaxQuoteAge,
		Book:        r.book,
		Now:         func() time.Time { return r.clock },
		NewID: func() string {
			r.oppSeq++
			return fmt.Sprintf("opp-%06d", r.oppSeq)
		},
		Logger: cfg.Logger,
	})
	r.sim = NewSimulator(SimConfig{
		Mode:           cfg.FillMode,
		Latency:        cfg.FillLatency,
		Fees:           cfg.Fees,
		Book:           r.book,
		InitialBalance: cfg.InitialBalance,
		Venues:         r.venues,
	})
	return r
}

// Run merges streams by timestamp and replays them to the end. A stream
// that goes backwards in time aborts the run with domain.ErrOutOfOrder.
func (r *Replayer) Run(ctx context.Context, streams []Stream) (Report, error) {
	merger := NewMerger(streams)
	var (
		start                 time.Time
		snapshots, detections int
		discarded             int
	)

	r.logger.Info("backtest started",
		slog.Int("streams", len(streams)),
		slog.String("fill_mode", string(r.sim.cfg.Mode)),
	)
	for {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		snap, err := merger.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Report{}, err
		}
		if snapshots == 0 {
			start = snap.Timestamp
		}
		snapshots++
		r.clock = snap.Timestamp

		// Settle fills due before this snapshot becomes visible.
		if err := r.record(ctx, r.sim.Advance(snap.Timestamp)); err != nil {
			return Report{}, err
		}

		opps, err := r.det.OnSnapshot(snap)
		if err != nil {
			return Report{}, fmt.Errorf("backtest: %w", err)
		}
		for _, opp := range opps {
			detections++
			res, err := r.sim.Submit(opp, r.clock)
			if errors.Is(err, domain.ErrInFlight) {
				discarded++
				continue
			}
			if err != nil {
				return Report{}, err
			}
			if res != nil {
				if err := r.record(ctx, []domain.TradeResult{*res}); err != nil {
					return Report{}, err
				}
			}
		}
	}
	if err := r.record(ctx, r.sim.Flush()); err != nil {
		return Report{}, err
	}

	capital := r.cfg.InitialBalance.Mul(decimal.NewFromInt(int64(len(r.venues))))
	rep := Summarize(r.results, capital)
	rep.Snapshots = snapshots
	rep.Detections = detections
	rep.Discarded = discarded
	rep.setSpan(start, r.clock)
	rep.FinalBalances = r.sim.Balances()

	r.logger.Info("backtest finished",
		slog.Int("snapshots", snapshots),
		slog.Int("trades", rep.Trades),
		slog.String("total_profit", rep.TotalProfit.String()),
		slog.String("max_drawdown", rep.MaxDrawdown.String()),
	)
	return rep, nil
}

func (r *Replayer) record(ctx context.Context, results []domain.TradeResult) error {
	for _, res := range results {
		if err := r.ledger.Append(ctx, res); err != nil {
			return fmt.Errorf("backtest: record %s: %w", res.ID, err)
		}
		r.results = append(r.results, res)
	}
	return nil
}

// Results returns every simulated result in ledger order.
func (r *Replayer) Results() []domain.TradeResult {
	return append([]domain.TradeResult(nil), r.results...)
}
