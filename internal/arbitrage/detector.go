// Package arbitrage detects cross-venue opportunities. Detection is driven
// by snapshot arrivals: each new snapshot re-evaluates every combination
// that involves its venue, in both directions, through the pricing model.
package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/metrics"
	"github.com/alanyoungcy/venuearb/internal/pricing"
)

// DetectorConfig configures the detector.
type DetectorConfig struct {
	Model     pricing.Model
	Fees      domain.FeeTable
	TradeSize decimal.Decimal
	// MaxQuoteAge discards opportunities built on older quotes.
	MaxQuoteAge time.Duration

	Book    *QuoteBook
	Now     func() time.Time
	NewID   func() string
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Detector evaluates the pricing model on every snapshot update.
type Detector struct {
	model   pricing.Model
	fees    domain.FeeTable
	size    decimal.Decimal
	maxAge  time.Duration
	book    *QuoteBook
	now     func() time.Time
	newID   func() string
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewDetector creates a detector. A nil Book gets a fresh one; nil Now and
// NewID default to the wall clock and random UUIDs.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.Book == nil {
		cfg.Book = NewQuoteBook()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.New().String() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Detector{
		model:   cfg.Model,
		fees:    cfg.Fees,
		size:    cfg.TradeSize,
		maxAge:  cfg.MaxQuoteAge,
		book:    cfg.Book,
		now:     cfg.Now,
		newID:   cfg.NewID,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With(slog.String("component", "arb_detector")),
	}
}

// Book returns the quote book the detector maintains.
func (d *Detector) Book() *QuoteBook {
	return d.book
}

// OnSnapshot stores snap and evaluates both directions against every other
// live venue quoting the same pair. At most one opportunity is returned per
// (buy venue, sell venue, pair).
func (d *Detector) OnSnapshot(snap domain.QuoteSnapshot) ([]domain.Opportunity, error) {
	if err := d.book.Update(snap); err != nil {
		d.metrics.RecordOutOfOrder(snap.Venue)
		return nil, err
	}
	d.metrics.RecordSnapshot(snap.Venue)

	now := d.now()
	var opps []domain.Opportunity
	for _, venue := range d.book.Venues(snap.Pair) {
		if venue == snap.Venue {
			continue
		}
		other, ok := d.book.Latest(venue, snap.Pair)
		if !ok {
			continue
		}
		if opp, ok := d.evaluate(snap, other, now); ok {
			opps = append(opps, opp)
		}
		if opp, ok := d.evaluate(other, snap, now); ok {
			opps = append(opps, opp)
		}
	}
	return opps, nil
}

func (d *Detector) evaluate(buy, sell domain.QuoteSnapshot, now time.Time) (domain.Opportunity, bool) {
	buyFees, ok := d.fees.Lookup(buy.Venue)
	if !ok {
		return domain.Opportunity{}, false
	}
	sellFees, ok := d.fees.Lookup(sell.Venue)
	if !ok {
		return domain.Opportunity{}, false
	}
	est, ok := d.model.Evaluate(buy, sell, d.size, buyFees, sellFees)
	if !ok {
		return domain.Opportunity{}, false
	}

	opp := domain.Opportunity{
		BuyVenue:    buy.Venue,
		SellVenue:   sell.Venue,
		Pair:        buy.Pair,
		BuyPrice:    est.BuyVWAP,
		SellPrice:   est.SellVWAP,
		BuyLimit:    est.BuyWorst,
		SellLimit:   est.SellWorst,
		Size:        est.Size,
		GrossSpread: est.GrossSpread,
		NetProfit:   est.NetProfit,
		DetectedAt:  now,
		BuyQuoteAt:  buy.Timestamp,
		SellQuoteAt: sell.Timestamp,
	}
	if !opp.Fresh(now, d.maxAge) {
		d.metrics.RecordDiscard("stale_at_detection")
		return domain.Opportunity{}, false
	}
	opp.ID = d.newID()
	d.metrics.RecordDetection(opp.Key().String())
	return opp, true
}

// Consume runs one feed consumer: every snapshot from in is evaluated and
// the resulting opportunities are offered to q. It returns when ctx is done
// or in is closed.
func (d *Detector) Consume(ctx context.Context, venue string, in <-chan domain.QuoteSnapshot, q *Queue) error {
	log := d.logger.With(slog.String("venue", venue))
	log.Info("detector consumer started")
	defer log.Info("detector consumer stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-in:
			if !ok {
				return nil
			}
			opps, err := d.OnSnapshot(snap)
			if err != nil {
				if errors.Is(err, domain.ErrOutOfOrder) {
					log.Warn("snapshot rejected", slog.String("error", err.Error()))
					continue
				}
				return fmt.Errorf("arb detector: %s: %w", venue, err)
			}
			for _, opp := range opps {
				if !q.Offer(opp) {
					log.Debug("execution queue full, opportunity dropped",
						slog.String("opp_id", opp.ID),
						slog.String("combo", opp.Key().String()),
					)
					continue
				}
				log.Info("opportunity detected",
					slog.String("opp_id", opp.ID),
					slog.String("combo", opp.Key().String()),
					slog.String("net_profit", opp.NetProfit.String()),
				)
			}
		}
	}
}
