package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/metrics"
	"github.com/alanyoungcy/venuearb/internal/pricing"
)

// Recorder receives every finalized trade result exactly once.
type Recorder interface {
	Record(ctx context.Context, res domain.TradeResult) error
}

// UnwindOrder selects the order type used to flatten a leg imbalance.
type UnwindOrder string

const (
	UnwindMarket UnwindOrder = "market"
	UnwindLimit  UnwindOrder = "limit"
)

// UnwindConfig controls the single unwind attempt made after a one-sided
// fill. A limit unwind prices off the venue's latest top of book shifted
// by Slippage against us.
type UnwindConfig struct {
	Order    UnwindOrder
	Slippage decimal.Decimal
	Timeout  time.Duration
}

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig struct {
	Venues map[string]domain.VenueAdapter
	Quotes domain.QuoteSource

	Model       pricing.Model
	Fees        domain.FeeTable
	MaxQuoteAge time.Duration

	// Deadline bounds submission and fill of both legs.
	Deadline      time.Duration
	PollInterval  time.Duration
	SettleTimeout time.Duration
	Retry         RetryPolicy
	Limiters      map[string]*rate.Limiter
	Unwind        UnwindConfig

	InFlight *InFlight
	Recorder Recorder
	Metrics  *metrics.Collector
	Now      func() time.Time
	NewID    func() string
	Logger   *slog.Logger
}

// Coordinator turns one opportunity into two concurrent leg orders and
// resolves the outcome, unwinding any imbalance once.
type Coordinator struct {
	raw    map[string]domain.VenueAdapter
	venues map[string]*RetryingVenue
	quotes domain.QuoteSource

	model  pricing.Model
	fees   domain.FeeTable
	maxAge time.Duration

	deadline      time.Duration
	pollInterval  time.Duration
	settleTimeout time.Duration
	unwind        UnwindConfig

	inflight *InFlight
	recorder Recorder
	metrics  *metrics.Collector
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
}

// NewCoordinator builds a coordinator. Every venue adapter is wrapped in a
// RetryingVenue using cfg.Retry and the venue's limiter, if any.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 3 * time.Second
	}
	if cfg.Unwind.Order == "" {
		cfg.Unwind.Order = UnwindMarket
	}
	if cfg.Unwind.Timeout <= 0 {
		cfg.Unwind.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.InFlight == nil {
		cfg.InFlight = NewInFlight(nil, 0)
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

	c := &Coordinator{
		raw:           cfg.Venues,
		venues:        make(map[string]*RetryingVenue, len(cfg.Venues)),
		quotes:        cfg.Quotes,
		model:         cfg.Model,
		fees:          cfg.Fees,
		maxAge:        cfg.MaxQuoteAge,
		deadline:      cfg.Deadline,
		pollInterval:  cfg.PollInterval,
		settleTimeout: cfg.SettleTimeout,
		unwind:        cfg.Unwind,
		inflight:      cfg.InFlight,
		recorder:      cfg.Recorder,
		metrics:       cfg.Metrics,
		now:           cfg.Now,
		newID:         cfg.NewID,
		logger:        cfg.Logger.With(slog.String("component", "coordinator")),
	}
	for name, v := range cfg.Venues {
		c.venues[name] = NewRetryingVenue(v, cfg.Retry, cfg.Limiters[name], cfg.Metrics, cfg.Logger)
	}
	return c
}

// Execute runs the full protocol for opp and returns the recorded result.
// It fails with domain.ErrInFlight if the combination is already executing
// and wraps domain.ErrUnwindFailure when exposure was left open.
func (c *Coordinator) Execute(ctx context.Context, opp domain.Opportunity) (domain.TradeResult, error) {
	buyV, ok := c.venues[opp.BuyVenue]
	if !ok {
		return domain.TradeResult{}, fmt.Errorf("executor: unknown venue %q: %w", opp.BuyVenue, domain.ErrNotFound)
	}
	sellV, ok := c.venues[opp.SellVenue]
	if !ok {
		return domain.TradeResult{}, fmt.Errorf("executor: unknown venue %q: %w", opp.SellVenue, domain.ErrNotFound)
	}

	release, err := c.inflight.Acquire(ctx, opp.Key())
	if err != nil {
		return domain.TradeResult{}, err
	}
	defer release()
	c.metrics.IncInFlight()
	defer c.metrics.DecInFlight()

	res := domain.TradeResult{
		ID:            c.newID(),
		OpportunityID: opp.ID,
		Opportunity:   opp,
		Buy:           domain.NewTradeLeg(opp.BuyVenue, opp.Pair, domain.SideBuy, opp.Size),
		Sell:          domain.NewTradeLeg(opp.SellVenue, opp.Pair, domain.SideSell, opp.Size),
		StartedAt:     c.now(),
	}
	log := c.logger.With(
		slog.String("trade_id", res.ID),
		slog.String("opp_id", opp.ID),
		slog.String("combo", opp.Key().String()),
	)

	est, err := c.revalidate(opp)
	if err != nil {
		res.Buy.State = domain.LegCancelled
		res.Sell.State = domain.LegCancelled
		res.Outcome = domain.OutcomeStale
		res.Note = err.Error()
		res.CompletedAt = c.now()
		log.Info("opportunity stale at submission", slog.String("reason", err.Error()))
		return res, c.record(ctx, res)
	}
	res.Buy.LimitPrice = est.BuyWorst
	res.Sell.LimitPrice = est.SellWorst

	execCtx, cancel := context.WithTimeout(ctx, c.deadline)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.runLeg(execCtx, cancel, buyV, &res.Buy, res.ID+"-buy", log)
	}()
	go func() {
		defer wg.Done()
		c.runLeg(execCtx, cancel, sellV, &res.Sell, res.ID+"-sell", log)
	}()
	wg.Wait()
	cancel()

	c.resolve(ctx, &res, log)

	s := pricing.Settle(res.Legs(), c.fees)
	res.RealizedPnL = s.PnL
	res.Fees = s.Fees
	res.ResidualExposure = s.Position
	res.CompletedAt = c.now()

	attrs := []any{
		slog.String("outcome", string(res.Outcome)),
		slog.String("buy_filled", res.Buy.FilledSize.String()),
		slog.String("sell_filled", res.Sell.FilledSize.String()),
		slog.String("pnl", res.RealizedPnL.String()),
		slog.Duration("duration", res.Duration()),
	}
	if res.Outcome.Critical() {
		log.Error("trade left residual exposure",
			append(attrs, slog.String("residual", res.ResidualExposure.String()))...)
	} else {
		log.Info("trade finalized", attrs...)
	}

	recErr := c.record(ctx, res)
	if res.Outcome.Critical() {
		// Escalate even when the ledger is down; the halt must not depend on it.
		return res, errors.Join(recErr,
			fmt.Errorf("executor: trade %s residual %s: %w", res.ID, res.ResidualExposure, domain.ErrUnwindFailure))
	}
	return res, recErr
}

// revalidate re-runs the model against the latest quotes.
func (c *Coordinator) revalidate(opp domain.Opportunity) (pricing.ProfitEstimate, error) {
	if c.quotes == nil {
		return pricing.ProfitEstimate{}, fmt.Errorf("no quote source: %w", domain.ErrStaleData)
	}
	buy, ok := c.quotes.Latest(opp.BuyVenue, opp.Pair)
	if !ok {
		return pricing.ProfitEstimate{}, fmt.Errorf("no live quote on %s: %w", opp.BuyVenue, domain.ErrStaleData)
	}
	sell, ok := c.quotes.Latest(opp.SellVenue, opp.Pair)
	if !ok {
		return pricing.ProfitEstimate{}, fmt.Errorf("no live quote on %s: %w", opp.SellVenue, domain.ErrStaleData)
	}
	now := c.now()
	if c.maxAge > 0 && (buy.Age(now) > c.maxAge || sell.Age(now) > c.maxAge) {
		return pricing.ProfitEstimate{}, fmt.Errorf("quotes older than %s: %w", c.maxAge, domain.ErrStaleData)
	}
	est, ok := c.model.Evaluate(buy, sell, opp.Size, c.fees[opp.BuyVenue], c.fees[opp.SellVenue])
	if !ok {
		return pricing.ProfitEstimate{}, fmt.Errorf("no longer profitable: %w", domain.ErrStaleData)
	}
	return est, nil
}

// runLeg submits one leg and tracks it until it is final or ctx expires.
// A definitive rejection with nothing filled aborts the sibling through
// abort so it is cancelled or settled early.
func (c *Coordinator) runLeg(ctx context.Context, abort context.CancelFunc, v *RetryingVenue, leg *domain.TradeLeg, clientID string, log *slog.Logger) {
	leg.ClientOrderID = clientID
	log = log.With(slog.String("leg", string(leg.Side)), slog.String("venue", leg.Venue))

	if ctx.Err() != nil {
		leg.State = domain.LegCancelled
		return
	}

	h, attempts, err := v.Submit(ctx, domain.OrderRequest{
		Pair:          leg.Pair,
		Side:          leg.Side,
		Size:          leg.RequestedSize,
		LimitPrice:    leg.LimitPrice,
		ClientOrderID: clientID,
	})
	leg.Attempts = attempts
	if err != nil {
		leg.Error = err.Error()
		if errors.Is(err, domain.ErrDefinitiveRejection) {
			leg.State = domain.LegRejected
			log.Warn("leg rejected", slog.String("error", err.Error()))
			abort()
			return
		}
		// The venue may have accepted an attempt we never heard back
		// from, so settle by client order ID.
		log.Warn("leg submission failed", slog.Int("attempts", attempts), slog.String("error", err.Error()))
		c.settle(ctx, v, domain.LegHandle{Venue: leg.Venue, ClientOrderID: clientID}, leg, log)
		leg.State = resolvedState(leg, domain.LegTimedOut)
		return
	}

	leg.State = domain.LegSubmitted
	leg.OrderID = h.OrderID
	if c.await(ctx, v, h, leg, log) {
		leg.State = resolvedState(leg, domain.LegRejected)
		if leg.State == domain.LegRejected {
			abort()
		}
		return
	}
	c.settle(ctx, v, h, leg, log)
	leg.State = resolvedState(leg, domain.LegTimedOut)
}

// await polls h until the venue reports a final state. It returns false
// when ctx ends first.
func (c *Coordinator) await(ctx context.Context, v domain.VenueAdapter, h domain.LegHandle, leg *domain.TradeLeg, log *slog.Logger) bool {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		st, err := v.LegStatus(ctx, h)
		if err == nil {
			applyStatus(leg, st)
			if st.Final || st.State == domain.LegFilled || st.State == domain.LegRejected {
				return true
			}
		} else if ctx.Err() == nil {
			log.Warn("leg status failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// settle cancels h and takes a last status reading after ctx has expired.
func (c *Coordinator) settle(ctx context.Context, v domain.VenueAdapter, h domain.LegHandle, leg *domain.TradeLeg, log *slog.Logger) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.settleTimeout)
	defer cancel()
	if err := v.CancelOrder(sctx, h); err != nil {
		log.Debug("cancel after deadline failed", slog.String("error", err.Error()))
	}
	st, err := v.LegStatus(sctx, h)
	if err != nil {
		log.Debug("final leg status unavailable", slog.String("error", err.Error()))
		return
	}
	applyStatus(leg, st)
}

func applyStatus(leg *domain.TradeLeg, st domain.LegStatus) {
	if st.FilledSize.GreaterThan(leg.FilledSize) || st.Final {
		leg.FilledSize = st.FilledSize
		leg.AvgPrice = st.AvgPrice
	}
}

// resolvedState maps the fills on leg to a terminal state, using unfilled
// when nothing was filled.
func resolvedState(leg *domain.TradeLeg, unfilled domain.LegState) domain.LegState {
	switch {
	case leg.Complete():
		return domain.LegFilled
	case leg.FilledSize.IsPositive():
		return domain.LegPartiallyFilled
	default:
		return unfilled
	}
}

func (c *Coordinator) resolve(ctx context.Context, res *domain.TradeResult, log *slog.Logger) {
	imbalance := res.Buy.FilledSize.Sub(res.Sell.FilledSize)
	unwound := false
	if !imbalance.IsZero() {
		unwound = c.unwindImbalance(ctx, res, imbalance, log)
	}
	res.Outcome = domain.ClassifyOutcome(res.Buy, res.Sell, unwound)
}

// unwindImbalance places one flattening order for the unmatched quantity.
// It is never retried: a failure is reported as residual exposure.
func (c *Coordinator) unwindImbalance(ctx context.Context, res *domain.TradeResult, imbalance decimal.Decimal, log *slog.Logger) bool {
	over := res.Buy
	if imbalance.IsNegative() {
		over = res.Sell
	}
	venue, side := over.Venue, over.Side.Opposite()
	leg := domain.NewTradeLeg(venue, res.Buy.Pair, side, imbalance.Abs())
	leg.ClientOrderID = res.ID + "-unwind"
	res.Unwind = &leg
	log = log.With(slog.String("leg", "unwind"), slog.String("venue", venue), slog.String("size", leg.RequestedSize.String()))

	limit, err := c.unwindLimit(venue, leg.Pair, side)
	if err != nil {
		leg.State = domain.LegRejected
		leg.Error = err.Error()
		log.Error("unwind not placed", slog.String("error", err.Error()))
		return false
	}
	leg.LimitPrice = limit

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.unwind.Timeout)
	defer cancel()
	v := c.raw[venue]
	leg.Attempts = 1
	h, err := v.SubmitOrder(uctx, domain.OrderRequest{
		Pair:          leg.Pair,
		Side:          side,
		Size:          leg.RequestedSize,
		LimitPrice:    limit,
		ClientOrderID: leg.ClientOrderID,
	})
	c.metrics.RecordVenueRequest(venue, "unwind", err)
	if err != nil {
		leg.State = domain.LegRejected
		leg.Error = err.Error()
		log.Error("unwind submission failed", slog.String("error", err.Error()))
		return false
	}
	leg.State = domain.LegSubmitted
	leg.OrderID = h.OrderID

	if c.await(uctx, v, h, &leg, log) {
		leg.State = resolvedState(&leg, domain.LegRejected)
	} else {
		c.settle(uctx, v, h, &leg, log)
		leg.State = resolvedState(&leg, domain.LegTimedOut)
	}
	if !leg.Complete() {
		log.Error("unwind incomplete",
			slog.String("state", string(leg.State)),
			slog.String("filled", leg.FilledSize.String()),
		)
		return false
	}
	log.Info("imbalance unwound", slog.String("avg_price", leg.AvgPrice.String()))
	return true
}

func (c *Coordinator) unwindLimit(venue, pair string, side domain.Side) (decimal.Decimal, error) {
	if c.unwind.Order != UnwindLimit {
		return decimal.Zero, nil
	}
	if c.quotes == nil {
		return decimal.Zero, fmt.Errorf("no quote source for limit unwind")
	}
	snap, ok := c.quotes.Latest(venue, pair)
	if !ok {
		return decimal.Zero, fmt.Errorf("no quote on %s for limit unwind", venue)
	}
	one := decimal.NewFromInt(1)
	if side == domain.SideSell {
		lvl, ok := snap.BestBid()
		if !ok {
			return decimal.Zero, fmt.Errorf("no bid on %s for limit unwind", venue)
		}
		return lvl.Price.Mul(one.Sub(c.unwind.Slippage)), nil
	}
	lvl, ok := snap.BestAsk()
	if !ok {
		return decimal.Zero, fmt.Errorf("no ask on %s for limit unwind", venue)
	}
	return lvl.Price.Mul(one.Add(c.unwind.Slippage)), nil
}

func (c *Coordinator) record(ctx context.Context, res domain.TradeResult) error {
	if c.recorder == nil {
		return nil
	}
	if err := c.recorder.Record(context.WithoutCancel(ctx), res); err != nil {
		return fmt.Errorf("executor: record %s: %w", res.ID, err)
	}
	return nil
}
