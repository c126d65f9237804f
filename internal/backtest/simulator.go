package backtest

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/pricing"
)

// FillMode selects how the simulator fills trades.
type FillMode string

const (
	// FillInstant fills both legs in full at the evaluated VWAPs at the
	// moment of decision.
	FillInstant FillMode = "instant"
	// FillRealistic fills at decision time plus latency against the book
	// as it stands at that simulated time.
	FillRealistic FillMode = "realistic"
)

// SimConfig configures a Simulator.
type SimConfig struct {
	Mode    FillMode
	Latency time.Duration
	Fees    domain.FeeTable
	// Book supplies the depth realistic fills are taken from.
	Book domain.QuoteSource
	// InitialBalance funds each venue. Zero disables the balance check.
	InitialBalance decimal.Decimal
	Venues         []string
	NewID          func() string
}

type pendingTrade struct {
	id       string
	opp      domain.Opportunity
	decided  time.Time
	fillAt   time.Time
	reserved decimal.Decimal
}

// Simulator stands in for the coordinator during backtests. It performs no
// I/O and is not safe for concurrent use.
type Simulator struct {
	cfg      SimConfig
	balances map[string]decimal.Decimal
	pending  []pendingTrade
	active   map[domain.ComboKey]struct{}
	seq      int
}

// NewSimulator creates a simulator with every venue funded with the
// initial balance.
func NewSimulator(cfg SimConfig) *Simulator {
	if cfg.Mode == "" {
		cfg.Mode = FillInstant
	}
	s := &Simulator{
		cfg:      cfg,
		balances: make(map[string]decimal.Decimal, len(cfg.Venues)),
		active:   make(map[domain.ComboKey]struct{}),
	}
	if s.cfg.NewID == nil {
		s.cfg.NewID = func() string {
			s.seq++
			return fmt.Sprintf("bt-%06d", s.seq)
		}
	}
	for _, v := range cfg.Venues {
		s.balances[v] = cfg.InitialBalance
	}
	return s
}

// Submit takes the decision to trade opp at now. An instant fill or a
// trade the buy venue cannot afford returns its result immediately; a
// realistic fill is queued and nil is returned. A combination that is
// still pending fails with domain.ErrInFlight.
func (s *Simulator) Submit(opp domain.Opportunity, now time.Time) (*domain.TradeResult, error) {
	key := opp.Key()
	if _, busy := s.active[key]; busy {
		return nil, fmt.Errorf("backtest: %s: %w", key, domain.ErrInFlight)
	}

	id := s.cfg.NewID()
	buyFee := s.cfg.Fees.Rate(opp.BuyVenue)
	reserve := opp.BuyPrice.Mul(opp.Size).Mul(decimal.NewFromInt(1).Add(buyFee))
	if s.cfg.InitialBalance.IsPositive() && s.balances[opp.BuyVenue].LessThan(reserve) {
		res := s.newResult(id, opp, now)
		res.Buy.State = domain.LegRejected
		res.Buy.Error = "insufficient balance"
		res.Sell.State = domain.LegCancelled
		res.Outcome = domain.OutcomeFailedClean
		res.CompletedAt = now
		res.Note = fmt.Sprintf("balance %s on %s below %s", s.balances[opp.BuyVenue], opp.BuyVenue, reserve)
		return &res, nil
	}

	if s.cfg.Mode == FillInstant {
		res := s.fillInstant(id, opp, now)
		return &res, nil
	}

	s.balances[opp.BuyVenue] = s.balances[opp.BuyVenue].Sub(reserve)
	s.active[key] = struct{}{}
	s.pending = append(s.pending, pendingTrade{
		id: id, opp: opp, decided: now, fillAt: now.Add(s.cfg.Latency), reserved: reserve,
	})
	return nil, nil
}

// Advance settles every queued trade whose fill time is before now. The
// caller must invoke it before applying a snapshot stamped now so that
// fills never see quotes from their future.
func (s *Simulator) Advance(now time.Time) []domain.TradeResult {
	var due, keep []pendingTrade
	for _, p := range s.pending {
		if p.fillAt.Before(now) {
			due = append(due, p)
		} else {
			keep = append(keep, p)
		}
	}
	s.pending = keep
	return s.settleAll(due)
}

// Flush settles everything still queued against the final book.
func (s *Simulator) Flush() []domain.TradeResult {
	due := s.pending
	s.pending = nil
	return s.settleAll(due)
}

// Pending is the number of queued trades.
func (s *Simulator) Pending() int { return len(s.pending) }

func (s *Simulator) settleAll(due []pendingTrade) []domain.TradeResult {
	sort.SliceStable(due, func(i, j int) bool { return due[i].fillAt.Before(due[j].fillAt) })
	out := make([]domain.TradeResult, 0, len(due))
	for _, p := range due {
		out = append(out, s.fillRealistic(p))
	}
	return out
}

// Balances returns a copy of the per-venue quote balances.
func (s *Simulator) Balances() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(s.balances))
	for k, v := range s.balances {
		out[k] = v
	}
	return out
}

func (s *Simulator) newResult(id string, opp domain.Opportunity, now time.Time) domain.TradeResult {
	res := domain.TradeResult{
		ID:            id,
		OpportunityID: opp.ID,
		Opportunity:   opp,
		Buy:           domain.NewTradeLeg(opp.BuyVenue, opp.Pair, domain.SideBuy, opp.Size),
		Sell:          domain.NewTradeLeg(opp.SellVenue, opp.Pair, domain.SideSell, opp.Size),
		StartedAt:     now,
	}
	res.Buy.ClientOrderID = id + "-buy"
	res.Sell.ClientOrderID = id + "-sell"
	res.Buy.LimitPrice = opp.BuyLimit
	res.Sell.LimitPrice = opp.SellLimit
	return res
}

func (s *Simulator) fillInstant(id string, opp domain.Opportunity, now time.Time) domain.TradeResult {
	res := s.newResult(id, opp, now)
	fillLeg(&res.Buy, opp.Size, opp.BuyPrice)
	fillLeg(&res.Sell, opp.Size, opp.SellPrice)
	s.finish(&res, false)
	res.CompletedAt = now
	return res
}

func (s *Simulator) fillRealistic(p pendingTrade) domain.TradeResult {
	delete(s.active, p.opp.Key())
	s.balances[p.opp.BuyVenue] = s.balances[p.opp.BuyVenue].Add(p.reserved)

	res := s.newResult(p.id, p.opp, p.decided)
	res.Buy.Attempts, res.Sell.Attempts = 1, 1
	s.fillFromBook(&res.Buy)
	s.fillFromBook(&res.Sell)

	unwound := false
	if imbalance := res.Buy.FilledSize.Sub(res.Sell.FilledSize); !imbalance.IsZero() {
		unwound = s.unwind(&res, imbalance)
	}
	res.Outcome = domain.ClassifyOutcome(res.Buy, res.Sell, unwound)
	s.finish(&res, true)
	res.CompletedAt = p.fillAt
	return res
}

// fillFromBook fills leg against the current book within its limit.
func (s *Simulator) fillFromBook(leg *domain.TradeLeg) {
	var levels []domain.PriceLevel
	if s.cfg.Book != nil {
		if snap, ok := s.cfg.Book.Latest(leg.Venue, leg.Pair); ok {
			levels = snap.Levels(leg.Side)
		}
	}
	fill := pricing.WalkDepthLimit(levels, leg.RequestedSize, leg.Side, leg.LimitPrice)
	fillLeg(leg, fill.Size, fill.VWAP)
	if !fill.Size.IsPositive() {
		leg.State = domain.LegTimedOut
	}
}

// unwind closes the imbalance at market on the venue holding the excess.
func (s *Simulator) unwind(res *domain.TradeResult, imbalance decimal.Decimal) bool {
	venue, side := res.Buy.Venue, domain.SideSell
	if imbalance.IsNegative() {
		venue, side = res.Sell.Venue, domain.SideBuy
	}
	leg := domain.NewTradeLeg(venue, res.Buy.Pair, side, imbalance.Abs())
	leg.ClientOrderID = res.ID + "-unwind"
	leg.Attempts = 1
	res.Unwind = &leg

	var levels []domain.PriceLevel
	if s.cfg.Book != nil {
		if snap, ok := s.cfg.Book.Latest(venue, leg.Pair); ok {
			levels = snap.Levels(side)
		}
	}
	fill, ok := pricing.WalkDepth(levels, leg.RequestedSize)
	if !ok {
		leg.State = domain.LegRejected
		leg.Error = "insufficient depth to unwind"
		return false
	}
	fillLeg(&leg, fill.Size, fill.VWAP)
	return true
}

func fillLeg(leg *domain.TradeLeg, size, price decimal.Decimal) {
	leg.FilledSize = size
	leg.AvgPrice = price
	switch {
	case leg.Complete():
		leg.State = domain.LegFilled
	case size.IsPositive():
		leg.State = domain.LegPartiallyFilled
	}
}

// finish settles cash for every leg of res and books it to balances.
func (s *Simulator) finish(res *domain.TradeResult, classified bool) {
	if !classified {
		res.Outcome = domain.ClassifyOutcome(res.Buy, res.Sell, false)
	}
	st := pricing.Settle(res.Legs(), s.cfg.Fees)
	res.RealizedPnL = st.PnL
	res.Fees = st.Fees
	res.ResidualExposure = st.Position

	for _, leg := range res.Legs() {
		if !leg.FilledSize.IsPositive() {
			continue
		}
		notional := leg.Notional()
		fee := notional.Mul(s.cfg.Fees.Rate(leg.Venue))
		if leg.Side == domain.SideBuy {
			s.balances[leg.Venue] = s.balances[leg.Venue].Sub(notional.Add(fee))
		} else {
			s.balances[leg.Venue] = s.balances[leg.Venue].Add(notional.Sub(fee))
		}
	}
}
