package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LegState is the lifecycle state of one leg.
//
//	pending -> submitted -> {filled, partially_filled, rejected, timed_out}
//
// cancelled marks a leg that was never submitted before the deadline.
type LegState string

const (
	LegPending         LegState = "pending"
	LegSubmitted       LegState = "submitted"
	LegFilled          LegState = "filled"
	LegPartiallyFilled LegState = "partially_filled"
	LegRejected        LegState = "rejected"
	LegTimedOut        LegState = "timed_out"
	LegCancelled       LegState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s LegState) Terminal() bool {
	switch s {
	case LegFilled, LegRejected, LegTimedOut, LegCancelled:
		return true
	}
	return false
}

// TradeLeg is one side of a trade on one venue.
type TradeLeg struct {
	Venue         string
	Pair          string
	Side          Side
	RequestedSize decimal.Decimal
	LimitPrice    decimal.Decimal // zero for market orders
	FilledSize    decimal.Decimal
	AvgPrice      decimal.Decimal
	State         LegState
	OrderID       string
	ClientOrderID string
	Attempts      int
	Error         string
}

// NewTradeLeg returns a pending leg.
func NewTradeLeg(venue, pair string, side Side, size decimal.Decimal) TradeLeg {
	return TradeLeg{
		Venue:         venue,
		Pair:          pair,
		Side:          side,
		RequestedSize: size,
		State:         LegPending,
	}
}

// Notional is filled size times average price.
func (l TradeLeg) Notional() decimal.Decimal {
	return l.FilledSize.Mul(l.AvgPrice)
}

// Complete reports whether the full requested size was filled.
func (l TradeLeg) Complete() bool {
	return l.RequestedSize.IsPositive() && l.FilledSize.GreaterThanOrEqual(l.RequestedSize)
}

// Outcome is the resolution of a trade attempt.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomePartial         Outcome = "partial"
	OutcomeStale           Outcome = "stale"
	OutcomeFailedClean     Outcome = "failed-clean"
	OutcomeFailedRecovered Outcome = "failed-recovered"
	OutcomeFailedExposed   Outcome = "failed-exposed"
)

// Critical reports whether the outcome leaves unmanaged exposure.
func (o Outcome) Critical() bool {
	return o == OutcomeFailedExposed
}

// Executed reports whether any fill happened.
func (o Outcome) Executed() bool {
	switch o {
	case OutcomeSuccess, OutcomePartial, OutcomeFailedRecovered, OutcomeFailedExposed:
		return true
	}
	return false
}

// TradeResult is the finalized record of one trade attempt. It is appended
// to the ledger once and never modified; corrections are new entries that
// reference the original through CorrectsID.
type TradeResult struct {
	ID            string
	OpportunityID string
	Opportunity   Opportunity
	Buy           TradeLeg
	Sell          TradeLeg
	Unwind        *TradeLeg

	RealizedPnL decimal.Decimal
	Fees        decimal.Decimal
	// ResidualExposure is the signed base position left open: positive is
	// long, negative is short.
	ResidualExposure decimal.Decimal

	Outcome     Outcome
	StartedAt   time.Time
	CompletedAt time.Time

	CorrectsID string
	Note       string
}

// Legs returns every leg that took part in the trade, unwind included.
func (r TradeResult) Legs() []TradeLeg {
	legs := []TradeLeg{r.Buy, r.Sell}
	if r.Unwind != nil {
		legs = append(legs, *r.Unwind)
	}
	return legs
}

// Duration is decision to completion.
func (r TradeResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// NewCorrection returns a ledger entry that adjusts the realized PnL of
// original by delta.
func NewCorrection(original TradeResult, id string, delta decimal.Decimal, note string, at time.Time) TradeResult {
	return TradeResult{
		ID:            id,
		OpportunityID: original.OpportunityID,
		Opportunity:   original.Opportunity,
		Buy:           NewTradeLeg(original.Buy.Venue, original.Buy.Pair, SideBuy, decimal.Zero),
		Sell:          NewTradeLeg(original.Sell.Venue, original.Sell.Pair, SideSell, decimal.Zero),
		RealizedPnL:   delta,
		Outcome:       original.Outcome,
		StartedAt:     at,
		CompletedAt:   at,
		CorrectsID:    original.ID,
		Note:          note,
	}
}

// ClassifyOutcome resolves the outcome of a buy and sell leg pair. unwound
// reports whether an unmatched quantity was flattened and is ignored when
// the fills match.
func ClassifyOutcome(buy, sell TradeLeg, unwound bool) Outcome {
	buyF, sellF := buy.FilledSize, sell.FilledSize
	switch {
	case !buyF.IsPositive() && !sellF.IsPositive():
		return OutcomeFailedClean
	case buyF.Equal(sellF):
		if buy.Complete() && sell.Complete() {
			return OutcomeSuccess
		}
		return OutcomePartial
	case !unwound:
		return OutcomeFailedExposed
	case buyF.IsPositive() && sellF.IsPositive() && !buy.Complete() && !sell.Complete():
		return OutcomePartial
	default:
		return OutcomeFailedRecovered
	}
}
