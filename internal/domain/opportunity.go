package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ComboKey identifies a (buy venue, sell venue, pair) combination.
type ComboKey struct {
	BuyVenue  string
	SellVenue string
	Pair      string
}

func (k ComboKey) String() string {
	return k.BuyVenue + ">" + k.SellVenue + ":" + k.Pair
}

// Opportunity is a profit-qualified candidate for a two-leg trade. It is
// created once by the detector and never re-evaluated; staleness is judged
// from the quote timestamps at hand-off and submission.
type Opportunity struct {
	ID        string
	BuyVenue  string
	SellVenue string
	Pair      string

	// BuyPrice and SellPrice are the volume-weighted fill prices.
	BuyPrice  decimal.Decimal
	SellPrice decimal.Decimal
	// BuyLimit and SellLimit are the worst levels the size walks through.
	BuyLimit  decimal.Decimal
	SellLimit decimal.Decimal

	Size        decimal.Decimal
	GrossSpread decimal.Decimal
	NetProfit   decimal.Decimal

	DetectedAt  time.Time
	BuyQuoteAt  time.Time
	SellQuoteAt time.Time
}

// Key returns the combination the opportunity belongs to.
func (o Opportunity) Key() ComboKey {
	return ComboKey{BuyVenue: o.BuyVenue, SellVenue: o.SellVenue, Pair: o.Pair}
}

// Fresh reports whether both contributing quotes are within maxAge at now.
// A non-positive maxAge disables the check.
func (o Opportunity) Fresh(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return true
	}
	return now.Sub(o.BuyQuoteAt) <= maxAge && now.Sub(o.SellQuoteAt) <= maxAge
}
