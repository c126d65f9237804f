package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PriceLevel is one (price, size) row of an order book.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// QuoteKey identifies one venue's book for one pair.
type QuoteKey struct {
	Venue string
	Pair  string
}

func (k QuoteKey) String() string {
	return k.Venue + ":" + k.Pair
}

// QuoteSnapshot is the point-in-time depth of one venue for one pair.
// Bids are ordered best (highest) first and asks best (lowest) first.
// Snapshots are values; build them with NewQuoteSnapshot and never modify
// the level slices afterwards. Crossed books are legal.
type QuoteSnapshot struct {
	Venue     string
	Pair      string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// NewQuoteSnapshot copies the given levels, drops empty ones and sorts each
// side best first.
func NewQuoteSnapshot(venue, pair string, bids, asks []PriceLevel, ts time.Time) QuoteSnapshot {
	return QuoteSnapshot{
		Venue:     venue,
		Pair:      pair,
		Bids:      normalizeLevels(bids, true),
		Asks:      normalizeLevels(asks, false),
		Timestamp: ts,
	}
}

func normalizeLevels(in []PriceLevel, desc bool) []PriceLevel {
	out := make([]PriceLevel, 0, len(in))
	for _, lvl := range in {
		if !lvl.Size.IsPositive() || !lvl.Price.IsPositive() {
			continue
		}
		out = append(out, lvl)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// Key returns the (venue, pair) key of the snapshot.
func (q QuoteSnapshot) Key() QuoteKey {
	return QuoteKey{Venue: q.Venue, Pair: q.Pair}
}

// BestBid returns the top bid level.
func (q QuoteSnapshot) BestBid() (PriceLevel, bool) {
	if len(q.Bids) == 0 {
		return PriceLevel{}, false
	}
	return q.Bids[0], true
}

// BestAsk returns the top ask level.
func (q QuoteSnapshot) BestAsk() (PriceLevel, bool) {
	if len(q.Asks) == 0 {
		return PriceLevel{}, false
	}
	return q.Asks[0], true
}

// Levels returns the side an order of the given direction executes against.
func (q QuoteSnapshot) Levels(side Side) []PriceLevel {
	if side == SideBuy {
		return q.Asks
	}
	return q.Bids
}

// Age is how old the snapshot is at now.
func (q QuoteSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// QuoteSource returns the latest known snapshot for a venue and pair.
type QuoteSource interface {
	Latest(venue, pair string) (QuoteSnapshot, bool)
}
