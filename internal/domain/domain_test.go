package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lvl(price, size string) PriceLevel {
	return PriceLevel{Price: decimal.RequireFromString(price), Size: decimal.RequireFromString(size)}
}

func TestNewQuoteSnapshot_SortsAndDropsEmptyLevels(t *testing.T) {
	bids := []PriceLevel{lvl("99", "1"), lvl("101", "2"), lvl("100", "0")}
	asks := []PriceLevel{lvl("105", "1"), lvl("103", "1"), lvl("104", "-1")}

	snap := NewQuoteSnapshot("a", "BTC/USD", bids, asks, time.Unix(10, 0))

	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 2)
	assert.True(t, snap.Bids[0].Price.Equal(decimal.NewFromInt(101)))
	assert.True(t, snap.Asks[0].Price.Equal(decimal.NewFromInt(103)))

	// The caller's slice is not aliased.
	bids[1] = lvl("1", "1")
	assert.True(t, snap.Bids[0].Price.Equal(decimal.NewFromInt(101)))

	best, ok := snap.BestAsk()
	require.True(t, ok)
	assert.Equal(t, "103", best.Price.String())
}

func TestQuoteSnapshot_EmptyBook(t *testing.T) {
	snap := NewQuoteSnapshot("a", "p", nil, nil, time.Time{})
	_, ok := snap.BestBid()
	assert.False(t, ok)
	_, ok = snap.BestAsk()
	assert.False(t, ok)
}

func TestOpportunity_Fresh(t *testing.T) {
	now := time.Unix(100, 0)
	opp := Opportunity{BuyQuoteAt: now.Add(-time.Second), SellQuoteAt: now.Add(-3 * time.Second)}

	assert.True(t, opp.Fresh(now, 3*time.Second))
	assert.False(t, opp.Fresh(now, 2*time.Second))
	assert.True(t, opp.Fresh(now, 0))
}

func TestVenueError_Classification(t *testing.T) {
	cause := errors.New("503")
	err := fmt.Errorf("submit: %w", NewVenueError("a", "submit", VenueErrUnavailable, cause))

	assert.True(t, IsTransient(err))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrDefinitiveRejection))

	rej := NewVenueError("a", "submit", VenueErrRejected, nil)
	assert.False(t, IsTransient(rej))
	assert.True(t, errors.Is(rej, ErrDefinitiveRejection))

	assert.True(t, IsRateLimited(NewVenueError("a", "status", VenueErrRateLimited, nil)))
	assert.False(t, IsTransient(context.Canceled))
}

func TestFeeSchedule_Rate(t *testing.T) {
	f := FeeSchedule{Maker: decimal.RequireFromString("0.001"), Taker: decimal.RequireFromString("0.002")}
	assert.Equal(t, "0.002", f.Rate().String())
	f.MakerEligible = true
	assert.Equal(t, "0.001", f.Rate().String())

	table := FeeTable{"a": f}
	assert.True(t, table.Rate("missing").IsZero())
}

func TestNewCorrection_ReferencesOriginal(t *testing.T) {
	orig := TradeResult{ID: "t1", OpportunityID: "o1", Outcome: OutcomeSuccess, RealizedPnL: decimal.NewFromInt(5)}
	at := time.Unix(50, 0)

	c := NewCorrection(orig, "t2", decimal.NewFromInt(-1), "fee rebate missed", at)

	assert.Equal(t, "t1", c.CorrectsID)
	assert.Equal(t, "o1", c.OpportunityID)
	assert.Equal(t, "-1", c.RealizedPnL.String())
	assert.Equal(t, "5", orig.RealizedPnL.String())
}

func TestClassifyOutcome(t *testing.T) {
	leg := func(side Side, filled string) TradeLeg {
		l := NewTradeLeg("v", "BTC/USD", side, decimal.NewFromInt(2))
		l.FilledSize = decimal.RequireFromString(filled)
		return l
	}
	tests := []struct {
		name    string
		buy     string
		sell    string
		unwound bool
		want    Outcome
	}{
		{"nothing filled", "0", "0", false, OutcomeFailedClean},
		{"both complete", "2", "2", false, OutcomeSuccess},
		{"matched partial fills", "1", "1", false, OutcomePartial},
		{"one leg only, not unwound", "2", "0", false, OutcomeFailedExposed},
		{"one leg only, unwound", "2", "0", true, OutcomeFailedRecovered},
		{"unequal partials, unwound", "1.5", "0.5", true, OutcomePartial},
		{"unequal fills, not unwound", "2", "1", false, OutcomeFailedExposed},
		{"complete and partial, unwound", "2", "1", true, OutcomeFailedRecovered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyOutcome(leg(SideBuy, tt.buy), leg(SideSell, tt.sell), tt.unwound)
			assert.Equal(t, tt.want, got)
		})
	}
}
