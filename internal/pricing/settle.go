package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// Settlement is the cash result of a set of executed legs.
type Settlement struct {
	// PnL is realized on the matched quantity only. Any unmatched quantity
	// is reported in Position and carried at its cost basis.
	PnL      decimal.Decimal
	Fees     decimal.Decimal
	Position decimal.Decimal
}

// Settle computes realized profit and residual position from fills. Fees
// use each leg's venue rate from fees.
func Settle(legs []domain.TradeLeg, fees domain.FeeTable) Settlement {
	var (
		bought, boughtCost decimal.Decimal
		sold, soldProceeds decimal.Decimal
		total              decimal.Decimal
	)
	for _, leg := range legs {
		if !leg.FilledSize.IsPositive() {
			continue
		}
		notional := leg.Notional()
		fee := notional.Mul(fees.Rate(leg.Venue))
		total = total.Add(fee)
		if leg.Side == domain.SideBuy {
			bought = bought.Add(leg.FilledSize)
			boughtCost = boughtCost.Add(notional).Add(fee)
		} else {
			sold = sold.Add(leg.FilledSize)
			soldProceeds = soldProceeds.Add(notional).Sub(fee)
		}
	}

	s := Settlement{Fees: total, Position: bought.Sub(sold)}
	switch {
	case s.Position.IsZero():
		s.PnL = soldProceeds.Sub(boughtCost)
	case s.Position.IsPositive():
		// Long residual: only the sold quantity's share of cost is realized.
		s.PnL = soldProceeds.Sub(boughtCost.Mul(sold).Div(bought))
	default:
		s.PnL = soldProceeds.Mul(bought).Div(sold).Sub(boughtCost)
	}
	return s
}
