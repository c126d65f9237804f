package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// Model holds the risk parameters of the profitability test.
type Model struct {
	// Slippage is a per-unit price buffer charged against every trade.
	Slippage decimal.Decimal
	// MinProfit is the threshold net profit must exceed.
	MinProfit decimal.Decimal
	// MinProfitPercent, when positive, additionally requires net profit of
	// at least this percentage of the fee-inclusive buy cost.
	MinProfitPercent decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// ProfitEstimate is the evaluated economics of buying size on one venue
// and selling it on another.
type ProfitEstimate struct {
	Size      decimal.Decimal
	BuyVWAP   decimal.Decimal
	SellVWAP  decimal.Decimal
	BuyWorst  decimal.Decimal
	SellWorst decimal.Decimal

	Cost     decimal.Decimal
	Proceeds decimal.Decimal
	BuyFee   decimal.Decimal
	SellFee  decimal.Decimal

	SlippageCharge decimal.Decimal
	GrossSpread    decimal.Decimal
	GrossProfit    decimal.Decimal
	NetProfit      decimal.Decimal
	// ProfitPercent is net profit over cost plus buy fee, times 100.
	ProfitPercent decimal.Decimal
}

// Evaluate walks the buy venue's asks and the sell venue's bids for size
// and computes
//
//	net = proceeds*(1-sellFee) - cost*(1+buyFee) - size*slippage
//
// It returns false when either side lacks the depth to fill size, when net
// does not exceed the model's minimum profit, or when a positive
// MinProfitPercent is not reached.
func (m Model) Evaluate(buy, sell domain.QuoteSnapshot, size decimal.Decimal, buyFees, sellFees domain.FeeSchedule) (ProfitEstimate, bool) {
	buyFill, ok := WalkDepth(buy.Asks, size)
	if !ok {
		return ProfitEstimate{}, false
	}
	sellFill, ok := WalkDepth(sell.Bids, size)
	if !ok {
		return ProfitEstimate{}, false
	}

	est := ProfitEstimate{
		Size:      size,
		BuyVWAP:   buyFill.VWAP,
		SellVWAP:  sellFill.VWAP,
		BuyWorst:  buyFill.Worst,
		SellWorst: sellFill.Worst,
		Cost:      buyFill.Notional,
		Proceeds:  sellFill.Notional,
	}
	est.BuyFee = est.Cost.Mul(buyFees.Rate())
	est.SellFee = est.Proceeds.Mul(sellFees.Rate())
	est.SlippageCharge = size.Mul(m.Slippage)
	est.GrossSpread = est.SellVWAP.Sub(est.BuyVWAP)
	est.GrossProfit = est.Proceeds.Sub(est.Cost)
	est.NetProfit = est.Proceeds.Sub(est.SellFee).
		Sub(est.Cost.Add(est.BuyFee)).
		Sub(est.SlippageCharge)

	if basis := est.Cost.Add(est.BuyFee); basis.IsPositive() {
		est.ProfitPercent = est.NetProfit.Div(basis).Mul(hundred)
	}

	if est.NetProfit.LessThanOrEqual(m.MinProfit) {
		return ProfitEstimate{}, false
	}
	if m.MinProfitPercent.IsPositive() && est.ProfitPercent.LessThan(m.MinProfitPercent) {
		return ProfitEstimate{}, false
	}
	return est, true
}
