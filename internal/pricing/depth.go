// Package pricing holds the fee and liquidity model shared by live
// detection, execution and backtesting. Everything here is pure and uses
// exact decimal arithmetic so identical inputs give identical outputs.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// Fill is the result of walking one side of a book for a size.
type Fill struct {
	Size     decimal.Decimal
	Notional decimal.Decimal
	VWAP     decimal.Decimal
	// Worst is the last level price touched.
	Worst decimal.Decimal
}

// WalkDepth consumes levels best first until size is covered. It returns
// false when the visible depth cannot fill the whole size.
func WalkDepth(levels []domain.PriceLevel, size decimal.Decimal) (Fill, bool) {
	fill, remaining := walk(levels, size, nil)
	if !size.IsPositive() || remaining.IsPositive() {
		return Fill{}, false
	}
	return fill, true
}

// WalkDepthLimit fills as much of size as the levels allow without crossing
// limit, which is a ceiling for buys and a floor for sells. A zero limit
// walks as deep as needed. The returned fill may be smaller than size.
func WalkDepthLimit(levels []domain.PriceLevel, size decimal.Decimal, side domain.Side, limit decimal.Decimal) Fill {
	accept := func(p decimal.Decimal) bool {
		if limit.IsZero() {
			return true
		}
		if side == domain.SideBuy {
			return p.LessThanOrEqual(limit)
		}
		return p.GreaterThanOrEqual(limit)
	}
	fill, _ := walk(levels, size, accept)
	return fill
}

func walk(levels []domain.PriceLevel, size decimal.Decimal, accept func(decimal.Decimal) bool) (Fill, decimal.Decimal) {
	remaining := size
	var fill Fill
	for _, lvl := range levels {
		if !remaining.IsPositive() {
			break
		}
		if accept != nil && !accept(lvl.Price) {
			break
		}
		take := decimal.Min(lvl.Size, remaining)
		fill.Size = fill.Size.Add(take)
		fill.Notional = fill.Notional.Add(take.Mul(lvl.Price))
		fill.Worst = lvl.Price
		remaining = remaining.Sub(take)
	}
	if fill.Size.IsPositive() {
		fill.VWAP = fill.Notional.Div(fill.Size)
	}
	return fill, remaining
}
