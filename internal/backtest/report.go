package backtest

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// Report aggregates a backtest run.
type Report struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Snapshots  int       `json:"snapshots"`
	Detections int       `json:"detections"`
	Discarded  int       `json:"discarded"`
	Trades     int       `json:"trades"`
	Executed   int       `json:"executed"`
	Wins       int       `json:"wins"`
	Losses     int       `json:"losses"`

	Outcomes map[domain.Outcome]int `json:"outcomes"`

	TotalProfit   decimal.Decimal `json:"total_profit"`
	AvgProfit     decimal.Decimal `json:"avg_profit"`
	LargestProfit decimal.Decimal `json:"largest_profit"`
	LargestLoss   decimal.Decimal `json:"largest_loss"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	AvgDuration   time.Duration   `json:"avg_duration"`

	Capital      decimal.Decimal `json:"capital"`
	TotalReturn  decimal.Decimal `json:"total_return"`
	MaxDrawdown  decimal.Decimal `json:"max_drawdown"`
	TradesPerDay float64         `json:"trades_per_day"`

	FinalBalances map[string]decimal.Decimal `json:"final_balances,omitempty"`
}

// Summarize folds results, in ledger order, into a report. capital is the
// base TotalReturn is measured against; zero leaves TotalReturn at zero.
func Summarize(results []domain.TradeResult, capital decimal.Decimal) Report {
	r := Report{Outcomes: make(map[domain.Outcome]int), Capital: capital}
	var cum, peak decimal.Decimal
	var totalDur time.Duration

	for _, res := range results {
		r.Trades++
		r.Outcomes[res.Outcome]++
		r.TotalProfit = r.TotalProfit.Add(res.RealizedPnL)
		r.TotalFees = r.TotalFees.Add(res.Fees)

		cum = cum.Add(res.RealizedPnL)
		if cum.GreaterThan(peak) {
			peak = cum
		}
		if dd := peak.Sub(cum); dd.GreaterThan(r.MaxDrawdown) {
			r.MaxDrawdown = dd
		}

		if !res.Outcome.Executed() {
			continue
		}
		r.Executed++
		totalDur += res.Duration()
		switch {
		case res.RealizedPnL.IsPositive():
			r.Wins++
			if res.RealizedPnL.GreaterThan(r.LargestProfit) {
				r.LargestProfit = res.RealizedPnL
			}
		case res.RealizedPnL.IsNegative():
			r.Losses++
			if res.RealizedPnL.LessThan(r.LargestLoss) {
				r.LargestLoss = res.RealizedPnL
			}
		}
	}

	if r.Executed > 0 {
		r.AvgProfit = r.TotalProfit.Div(decimal.NewFromInt(int64(r.Executed)))
		r.AvgDuration = totalDur / time.Duration(r.Executed)
	}
	if capital.IsPositive() {
		r.TotalReturn = r.TotalProfit.Div(capital)
	}
	return r
}

// setSpan records the simulated period and derives trade frequency.
func (r *Report) setSpan(start, end time.Time) {
	r.Start, r.End = start, end
	if days := end.Sub(start).Hours() / 24; days > 0 {
		r.TradesPerDay = float64(r.Executed) / days
	}
}

// WriteJSON writes the report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("backtest: encode report: %w", err)
	}
	return nil
}

var tradeLogHeader = []string{
	"id", "opportunity_id", "outcome", "buy_venue", "sell_venue", "pair", "size",
	"buy_filled", "buy_price", "sell_filled", "sell_price", "unwind_filled", "unwind_price",
	"pnl", "fees", "residual", "started_at", "completed_at", "duration_ms",
}

// WriteTradeLog writes one CSV row per result.
func WriteTradeLog(w io.Writer, results []domain.TradeResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tradeLogHeader); err != nil {
		return fmt.Errorf("backtest: trade log header: %w", err)
	}
	for _, res := range results {
		unwindFilled, unwindPrice := "", ""
		if res.Unwind != nil {
			unwindFilled, unwindPrice = res.Unwind.FilledSize.String(), res.Unwind.AvgPrice.String()
		}
		row := []string{
			res.ID, res.OpportunityID, string(res.Outcome),
			res.Buy.Venue, res.Sell.Venue, res.Buy.Pair, res.Buy.RequestedSize.String(),
			res.Buy.FilledSize.String(), res.Buy.AvgPrice.String(),
			res.Sell.FilledSize.String(), res.Sell.AvgPrice.String(),
			unwindFilled, unwindPrice,
			res.RealizedPnL.String(), res.Fees.String(), res.ResidualExposure.String(),
			res.StartedAt.UTC().Format(time.RFC3339Nano), res.CompletedAt.UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(res.Duration().Milliseconds(), 10),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("backtest: trade log %s: %w", res.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// UploadTradeLog stores the trade log at path.
func UploadTradeLog(ctx context.Context, bw domain.BlobWriter, path string, results []domain.TradeResult) error {
	var buf bytes.Buffer
	if err := WriteTradeLog(&buf, results); err != nil {
		return err
	}
	if err := bw.Put(ctx, path, &buf, "text/csv"); err != nil {
		return fmt.Errorf("backtest: upload trade log: %w", err)
	}
	return nil
}
