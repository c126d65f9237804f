package paper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuearb/internal/arbitrage"
	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/executor"
	"github.com/alanyoungcy/venuearb/internal/ledger"
)

var t0 = time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lvl(p, s string) domain.PriceLevel {
	return domain.PriceLevel{Price: d(p), Size: d(s)}
}

// book has venue a offering at 100 (bid 99) and venue b bidding 102
// (ask 103), five units deep on each level.
func book(t *testing.T) *arbitrage.QuoteBook {
	t.Helper()
	b := arbitrage.NewQuoteBook()
	require.NoError(t, b.Update(domain.NewQuoteSnapshot("a", "BTC/USD",
		[]domain.PriceLevel{lvl("99", "5")},
		[]domain.PriceLevel{lvl("100", "1"), lvl("100.5", "4")}, t0)))
	require.NoError(t, b.Update(domain.NewQuoteSnapshot("b", "BTC/USD",
		[]domain.PriceLevel{lvl("102", "5")},
		[]domain.PriceLevel{lvl("103", "5")}, t0)))
	return b
}

func TestSubmitFillsAgainstBook(t *testing.T) {
	a := New("a", book(t))
	ctx := context.Background()

	h, err := a.SubmitOrder(ctx, domain.OrderRequest{Pair: "BTC/USD", Side: domain.SideBuy, Size: d("2"), ClientOrderID: "c1"})
	require.NoError(t, err)
	st, err := a.LegStatus(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, domain.LegFilled, st.State)
	assert.True(t, st.Final)
	assert.Equal(t, "2", st.FilledSize.String())
	assert.Equal(t, "100.25", st.AvgPrice.String())

	limited, err := a.SubmitOrder(ctx, domain.OrderRequest{Pair: "BTC/USD", Side: domain.SideBuy, Size: d("2"), LimitPrice: d("100"), ClientOrderID: "c2"})
	require.NoError(t, err)
	st, err = a.LegStatus(ctx, limited)
	require.NoError(t, err)
	assert.Equal(t, domain.LegPartiallyFilled, st.State)
	assert.Equal(t, "1", st.FilledSize.String())

	none, err := a.SubmitOrder(ctx, domain.OrderRequest{Pair: "BTC/USD", Side: domain.SideSell, Size: d("1"), LimitPrice: d("101"), ClientOrderID: "c3"})
	require.NoError(t, err)
	st, err = a.LegStatus(ctx, none)
	require.NoError(t, err)
	assert.Equal(t, domain.LegCancelled, st.State)
	assert.True(t, st.FilledSize.IsZero())
}

func TestSubmitIsIdempotentByClientOrderID(t *testing.T) {
	a := New("a", book(t))
	req := domain.OrderRequest{Pair: "BTC/USD", Side: domain.SideBuy, Size: d("1"), ClientOrderID: "same"}
	h1, err := a.SubmitOrder(context.Background(), req)
	require.NoError(t, err)
	h2, err := a.SubmitOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, a.Orders())

	st, err := a.LegStatus(context.Background(), domain.LegHandle{Venue: "a", ClientOrderID: "same"})
	require.NoError(t, err)
	assert.Equal(t, domain.LegFilled, st.State)
}

func TestSubmitErrors(t *testing.T) {
	a := New("a", book(t))
	ctx := context.Background()

	_, err := a.SubmitOrder(ctx, domain.OrderRequest{Pair: "ETH/USD", Side: domain.SideBuy, Size: d("1")})
	assert.True(t, domain.IsTransient(err), "missing book is transient")

	_, err = a.SubmitOrder(ctx, domain.OrderRequest{Pair: "BTC/USD", Side: domain.SideBuy, Size: d("0")})
	assert.ErrorIs(t, err, domain.ErrDefinitiveRejection)

	_, err = a.SubmitOrder(ctx, domain.OrderRequest{Pair: "BTC/USD", Side: domain.SideBuy, Size: d("1"), LimitPrice: d("-1")})
	assert.ErrorIs(t, err, domain.ErrDefinitiveRejection)

	_, err = a.LegStatus(ctx, domain.LegHandle{OrderID: "nope"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	a.InjectFailure(OpSubmit, domain.VenueErrRateLimited, domain.VenueErrRejected)
	_, err = a.SubmitOrder(ctx, domain.OrderRequest{Pair: "BTC/USD", Side: domain.SideBuy, Size: d("1")})
	assert.True(t, domain.IsRateLimited(err))
	_, err = a.SubmitOrder(ctx, domain.OrderRequest{Pair: "BTC/USD", Side: domain.SideBuy, Size: d("1")})
	assert.ErrorIs(t, err, domain.ErrDefinitiveRejection)
	_, err = a.SubmitOrder(ctx, domain.OrderRequest{Pair: "BTC/USD", Side: domain.SideBuy, Size: d("1")})
	assert.NoError(t, err)
}

func TestHoldAndCancel(t *testing.T) {
	a := New("a", book(t))
	a.SetHold(true)
	ctx := context.Background()
	h, err := a.SubmitOrder(ctx, domain.OrderRequest{Pair: "BTC/USD", Side: domain.SideBuy, Size: d("1"), ClientOrderID: "c"})
	require.NoError(t, err)

	st, err := a.LegStatus(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, domain.LegSubmitted, st.State)
	assert.False(t, st.Final)

	require.NoError(t, a.CancelOrder(ctx, h))
	st, err = a.LegStatus(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, domain.LegCancelled, st.State)
	assert.True(t, st.Final)
}

// paperCoordinator runs the real coordinator over two paper venues.
func paperCoordinator(t *testing.T, a, b *Adapter, q domain.QuoteSource, led domain.TradeLedger) *executor.Coordinator {
	t.Helper()
	seq := 0
	return executor.NewCoordinator(executor.CoordinatorConfig{
		Venues:        map[string]domain.VenueAdapter{"a": a, "b": b},
		Quotes:        q,
		Fees:          domain.FeeTable{"a": {Venue: "a"}, "b": {Venue: "b"}},
		MaxQuoteAge:   time.Minute,
		Deadline:      200 * time.Millisecond,
		PollInterval:  time.Millisecond,
		SettleTimeout: 50 * time.Millisecond,
		Retry:         executor.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2},
		Unwind:        executor.UnwindConfig{Timeout: 100 * time.Millisecond},
		Recorder:      recorderFunc(led.Append),
		Now:           func() time.Time { return t0 },
		NewID: func() string {
			seq++
			return fmt.Sprintf("paper-%d", seq)
		},
	})
}

type recorderFunc func(context.Context, domain.TradeResult) error

func (f recorderFunc) Record(ctx context.Context, res domain.TradeResult) error { return f(ctx, res) }

func detect(t *testing.T, q *arbitrage.QuoteBook) domain.Opportunity {
	t.Helper()
	det := arbitrage.NewDetector(arbitrage.DetectorConfig{
		Fees:      domain.FeeTable{"a": {Venue: "a"}, "b": {Venue: "b"}},
		TradeSize: d("1"),
		Book:      q,
		Now:       func() time.Time { return t0 },
		NewID:     func() string { return "opp-1" },
	})
	snap, ok := q.Latest("b", "BTC/USD")
	require.True(t, ok)
	opps, err := det.OnSnapshot(snap)
	require.NoError(t, err)
	require.Len(t, opps, 1)
	return opps[0]
}

func TestPaperTradingEndToEnd(t *testing.T) {
	q := book(t)
	a, b := New("a", q), New("b", q)
	led := ledger.NewMemory()
	c := paperCoordinator(t, a, b, q, led)
	opp := detect(t, q)

	// A transient failure is retried under the same client order ID.
	b.InjectFailure(OpSubmit, domain.VenueErrTimeout)
	res, err := c.Execute(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "2", res.RealizedPnL.String())
	assert.Equal(t, 2, res.Sell.Attempts)
	assert.Equal(t, 1, b.Orders())
	assert.Equal(t, 1, led.Len())
}

func TestPaperPartialFillIsUnwound(t *testing.T) {
	q := book(t)
	a, b := New("a", q), New("b", q)
	b.SetFillRatio(d("0.5"))
	led := ledger.NewMemory()
	c := paperCoordinator(t, a, b, q, led)

	res, err := c.Execute(context.Background(), detect(t, q))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailedRecovered, res.Outcome)
	require.NotNil(t, res.Unwind)
	assert.Equal(t, "a", res.Unwind.Venue)
	assert.Equal(t, domain.SideSell, res.Unwind.Side)
	assert.Equal(t, "0.5", res.Unwind.FilledSize.String())
	// -100 + 0.5*102 + 0.5*99
	assert.Equal(t, "0.5", res.RealizedPnL.String())
	assert.True(t, res.ResidualExposure.IsZero())
}

func TestPaperHeldOrdersTimeOutClean(t *testing.T) {
	q := book(t)
	a, b := New("a", q), New("b", q)
	a.SetHold(true)
	b.SetHold(true)
	c := paperCoordinator(t, a, b, q, ledger.NewMemory())

	res, err := c.Execute(context.Background(), detect(t, q))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailedClean, res.Outcome)
	assert.Equal(t, domain.LegTimedOut, res.Buy.State)
	assert.Equal(t, domain.LegTimedOut, res.Sell.State)
}
