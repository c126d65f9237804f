package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

const pair = "BTC/USD"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeVenue fills every order in full at price unless scripted otherwise.
type fakeVenue struct {
	name  string
	price decimal.Decimal

	// wait delays SubmitOrder until closed.
	wait <-chan struct{}
	// filled is closed the first time a positive fill is reported.
	filled   chan struct{}
	fillOnce sync.Once
	// fill overrides the filled size for a request.
	fill func(req domain.OrderRequest) decimal.Decimal
	// pending keeps every order open and unfilled.
	pending bool

	mu      sync.Mutex
	errs    []error
	orders  map[string]domain.OrderRequest
	submits []domain.OrderRequest
	cancels int
}

func newFakeVenue(name, price string) *fakeVenue {
	return &fakeVenue{
		name:   name,
		price:  d(price),
		filled: make(chan struct{}),
		orders: make(map[string]domain.OrderRequest),
	}
}

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.LegHandle, error) {
	if f.wait != nil {
		select {
		case <-f.wait:
		case <-ctx.Done():
			return domain.LegHandle{}, domain.NewVenueError(f.name, "submit", domain.VenueErrTimeout, ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return domain.LegHandle{}, err
	}
	f.orders[req.ClientOrderID] = req
	return domain.LegHandle{Venue: f.name, OrderID: "o-" + req.ClientOrderID, ClientOrderID: req.ClientOrderID}, nil
}

func (f *fakeVenue) LegStatus(_ context.Context, h domain.LegHandle) (domain.LegStatus, error) {
	f.mu.Lock()
	req, ok := f.orders[h.ClientOrderID]
	f.mu.Unlock()
	if !ok {
		return domain.LegStatus{}, domain.NewVenueError(f.name, "status", domain.VenueErrRejected, domain.ErrNotFound)
	}
	if f.pending {
		return domain.LegStatus{State: domain.LegSubmitted}, nil
	}
	size := req.Size
	if f.fill != nil {
		size = f.fill(req)
	}
	if size.IsPositive() {
		f.fillOnce.Do(func() { close(f.filled) })
	}
	return domain.LegStatus{State: domain.LegFilled, FilledSize: size, AvgPrice: f.price, Final: true}, nil
}

func (f *fakeVenue) CancelOrder(context.Context, domain.LegHandle) error {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
	return nil
}

func (f *fakeVenue) submitted() []domain.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OrderRequest(nil), f.submits...)
}

type staticQuotes map[string]domain.QuoteSnapshot

func (q staticQuotes) Latest(venue, _ string) (domain.QuoteSnapshot, bool) {
	s, ok := q[venue]
	return s, ok
}

func quotes(askA, bidB string) staticQuotes {
	return staticQuotes{
		"a": domain.NewQuoteSnapshot("a", pair,
			[]domain.PriceLevel{{Price: d(askA).Sub(d("1")), Size: d("5")}},
			[]domain.PriceLevel{{Price: d(askA), Size: d("5")}}, t0),
		"b": domain.NewQuoteSnapshot("b", pair,
			[]domain.PriceLevel{{Price: d(bidB), Size: d("5")}},
			[]domain.PriceLevel{{Price: d(bidB).Add(d("1")), Size: d("5")}}, t0),
	}
}

type memRecorder struct {
	mu      sync.Mutex
	results []domain.TradeResult
}

func (r *memRecorder) Record(_ context.Context, res domain.TradeResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *memRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Multiplier: 2}
}

func opportunity() domain.Opportunity {
	return domain.Opportunity{
		ID: "opp-1", BuyVenue: "a", SellVenue: "b", Pair: pair,
		BuyPrice: d("100"), SellPrice: d("102"), Size: d("1"),
		NetProfit: d("2"), DetectedAt: t0, BuyQuoteAt: t0, SellQuoteAt: t0,
	}
}

func newCoordinator(a, b *fakeVenue, q domain.QuoteSource, rec Recorder, mod func(*CoordinatorConfig)) *Coordinator {
	seq := 0
	cfg := CoordinatorConfig{
		Venues:        map[string]domain.VenueAdapter{"a": a, "b": b},
		Quotes:        q,
		Fees:          domain.FeeTable{"a": {Venue: "a"}, "b": {Venue: "b"}},
		MaxQuoteAge:   time.Second,
		Deadline:      time.Second,
		PollInterval:  5 * time.Millisecond,
		SettleTimeout: 100 * time.Millisecond,
		Retry:         fastRetry(),
		Unwind:        UnwindConfig{Timeout: 200 * time.Millisecond},
		Recorder:      rec,
		Now:           func() time.Time { return t0 },
		NewID: func() string {
			seq++
			return fmt.Sprintf("t%d", seq)
		},
	}
	if mod != nil {
		mod(&cfg)
	}
	return NewCoordinator(cfg)
}

func TestCoordinator_Success(t *testing.T) {
	a, b := newFakeVenue("a", "100"), newFakeVenue("b", "102")
	rec := &memRecorder{}
	c := newCoordinator(a, b, quotes("100", "102"), rec, nil)

	res, err := c.Execute(context.Background(), opportunity())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, res.Outcome)
	assert.Equal(t, domain.LegFilled, res.Buy.State)
	assert.Equal(t, domain.LegFilled, res.Sell.State)
	assert.True(t, res.RealizedPnL.Equal(d("2")), res.RealizedPnL.String())
	assert.True(t, res.ResidualExposure.IsZero())
	assert.Nil(t, res.Unwind)
	assert.Equal(t, 1, rec.count())

	require.Len(t, a.submitted(), 1)
	assert.Equal(t, "t1-buy", a.submitted()[0].ClientOrderID)
	assert.True(t, a.submitted()[0].LimitPrice.Equal(d("100")))
	assert.Equal(t, domain.SideSell, b.submitted()[0].Side)
}

func TestCoordinator_SellRejectedAfterBuyFill(t *testing.T) {
	tests := []struct {
		name        string
		unwindFills bool
		want        domain.Outcome
	}{
		{name: "unwind succeeds", unwindFills: true, want: domain.OutcomeFailedRecovered},
		{name: "unwind fails", unwindFills: false, want: domain.OutcomeFailedExposed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := newFakeVenue("a", "100"), newFakeVenue("b", "102")
			if !tt.unwindFills {
				a.fill = func(req domain.OrderRequest) decimal.Decimal {
					if req.Side == domain.SideSell {
						return decimal.Zero
					}
					return req.Size
				}
			}
			b.wait = a.filled
			b.errs = []error{domain.NewVenueError("b", "submit", domain.VenueErrRejected, errors.New("insufficient balance"))}
			rec := &memRecorder{}
			c := newCoordinator(a, b, quotes("100", "102"), rec, nil)

			res, err := c.Execute(context.Background(), opportunity())
			assert.NotEqual(t, domain.OutcomeSuccess, res.Outcome)
			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, domain.LegFilled, res.Buy.State)
			assert.Equal(t, domain.LegRejected, res.Sell.State)
			assert.Equal(t, 1, res.Sell.Attempts, "definitive rejections are not retried")
			require.NotNil(t, res.Unwind)
			assert.Equal(t, "a", res.Unwind.Venue)
			assert.Equal(t, domain.SideSell, res.Unwind.Side)
			assert.True(t, res.Unwind.RequestedSize.Equal(d("1")))
			assert.Equal(t, 1, rec.count())

			if tt.unwindFills {
				require.NoError(t, err)
				assert.True(t, res.ResidualExposure.IsZero())
				assert.True(t, res.RealizedPnL.IsZero(), res.RealizedPnL.String())
			} else {
				require.Error(t, err)
				assert.True(t, errors.Is(err, domain.ErrUnwindFailure))
				assert.True(t, res.ResidualExposure.Equal(d("1")))
			}
		})
	}
}

type downRecorder struct{ calls int }

func (r *downRecorder) Record(context.Context, domain.TradeResult) error {
	r.calls++
	return errors.New("ledger down")
}

func TestCoordinator_ExposureEscalatesWhenLedgerFails(t *testing.T) {
	a, b := newFakeVenue("a", "100"), newFakeVenue("b", "102")
	a.fill = func(req domain.OrderRequest) decimal.Decimal {
		if req.Side == domain.SideSell {
			return decimal.Zero
		}
		return req.Size
	}
	b.wait = a.filled
	b.errs = []error{domain.NewVenueError("b", "submit", domain.VenueErrRejected, errors.New("insufficient balance"))}
	rec := &downRecorder{}
	c := newCoordinator(a, b, quotes("100", "102"), rec, nil)

	res, err := c.Execute(context.Background(), opportunity())
	assert.Equal(t, domain.OutcomeFailedExposed, res.Outcome)
	assert.Equal(t, 1, rec.calls)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnwindFailure)
	assert.ErrorContains(t, err, "ledger down")
}

func TestCoordinator_RetriesTransientOnly(t *testing.T) {
	a, b := newFakeVenue("a", "100"), newFakeVenue("b", "102")
	b.errs = []error{
		domain.NewVenueError("b", "submit", domain.VenueErrTimeout, nil),
		domain.NewVenueError("b", "submit", domain.VenueErrUnavailable, nil),
	}
	c := newCoordinator(a, b, quotes("100", "102"), &memRecorder{}, nil)

	res, err := c.Execute(context.Background(), opportunity())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 3, res.Sell.Attempts)

	subs := b.submitted()
	require.Len(t, subs, 3)
	for _, s := range subs {
		assert.Equal(t, "t1-sell", s.ClientOrderID, "client order id is stable across retries")
	}
}

func TestCoordinator_BothRejectedIsClean(t *testing.T) {
	a, b := newFakeVenue("a", "100"), newFakeVenue("b", "102")
	a.errs = []error{domain.NewVenueError("a", "submit", domain.VenueErrRejected, nil)}
	b.errs = []error{domain.NewVenueError("b", "submit", domain.VenueErrRejected, nil)}
	rec := &memRecorder{}
	c := newCoordinator(a, b, quotes("100", "102"), rec, nil)

	res, err := c.Execute(context.Background(), opportunity())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailedClean, res.Outcome)
	assert.True(t, res.RealizedPnL.IsZero())
	assert.Nil(t, res.Unwind)
	assert.Equal(t, 1, rec.count())
}

func TestCoordinator_StaleAtSubmission(t *testing.T) {
	a, b := newFakeVenue("a", "100"), newFakeVenue("b", "102")
	rec := &memRecorder{}
	// The spread has closed since detection.
	c := newCoordinator(a, b, quotes("101", "100"), rec, nil)

	res, err := c.Execute(context.Background(), opportunity())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeStale, res.Outcome)
	assert.Equal(t, domain.LegCancelled, res.Buy.State)
	assert.Empty(t, a.submitted())
	assert.Empty(t, b.submitted())
	assert.Equal(t, 1, rec.count())
	assert.Contains(t, res.Note, "no longer profitable")
}

func TestCoordinator_StaleQuotes(t *testing.T) {
	a, b := newFakeVenue("a", "100"), newFakeVenue("b", "102")
	c := newCoordinator(a, b, quotes("100", "102"), &memRecorder{}, func(cfg *CoordinatorConfig) {
		cfg.Now = func() time.Time { return t0.Add(5 * time.Second) }
	})
	res, err := c.Execute(context.Background(), opportunity())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeStale, res.Outcome)
	assert.Empty(t, a.submitted())
}

func TestCoordinator_DeadlineUnwindsSubmittedLeg(t *testing.T) {
	a, b := newFakeVenue("a", "100"), newFakeVenue("b", "102")
	b.pending = true
	c := newCoordinator(a, b, quotes("100", "102"), &memRecorder{}, func(cfg *CoordinatorConfig) {
		cfg.Deadline = 50 * time.Millisecond
	})

	res, err := c.Execute(context.Background(), opportunity())
	require.NoError(t, err)
	assert.Equal(t, domain.LegTimedOut, res.Sell.State)
	assert.Equal(t, domain.OutcomeFailedRecovered, res.Outcome)
	b.mu.Lock()
	assert.GreaterOrEqual(t, b.cancels, 1)
	b.mu.Unlock()
}

func TestCoordinator_LimitUnwindPricesOffBook(t *testing.T) {
	a, b := newFakeVenue("a", "100"), newFakeVenue("b", "102")
	b.wait = a.filled
	b.errs = []error{domain.NewVenueError("b", "submit", domain.VenueErrRejected, nil)}
	c := newCoordinator(a, b, quotes("100", "102"), &memRecorder{}, func(cfg *CoordinatorConfig) {
		cfg.Unwind = UnwindConfig{Order: UnwindLimit, Slippage: d("0.01"), Timeout: 200 * time.Millisecond}
	})

	res, err := c.Execute(context.Background(), opportunity())
	require.NoError(t, err)
	require.NotNil(t, res.Unwind)
	// Best bid on a is 99.
	assert.True(t, res.Unwind.LimitPrice.Equal(d("98.01")), res.Unwind.LimitPrice.String())
}

func TestCoordinator_AtMostOneInFlightPerCombo(t *testing.T) {
	gate := make(chan struct{})
	a, b := newFakeVenue("a", "100"), newFakeVenue("b", "102")
	a.wait = gate
	c := newCoordinator(a, b, quotes("100", "102"), &memRecorder{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), opportunity())
		done <- err
	}()
	require.Eventually(t, func() bool { return c.inflight.Active(opportunity().Key()) }, time.Second, time.Millisecond)

	_, err := c.Execute(context.Background(), opportunity())
	assert.True(t, errors.Is(err, domain.ErrInFlight))

	close(gate)
	require.NoError(t, <-done)
	assert.False(t, c.inflight.Active(opportunity().Key()))
}

func TestInFlight_Concurrent(t *testing.T) {
	f := NewInFlight(nil, 0)
	key := domain.ComboKey{BuyVenue: "a", SellVenue: "b", Pair: pair}

	var acquired atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := f.Acquire(context.Background(), key); err == nil {
				acquired.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), acquired.Load())

	other := domain.ComboKey{BuyVenue: "b", SellVenue: "a", Pair: pair}
	release, err := f.Acquire(context.Background(), other)
	require.NoError(t, err, "the reverse direction is a different combination")
	release()
	release()
	assert.Equal(t, 1, f.Len())
}

type heldLocks struct{ err error }

func (h heldLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, h.err
}

func TestInFlight_DistributedLock(t *testing.T) {
	key := domain.ComboKey{BuyVenue: "a", SellVenue: "b", Pair: pair}

	f := NewInFlight(heldLocks{err: domain.ErrLockHeld}, time.Second)
	_, err := f.Acquire(context.Background(), key)
	assert.True(t, errors.Is(err, domain.ErrInFlight))
	assert.Equal(t, 0, f.Len(), "local claim is released when the lock is held elsewhere")

	f = NewInFlight(heldLocks{err: errors.New("connection refused")}, time.Second)
	_, err = f.Acquire(context.Background(), key)
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrInFlight))
}

func TestRetryPolicy_Do(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4}
	transient := domain.NewVenueError("a", "submit", domain.VenueErrTimeout, nil)

	calls := 0
	attempts, err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return transient
	})
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 4, calls)
	assert.True(t, errors.Is(err, domain.ErrTransientVenue))

	calls = 0
	attempts, err = p.Do(context.Background(), func(context.Context) error {
		calls++
		return domain.NewVenueError("a", "submit", domain.VenueErrRejected, nil)
	})
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.Is(err, domain.ErrDefinitiveRejection))

	attempts, err = p.Do(context.Background(), func(context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(5))

	p.RateLimitDelay = 300 * time.Millisecond
	rl := domain.NewVenueError("a", "submit", domain.VenueErrRateLimited, nil)
	assert.Equal(t, 300*time.Millisecond, p.wait(1, rl))
}

func TestRetryPolicy_StopsOnContext(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts, err := p.Do(ctx, func(context.Context) error {
		return domain.NewVenueError("a", "submit", domain.VenueErrTimeout, nil)
	})
	assert.Equal(t, 1, attempts)
	assert.Error(t, err)
}

// scriptedTrader returns canned results per opportunity ID.
type scriptedTrader struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (s *scriptedTrader) Execute(_ context.Context, opp domain.Opportunity) (domain.TradeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, opp.ID)
	return domain.TradeResult{ID: "t-" + opp.ID}, s.errs[opp.ID]
}

func (s *scriptedTrader) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func TestExecutor_HaltsOnUnwindFailure(t *testing.T) {
	ch := make(chan domain.Opportunity)
	trader := &scriptedTrader{errs: map[string]error{
		"bad": fmt.Errorf("trade: %w", domain.ErrUnwindFailure),
	}}
	ex := NewExecutor(ch, trader, 4, time.Second, nil, nil)
	ex.SetClock(func() time.Time { return t0 })
	var halts atomic.Int32
	ex.OnHalt(func(string, error) { halts.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ex.Run(ctx) }()

	opp := opportunity()
	opp.ID = "bad"
	ch <- opp
	require.Eventually(t, ex.Halted, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return halts.Load() == 1 }, time.Second, time.Millisecond)

	opp.ID = "after-halt"
	ch <- opp
	// The loop is sequential, so this send returns only once the previous
	// opportunity has been processed.
	opp.ID = "after-halt-2"
	ch <- opp

	ex.Resume()
	opp.ID = "resumed"
	ch <- opp

	stale := opportunity()
	stale.ID = "stale"
	stale.BuyQuoteAt = t0.Add(-time.Minute)
	ch <- stale

	close(ch)
	require.NoError(t, <-done)
	cancel()
	assert.ElementsMatch(t, []string{"bad", "resumed"}, trader.executed())
}

type blockingTrader struct{ release chan struct{} }

func (b blockingTrader) Execute(context.Context, domain.Opportunity) (domain.TradeResult, error) {
	<-b.release
	return domain.TradeResult{}, nil
}

func TestExecutor_ProcessDiscardReasons(t *testing.T) {
	trader := blockingTrader{release: make(chan struct{})}
	ex := NewExecutor(nil, trader, 1, time.Second, nil, nil)
	ex.SetClock(func() time.Time { return t0 })
	ctx := context.Background()

	require.NoError(t, ex.process(ctx, opportunity()))
	assert.ErrorIs(t, ex.process(ctx, opportunity()), errMaxOpen)

	stale := opportunity()
	stale.SellQuoteAt = t0.Add(-time.Minute)
	assert.ErrorIs(t, ex.process(ctx, stale), domain.ErrStaleData)

	ex.halted.Store(true)
	assert.ErrorIs(t, ex.process(ctx, opportunity()), domain.ErrHalted)

	close(trader.release)
	ex.wg.Wait()
}
