// Package paper is a venue adapter that fills orders against the live quote
// book without sending anything to an exchange. Paper mode runs the real
// coordinator on top of it, and drills use its failure injection.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/pricing"
)

// Operations that failures can be injected into.
const (
	OpSubmit = "submit"
	OpStatus = "status"
	OpCancel = "cancel"
)

type order struct {
	handle domain.LegHandle
	req    domain.OrderRequest
	status domain.LegStatus
}

// Adapter implements domain.VenueAdapter for one venue. Orders are
// immediate-or-cancel: whatever the book allows within the limit fills at
// submission and the remainder is cancelled.
type Adapter struct {
	name   string
	quotes domain.QuoteSource

	mu        sync.Mutex
	seq       int
	orders    map[string]*order
	byClient  map[string]string
	failures  map[string][]domain.VenueErrorKind
	fillRatio decimal.Decimal
	hold      bool
}

var _ domain.VenueAdapter = (*Adapter)(nil)

// New creates an adapter named name that prices from quotes.
func New(name string, quotes domain.QuoteSource) *Adapter {
	return &Adapter{
		name:      name,
		quotes:    quotes,
		orders:    make(map[string]*order),
		byClient:  make(map[string]string),
		failures:  make(map[string][]domain.VenueErrorKind),
		fillRatio: decimal.NewFromInt(1),
	}
}

// Name implements domain.VenueAdapter.
func (a *Adapter) Name() string { return a.name }

// InjectFailure makes the next calls of op fail, one per kind, in order.
func (a *Adapter) InjectFailure(op string, kinds ...domain.VenueErrorKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[op] = append(a.failures[op], kinds...)
}

// SetFillRatio caps fills at ratio of the requested size, clamped to
// [0, 1].
func (a *Adapter) SetFillRatio(ratio decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fillRatio = decimal.Max(decimal.Zero, decimal.Min(ratio, decimal.NewFromInt(1)))
}

// SetHold keeps new orders open and unfilled until cancelled.
func (a *Adapter) SetHold(hold bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hold = hold
}

// Orders is the number of distinct orders accepted.
func (a *Adapter) Orders() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.orders)
}

// injected pops the next scripted failure for op. Caller holds a.mu.
func (a *Adapter) injected(op string) error {
	queue := a.failures[op]
	if len(queue) == 0 {
		return nil
	}
	kind := queue[0]
	a.failures[op] = queue[1:]
	return domain.NewVenueError(a.name, op, kind, errors.New("injected"))
}

// SubmitOrder fills req against the latest book. Resubmitting a client
// order ID returns the original order.
func (a *Adapter) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.LegHandle, error) {
	if err := ctx.Err(); err != nil {
		return domain.LegHandle{}, domain.NewVenueError(a.name, OpSubmit, domain.VenueErrTimeout, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.injected(OpSubmit); err != nil {
		return domain.LegHandle{}, err
	}
	if req.ClientOrderID != "" {
		if id, ok := a.byClient[req.ClientOrderID]; ok {
			return a.orders[id].handle, nil
		}
	}
	if !req.Size.IsPositive() {
		return domain.LegHandle{}, domain.NewVenueError(a.name, OpSubmit, domain.VenueErrRejected,
			fmt.Errorf("invalid size %s", req.Size))
	}
	if !req.IsMarket() && req.LimitPrice.IsNegative() {
		return domain.LegHandle{}, domain.NewVenueError(a.name, OpSubmit, domain.VenueErrRejected,
			fmt.Errorf("invalid limit price %s", req.LimitPrice))
	}
	snap, ok := a.quotes.Latest(a.name, req.Pair)
	if !ok {
		return domain.LegHandle{}, domain.NewVenueError(a.name, OpSubmit, domain.VenueErrUnavailable,
			fmt.Errorf("no book for %s", req.Pair))
	}

	a.seq++
	o := &order{
		handle: domain.LegHandle{
			Venue:         a.name,
			OrderID:       fmt.Sprintf("%s-%d", a.name, a.seq),
			ClientOrderID: req.ClientOrderID,
		},
		req: req,
	}
	if a.hold {
		o.status = domain.LegStatus{State: domain.LegSubmitted}
	} else {
		fill := pricing.WalkDepthLimit(snap.Levels(req.Side), req.Size.Mul(a.fillRatio), req.Side, req.LimitPrice)
		o.status = statusFor(req.Size, fill)
	}
	a.orders[o.handle.OrderID] = o
	if req.ClientOrderID != "" {
		a.byClient[req.ClientOrderID] = o.handle.OrderID
	}
	return o.handle, nil
}

func statusFor(requested decimal.Decimal, fill pricing.Fill) domain.LegStatus {
	st := domain.LegStatus{FilledSize: fill.Size, AvgPrice: fill.VWAP, Final: true}
	switch {
	case fill.Size.GreaterThanOrEqual(requested):
		st.State = domain.LegFilled
	case fill.Size.IsPositive():
		st.State = domain.LegPartiallyFilled
	default:
		st.State = domain.LegCancelled
	}
	return st
}

func (a *Adapter) lookup(op string, h domain.LegHandle) (*order, error) {
	if o, ok := a.orders[h.OrderID]; ok {
		return o, nil
	}
	if id, ok := a.byClient[h.ClientOrderID]; ok && h.ClientOrderID != "" {
		return a.orders[id], nil
	}
	return nil, domain.NewVenueError(a.name, op, domain.VenueErrRejected,
		fmt.Errorf("order %s/%s: %w", h.OrderID, h.ClientOrderID, domain.ErrNotFound))
}

// LegStatus implements domain.VenueAdapter.
func (a *Adapter) LegStatus(_ context.Context, h domain.LegHandle) (domain.LegStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected(OpStatus); err != nil {
		return domain.LegStatus{}, err
	}
	o, err := a.lookup(OpStatus, h)
	if err != nil {
		return domain.LegStatus{}, err
	}
	return o.status, nil
}

// CancelOrder closes an open order. Cancelling a final order is a no-op.
func (a *Adapter) CancelOrder(_ context.Context, h domain.LegHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected(OpCancel); err != nil {
		return err
	}
	o, err := a.lookup(OpCancel, h)
	if err != nil {
		return err
	}
	if !o.status.Final {
		o.status.State = domain.LegCancelled
		o.status.Final = true
	}
	return nil
}
