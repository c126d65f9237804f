package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderRequest is a single order sent to a venue. A zero LimitPrice means a
// market order. ClientOrderID is stable across retries of the same leg so
// adapters can treat a resubmission as idempotent.
type OrderRequest struct {
	Pair          string
	Side          Side
	Size          decimal.Decimal
	LimitPrice    decimal.Decimal
	ClientOrderID string
}

// IsMarket reports whether the request carries no price limit.
func (r OrderRequest) IsMarket() bool {
	return r.LimitPrice.IsZero()
}

// LegHandle references an order accepted by a venue.
type LegHandle struct {
	Venue         string
	OrderID       string
	ClientOrderID string
}

// LegStatus is a venue's view of an order. Final is set once the venue will
// not fill the order any further.
type LegStatus struct {
	State      LegState
	FilledSize decimal.Decimal
	AvgPrice   decimal.Decimal
	Final      bool
}

// VenueAdapter places and tracks orders on one venue. Implementations
// return *VenueError so transient and definitive failures stay distinct.
type VenueAdapter interface {
	Name() string
	SubmitOrder(ctx context.Context, req OrderRequest) (LegHandle, error)
	LegStatus(ctx context.Context, h LegHandle) (LegStatus, error)
	CancelOrder(ctx context.Context, h LegHandle) error
}

// QuoteStream delivers snapshots for one venue until the connection ends.
type QuoteStream interface {
	Venue() string
	Stream(ctx context.Context, out chan<- QuoteSnapshot) error
}
