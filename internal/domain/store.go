package domain

import "context"

// TradeLedger is the append-only sink for finalized trade results. Appends
// from concurrent trade resolutions must be safe; an ID may be appended once.
// Get wraps ErrNotFound for unknown IDs.
type TradeLedger interface {
	Append(ctx context.Context, res TradeResult) error
	Get(ctx context.Context, id string) (TradeResult, error)
	ListRecent(ctx context.Context, limit int) ([]TradeResult, error)
}
