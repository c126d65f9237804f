// Package ledger holds the in-process trade ledger used by backtests, paper
// trading and as the fallback when no database is configured.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// Memory is an append-only ledger kept in memory. It is safe for
// concurrent appends.
type Memory struct {
	mu      sync.RWMutex
	results []domain.TradeResult
	ids     map[string]struct{}
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{ids: make(map[string]struct{})}
}

// Append stores res. An ID can be appended only once.
func (m *Memory) Append(_ context.Context, res domain.TradeResult) error {
	if res.ID == "" {
		return fmt.Errorf("ledger: append: empty trade id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[res.ID]; ok {
		return fmt.Errorf("ledger: append %s: %w", res.ID, domain.ErrAlreadyExists)
	}
	m.ids[res.ID] = struct{}{}
	m.results = append(m.results, res)
	return nil
}

// ListRecent returns up to limit results, newest first. limit <= 0 returns
// everything.
func (m *Memory) ListRecent(_ context.Context, limit int) ([]domain.TradeResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.results)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.TradeResult, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.results[i])
	}
	return out, nil
}

// All returns every result in append order.
func (m *Memory) All() []domain.TradeResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.TradeResult(nil), m.results...)
}

// Get looks up a result by ID.
func (m *Memory) Get(_ context.Context, id string) (domain.TradeResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.results {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.TradeResult{}, fmt.Errorf("ledger: %s: %w", id, domain.ErrNotFound)
}

// Len is the number of entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results)
}

var _ domain.TradeLedger = (*Memory)(nil)
