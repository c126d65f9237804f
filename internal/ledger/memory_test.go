package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

func TestMemory_AppendOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, domain.TradeResult{ID: "t1"}))
	err := m.Append(ctx, domain.TradeResult{ID: "t1"})
	assert.True(t, errors.Is(err, domain.ErrAlreadyExists))
	assert.Error(t, m.Append(ctx, domain.TradeResult{}))
	assert.Equal(t, 1, m.Len())
}

func TestMemory_ConcurrentAppends(t *testing.T) {
	m := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Append(context.Background(), domain.TradeResult{ID: fmt.Sprintf("t%d", i)}))
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, m.Len())
}

func TestMemory_ListRecentAndCorrections(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	at := time.Unix(0, 0)
	orig := domain.TradeResult{ID: "t1", RealizedPnL: decimal.NewFromInt(2), Outcome: domain.OutcomeSuccess}
	require.NoError(t, m.Append(ctx, orig))
	require.NoError(t, m.Append(ctx, domain.NewCorrection(orig, "t1-c1", decimal.NewFromInt(-1), "fee rebate missed", at)))

	recent, err := m.ListRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "t1", recent[0].CorrectsID)

	got, err := m.Get(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.RealizedPnL.Equal(decimal.NewFromInt(2)), "original is never modified")

	_, err = m.Get(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	all, _ := m.ListRecent(ctx, 0)
	assert.Len(t, all, 2)
}
