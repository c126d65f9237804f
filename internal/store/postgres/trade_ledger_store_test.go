package postgres

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/arb?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "arb", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://u:p@db:6543/arb?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6543, Database: "arb", User: "u", Password: "p", SSLMode: "require"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: " postgres://x ", Host: "ignored"}))
}

func TestLegRows(t *testing.T) {
	res := domain.TradeResult{
		Buy:  domain.NewTradeLeg("a", "BTC/USD", domain.SideBuy, decimal.NewFromInt(1)),
		Sell: domain.NewTradeLeg("b", "BTC/USD", domain.SideSell, decimal.NewFromInt(1)),
	}
	rows := legRows(res)
	require.Len(t, rows, 2)
	assert.Equal(t, "buy", rows[0].role)
	assert.Equal(t, "sell", rows[1].role)

	unwind := domain.NewTradeLeg("a", "BTC/USD", domain.SideSell, decimal.NewFromInt(1))
	res.Unwind = &unwind
	rows = legRows(res)
	require.Len(t, rows, 3)
	assert.Equal(t, "unwind", rows[2].role)
	assert.Equal(t, domain.SideSell, rows[2].leg.Side)
}

func TestParseDecimals(t *testing.T) {
	var a, b decimal.Decimal
	require.NoError(t, parseDecimals([]string{"1.10", "-0.000001"}, []*decimal.Decimal{&a, &b}))
	assert.Equal(t, "1.1", a.String())
	assert.Equal(t, "-0.000001", b.String())

	assert.Error(t, parseDecimals([]string{"NaN?"}, []*decimal.Decimal{&a}))
}

func TestNullable(t *testing.T) {
	assert.Nil(t, nullable(""))
	require.NotNil(t, nullable("t-1"))
	assert.Equal(t, "t-1", *nullable("t-1"))
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/001_trade_ledger.sql")
	require.NoError(t, err)
	assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS trade_results")
	assert.Contains(t, string(data), "append-only")
}
