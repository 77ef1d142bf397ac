package backtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orrery/internal/kernel"
	"orrery/internal/model"
	"orrery/internal/units"
)

func TestComputeStatsAggregates(t *testing.T) {
	cfg := RunConfig{InitialBalance: 10000}
	info := model.AccountInfo{Money: model.AccountMoney{Balance: 10500, Equity: 10600, Profit: 100}}
	orders := []model.Order{
		{Status: model.OrderFilled},
		{Status: model.OrderFilled},
		{Status: model.OrderRejected},
		{Status: model.OrderCancelled},
	}
	trades := []units.ClosedTrade{
		{PnL: 300},
		{PnL: -100},
		{PnL: 0},
	}
	frames := []Frame{
		{TS: 1, Equity: 10000},
		{TS: 2, Equity: 11000},
		{TS: 3, Equity: 9900}, // 11000 -> 9900 is the deepest dip
		{TS: 4, Equity: 10600},
	}

	stats := computeStats(cfg, info, orders, trades, frames, 7)

	assert.Equal(t, 4, stats.Orders)
	assert.Equal(t, 2, stats.Filled)
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, 3, stats.Trades)
	assert.Equal(t, 2, stats.Wins)
	assert.Equal(t, 1, stats.Losses)
	assert.InDelta(t, 66.666, stats.WinRate, 0.01)
	assert.InDelta(t, 600.0, stats.Profit, 1e-9)
	assert.InDelta(t, 6.0, stats.ReturnPct, 1e-9)
	assert.InDelta(t, 10.0, stats.MaxDrawdownPct, 1e-6)
	assert.Equal(t, 11000.0, stats.EquityPeak)
	assert.Equal(t, 9900.0, stats.EquityValley)
	assert.Equal(t, int64(7), stats.Passes)
	assert.False(t, stats.FinishedAt.IsZero())
}

func TestComputeStatsEmptyRun(t *testing.T) {
	cfg := RunConfig{InitialBalance: 10000}
	info := model.AccountInfo{Money: model.AccountMoney{Balance: 10000, Equity: 10000}}

	stats := computeStats(cfg, info, nil, nil, nil, 0)
	assert.Zero(t, stats.WinRate)
	assert.Zero(t, stats.MaxDrawdownPct)
	assert.Zero(t, stats.Profit)
	assert.Equal(t, 10000.0, stats.EquityPeak)
}

func TestFrameUnitDeduplicatesSameTimestamp(t *testing.T) {
	k := kernel.New()
	period := units.NewPeriodUnit()
	account, err := units.NewAccountUnit(k, period, units.AccountConfig{
		AccountID:      "t@X",
		InitialBalance: 1000,
		Timeframe:      "1h",
	})
	require.NoError(t, err)
	frames := NewFrameUnit(k, account)

	// kernel not running: Now() stays fixed, both events share one TS
	require.NoError(t, frames.OnEvent(t.Context()))
	require.NoError(t, frames.OnEvent(t.Context()))

	got := frames.Frames()
	require.Len(t, got, 1)
	assert.Equal(t, 1000.0, got[0].Equity)
	assert.Equal(t, 1000.0, got[0].Balance)
}
