package backtest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orrery/internal/model"
	"orrery/internal/units"
)

func newTestResultStore(t *testing.T) *ResultStore {
	t.Helper()
	s, err := NewResultStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun() Run {
	cfg := RunConfig{
		Script:         "sma-cross",
		ProductID:      "BTCUSDT",
		Timeframe:      "1h",
		StartTS:        3600_000,
		EndTS:          7200_000,
		AccountID:      "sma-cross@BTCUSDT",
		Currency:       "USDT",
		InitialBalance: 10000,
		Leverage:       1,
	}
	return Run{
		ID:             "run-1",
		Script:         cfg.Script,
		ProductID:      cfg.ProductID,
		Status:         RunStatusPending,
		StartTS:        cfg.StartTS,
		EndTS:          cfg.EndTS,
		Timeframe:      cfg.Timeframe,
		InitialBalance: cfg.InitialBalance,
		FinalBalance:   cfg.InitialBalance,
		Config:         cfg,
	}
}

func TestRunRoundTrip(t *testing.T) {
	s := newTestResultStore(t)
	ctx := t.Context()

	require.NoError(t, s.InsertRun(ctx, sampleRun()))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "sma-cross", got.Script)
	assert.Equal(t, RunStatusPending, got.Status)
	assert.Equal(t, "BTCUSDT", got.Config.ProductID)
	assert.Equal(t, 10000.0, got.InitialBalance)
	assert.True(t, got.CompletedAt.IsZero())
}

func TestUpdateRunSummaryMarksCompletion(t *testing.T) {
	s := newTestResultStore(t)
	ctx := t.Context()
	require.NoError(t, s.InsertRun(ctx, sampleRun()))

	stats := RunStats{
		FinalBalance:   10500,
		FinalEquity:    10500,
		Profit:         500,
		ReturnPct:      5,
		WinRate:        50,
		MaxDrawdownPct: 2.5,
		Orders:         4,
		Trades:         2,
		Wins:           1,
		Losses:         1,
	}
	require.NoError(t, s.UpdateRunSummary(ctx, "run-1", RunStatusDone, stats, "完成"))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, got.Status)
	assert.Equal(t, 10500.0, got.FinalBalance)
	assert.Equal(t, 500.0, got.Profit)
	assert.Equal(t, 5.0, got.ReturnPct)
	assert.Equal(t, "完成", got.Message)
	assert.Equal(t, 2, got.Trades)
	assert.False(t, got.CompletedAt.IsZero())
	assert.Equal(t, 50.0, got.Stats.WinRate)
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newTestResultStore(t)
	ctx := t.Context()

	first := sampleRun()
	second := sampleRun()
	second.ID = "run-2"
	require.NoError(t, s.InsertRun(ctx, first))
	require.NoError(t, s.InsertRun(ctx, second))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestOrdersAndTradesRoundTrip(t *testing.T) {
	s := newTestResultStore(t)
	ctx := t.Context()
	require.NoError(t, s.InsertRun(ctx, sampleRun()))

	orders := []model.Order{
		{OrderID: "o1", AccountID: "a", ProductID: "BTCUSDT", Direction: model.DirectionOpenLong,
			Type: model.OrderMarket, Volume: 1, Status: model.OrderFilled, FilledPrice: 50, FilledAt: 100},
		{OrderID: "o2", AccountID: "a", ProductID: "BTCUSDT", Direction: model.DirectionCloseLong,
			Type: model.OrderLimit, Volume: 1, Price: 60, Status: model.OrderRejected, Code: 2002},
	}
	require.NoError(t, s.SaveOrders(ctx, "run-1", orders))

	gotOrders, err := s.ListOrders(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, gotOrders, 2)
	assert.Equal(t, model.OrderFilled, gotOrders[0].Status)
	assert.Equal(t, 2002, gotOrders[1].Code)

	trades := []units.ClosedTrade{
		{ProductID: "BTCUSDT", Direction: model.PositionLong, Volume: 1, Price: 60, PnL: 10, At: 200},
	}
	require.NoError(t, s.SaveTrades(ctx, "run-1", trades))

	gotTrades, err := s.ListTrades(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, gotTrades, 1)
	assert.Equal(t, 10.0, gotTrades[0].PnL)
}

func TestFramesRoundTrip(t *testing.T) {
	s := newTestResultStore(t)
	ctx := t.Context()
	require.NoError(t, s.InsertRun(ctx, sampleRun()))

	frames := []Frame{
		{TS: 100, Balance: 10000, Equity: 10000},
		{TS: 200, Balance: 10000, Equity: 10100, Profit: 100},
	}
	require.NoError(t, s.SaveFrames(ctx, "run-1", frames))

	got, err := s.ListFrames(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(100), got[0].TS)
	assert.Equal(t, 100.0, got[1].Profit)
}

func TestRecordTablesRoundTrip(t *testing.T) {
	s := newTestResultStore(t)
	ctx := t.Context()
	require.NoError(t, s.InsertRun(ctx, sampleRun()))

	tables := map[string][]map[string]any{
		"signals": {
			{"ts": float64(100), "side": "long"},
			{"ts": float64(200), "side": "close"},
		},
		"notes": {
			{"text": "warmup done"},
		},
	}
	require.NoError(t, s.SaveRecordTables(ctx, "run-1", tables))

	names, err := s.RecordTableNames(ctx, "run-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"signals", "notes"}, names)

	rows, err := s.ListRecordRows(ctx, "run-1", "signals", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "long", rows[0]["side"])
}

func TestParamsSchemaRoundTrip(t *testing.T) {
	s := newTestResultStore(t)
	ctx := t.Context()
	require.NoError(t, s.InsertRun(ctx, sampleRun()))

	schema := map[string]any{"period": map[string]any{"type": "number", "default": 14}}
	require.NoError(t, s.SaveParamsSchema(ctx, "run-1", schema))

	raw, err := s.ParamsSchema(ctx, "run-1")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "period")
}
