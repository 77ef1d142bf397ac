package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orrery/internal/kernel"
	"orrery/internal/model"
	"orrery/internal/units"
)

type stubProvider struct {
	bars []model.Bar
}

func (p *stubProvider) EnsureRange(ctx context.Context, productID, timeframe string, start, end int64) ([]model.Bar, error) {
	return p.bars, nil
}

type stubProductSource struct{}

func (stubProductSource) FetchProduct(ctx context.Context, productID string) (model.Product, error) {
	return model.Product{ProductID: productID, PriceStep: 0.1, VolumeStep: 0.001}, nil
}

// assemble mirrors the simulator's unit wiring for a single product.
func assemble(t *testing.T, name string, script Script, bars []model.Bar) (*kernel.Kernel, *units.AccountUnit, *units.MatchingUnit, *AgentUnit) {
	t.Helper()
	Register(name, script)

	k := kernel.New()
	products := units.NewProductUnit()
	loading := units.NewProductLoadingUnit(k, products, stubProductSource{})
	periods := units.NewPeriodUnit()
	series := units.NewSeriesUnit()
	loader := units.NewLoaderUnit(k, periods, &stubProvider{bars: bars})
	account, err := units.NewAccountUnit(k, periods, units.AccountConfig{
		AccountID:      name + "@BTCUSDT",
		InitialBalance: 10000,
		Timeframe:      "1h",
	})
	require.NoError(t, err)
	matching := units.NewMatchingUnit(k, periods, products, account, "1h", 0)

	a, err := New(Config{
		Kernel:         k,
		Products:       products,
		ProductLoading: loading,
		Periods:        periods,
		Series:         series,
		Loader:         loader,
		Account:        account,
		Matching:       matching,
		ScriptName:     name,
		Params:         json.RawMessage(`{}`),
		StartTime:      100,
		EndTime:        400,
	})
	require.NoError(t, err)

	k.AddUnit(products)
	k.AddUnit(loading)
	k.AddUnit(periods)
	k.AddUnit(series)
	k.AddUnit(loader)
	k.AddUnit(account)
	k.AddUnit(matching)
	k.AddUnit(a)
	return k, account, matching, a
}

func hourBars() []model.Bar {
	mk := func(start, end int64, close float64) model.Bar {
		return model.Bar{
			ProductID: "BTCUSDT", Timeframe: "1h",
			StartTime: start, EndTime: end,
			Open: close, High: close + 5, Low: close - 5, Close: close,
		}
	}
	return []model.Bar{mk(0, 100, 50), mk(100, 200, 60), mk(200, 300, 70)}
}

func TestUseOHLCSuspendsUntilDataReady(t *testing.T) {
	var lens []int
	k, _, _, _ := assemble(t, "t-ohlc", func(c *Context) {
		ohlc, ok := UseOHLC(c, "BTCUSDT", "1h")
		if !ok {
			return
		}
		lens = append(lens, ohlc.Len())
	}, hourBars())

	require.NoError(t, k.Run(context.Background()))

	// first tick sees the warmup bar, later closes extend the window
	require.NotEmpty(t, lens)
	assert.Equal(t, 1, lens[0])
	assert.Equal(t, 3, lens[len(lens)-1])
}

func TestUseProductResolvesMetadata(t *testing.T) {
	var step float64
	k, _, _, _ := assemble(t, "t-product", func(c *Context) {
		p, ok := UseProduct(c, "BTCUSDT")
		if !ok {
			return
		}
		step = p.PriceStep
	}, hourBars())

	require.NoError(t, k.Run(context.Background()))
	assert.Equal(t, 0.1, step)
}

func TestExchangeRoundTripSameTickFill(t *testing.T) {
	var fillTS int64
	var equityAfter float64
	k, account, matching, _ := assemble(t, "t-exchange", func(c *Context) {
		ohlc, ok := UseOHLC(c, "BTCUSDT", "1h")
		if !ok {
			return
		}
		ex := UseExchange(c)
		pos := UseSinglePosition(c, "BTCUSDT", model.PositionLong)
		info := UseAccountInfo(c, "")
		if ohlc.Len() >= 1 && pos.Volume == 0 && len(ex.ListOrders()) == 0 {
			ex.SubmitOrder(model.Order{
				ProductID: "BTCUSDT",
				Direction: model.DirectionOpenLong,
				Type:      model.OrderMarket,
				Volume:    1,
			})
		}
		if pos.Volume > 0 && fillTS == 0 {
			fillTS = c.Now()
			equityAfter = info.Money.Equity
		}
	}, hourBars())

	require.NoError(t, k.Run(context.Background()))

	hist := matching.History()
	require.Len(t, hist, 1)
	assert.Equal(t, model.OrderFilled, hist[0].Status)
	// the market order fills within the submitting tick
	assert.Equal(t, hist[0].FilledAt, fillTS)
	assert.Greater(t, equityAfter, 0.0)

	info := account.GetAccountInfo()
	assert.InDelta(t, info.Money.Balance+info.Money.Profit, info.Money.Equity, 1e-9)
}

func TestUseSeriesRecordsPoints(t *testing.T) {
	k, _, _, a := assemble(t, "t-series", func(c *Context) {
		ohlc, ok := UseOHLC(c, "BTCUSDT", "1h")
		if !ok {
			return
		}
		last, _ := ohlc.Last()
		UseSeries(c, "close.copy").Set(last.Close)
	}, hourBars())

	require.NoError(t, k.Run(context.Background()))

	var values []float64
	for _, v := range a.series.Get("close.copy") {
		values = append(values, v)
	}
	assert.Equal(t, []float64{50, 60, 70}, values)
}
