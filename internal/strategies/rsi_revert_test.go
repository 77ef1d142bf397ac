package strategies

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orrery/internal/agent"
	"orrery/internal/kernel"
	"orrery/internal/model"
	"orrery/internal/units"
)

const hourMs = int64(time.Hour / time.Millisecond)

// declineProvider serves bars whose close keeps falling with low == close,
// so a bid one step under the close rests below the bar that quoted it.
type declineProvider struct{}

func (declineProvider) EnsureRange(_ context.Context, productID, timeframe string, start, end int64) ([]model.Bar, error) {
	var bars []model.Bar
	px := 100.0
	for ts := start; ts < end; ts += hourMs {
		bars = append(bars, model.Bar{
			ProductID: productID,
			Timeframe: timeframe,
			Open:      px + 1,
			High:      px + 1,
			Low:       px,
			Close:     px,
			Volume:    5,
			StartTime: ts,
			EndTime:   ts + hourMs,
		})
		px -= 1
	}
	return bars, nil
}

type declineSource struct{}

func (declineSource) FetchProduct(_ context.Context, productID string) (model.Product, error) {
	return model.Product{ProductID: productID, PriceStep: 0.1, VolumeStep: 0.001}, nil
}

// The oversold branch must converge at each timestamp: one resting bid
// per bar, no cancel/replace churn within the same virtual time.
func TestRSIRevertConvergesWhileOversold(t *testing.T) {
	k := kernel.New()
	products := units.NewProductUnit()
	loading := units.NewProductLoadingUnit(k, products, declineSource{})
	periods := units.NewPeriodUnit()
	series := units.NewSeriesUnit()
	loader := units.NewLoaderUnit(k, periods, declineProvider{})
	account, err := units.NewAccountUnit(k, periods, units.AccountConfig{
		AccountID:      "rsi-revert@BTCUSDT",
		InitialBalance: 10000,
		Timeframe:      "1h",
	})
	require.NoError(t, err)
	matching := units.NewMatchingUnit(k, periods, products, account, "1h", 0)
	ag, err := agent.New(agent.Config{
		Kernel:         k,
		Products:       products,
		ProductLoading: loading,
		Periods:        periods,
		Series:         series,
		Loader:         loader,
		Account:        account,
		Matching:       matching,
		ScriptName:     "rsi-revert",
		Params:         json.RawMessage(`{"period":2,"oversold":30}`),
		StartTime:      hourMs,
		EndTime:        7 * hourMs,
	})
	require.NoError(t, err)

	k.AddUnit(products)
	k.AddUnit(loading)
	k.AddUnit(periods)
	k.AddUnit(series)
	k.AddUnit(loader)
	k.AddUnit(account)
	k.AddUnit(matching)
	k.AddUnit(ag)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, k.Run(ctx), "run must drain the event queue on its own")

	hist := matching.History()
	pending := matching.ListOrders("rsi-revert@BTCUSDT")
	assert.Less(t, len(hist)+len(pending), 10, "at most one quote per bar")
	assert.LessOrEqual(t, len(pending), 1)
	assert.Less(t, k.Passes(), int64(100))

	cancelled := 0
	for _, o := range hist {
		if o.Status == model.OrderCancelled {
			cancelled++
		}
	}
	assert.LessOrEqual(t, cancelled, 6, "one cancel/replace per bar at most")
}
