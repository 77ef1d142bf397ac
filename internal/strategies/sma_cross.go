package strategies

import (
	"github.com/markcheno/go-talib"

	"orrery/internal/agent"
	"orrery/internal/model"
)

func init() {
	agent.Register("sma-cross", SMACross)
}

// SMACross is a long-only dual moving average strategy: it opens when
// the fast SMA crosses above the slow SMA and closes on the opposite
// cross. Signals are evaluated on closed bars only.
func SMACross(c *agent.Context) {
	productID, timeframe := agent.UseParamOHLC(c, "ohlc", "BTCUSDT", "1h")
	fast := int(agent.UseParamNumber(c, "fast", 10, map[string]any{"minimum": 2}))
	slow := int(agent.UseParamNumber(c, "slow", 30, map[string]any{"minimum": 3}))
	volume := agent.UseParamNumber(c, "volume", 1, map[string]any{"exclusiveMinimum": 0})

	ohlc, ok := agent.UseOHLC(c, productID, timeframe)
	if !ok {
		return
	}
	product, ok := agent.UseProduct(c, productID)
	if !ok {
		return
	}
	if slow <= fast {
		slow = fast + 1
	}

	closes := ohlc.Closes()
	if len(closes) <= slow {
		return
	}

	fastLine := agent.UseMemo(c, func() []float64 {
		return talib.Sma(closes, fast)
	}, len(closes), fast)
	slowLine := agent.UseMemo(c, func() []float64 {
		return talib.Sma(closes, slow)
	}, len(closes), slow)

	i := len(closes) - 1
	fastSeries := agent.UseSeries(c, "sma.fast")
	slowSeries := agent.UseSeries(c, "sma.slow")
	fastSeries.Set(fastLine[i])
	slowSeries.Set(slowLine[i])

	crossUp := fastLine[i-1] <= slowLine[i-1] && fastLine[i] > slowLine[i]
	crossDown := fastLine[i-1] >= slowLine[i-1] && fastLine[i] < slowLine[i]

	ex := agent.UseExchange(c)
	pos := agent.UseSinglePosition(c, productID, model.PositionLong)
	signals := agent.UseRecordTable(c, "signals")

	qty := model.RoundToStep(volume, product.VolumeStep)
	if qty <= 0 {
		return
	}

	if crossUp && pos.FreeVolume == 0 {
		o := ex.SubmitOrder(model.Order{
			ProductID: productID,
			Direction: model.DirectionOpenLong,
			Type:      model.OrderMarket,
			Volume:    qty,
		})
		signals.Push(map[string]any{"ts": c.Now(), "action": "open", "order_id": o.OrderID, "fast": fastLine[i], "slow": slowLine[i]})
		agent.UseLog(c, "sma cross up, open long %v", qty)
	}
	if crossDown && pos.FreeVolume > 0 {
		o := ex.SubmitOrder(model.Order{
			ProductID: productID,
			Direction: model.DirectionCloseLong,
			Type:      model.OrderMarket,
			Volume:    pos.FreeVolume,
		})
		signals.Push(map[string]any{"ts": c.Now(), "action": "close", "order_id": o.OrderID, "fast": fastLine[i], "slow": slowLine[i]})
		agent.UseLog(c, "sma cross down, close long %v", pos.FreeVolume)
	}
}
