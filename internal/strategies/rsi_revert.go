package strategies

import (
	"github.com/markcheno/go-talib"

	"orrery/internal/agent"
	"orrery/internal/model"
)

func init() {
	agent.Register("rsi-revert", RSIRevert)
}

// RSIRevert is a mean-reversion strategy built on limit orders: when
// RSI drops below the oversold threshold it rests a bid one step below
// the last close, and unwinds the position once RSI recovers past the
// overbought threshold. A stale resting order is cancelled before a new
// one is placed.
func RSIRevert(c *agent.Context) {
	productID, timeframe := agent.UseParamOHLC(c, "ohlc", "BTCUSDT", "1h")
	period := int(agent.UseParamNumber(c, "period", 14, map[string]any{"minimum": 2}))
	oversold := agent.UseParamNumber(c, "oversold", 30, map[string]any{"minimum": 1, "maximum": 50})
	overbought := agent.UseParamNumber(c, "overbought", 70, map[string]any{"minimum": 50, "maximum": 99})
	volume := agent.UseParamNumber(c, "volume", 1, map[string]any{"exclusiveMinimum": 0})
	allowShort := agent.UseParamBoolean(c, "allow_short", false)

	ohlc, ok := agent.UseOHLC(c, productID, timeframe)
	if !ok {
		return
	}
	product, ok := agent.UseProduct(c, productID)
	if !ok {
		return
	}

	closes := ohlc.Closes()
	if len(closes) <= period {
		return
	}

	rsi := agent.UseMemo(c, func() []float64 {
		return talib.Rsi(closes, period)
	}, len(closes), period)
	last := rsi[len(rsi)-1]
	agent.UseSeries(c, "rsi").Set(last)

	ex := agent.UseExchange(c)
	longPos := agent.UseSinglePosition(c, productID, model.PositionLong)
	shortPos := agent.UseSinglePosition(c, productID, model.PositionShort)
	restingBid, setRestingBid := agent.UseState(c, "")
	quotedAt, setQuotedAt := agent.UseState(c, int64(0))

	price := closes[len(closes)-1]
	lastBar, _ := ohlc.Last()
	qty := model.RoundToStep(volume, product.VolumeStep)
	if qty <= 0 {
		return
	}

	switch {
	case last < oversold && longPos.FreeVolume == 0:
		// re-quote at most once per bar, otherwise the resting bid
		// stays put and the tick converges
		if restingBid != "" && quotedAt == lastBar.StartTime {
			break
		}
		if restingBid != "" {
			ex.CancelOrder(restingBid)
		}
		bid := model.FloorToStep(price-product.PriceStep, product.PriceStep)
		o := ex.SubmitOrder(model.Order{
			ProductID: productID,
			Direction: model.DirectionOpenLong,
			Type:      model.OrderLimit,
			Volume:    qty,
			Price:     bid,
		})
		if o.Status == model.OrderPending {
			setRestingBid(o.OrderID)
			setQuotedAt(lastBar.StartTime)
		}
		agent.UseLog(c, "rsi=%.1f oversold, bid %v @ %v", last, qty, bid)

	case last > overbought:
		if restingBid != "" {
			ex.CancelOrder(restingBid)
			setRestingBid("")
		}
		if longPos.FreeVolume > 0 {
			ex.SubmitOrder(model.Order{
				ProductID: productID,
				Direction: model.DirectionCloseLong,
				Type:      model.OrderMarket,
				Volume:    longPos.FreeVolume,
			})
			agent.UseLog(c, "rsi=%.1f overbought, close long %v", last, longPos.FreeVolume)
		} else if allowShort && shortPos.FreeVolume == 0 {
			ex.SubmitOrder(model.Order{
				ProductID: productID,
				Direction: model.DirectionOpenShort,
				Type:      model.OrderMarket,
				Volume:    qty,
			})
			agent.UseLog(c, "rsi=%.1f overbought, open short %v", last, qty)
		}

	case last > oversold+10 && shortPos.FreeVolume > 0:
		ex.SubmitOrder(model.Order{
			ProductID: productID,
			Direction: model.DirectionCloseShort,
			Type:      model.OrderMarket,
			Volume:    shortPos.FreeVolume,
		})
		agent.UseLog(c, "rsi=%.1f recovered, close short %v", last, shortPos.FreeVolume)
	}
}
