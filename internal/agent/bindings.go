package agent

import (
	"iter"

	"orrery/internal/model"
	"orrery/internal/units"
)

// OHLC is a per-tick snapshot of one product/timeframe bar series,
// history plus the still-open current bar.
type OHLC struct {
	ProductID string
	Timeframe string
	Bars      []model.Bar
}

func (o OHLC) Len() int { return len(o.Bars) }

// Last returns the current (most recent) bar.
func (o OHLC) Last() (model.Bar, bool) {
	if len(o.Bars) == 0 {
		return model.Bar{}, false
	}
	return o.Bars[len(o.Bars)-1], true
}

// Closes returns close prices in time order, ready for indicator input.
func (o OHLC) Closes() []float64 {
	out := make([]float64, len(o.Bars))
	for i, b := range o.Bars {
		out[i] = b.Close
	}
	return out
}

// UseOHLC binds the strategy to a product's bar series. The first call
// schedules the historical range load for the run window; until the
// range is ready the invocation suspends. Afterwards it returns a fresh
// snapshot each tick.
func UseOHLC(c *Context, productID, timeframe string) (OHLC, bool) {
	s, first := c.next(slotBinding)
	if first {
		s.value = c.unit.loader.Request(c.unit.runCtx, productID, timeframe, c.unit.startTime, c.unit.endTime)
	}
	task := s.value.(*units.RangeTask)
	state, err := c.unit.loader.State(task)
	if state != units.TaskReady {
		if state == units.TaskFailed && err != nil {
			// only reachable on run cancellation; transient source
			// failures retry inside the loader
			return OHLC{ProductID: productID, Timeframe: timeframe}, false
		}
		c.suspendOn(task.Ready())
		return OHLC{ProductID: productID, Timeframe: timeframe}, false
	}
	return OHLC{
		ProductID: productID,
		Timeframe: timeframe,
		Bars:      c.unit.periods.Bars(productID, timeframe),
	}, true
}

// UseProduct resolves product metadata, loading it on demand. Suspends
// while the load is in flight.
func UseProduct(c *Context, productID string) (model.Product, bool) {
	s, first := c.next(slotBinding)
	if first {
		s.value = c.unit.loading.Ensure(c.unit.runCtx, productID)
	}
	if p, ok := c.unit.products.Get(productID); ok {
		return p, true
	}
	c.suspendOn(s.value.(<-chan struct{}))
	return model.Product{}, false
}

// UseAccountInfo returns the simulated account snapshot as of this tick.
func UseAccountInfo(c *Context, accountID string) model.AccountInfo {
	c.next(slotBinding)
	info := c.unit.account.GetAccountInfo()
	if accountID != "" && info.AccountID != accountID {
		return model.AccountInfo{AccountID: accountID}
	}
	return info
}

// UseSinglePosition returns the (product, direction) position snapshot;
// a zero-volume position if none is open.
func UseSinglePosition(c *Context, productID string, direction model.PositionDirection) model.Position {
	c.next(slotBinding)
	return c.unit.account.Position(productID, direction)
}

// Exchange is the order surface bound to the matching unit.
type Exchange struct {
	unit *AgentUnit
}

// SubmitOrder submits an order intent; the account id defaults to the
// simulated account. The returned order carries the terminal status for
// immediate rejections, PENDING otherwise.
func (e Exchange) SubmitOrder(o model.Order) model.Order {
	if o.AccountID == "" {
		o.AccountID = e.unit.account.AccountID()
	}
	return e.unit.matching.SubmitOrder(o)
}

// CancelOrder removes a pending order before the next matching pass.
// It has no effect on fills already applied.
func (e Exchange) CancelOrder(orderID string) bool {
	return e.unit.matching.CancelOrder(orderID)
}

// ListOrders returns the account's pending orders.
func (e Exchange) ListOrders() []model.Order {
	return e.unit.matching.ListOrders(e.unit.account.AccountID())
}

// UseExchange returns the order API for the simulated account.
func UseExchange(c *Context) Exchange {
	c.next(slotBinding)
	return Exchange{unit: c.unit}
}

// Series is a named output series handle.
type Series struct {
	unit *AgentUnit
	key  string
	now  int64
}

// Set records value at the current virtual time (last write wins per
// timestamp).
func (s Series) Set(value float64) {
	s.unit.series.Set(s.key, s.now, value)
}

// SetAt records value at an explicit timestamp.
func (s Series) SetAt(timestamp int64, value float64) {
	s.unit.series.Set(s.key, timestamp, value)
}

// Points iterates the series in time order.
func (s Series) Points() iter.Seq2[int64, float64] {
	return s.unit.series.Get(s.key)
}

// UseSeries binds a named numeric series for recording custom metrics.
func UseSeries(c *Context, key string) Series {
	c.next(slotBinding)
	return Series{unit: c.unit, key: key, now: c.now}
}

// RecordTable appends structured rows to a named output table read by
// callers after the run.
type RecordTable struct {
	unit *AgentUnit
	name string
}

func (t RecordTable) Push(row map[string]any) {
	u := t.unit
	if _, ok := u.tables[t.name]; !ok {
		u.tableOrder = append(u.tableOrder, t.name)
	}
	u.tables[t.name] = append(u.tables[t.name], row)
}

func UseRecordTable(c *Context, name string) RecordTable {
	c.next(slotBinding)
	return RecordTable{unit: c.unit, name: name}
}

// UseLog writes a strategy log line stamped with the virtual clock.
func UseLog(c *Context, format string, args ...any) {
	c.unit.log(c.now, format, args...)
}
