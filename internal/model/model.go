package model

// Product 描述一个可交易品种的元数据，加载后不可变。
type Product struct {
	ProductID     string  `json:"product_id"`
	DatasourceID  string  `json:"datasource_id"`
	BaseCurrency  string  `json:"base_currency"`
	QuoteCurrency string  `json:"quote_currency"`
	PriceStep     float64 `json:"price_step"`
	VolumeStep    float64 `json:"volume_step"`
}

// Bar 是一根 OHLC K 线。StartTime/EndTime 为 Unix 毫秒。
type Bar struct {
	ProductID string  `json:"product_id"`
	Timeframe string  `json:"timeframe"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	StartTime int64   `json:"start_time"`
	EndTime   int64   `json:"end_time"`
}

// OrderDirection 与交易所适配层共享的方向编码。
type OrderDirection string

const (
	DirectionOpenLong   OrderDirection = "OPEN_LONG"
	DirectionOpenShort  OrderDirection = "OPEN_SHORT"
	DirectionCloseLong  OrderDirection = "CLOSE_LONG"
	DirectionCloseShort OrderDirection = "CLOSE_SHORT"
)

// PositionDirection 返回该笔委托作用到的持仓方向。
// 未识别的方向返回空串，由撮合侧拒单。
func (d OrderDirection) PositionDirection() PositionDirection {
	switch d {
	case DirectionOpenLong, DirectionCloseLong:
		return PositionLong
	case DirectionOpenShort, DirectionCloseShort:
		return PositionShort
	}
	return ""
}

// IsOpen 报告该方向是否增加持仓。
func (d OrderDirection) IsOpen() bool {
	return d == DirectionOpenLong || d == DirectionOpenShort
}

type OrderType string

const (
	OrderLimit  OrderType = "LIMIT"
	OrderMarket OrderType = "MARKET"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Order 是策略提交给撮合单元的委托。
// Price 仅对 LIMIT 有意义；FilledPrice/FilledAt 在成交后回填。
type Order struct {
	OrderID     string         `json:"order_id"`
	AccountID   string         `json:"account_id"`
	ProductID   string         `json:"product_id"`
	Direction   OrderDirection `json:"direction"`
	Type        OrderType      `json:"type"`
	Volume      float64        `json:"volume"`
	Price       float64        `json:"price,omitempty"`
	Status      OrderStatus    `json:"status"`
	Code        int            `json:"code,omitempty"`
	Message     string         `json:"message,omitempty"`
	FilledPrice float64        `json:"filled_price,omitempty"`
	FilledAt    int64          `json:"filled_at,omitempty"`
	SubmittedAt int64          `json:"submitted_at"`
}

type PositionDirection string

const (
	PositionLong  PositionDirection = "LONG"
	PositionShort PositionDirection = "SHORT"
)

// Position 按 (account, product, direction) 聚合的持仓。
type Position struct {
	PositionID     string            `json:"position_id"`
	AccountID      string            `json:"account_id"`
	ProductID      string            `json:"product_id"`
	Direction      PositionDirection `json:"direction"`
	Volume         float64           `json:"volume"`
	FreeVolume     float64           `json:"free_volume"`
	PositionPrice  float64           `json:"position_price"`
	ClosablePrice  float64           `json:"closable_price"`
	FloatingProfit float64           `json:"floating_profit"`
}

// AccountMoney 是账户资金快照。
type AccountMoney struct {
	Currency string  `json:"currency"`
	Equity   float64 `json:"equity"`
	Balance  float64 `json:"balance"`
	Free     float64 `json:"free"`
	Used     float64 `json:"used"`
	Profit   float64 `json:"profit"`
}

// AccountInfo 与实盘账户共用的快照结构，模拟账户与真实账户对调用方等价。
type AccountInfo struct {
	AccountID string       `json:"account_id"`
	Money     AccountMoney `json:"money"`
	Positions []Position   `json:"positions"`
	Orders    []Order      `json:"orders"`
	UpdatedAt int64        `json:"updated_at"`
}
