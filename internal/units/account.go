package units

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"orrery/internal/kernel"
	"orrery/internal/logger"
	"orrery/internal/model"
)

// AccountConfig 描述一个模拟账户。
type AccountConfig struct {
	AccountID      string
	Currency       string
	InitialBalance float64
	Leverage       float64 // 保证金杠杆，<=0 视为 1
	FeeRate        float64 // 每次成交按名义价值收取
	Timeframe      string  // 浮动盈亏参照的执行周期
}

// ClosedTrade 记录一次平仓成交的已实现净盈亏（已扣平仓手续费）。
type ClosedTrade struct {
	ProductID string                  `json:"product_id"`
	Direction model.PositionDirection `json:"direction"`
	Volume    float64                 `json:"volume"`
	Price     float64                 `json:"price"`
	PnL       float64                 `json:"pnl"`
	At        int64                   `json:"at"`
}

// AccountUnit 维护一个模拟账户：余额、权益、保证金与持仓。
// 持仓只由本单元在成交回报里变更；对外仅暴露只读快照。
type AccountUnit struct {
	kernel.Base

	k      *kernel.Kernel
	period *PeriodUnit
	cfg    AccountConfig

	mu        sync.RWMutex
	balance   float64
	positions map[string]*model.Position
	closed    []ClosedTrade
	updatedAt int64

	orderLister func(accountID string) []model.Order
}

func NewAccountUnit(k *kernel.Kernel, period *PeriodUnit, cfg AccountConfig) (*AccountUnit, error) {
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("account id is required")
	}
	if cfg.Currency == "" {
		cfg.Currency = "USDT"
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	return &AccountUnit{
		Base:      kernel.NewBase("account"),
		k:         k,
		period:    period,
		cfg:       cfg,
		balance:   cfg.InitialBalance,
		positions: make(map[string]*model.Position),
	}, nil
}

// SetOrderLister 注入挂单快照来源（撮合单元在装配时设置）。
func (u *AccountUnit) SetOrderLister(fn func(accountID string) []model.Order) {
	u.orderLister = fn
}

func (u *AccountUnit) AccountID() string { return u.cfg.AccountID }

func positionKey(productID string, dir model.PositionDirection) string {
	return productID + "#" + string(dir)
}

// OnEvent 在每个事件上按当前 K 线重算浮动盈亏。
func (u *AccountUnit) OnEvent(ctx context.Context) error {
	u.mu.Lock()
	u.markToMarket(u.k.Now())
	u.mu.Unlock()
	return nil
}

// ApplyFill 应用一笔成交：开仓增加持仓（加权开仓均价），平仓减少
// 持仓并把已实现盈亏计入余额，随后重算资金快照。
func (u *AccountUnit) ApplyFill(order model.Order, fillPrice, fillVolume float64, at int64) error {
	if order.AccountID != u.cfg.AccountID {
		return fmt.Errorf("fill for foreign account %s (simulating %s)", order.AccountID, u.cfg.AccountID)
	}
	if fillVolume <= 0 || math.IsNaN(fillVolume) || math.IsInf(fillVolume, 0) {
		return &InvalidFillError{AccountID: order.AccountID, OrderID: order.OrderID,
			Volume: fillVolume, Price: fillPrice, At: at, Reason: "volume must be positive"}
	}
	if fillPrice <= 0 || math.IsNaN(fillPrice) || math.IsInf(fillPrice, 0) {
		return &InvalidFillError{AccountID: order.AccountID, OrderID: order.OrderID,
			Volume: fillVolume, Price: fillPrice, At: at, Reason: "price must be positive"}
	}
	dir := order.Direction.PositionDirection()
	if dir == "" {
		return &UnknownDirectionError{OrderID: order.OrderID, Direction: order.Direction, At: at}
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	key := positionKey(order.ProductID, dir)
	pos := u.positions[key]
	if order.Direction.IsOpen() {
		if pos == nil {
			pos = &model.Position{
				PositionID: key,
				AccountID:  u.cfg.AccountID,
				ProductID:  order.ProductID,
				Direction:  dir,
			}
			u.positions[key] = pos
		}
		newVolume := pos.Volume + fillVolume
		pos.PositionPrice = (pos.PositionPrice*pos.Volume + fillPrice*fillVolume) / newVolume
		pos.Volume = newVolume
		pos.FreeVolume = newVolume
	} else {
		if pos == nil || pos.Volume < fillVolume {
			held := 0.0
			if pos != nil {
				held = pos.Volume
			}
			return &InvalidFillError{AccountID: order.AccountID, OrderID: order.OrderID,
				Volume: fillVolume, Price: fillPrice, At: at,
				Reason: fmt.Sprintf("close volume exceeds held %v", held)}
		}
		realized := (fillPrice - pos.PositionPrice) * fillVolume
		if dir == model.PositionShort {
			realized = -realized
		}
		u.balance += realized
		closeFee := 0.0
		if u.cfg.FeeRate > 0 {
			closeFee = fillPrice * fillVolume * u.cfg.FeeRate
		}
		u.closed = append(u.closed, ClosedTrade{
			ProductID: order.ProductID,
			Direction: dir,
			Volume:    fillVolume,
			Price:     fillPrice,
			PnL:       realized - closeFee,
			At:        at,
		})
		pos.Volume -= fillVolume
		pos.FreeVolume = pos.Volume
		if pos.Volume == 0 {
			delete(u.positions, key)
		}
	}
	if u.cfg.FeeRate > 0 {
		u.balance -= fillPrice * fillVolume * u.cfg.FeeRate
	}
	u.markToMarket(at)
	logger.Debugf("[account] %s fill %s %s vol=%v @ %v balance=%.6f",
		u.cfg.AccountID, order.Direction, order.ProductID, fillVolume, fillPrice, u.balance)
	return nil
}

// markToMarket 重算浮动盈亏与资金字段。调用方持有 u.mu。
func (u *AccountUnit) markToMarket(at int64) {
	for _, pos := range u.positions {
		bar, ok := u.period.CurrentBar(pos.ProductID, u.cfg.Timeframe)
		if !ok {
			continue
		}
		pos.ClosablePrice = bar.Close
		profit := (bar.Close - pos.PositionPrice) * pos.Volume
		if pos.Direction == model.PositionShort {
			profit = -profit
		}
		pos.FloatingProfit = profit
	}
	u.updatedAt = at
}

// GetAccountInfo 返回账户的内部一致快照。
func (u *AccountUnit) GetAccountInfo() model.AccountInfo {
	u.mu.RLock()
	defer u.mu.RUnlock()

	positions := make([]model.Position, 0, len(u.positions))
	floating := 0.0
	used := 0.0
	for _, p := range u.positions {
		positions = append(positions, *p)
		floating += p.FloatingProfit
		used += p.PositionPrice * p.Volume / u.cfg.Leverage
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].PositionID < positions[j].PositionID })

	equity := u.balance + floating
	info := model.AccountInfo{
		AccountID: u.cfg.AccountID,
		Money: model.AccountMoney{
			Currency: u.cfg.Currency,
			Balance:  u.balance,
			Equity:   equity,
			Profit:   floating,
			Used:     used,
			Free:     equity - used,
		},
		Positions: positions,
		UpdatedAt: u.updatedAt,
	}
	if u.orderLister != nil {
		info.Orders = u.orderLister(u.cfg.AccountID)
	}
	return info
}

// ClosedTrades 返回平仓成交流水快照（按时间顺序）。
func (u *AccountUnit) ClosedTrades() []ClosedTrade {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]ClosedTrade, len(u.closed))
	copy(out, u.closed)
	return out
}

// Position 返回 (product, direction) 持仓快照；不存在时返回零值。
func (u *AccountUnit) Position(productID string, dir model.PositionDirection) model.Position {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if p, ok := u.positions[positionKey(productID, dir)]; ok {
		return *p
	}
	return model.Position{
		PositionID: positionKey(productID, dir),
		AccountID:  u.cfg.AccountID,
		ProductID:  productID,
		Direction:  dir,
	}
}
