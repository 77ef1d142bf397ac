package units

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"orrery/internal/kernel"
	"orrery/internal/logger"
	"orrery/internal/model"

	"github.com/google/uuid"
)

// 拒单诊断码，随订单一起返回给调用方。
const (
	RejectUnknownDirection = 2001
	RejectInvalidFill      = 2002
	RejectInvalidVolume    = 2003
	RejectUnknownType      = 2004
	RejectInvalidPrice     = 2005
)

// MatchingUnit 在每个事件上用当前 K 线模拟撮合：市价单按收盘价加
// 滑点立即全量成交，限价单在 [low, high] 覆盖委托价时按委托价全量
// 成交（不支持部分成交）。成交路由给 AccountUnit。
type MatchingUnit struct {
	kernel.Base

	k           *kernel.Kernel
	period      *PeriodUnit
	products    *ProductUnit
	account     *AccountUnit
	timeframe   string
	slippageBps float64

	mu      sync.RWMutex
	pending []*model.Order
	history []model.Order
}

func NewMatchingUnit(k *kernel.Kernel, period *PeriodUnit, products *ProductUnit, account *AccountUnit, timeframe string, slippageBps float64) *MatchingUnit {
	u := &MatchingUnit{
		Base:        kernel.NewBase("matching"),
		k:           k,
		period:      period,
		products:    products,
		account:     account,
		timeframe:   timeframe,
		slippageBps: slippageBps,
	}
	account.SetOrderLister(u.ListOrders)
	return u
}

// SubmitOrder 把订单加入待撮合列表并在当前虚拟时间再触发一轮事件，
// 因此市价单会在同一时间戳内成交。方向非法的订单立即拒绝。
func (u *MatchingUnit) SubmitOrder(o model.Order) model.Order {
	now := u.k.Now()
	if o.OrderID == "" {
		o.OrderID = uuid.NewString()
	}
	o.SubmittedAt = now
	if o.Direction.PositionDirection() == "" {
		err := &UnknownDirectionError{OrderID: o.OrderID, Direction: o.Direction, At: now}
		logger.Warnf("[matching] %v", err)
		o.Status = model.OrderRejected
		o.Code = RejectUnknownDirection
		o.Message = err.Error()
		u.mu.Lock()
		u.history = append(u.history, o)
		u.mu.Unlock()
		return o
	}
	if o.Volume <= 0 {
		return u.reject(o, RejectInvalidVolume, "order volume must be positive")
	}
	switch o.Type {
	case model.OrderMarket:
	case model.OrderLimit:
		if o.Price <= 0 {
			return u.reject(o, RejectInvalidPrice, "limit price must be positive")
		}
		// 限价单按委托价原价成交，价格不对齐步长的在入口就拒掉，
		// 避免成交价被磨到 K 线范围之外。
		if p, ok := u.products.Get(o.ProductID); ok && p.PriceStep > 0 {
			if model.RoundToStep(o.Price, p.PriceStep) != o.Price {
				return u.reject(o, RejectInvalidPrice,
					fmt.Sprintf("limit price %v not aligned to price step %v", o.Price, p.PriceStep))
			}
		}
	default:
		return u.reject(o, RejectUnknownType, fmt.Sprintf("unknown order type %q", o.Type))
	}
	o.Status = model.OrderPending
	cp := o
	u.mu.Lock()
	u.pending = append(u.pending, &cp)
	u.mu.Unlock()
	u.k.Alloc(now)
	return o
}

// reject 直接落入终态历史，不进待撮合列表。
func (u *MatchingUnit) reject(o model.Order, code int, message string) model.Order {
	o.Status = model.OrderRejected
	o.Code = code
	o.Message = message
	u.mu.Lock()
	u.history = append(u.history, o)
	u.mu.Unlock()
	return o
}

// CancelOrder 把订单移出待撮合列表。对已成交的订单无效。
func (u *MatchingUnit) CancelOrder(orderID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, o := range u.pending {
		if o.OrderID == orderID {
			o.Status = model.OrderCancelled
			u.history = append(u.history, *o)
			u.pending = append(u.pending[:i], u.pending[i+1:]...)
			return true
		}
	}
	return false
}

// ListOrders 返回某账户的挂单快照。
func (u *MatchingUnit) ListOrders(accountID string) []model.Order {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]model.Order, 0, len(u.pending))
	for _, o := range u.pending {
		if accountID == "" || o.AccountID == accountID {
			out = append(out, *o)
		}
	}
	return out
}

// History 返回终态订单（FILLED/REJECTED/CANCELLED）快照。
func (u *MatchingUnit) History() []model.Order {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]model.Order, len(u.history))
	copy(out, u.history)
	return out
}

func (u *MatchingUnit) OnEvent(ctx context.Context) error {
	now := u.k.Now()
	u.mu.Lock()
	orders := make([]*model.Order, len(u.pending))
	copy(orders, u.pending)
	u.mu.Unlock()

	for _, o := range orders {
		bar, ok := u.period.CurrentBar(o.ProductID, u.timeframe)
		if !ok {
			continue
		}
		price, matched := u.matchPrice(o, bar)
		if !matched {
			continue
		}
		volume := o.Volume
		if p, ok := u.products.Get(o.ProductID); ok {
			// 限价单成交价必须等于委托价（入口已对齐），只有市价单
			// 的 close±slip 需要磨到价格步长
			if o.Type == model.OrderMarket {
				price = model.RoundToStep(price, p.PriceStep)
			}
			volume = model.FloorToStep(volume, p.VolumeStep)
		}
		if err := u.account.ApplyFill(*o, price, volume, now); err != nil {
			var inv *InvalidFillError
			var unk *UnknownDirectionError
			if errors.As(err, &inv) || errors.As(err, &unk) {
				logger.Warnf("[matching] reject order %s: %v", o.OrderID, err)
				u.settle(o, model.OrderRejected, RejectInvalidFill, err.Error(), 0, now)
				continue
			}
			return err
		}
		u.settle(o, model.OrderFilled, 0, "OK", price, now)
	}
	return nil
}

// matchPrice 返回成交价；不满足成交条件时 matched 为 false。
func (u *MatchingUnit) matchPrice(o *model.Order, bar model.Bar) (float64, bool) {
	switch o.Type {
	case model.OrderMarket:
		price := bar.Close
		slip := price * u.slippageBps / 10000
		// 买方向向上滑，卖方向向下滑
		switch o.Direction {
		case model.DirectionOpenLong, model.DirectionCloseShort:
			price += slip
		case model.DirectionOpenShort, model.DirectionCloseLong:
			price -= slip
		}
		return price, true
	case model.OrderLimit:
		if bar.Low <= o.Price && o.Price <= bar.High {
			return o.Price, true
		}
		return 0, false
	default:
		return 0, false
	}
}

func (u *MatchingUnit) settle(o *model.Order, status model.OrderStatus, code int, message string, price float64, at int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	o.Status = status
	o.Code = code
	o.Message = message
	if status == model.OrderFilled {
		o.FilledPrice = price
		o.FilledAt = at
	}
	u.history = append(u.history, *o)
	for i, p := range u.pending {
		if p.OrderID == o.OrderID {
			u.pending = append(u.pending[:i], u.pending[i+1:]...)
			break
		}
	}
}
