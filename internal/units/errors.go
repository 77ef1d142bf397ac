package units

import (
	"errors"
	"fmt"

	"orrery/internal/model"
)

// ErrProductNotFound 表示加载完成后品种仍不存在。
var ErrProductNotFound = errors.New("product not found")

// OrderingViolationError 表示 K 线更新的 start_time 出现回退。
// 违规更新会被丢弃而不是写入历史。
type OrderingViolationError struct {
	ProductID string
	Timeframe string
	GotStart  int64
	LastStart int64
	At        int64
}

func (e *OrderingViolationError) Error() string {
	return fmt.Sprintf("out-of-order bar for %s@%s at t=%d: start=%d < last=%d",
		e.ProductID, e.Timeframe, e.At, e.GotStart, e.LastStart)
}

// InvalidFillError 表示成交参数非法（数量/价格为零或负数等）。
type InvalidFillError struct {
	AccountID string
	OrderID   string
	Volume    float64
	Price     float64
	At        int64
	Reason    string
}

func (e *InvalidFillError) Error() string {
	return fmt.Sprintf("invalid fill for order %s (account %s) at t=%d: volume=%v price=%v: %s",
		e.OrderID, e.AccountID, e.At, e.Volume, e.Price, e.Reason)
}

// UnknownDirectionError 表示订单方向无法识别，订单被拒绝且不重试。
type UnknownDirectionError struct {
	OrderID   string
	Direction model.OrderDirection
	At        int64
}

func (e *UnknownDirectionError) Error() string {
	return fmt.Sprintf("unknown order direction %q for order %s at t=%d", e.Direction, e.OrderID, e.At)
}
