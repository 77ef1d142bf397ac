package units

import (
	"fmt"
	"sync"

	"orrery/internal/kernel"
	"orrery/internal/logger"
	"orrery/internal/model"
)

// PeriodUnit 按 (product, timeframe) 存储 K 线：已封闭的历史加一根
// 可变的"当前"K 线。同一 start_time 的重复写入原地替换当前 K 线，
// 更新的 start_time 将当前 K 线封入历史。start_time 回退视为违规，
// 丢弃并上报。
type PeriodUnit struct {
	kernel.Base

	mu     sync.RWMutex
	series map[string]*barSeries
}

type barSeries struct {
	history []model.Bar
	current *model.Bar
}

func NewPeriodUnit() *PeriodUnit {
	return &PeriodUnit{
		Base:   kernel.NewBase("period"),
		series: make(map[string]*barSeries),
	}
}

func periodKey(productID, timeframe string) string {
	return productID + "@" + timeframe
}

// AppendOrUpdate 写入一根 K 线。返回 *OrderingViolationError 时更新
// 已被丢弃，调用方可继续（reported, non-fatal）。
func (u *PeriodUnit) AppendOrUpdate(bar model.Bar, at int64) error {
	if bar.ProductID == "" || bar.Timeframe == "" {
		return fmt.Errorf("bar missing product/timeframe")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	key := periodKey(bar.ProductID, bar.Timeframe)
	s := u.series[key]
	if s == nil {
		s = &barSeries{}
		u.series[key] = s
	}
	switch {
	case s.current == nil:
		b := bar
		s.current = &b
	case bar.StartTime == s.current.StartTime:
		// same period, in-place refresh
		b := bar
		s.current = &b
	case bar.StartTime > s.current.StartTime:
		s.history = append(s.history, *s.current)
		b := bar
		s.current = &b
	default:
		err := &OrderingViolationError{
			ProductID: bar.ProductID,
			Timeframe: bar.Timeframe,
			GotStart:  bar.StartTime,
			LastStart: s.current.StartTime,
			At:        at,
		}
		logger.Warnf("[period] %v", err)
		return err
	}
	return nil
}

// CurrentBar 返回当前（未封闭）K 线的拷贝。
func (u *PeriodUnit) CurrentBar(productID, timeframe string) (model.Bar, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	s := u.series[periodKey(productID, timeframe)]
	if s == nil || s.current == nil {
		return model.Bar{}, false
	}
	return *s.current, true
}

// Bars 返回历史加当前 K 线的快照，按时间升序。
func (u *PeriodUnit) Bars(productID, timeframe string) []model.Bar {
	u.mu.RLock()
	defer u.mu.RUnlock()
	s := u.series[periodKey(productID, timeframe)]
	if s == nil {
		return nil
	}
	out := make([]model.Bar, 0, len(s.history)+1)
	out = append(out, s.history...)
	if s.current != nil {
		out = append(out, *s.current)
	}
	return out
}

// Count 返回某序列的 K 线数量（含当前）。
func (u *PeriodUnit) Count(productID, timeframe string) int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	s := u.series[periodKey(productID, timeframe)]
	if s == nil {
		return 0
	}
	n := len(s.history)
	if s.current != nil {
		n++
	}
	return n
}
